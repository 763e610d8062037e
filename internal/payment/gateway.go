package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Payment status values reported by the provider. Anything other than
// StatusPaid is treated as not-yet-confirmed.
const (
	StatusUnpaid = "unpaid"
	StatusPaid   = "paid"
)

var ErrGateway = errors.New("payment gateway error")

// SessionMetadata is the binding between a payment and a specific
// reservation. It must round-trip through the provider unchanged.
type SessionMetadata struct {
	UserID    string `json:"user_id"`
	ProductID string `json:"product_id"`
	UnitID    string `json:"unit_id"`
}

type SessionInput struct {
	ProductName string          `json:"product_name"`
	AmountCents int             `json:"amount_cents"`
	Currency    string          `json:"currency"`
	SuccessURL  string          `json:"success_url"`
	CancelURL   string          `json:"cancel_url"`
	Metadata    SessionMetadata `json:"metadata"`
}

type Session struct {
	ID            string          `json:"id"`
	URL           string          `json:"url"`
	PaymentStatus string          `json:"payment_status"`
	AmountTotal   int             `json:"amount_total"`
	Metadata      SessionMetadata `json:"metadata"`
}

// Client talks to the hosted-checkout provider over HTTP. Only the two
// calls this core depends on are modeled.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) CreateSession(ctx context.Context, in SessionInput) (Session, error) {
	body := MustMarshalJSON(in)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/checkout/sessions", bytes.NewReader(body))
	if err != nil {
		return Session{}, err
	}
	return c.do(req)
}

func (c *Client) RetrieveSession(ctx context.Context, id string) (Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/checkout/sessions/"+id, nil)
	if err != nil {
		return Session{}, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (Session, error) {
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Session{}, fmt.Errorf("%w: status %d: %s", ErrGateway, resp.StatusCode, b)
	}

	var s Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return Session{}, fmt.Errorf("%w: decode: %v", ErrGateway, err)
	}
	return s, nil
}

func MustMarshalJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
