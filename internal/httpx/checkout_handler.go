package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/ariefcatur/go-keyshop-checkout.git/internal/checkout"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/fulfillment"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/orders"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/payment"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/redisx"
	"github.com/go-chi/chi/v5"
)

// CheckoutLedger is the read slice of the order ledger this surface
// needs.
type CheckoutLedger interface {
	OrderBySession(ctx context.Context, sessionID string) (orders.Order, error)
	ListProducts(ctx context.Context) ([]orders.Product, error)
}

// StatusCache caches status poll responses. Get reports a miss as empty
// with no error.
type StatusCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type CheckoutHandler struct {
	Checkout *checkout.Service
	Fulfill  Fulfiller
	Ledger   CheckoutLedger
	Gateway  fulfillment.Gateway
	Cache    StatusCache
}

func (h *CheckoutHandler) Register(r *chi.Mux) {
	r.Post("/checkout/session", h.createSession)
	r.Post("/checkout/complete", h.complete)
	r.Get("/checkout/status/{sessionID}", h.status)
	r.Get("/products", h.listProducts)
}

type createSessionReq struct {
	ProductID string `json:"product_id"`
}

func (h *CheckoutHandler) createSession(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return
	}
	var req createSessionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProductID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	// one externally slow call lives here (the gateway), so the longer
	// budget is deliberate
	ctx, cancel := context.WithTimeout(r.Context(), 12*time.Second)
	defer cancel()

	out, err := h.Checkout.Initiate(ctx, uid, req.ProductID)
	switch {
	case errors.Is(err, checkout.ErrNoProduct):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "product not available"})
	case errors.Is(err, checkout.ErrOutOfStock):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "out of stock"})
	case errors.Is(err, payment.ErrGateway):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "payment provider unavailable"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, out)
	}
}

type completeReq struct {
	SessionID string `json:"session_id"`
}

// complete is the client-driven fallback for fulfillment; the webhook is
// the primary path, and both funnel into the same idempotent call.
func (h *CheckoutHandler) complete(w http.ResponseWriter, r *http.Request) {
	var req completeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	res, err := h.Fulfill.CompleteFromConfirmation(ctx, req.SessionID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	switch res.State {
	case fulfillment.StateCompleted:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "order_id": res.OrderID})
	case fulfillment.StatePending:
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "pending": true})
	default:
		writeJSON(w, http.StatusConflict, map[string]any{"success": false, "error": res.Reason})
	}
}

func (h *CheckoutHandler) status(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing session id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if o, err := h.Ledger.OrderBySession(ctx, sessionID); err == nil && o.Status == orders.StatusCompleted {
		writeJSON(w, http.StatusOK, map[string]string{"status": "completed", "order_id": o.ID})
		return
	}

	key := fmt.Sprintf(redisx.KeyCheckoutStatus, sessionID)
	if s, err := h.Cache.Get(ctx, key); err == nil && s != "" {
		writeJSON(w, http.StatusOK, json.RawMessage(s))
		return
	}

	sess, err := h.Gateway.RetrieveSession(ctx, sessionID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "unknown"})
		return
	}
	// the provider's raw payment_status never leaves this handler; any
	// value other than paid collapses to pending
	status := "pending"
	if sess.PaymentStatus == payment.StatusPaid {
		status = "paid_pending_fulfillment"
	}
	body := map[string]string{"status": status}
	b, _ := json.Marshal(body)
	if err := h.Cache.Set(ctx, key, b, redisx.TTLStatusCache); err != nil {
		log.Printf("status cache set: %v", err)
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *CheckoutHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Ledger.ListProducts(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ps)
}
