package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCompleted      = "OrderCompleted"
	EventReservationReleased = "ReservationReleased"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // usually session_id
	Payload       json.RawMessage `json:"payload"`
}

type OrderCompletedPayload struct {
	OrderID    string `json:"order_id"`
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	ProductID  string `json:"product_id"`
	UnitID     string `json:"unit_id"`
	TotalCents int    `json:"total_cents"`
}

type ReservationReleasedPayload struct {
	SessionID string `json:"session_id"`
	UnitID    string `json:"unit_id"`
	ProductID string `json:"product_id"`
	Reason    string `json:"reason"` // session_expired | gateway_error | admin_cancel
}
