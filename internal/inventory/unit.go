package inventory

import (
	"errors"
	"time"
)

// Unit states. A unit moves available -> reserved -> used, or back to
// available on release/expiry. Used is terminal.
const (
	StatusAvailable = "available"
	StatusReserved  = "reserved"
	StatusUsed      = "used"
)

// ManualSessionPrefix marks reservations held by the manual-payment path.
// They have no gateway session backing them and are excluded from the TTL
// sweep; only an explicit admin decision releases them.
const ManualSessionPrefix = "manual:"

var (
	// ErrExhausted: no available unit for the product.
	ErrExhausted = errors.New("inventory exhausted")
	// ErrConflict: the unit exists but was not in the expected state at
	// the moment of the conditional write. Callers retry with a
	// different unit instead of failing outright.
	ErrConflict = errors.New("reservation conflict")
	// ErrNotFound: no such unit (or no unit bound to the session).
	ErrNotFound = errors.New("unit not found")
	// ErrConsumedElsewhere: the unit is already used by a different
	// order. A consistency error, never swallowed.
	ErrConsumedElsewhere = errors.New("unit consumed by another order")
	// ErrUnitUsed: used units may not be deleted.
	ErrUnitUsed = errors.New("unit already used")
)

// Unit is one allocatable digital asset (a key or credential). Secret is
// never exposed until it is copied into a deliverable by a completed
// order.
type Unit struct {
	ID         string     `json:"id"`
	ProductID  string     `json:"product_id"`
	Secret     string     `json:"secret"`
	Status     string     `json:"status"`
	SessionID  string     `json:"session_id,omitempty"`
	ReservedAt *time.Time `json:"reserved_at,omitempty"`
	OrderID    string     `json:"order_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
