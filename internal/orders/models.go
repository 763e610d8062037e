package orders

import "time"

// Payment methods. Card goes through the hosted gateway; manual is an
// out-of-band transfer confirmed by an admin.
const (
	MethodCard   = "card"
	MethodManual = "manual"
)

type Product struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	PriceCents int       `json:"price_cents"`
	Stock      int       `json:"stock"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

type Order struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	ProductID     string    `json:"product_id"`
	Status        Status    `json:"status"`
	PaymentMethod string    `json:"payment_method"`
	TotalCents    int       `json:"total_cents"`
	SessionID     string    `json:"session_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Deliverable is the buyer-visible copy of a unit's secret, created
// exactly once per completed order.
type Deliverable struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	Content   string    `json:"content"`
	Kind      string    `json:"kind"` // key, file, account
	CreatedAt time.Time `json:"created_at"`
}

// VaultItem joins a deliverable with its order and product for the
// buyer's library view.
type VaultItem struct {
	Item    Deliverable `json:"item"`
	Order   Order       `json:"order"`
	Product *Product    `json:"product"`
}
