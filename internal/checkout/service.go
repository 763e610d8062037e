package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ariefcatur/go-keyshop-checkout.git/internal/inventory"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/metrics"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/orders"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/payment"
	"github.com/google/uuid"
)

var (
	// ErrOutOfStock: no unit could be reserved after sweep and bounded
	// retries. Surfaced to the buyer, never retried automatically.
	ErrOutOfStock = errors.New("out of stock")
	ErrNoProduct  = errors.New("product not available")
)

// holdPrefix marks a provisional reservation that has not been bound to a
// gateway session yet.
const holdPrefix = "hold:"

// bound attempts against lost bind races before giving up
const maxAttempts = 3

type Inventory interface {
	SweepExpired(ctx context.Context, productID string, ttl time.Duration) (int64, error)
	Acquire(ctx context.Context, productID, holdRef string) (inventory.Unit, error)
	Reserve(ctx context.Context, unitID, holdRef, sessionID string) error
	Release(ctx context.Context, unitID string) (bool, error)
}

type Catalog interface {
	Product(ctx context.Context, id string) (orders.Product, error)
}

type Gateway interface {
	CreateSession(ctx context.Context, in payment.SessionInput) (payment.Session, error)
}

type ManualLedger interface {
	CreateManualPending(ctx context.Context, userID, productID, sessionRef string, totalCents int) (orders.Order, error)
}

type Service struct {
	Inventory Inventory
	Catalog   Catalog
	Gateway   Gateway
	Ledger    ManualLedger

	ReservationTTL time.Duration
	PublicBaseURL  string
}

type Checkout struct {
	URL       string `json:"url"`
	SessionID string `json:"session_id"`
}

// Initiate reserves one unit for the buyer and opens a hosted payment
// session bound to it. Exactly one unit moves to reserved per successful
// call; the session metadata is the only link between a later payment
// confirmation and that unit.
func (s *Service) Initiate(ctx context.Context, userID, productID string) (Checkout, error) {
	p, err := s.Catalog.Product(ctx, productID)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			return Checkout{}, ErrNoProduct
		}
		return Checkout{}, err
	}
	if !p.IsActive {
		return Checkout{}, ErrNoProduct
	}
	if p.Stock <= 0 {
		metrics.CheckoutExhausted.Inc()
		return Checkout{}, ErrOutOfStock
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		// lazy expiry before every acquire
		if _, err := s.Inventory.SweepExpired(ctx, productID, s.ReservationTTL); err != nil {
			return Checkout{}, err
		}

		holdRef := holdPrefix + uuid.NewString()
		unit, err := s.Inventory.Acquire(ctx, productID, holdRef)
		if errors.Is(err, inventory.ErrExhausted) {
			metrics.CheckoutExhausted.Inc()
			return Checkout{}, ErrOutOfStock
		}
		if err != nil {
			return Checkout{}, err
		}

		sess, err := s.Gateway.CreateSession(ctx, payment.SessionInput{
			ProductName: p.Title,
			AmountCents: p.PriceCents,
			Currency:    "usd",
			SuccessURL:  s.PublicBaseURL + "/checkout/success?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:   s.PublicBaseURL + "/product/" + productID,
			Metadata: payment.SessionMetadata{
				UserID:    userID,
				ProductID: productID,
				UnitID:    unit.ID,
			},
		})
		if err != nil {
			// compensate: a reservation that can never be paid must
			// not keep withholding inventory until the sweep
			if released, rerr := s.Inventory.Release(ctx, unit.ID); rerr != nil {
				log.Printf("release unit %s after gateway failure: %v", unit.ID, rerr)
			} else if released {
				metrics.ReservationsReleased.WithLabelValues("gateway_error").Inc()
			}
			return Checkout{}, fmt.Errorf("create session: %w", err)
		}

		err = s.Inventory.Reserve(ctx, unit.ID, holdRef, sess.ID)
		if err == nil {
			return Checkout{URL: sess.URL, SessionID: sess.ID}, nil
		}
		if errors.Is(err, inventory.ErrConflict) {
			// lost the unit between acquire and bind (swept from
			// under us); grab a different one
			log.Printf("lost unit %s before bind, retrying (attempt %d)", unit.ID, attempt+1)
			continue
		}
		return Checkout{}, err
	}

	metrics.CheckoutExhausted.Inc()
	return Checkout{}, ErrOutOfStock
}

// InitiateManual reserves a unit exactly like the card path and opens a
// pending order against it. Reservation parity is deliberate: without it
// two concurrent manual orders could both be accepted against the last
// unit.
func (s *Service) InitiateManual(ctx context.Context, userID, productID string) (orders.Order, error) {
	p, err := s.Catalog.Product(ctx, productID)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			return orders.Order{}, ErrNoProduct
		}
		return orders.Order{}, err
	}
	if !p.IsActive {
		return orders.Order{}, ErrNoProduct
	}

	if _, err := s.Inventory.SweepExpired(ctx, productID, s.ReservationTTL); err != nil {
		return orders.Order{}, err
	}

	sessionRef := inventory.ManualSessionPrefix + uuid.NewString()
	unit, err := s.Inventory.Acquire(ctx, productID, sessionRef)
	if errors.Is(err, inventory.ErrExhausted) {
		metrics.CheckoutExhausted.Inc()
		return orders.Order{}, ErrOutOfStock
	}
	if err != nil {
		return orders.Order{}, err
	}

	o, err := s.Ledger.CreateManualPending(ctx, userID, productID, sessionRef, p.PriceCents)
	if err != nil {
		if _, rerr := s.Inventory.Release(ctx, unit.ID); rerr != nil {
			log.Printf("release unit %s after failed manual order: %v", unit.ID, rerr)
		}
		return orders.Order{}, err
	}
	return o, nil
}
