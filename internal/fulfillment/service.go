package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ariefcatur/go-keyshop-checkout.git/internal/inventory"
	kafkax "github.com/ariefcatur/go-keyshop-checkout.git/internal/kafka"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/metrics"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/orders"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/payment"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

// Rejection reasons: the buyer paid but the order cannot be fulfilled
// automatically. Always surfaced loudly, never dropped.
const (
	ReasonInvalidMetadata = "invalid metadata"
	ReasonUnitNotReserved = "unit not reserved"
	ReasonUnitMismatch    = "unit mismatch"
	ReasonUnitConsumed    = "unit consumed by another order"
)

type State int

const (
	StateCompleted State = iota
	StatePending
	StateRejected
)

type Result struct {
	State   State
	OrderID string
	Reason  string
}

type Gateway interface {
	RetrieveSession(ctx context.Context, id string) (payment.Session, error)
}

type Inventory interface {
	BySession(ctx context.Context, sessionID string) (inventory.Unit, error)
	ReleaseBySession(ctx context.Context, sessionID string) (bool, error)
}

type Ledger interface {
	Order(ctx context.Context, id string) (orders.Order, error)
	OrderBySession(ctx context.Context, sessionID string) (orders.Order, error)
	UpdateStatus(ctx context.Context, id string, to orders.Status) error
	Complete(ctx context.Context, p orders.CompleteParams) (orderID string, existed bool, err error)
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type Service struct {
	Gateway   Gateway
	Inventory Inventory
	Ledger    Ledger

	ProducerCompleted Publisher // order.completed
	ProducerReleased  Publisher // checkout.reservation.released
	ServiceName       string
}

// CompleteFromConfirmation converts a confirmed payment into a completed
// order plus a delivered asset. Safe to invoke any number of times, from
// the webhook and from client polling, with arbitrary interleaving: the
// order ledger's session uniqueness makes every call after the first a
// read.
func (s *Service) CompleteFromConfirmation(ctx context.Context, sessionID string) (Result, error) {
	// idempotent short-circuit
	existing, err := s.Ledger.OrderBySession(ctx, sessionID)
	if err == nil {
		if existing.Status == orders.StatusCompleted {
			return Result{State: StateCompleted, OrderID: existing.ID}, nil
		}
		// card orders are only ever inserted completed, so a non-completed
		// hit cannot occur for a gateway session today; a pending order
		// bound to a session must never be force-completed from here
		return Result{State: StatePending}, nil
	}
	if !errors.Is(err, orders.ErrNotFound) {
		return Result{}, err
	}

	sess, err := s.Gateway.RetrieveSession(ctx, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("retrieve session: %w", err)
	}
	if sess.PaymentStatus != payment.StatusPaid {
		return Result{State: StatePending}, nil
	}

	md := sess.Metadata
	if md.UserID == "" || md.ProductID == "" || md.UnitID == "" {
		return s.reject(sessionID, ReasonInvalidMetadata), nil
	}

	unit, err := s.Inventory.BySession(ctx, sessionID)
	if errors.Is(err, inventory.ErrNotFound) {
		// a concurrent confirmation may have consumed the unit between
		// the short-circuit above and this lookup
		if o, oerr := s.Ledger.OrderBySession(ctx, sessionID); oerr == nil && o.Status == orders.StatusCompleted {
			return Result{State: StateCompleted, OrderID: o.ID}, nil
		}
		// reservation expired and was swept before the confirmation
		// arrived; the buyer paid and no asset is bound
		return s.reject(sessionID, ReasonUnitNotReserved), nil
	}
	if err != nil {
		return Result{}, err
	}
	if unit.ID != md.UnitID {
		return s.reject(sessionID, ReasonUnitMismatch), nil
	}

	orderID, existed, err := s.Ledger.Complete(ctx, orders.CompleteParams{
		SessionID:     sessionID,
		UserID:        md.UserID,
		ProductID:     md.ProductID,
		UnitID:        unit.ID,
		PaymentMethod: orders.MethodCard,
		TotalCents:    sess.AmountTotal,
	})
	if errors.Is(err, inventory.ErrConsumedElsewhere) {
		return s.reject(sessionID, ReasonUnitConsumed), nil
	}
	if err != nil {
		return Result{}, err
	}

	if !existed {
		metrics.OrdersCompleted.Inc()
		s.publishCompleted(sessionID, orderID, md, unit.ProductID, sess.AmountTotal)
	}
	return Result{State: StateCompleted, OrderID: orderID}, nil
}

// HandleSessionExpired reclaims the session's unit right away instead of
// waiting for the TTL sweep. A no-op when the unit is already used: a
// late expiry must never beat a genuine payment.
func (s *Service) HandleSessionExpired(ctx context.Context, sessionID string) error {
	unit, err := s.Inventory.BySession(ctx, sessionID)
	if errors.Is(err, inventory.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	released, err := s.Inventory.ReleaseBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	if released {
		metrics.ReservationsReleased.WithLabelValues("session_expired").Inc()
		log.Printf("released unit %s for expired session %s", unit.ID, sessionID)
		s.publishReleased(sessionID, unit, "session_expired")
	}
	return nil
}

// CompleteManual fulfills a pending manual-payment order after an admin
// confirmed the out-of-band transfer. It runs the same completion
// transaction as the card path, against the unit reserved when the order
// was opened.
func (s *Service) CompleteManual(ctx context.Context, orderID string) (Result, error) {
	o, err := s.Ledger.Order(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if o.Status == orders.StatusCompleted {
		return Result{State: StateCompleted, OrderID: o.ID}, nil
	}
	if o.Status != orders.StatusPending || o.PaymentMethod != orders.MethodManual {
		return Result{}, orders.ErrTerminal
	}

	unit, err := s.Inventory.BySession(ctx, o.SessionID)
	if errors.Is(err, inventory.ErrNotFound) {
		return s.reject(o.SessionID, ReasonUnitNotReserved), nil
	}
	if err != nil {
		return Result{}, err
	}

	id, existed, err := s.Ledger.Complete(ctx, orders.CompleteParams{
		SessionID:       o.SessionID,
		UserID:          o.UserID,
		ProductID:       o.ProductID,
		UnitID:          unit.ID,
		PaymentMethod:   orders.MethodManual,
		TotalCents:      o.TotalCents,
		ExistingOrderID: o.ID,
	})
	if errors.Is(err, inventory.ErrConsumedElsewhere) {
		return s.reject(o.SessionID, ReasonUnitConsumed), nil
	}
	if err != nil {
		return Result{}, err
	}
	if !existed {
		metrics.OrdersCompleted.Inc()
		s.publishCompleted(o.SessionID, id, payment.SessionMetadata{
			UserID: o.UserID, ProductID: o.ProductID, UnitID: unit.ID,
		}, o.ProductID, o.TotalCents)
	}
	return Result{State: StateCompleted, OrderID: id}, nil
}

// CancelManual cancels a pending manual order and returns its unit to
// the pool.
func (s *Service) CancelManual(ctx context.Context, orderID string) error {
	o, err := s.Ledger.Order(ctx, orderID)
	if err != nil {
		return err
	}
	if err := s.Ledger.UpdateStatus(ctx, orderID, orders.StatusCancelled); err != nil {
		return err
	}
	if o.SessionID == "" {
		return nil
	}
	released, err := s.Inventory.ReleaseBySession(ctx, o.SessionID)
	if err != nil {
		return err
	}
	if released {
		metrics.ReservationsReleased.WithLabelValues("admin_cancel").Inc()
		unit := inventory.Unit{ProductID: o.ProductID}
		s.publishReleased(o.SessionID, unit, "admin_cancel")
	}
	return nil
}

func (s *Service) reject(sessionID, reason string) Result {
	metrics.FulfillmentRejected.WithLabelValues(reason).Inc()
	log.Printf("ALERT: fulfillment rejected: session=%s reason=%q; manual intervention required", sessionID, reason)
	return Result{State: StateRejected, Reason: reason}
}

func (s *Service) publishCompleted(sessionID, orderID string, md payment.SessionMetadata, productID string, totalCents int) {
	if s.ProducerCompleted == nil {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderCompleted,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.ServiceName,
		CorrelationID: sessionID,
		Payload: kafkax.MustMarshal(orders.OrderCompletedPayload{
			OrderID:    orderID,
			SessionID:  sessionID,
			UserID:     md.UserID,
			ProductID:  productID,
			UnitID:     md.UnitID,
			TotalCents: totalCents,
		}),
	}
	s.ProducerCompleted.Publish(orders.PartitionKey(sessionID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderCompleted)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (s *Service) publishReleased(sessionID string, unit inventory.Unit, reason string) {
	if s.ProducerReleased == nil {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventReservationReleased,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.ServiceName,
		CorrelationID: sessionID,
		Payload: kafkax.MustMarshal(orders.ReservationReleasedPayload{
			SessionID: sessionID,
			UnitID:    unit.ID,
			ProductID: unit.ProductID,
			Reason:    reason,
		}),
	}
	s.ProducerReleased.Publish(orders.PartitionKey(sessionID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventReservationReleased)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
