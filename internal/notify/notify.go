package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	kafkax "github.com/ariefcatur/go-keyshop-checkout.git/internal/kafka"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/orders"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
)

// Notifier delivers the purchase confirmation. Actual delivery (email,
// push) lives outside this core.
type Notifier interface {
	OrderCompleted(ctx context.Context, p orders.OrderCompletedPayload) error
}

// LogNotifier is the default sink when no delivery channel is wired.
type LogNotifier struct{}

func (LogNotifier) OrderCompleted(_ context.Context, p orders.OrderCompletedPayload) error {
	log.Printf("order %s completed for user %s (product %s)", p.OrderID, p.UserID, p.ProductID)
	return nil
}

// Handler adapts a Notifier into a consumer handler for order.completed
// events, with per-event dedup so redeliveries stay quiet.
func Handler(n Notifier, rdb *redis.Client, service string) kafkax.Handler {
	return func(ctx context.Context, m kafkago.Message) error {
		var env orders.Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			return err
		}
		if env.EventType != orders.EventOrderCompleted {
			return nil
		}

		dkey := fmt.Sprintf(redisx.KeyDedupConsumer, service, env.EventID)
		first, err := redisx.SetIfAbsent(ctx, rdb, dkey, redisx.TTLDedup)
		if err != nil {
			log.Printf("notify dedup unavailable: %v", err)
			first = true
		}
		if !first {
			return nil
		}

		p, err := kafkax.UnwrapPayload[orders.OrderCompletedPayload](env.Payload)
		if err != nil {
			return err
		}
		return n.OrderCompleted(ctx, p)
	}
}
