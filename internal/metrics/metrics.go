package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CheckoutExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keyshop",
		Name:      "checkout_exhausted_total",
		Help:      "Checkout attempts that found no available unit.",
	})
	OrdersCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keyshop",
		Name:      "orders_completed_total",
		Help:      "Orders fulfilled from a confirmed payment.",
	})
	ReservationsReleased = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keyshop",
		Name:      "reservations_released_total",
		Help:      "Reserved units returned to the pool.",
	}, []string{"cause"})
	FulfillmentRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keyshop",
		Name:      "fulfillment_rejected_total",
		Help:      "Confirmed payments that could not be auto-fulfilled.",
	}, []string{"reason"})
	WebhookBadSignature = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keyshop",
		Name:      "webhook_bad_signature_total",
		Help:      "Webhook deliveries rejected at signature verification.",
	})
)

func init() {
	prometheus.MustRegister(
		CheckoutExhausted,
		OrdersCompleted,
		ReservationsReleased,
		FulfillmentRejected,
		WebhookBadSignature,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
