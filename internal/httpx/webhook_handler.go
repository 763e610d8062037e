package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/ariefcatur/go-keyshop-checkout.git/internal/fulfillment"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/metrics"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/payment"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/redisx"
	"github.com/go-chi/chi/v5"
)

// Fulfiller is the slice of the fulfillment service the webhook drives.
type Fulfiller interface {
	CompleteFromConfirmation(ctx context.Context, sessionID string) (fulfillment.Result, error)
	HandleSessionExpired(ctx context.Context, sessionID string) error
}

// Deduper suppresses redeliveries of already-processed provider events.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

type WebhookHandler struct {
	Fulfill Fulfiller
	Dedup   Deduper
	Secret  string
}

func (h *WebhookHandler) Register(r *chi.Mux) {
	r.Post("/webhooks/payment", h.handle)
}

// handle reads the body raw: signature verification covers the exact
// bytes the provider sent, so no parsing middleware may run before it.
// The dedup marker is written only after a terminal outcome; a crash
// mid-fulfillment leaves no marker and the provider's redelivery runs
// the idempotent path again.
func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	ev, err := payment.VerifyWebhook(body, r.Header.Get(payment.SignatureHeader), h.Secret, time.Now())
	if err != nil {
		if errors.Is(err, payment.ErrBadSignature) {
			metrics.WebhookBadSignature.Inc()
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad signature"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ctx := r.Context()

	dedupKey := fmt.Sprintf(redisx.KeyDedupWebhook, ev.ID)
	dup, err := h.Dedup.Seen(ctx, dedupKey)
	if err != nil {
		// dedup is an optimization; the ledger stays the source of truth
		log.Printf("webhook dedup unavailable: %v", err)
		dup = false
	}
	if dup {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	switch ev.Kind {
	case payment.EventPaymentSucceeded:
		res, err := h.Fulfill.CompleteFromConfirmation(ctx, ev.SessionID)
		if err != nil {
			// transient failure: no marker, so the provider's redelivery
			// is processed
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		// Completed and Rejected are terminal for this event; Pending is
		// not, a redelivery may still fulfill it
		switch res.State {
		case fulfillment.StateCompleted:
			h.markProcessed(ctx, dedupKey)
			writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "order_id": res.OrderID})
		case fulfillment.StatePending:
			writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
		default:
			// the alert is already logged, redelivery would change nothing
			h.markProcessed(ctx, dedupKey)
			writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "reason": res.Reason})
		}

	case payment.EventSessionExpired:
		if err := h.Fulfill.HandleSessionExpired(ctx, ev.SessionID); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		h.markProcessed(ctx, dedupKey)
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})

	default:
		h.markProcessed(ctx, dedupKey)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

func (h *WebhookHandler) markProcessed(ctx context.Context, key string) {
	if err := h.Dedup.Mark(ctx, key, redisx.TTLDedup); err != nil {
		log.Printf("webhook dedup mark: %v", err)
	}
}
