package redisx

import "time"

const (
	// Dedup webhook delivery: dedup:webhook:{event_id}
	KeyDedupWebhook = "dedup:webhook:%s"

	// Dedup event consumption per consumer group: dedup:{service}:{event_id}
	KeyDedupConsumer = "dedup:%s:%s"

	// Cache checkout status polling: checkout_status:{session_id} -> {"status":"..."}
	KeyCheckoutStatus = "checkout_status:%s"
)

var (
	TTLDedup       = 48 * time.Hour
	TTLStatusCache = 15 * time.Second
)
