package orders

const (
	TopicOrderCompleted      = "order.completed"
	TopicReservationReleased = "checkout.reservation.released"
)

// Partition key = session_id, so events of one purchase attempt keep
// their order.
func PartitionKey(sessionID string) []byte { return []byte(sessionID) }
