package orders

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// One-way transitions: pending may complete or cancel, terminal states
// never move again.
var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusCompleted: true, StatusCancelled: true},
	StatusCompleted: {},
	StatusCancelled: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}
