package batch

// State is the lifecycle state of a batch.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

func allowedTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateCancelled
	case StateRunning:
		return to == StatePaused || to == StateCompleted || to == StateCancelled || to == StateFailed
	case StatePaused:
		return to == StateRunning || to == StateCompleted || to == StateCancelled || to == StateFailed
	default:
		return false
	}
}
