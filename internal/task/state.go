package task

// State is the lifecycle state of a task.
type State string

const (
	StateSubmitted State = "submitted"
	StateWorking   State = "working"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// IsTerminal returns true if the task state is a final state.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateSubmitted, StateWorking, StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// transitions lists the allowed next states for each non-terminal state.
// Nothing leads back to submitted.
var transitions = map[State][]State{
	StateSubmitted: {StateWorking, StateCanceled},
	StateWorking:   {StateCompleted, StateFailed, StateCanceled},
}

// CanTransition reports whether moving from one state to another is allowed.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
