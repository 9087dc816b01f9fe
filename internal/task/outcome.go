package task

import "fmt"

// OutcomeKind tags an Outcome.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeCanceled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the single terminal result of one executor invocation.
// Result may carry partial data (trajectory, steps) even for failures and
// cancellations.
type Outcome struct {
	Kind   OutcomeKind
	Result Result
	Err    error
}

// Success returns a successful outcome.
func Success(res Result) Outcome { return Outcome{Kind: OutcomeSuccess, Result: res} }

// Failure returns a failed outcome carrying the cause.
func Failure(err error, partial Result) Outcome {
	return Outcome{Kind: OutcomeFailure, Err: err, Result: partial}
}

// Canceled returns a canceled outcome. reason may be nil.
func Canceled(reason error, partial Result) Outcome {
	return Outcome{Kind: OutcomeCanceled, Err: reason, Result: partial}
}

// State returns the terminal state this outcome leads to.
func (o Outcome) State() State {
	switch o.Kind {
	case OutcomeSuccess:
		return StateCompleted
	case OutcomeFailure:
		return StateFailed
	default:
		return StateCanceled
	}
}
