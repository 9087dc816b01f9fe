// Package task holds the task model and the lifecycle state machine shared by
// the polling worker and the RPC server.
//
// A task moves submitted -> working -> {completed, failed}, and may be
// canceled from submitted or working. Terminal states are immutable: every
// transition attempted from one returns an *errs.ConflictError and leaves the
// task untouched. Callers serialize transitions on a given task themselves;
// Task has no internal locking.
package task

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/dusk-indust/relay/internal/errs"
)

// Result is the execution outcome attached to a task in a terminal state.
type Result struct {
	ExitStatus string          `json:"exit_status"`
	Submission string          `json:"submission"`
	Trajectory json.RawMessage `json:"trajectory,omitempty"`
	Error      string          `json:"error,omitempty"`
	Steps      int             `json:"steps,omitempty"`
	Cost       float64         `json:"cost,omitempty"`
}

// Exit statuses recorded on results.
const (
	ExitSubmitted = "Submitted"
	ExitError     = "error"
	ExitCanceled  = "canceled"
)

// Transition records one state change.
type Transition struct {
	From State     `json:"from,omitempty"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Task is the unit of work.
type Task struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
	State       State          `json:"state"`
	Result      *Result        `json:"result,omitempty"`

	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  time.Time    `json:"started_at,omitzero"`
	FinishedAt time.Time    `json:"finished_at,omitzero"`
	History    []Transition `json:"history,omitempty"`

	now func() time.Time
}

// New creates a task in the submitted state. An empty id is replaced with a
// generated UUID.
func New(id, description string, ctx map[string]any) *Task {
	if id == "" {
		id = uuid.NewString()
	}
	t := &Task{
		ID:          id,
		Description: description,
		Context:     ctx,
		State:       StateSubmitted,
		now:         time.Now,
	}
	t.CreatedAt = t.clock()
	t.History = []Transition{{To: StateSubmitted, At: t.CreatedAt}}
	return t
}

// SetClock overrides the time source, for tests.
func (t *Task) SetClock(now func() time.Time) { t.now = now }

func (t *Task) clock() time.Time {
	if t.now == nil {
		return time.Now()
	}
	return t.now()
}

// Start moves a submitted task to working and records the start time.
func (t *Task) Start() error {
	if err := t.transition(StateWorking); err != nil {
		return err
	}
	t.StartedAt = t.History[len(t.History)-1].At
	return nil
}

// Complete moves a working task to completed with the given result.
func (t *Task) Complete(res Result) error {
	if err := t.transition(StateCompleted); err != nil {
		return err
	}
	t.finish(res)
	return nil
}

// Fail moves a working task to failed. The cause is recorded in the result's
// Error field and the exit status is forced to "error".
func (t *Task) Fail(cause error, res Result) error {
	if err := t.transition(StateFailed); err != nil {
		return err
	}
	res.ExitStatus = ExitError
	if cause != nil {
		res.Error = cause.Error()
	}
	t.finish(res)
	return nil
}

// Cancel moves a submitted or working task to canceled. Canceling an already
// canceled task is a no-op and returns nil; canceling a completed or failed
// task returns a ConflictError.
func (t *Task) Cancel(reason string) error {
	if t.State == StateCanceled {
		return nil
	}
	if err := t.transition(StateCanceled); err != nil {
		return err
	}
	t.finish(Result{ExitStatus: ExitCanceled, Error: reason})
	return nil
}

// Apply performs the transition an executor outcome calls for.
func (t *Task) Apply(o Outcome) error {
	switch o.Kind {
	case OutcomeSuccess:
		return t.Complete(o.Result)
	case OutcomeFailure:
		return t.Fail(o.Err, o.Result)
	default:
		if t.State == StateCanceled {
			return t.conflict(StateCanceled)
		}
		reason := "canceled"
		if o.Err != nil {
			reason = o.Err.Error()
		}
		if err := t.Cancel(reason); err != nil {
			return err
		}
		// Keep whatever partial trajectory the executor produced.
		t.Result.Trajectory = o.Result.Trajectory
		t.Result.Steps = o.Result.Steps
		t.Result.Cost = o.Result.Cost
		return nil
	}
}

func (t *Task) transition(to State) error {
	if !CanTransition(t.State, to) {
		return t.conflict(to)
	}
	t.History = append(t.History, Transition{From: t.State, To: to, At: t.clock()})
	t.State = to
	return nil
}

func (t *Task) conflict(to State) error {
	return &errs.ConflictError{TaskID: t.ID, From: string(t.State), To: string(to)}
}

func (t *Task) finish(res Result) {
	r := res
	t.Result = &r
	t.FinishedAt = t.History[len(t.History)-1].At
}

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() *Task {
	c := *t
	if t.Context != nil {
		c.Context = maps.Clone(t.Context)
	}
	if t.Result != nil {
		r := *t.Result
		if r.Trajectory != nil {
			r.Trajectory = append(json.RawMessage(nil), r.Trajectory...)
		}
		c.Result = &r
	}
	c.History = append([]Transition(nil), t.History...)
	return &c
}
