// Package errs defines the error kinds shared by the gateway client, the
// executor and both runtime roles. Each kind wraps an underlying cause and is
// detected with errors.As through the Is* helpers.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// TransientError is a network or server failure that may succeed on retry.
type TransientError struct {
	Op         string
	StatusCode int // HTTP status, 0 for transport failures
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is an unrecoverable condition. The process exits non-zero when
// one reaches the command layer.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("%s: fatal: %v", e.Op, e.Err) }

func (e *FatalError) Unwrap() error { return e.Err }

// ConflictError reports a transition that the task lifecycle does not allow.
type ConflictError struct {
	TaskID string
	From   string
	To     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %q: cannot transition from %s to %s", e.TaskID, e.From, e.To)
}

// NotFoundError reports an unknown task or agent id.
type NotFoundError struct {
	Kind string // "task" or "agent"
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }

// ExecutionError is a failure raised by the model or environment capability
// while a task runs.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string { return fmt.Sprintf("execution failed in %s: %v", e.Op, e.Err) }

func (e *ExecutionError) Unwrap() error { return e.Err }

// LimitError is raised when a task exceeds its step or cost budget.
type LimitError struct {
	Limit string // "steps" or "cost"
	Value string
}

func (e *LimitError) Error() string { return fmt.Sprintf("%s limit exceeded (%s)", e.Limit, e.Value) }

// IsTransient reports whether err wraps a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsFatal reports whether err wraps a FatalError.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

// IsConflict reports whether err wraps a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

// IsLimit reports whether err wraps a LimitError.
func IsLimit(err error) bool {
	var l *LimitError
	return errors.As(err, &l)
}

// RetryableStatus reports whether an HTTP status code should be retried.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
