package gateway

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dusk-indust/relay/internal/task"
)

// Status is the availability the agent reports on every heartbeat.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
)

// DefaultCapabilities are advertised when the registration names none.
var DefaultCapabilities = []string{"bash_execution", "code_editing", "software_engineering"}

// Registration is the identity the agent presents to the gateway. The client
// owns the only copy; callers get snapshots.
type Registration struct {
	AgentID          string   `json:"agent_id,omitempty"`
	AgentName        string   `json:"agent_name"`
	AgentDescription string   `json:"agent_description,omitempty"`
	Capabilities     []string `json:"capabilities"`
	Status           Status   `json:"status"`
}

func (r Registration) clone() Registration {
	r.Capabilities = append([]string(nil), r.Capabilities...)
	return r
}

// Assignment is the task JSON returned by the poll endpoint. Older gateways
// send the instruction under "task" instead of "description".
type Assignment struct {
	TaskID      string         `json:"task_id"`
	Description string         `json:"description,omitempty"`
	Text        string         `json:"task,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// ErrMissingTaskID is returned for an assignment without a task_id.
var ErrMissingTaskID = errors.New("gateway: task missing task_id")

// ErrNotRegistered is returned by calls that need an agent id before
// Register has succeeded.
var ErrNotRegistered = errors.New("gateway: agent not registered")

func (a Assignment) empty() bool {
	return a.TaskID == "" && a.Description == "" && a.Text == "" && len(a.Context) == 0
}

// Task converts the assignment into a submitted task.
func (a Assignment) Task() (*task.Task, error) {
	if a.TaskID == "" {
		return nil, ErrMissingTaskID
	}
	desc := a.Description
	if desc == "" {
		desc = a.Text
	}
	return task.New(a.TaskID, desc, a.Context), nil
}

type registerResponse struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

type submitRequest struct {
	AgentID string       `json:"agent_id"`
	TaskID  string       `json:"task_id"`
	Status  task.State   `json:"status"`
	Result  *task.Result `json:"result"`
}

type heartbeatRequest struct {
	AgentID string `json:"agent_id"`
	Status  Status `json:"status"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// RetryPolicy bounds retries of gateway calls that must eventually succeed.
type RetryPolicy struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
	}
}

// NewBackOff returns an exponential backoff without jitter, so consecutive
// delays never shrink until the cap is reached.
func (p RetryPolicy) NewBackOff() *backoff.ExponentialBackOff {
	d := DefaultRetryPolicy()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = d.InitialInterval
	}
	b.MaxInterval = p.MaxInterval
	if b.MaxInterval <= 0 {
		b.MaxInterval = d.MaxInterval
	}
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

func (p RetryPolicy) attempts() uint {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return uint(p.MaxAttempts)
}
