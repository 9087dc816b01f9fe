// Package executor turns one task into exactly one terminal task.Outcome by
// driving the model and environment capabilities through a Runner.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dusk-indust/relay/internal/errs"
	"github.com/dusk-indust/relay/internal/task"
	"github.com/dusk-indust/relay/internal/telemetry"
)

// Message is one turn of a conversation with the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the accounting attached to one model response.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

// Model generates the next assistant turn. Implementations return an
// *errs.TransientError for failures worth retrying.
type Model interface {
	Generate(ctx context.Context, prompt string, history []Message) (string, Usage, error)
}

// Environment runs one shell command and reports its combined output and
// exit code. A non-zero exit code is not an error.
type Environment interface {
	Run(ctx context.Context, command string) (output string, exitCode int, err error)
}

// Request is the immutable view of a task handed to a Runner.
type Request struct {
	TaskID      string
	Description string
	Context     map[string]any
}

// RequestFor copies the fields a Runner needs out of t. Callers hold
// whatever lock guards t.
func RequestFor(t *task.Task) Request {
	return Request{TaskID: t.ID, Description: t.Description, Context: maps.Clone(t.Context)}
}

// Runner is the interior agent loop. It must return promptly once ctx is
// done, with whatever partial result it has.
type Runner interface {
	Run(ctx context.Context, req Request) (task.Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req Request) (task.Result, error)

func (f RunnerFunc) Run(ctx context.Context, req Request) (task.Result, error) { return f(ctx, req) }

// Adapter wraps a Runner and maps whatever it does onto an Outcome.
type Adapter struct {
	runner Runner
	tracer trace.Tracer
}

// NewAdapter returns an Adapter around r.
func NewAdapter(r Runner) *Adapter {
	return &Adapter{
		runner: r,
		tracer: telemetry.Tracer("github.com/dusk-indust/relay/internal/executor"),
	}
}

// Execute runs req and returns its single outcome. Cancellation of ctx
// produces a canceled outcome whose Err is the context cause. Runner panics
// become failures.
func (a *Adapter) Execute(ctx context.Context, req Request) (out task.Outcome) {
	ctx, span := a.tracer.Start(ctx, "executor.execute",
		trace.WithAttributes(attribute.String("task.id", req.TaskID)))
	defer func() {
		if r := recover(); r != nil {
			slog.Error("executor panicked", "task_id", req.TaskID, "panic", r, "stack", string(debug.Stack()))
			out = task.Failure(&errs.ExecutionError{Op: "runner", Err: fmt.Errorf("panic: %v", r)}, task.Result{})
		}
		span.SetAttributes(attribute.String("task.outcome", out.Kind.String()))
		if out.Kind == task.OutcomeFailure {
			span.SetStatus(codes.Error, out.Err.Error())
		}
		span.End()
	}()

	if ctx.Err() != nil {
		return task.Canceled(context.Cause(ctx), task.Result{})
	}

	res, err := a.runner.Run(ctx, req)
	switch {
	case err == nil:
		return task.Success(res)
	case ctx.Err() != nil:
		return task.Canceled(context.Cause(ctx), res)
	default:
		return task.Failure(err, res)
	}
}
