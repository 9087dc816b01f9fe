// Package agent implements the serve-mode task service: tasks arrive over
// JSON-RPC, each runs on its own goroutine, and callers poll or cancel them
// by id.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/dusk-indust/relay/internal/a2a"
	"github.com/dusk-indust/relay/internal/errs"
	"github.com/dusk-indust/relay/internal/executor"
	"github.com/dusk-indust/relay/internal/metrics"
	"github.com/dusk-indust/relay/internal/task"
)

// Compile-time interface check.
var _ a2a.Handler = (*Service)(nil)

var (
	// ErrCanceledByRequest is the cancellation cause for tasks/cancel.
	ErrCanceledByRequest = errors.New("canceled by request")
	// ErrShuttingDown is the cancellation cause for tasks still running at
	// shutdown, and the error returned to sends that arrive after it.
	ErrShuttingDown = errors.New("service shutting down")
)

// Executor runs one task to a single outcome.
type Executor interface {
	Execute(ctx context.Context, req executor.Request) task.Outcome
}

// Service owns the task store and implements a2a.Handler on top of it.
type Service struct {
	card    a2a.AgentCard
	store   *a2a.TaskStore
	exec    Executor
	server  *a2a.Server
	metrics *metrics.Metrics

	baseCtx context.Context
	stopAll context.CancelCauseFunc

	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Service.
type Option func(*options)

type options struct {
	maxRetained int
	metrics     *metrics.Metrics
	serverOpts  []a2a.ServerOption
}

// WithMaxRetained bounds how many finished tasks stay queryable.
func WithMaxRetained(n int) Option {
	return func(o *options) { o.maxRetained = n }
}

// WithMetrics records task transitions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithServerOptions passes options through to the HTTP server.
func WithServerOptions(opts ...a2a.ServerOption) Option {
	return func(o *options) { o.serverOpts = append(o.serverOpts, opts...) }
}

// NewService creates a Service that runs tasks with exec.
func NewService(card a2a.AgentCard, exec Executor, opts ...Option) *Service {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	baseCtx, stop := context.WithCancelCause(context.Background())
	s := &Service{
		card:    card,
		store:   a2a.NewTaskStore(o.maxRetained),
		exec:    exec,
		metrics: o.metrics,
		baseCtx: baseCtx,
		stopAll: stop,
	}
	s.server = a2a.NewServer(card, s, o.serverOpts...)
	return s
}

// Card returns the agent's discovery document.
func (s *Service) Card() a2a.AgentCard {
	return s.card
}

// Handler returns the HTTP handler serving the card and the RPC endpoint.
func (s *Service) Handler() http.Handler {
	return s.server.Handler()
}

// Handle mounts an extra HTTP route next to the RPC endpoint. Call it before
// Start.
func (s *Service) Handle(pattern string, h http.Handler) {
	s.server.Handle(pattern, h)
}

// Start launches the HTTP server on the given address.
func (s *Service) Start(ctx context.Context, addr string) error {
	return s.server.Start(ctx, addr)
}

// Addr returns the bound address after Start.
func (s *Service) Addr() string {
	return s.server.Addr()
}

// Done reports the HTTP server's exit; see a2a.Server.Done.
func (s *Service) Done() <-chan error {
	return s.server.Done()
}

// Stop shuts down the HTTP server, then cancels and waits for running tasks.
func (s *Service) Stop(ctx context.Context) error {
	err := s.server.Stop(ctx)
	return errors.Join(err, s.Close(ctx))
}

// Close rejects new tasks, cancels every running task and waits for their
// executions to return or ctx to end.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopAll(ErrShuttingDown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running tasks: %w", ctx.Err())
	}
}

// --- a2a.Handler implementation ---

// HandleSendTask creates the task and starts executing it in the background.
// A send for a known id returns the current snapshot and starts nothing.
func (s *Service) HandleSendTask(_ context.Context, req a2a.TaskSendParams) (*a2a.Task, error) {
	desc := req.Message.Text()
	if desc == "" {
		return nil, fmt.Errorf("%w: message has no text part", a2a.ErrInvalidParams)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	created := s.store.Create(a2a.Record{
		Task:      task.New(req.ID, desc, req.Metadata),
		SessionID: req.SessionID,
		History:   []a2a.Message{req.Message},
		Metadata:  req.Metadata,
	})
	if created {
		s.metrics.TaskTransition(string(task.StateSubmitted))
		if err := s.start(req.ID); err != nil {
			return nil, err
		}
	}

	snap, err := s.store.Snapshot(req.ID, req.HistoryLength)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// HandleGetTask returns the current snapshot of a task.
func (s *Service) HandleGetTask(_ context.Context, req a2a.TaskQueryParams) (*a2a.Task, error) {
	snap, err := s.store.Snapshot(req.ID, req.HistoryLength)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// HandleCancelTask cancels a submitted or working task and signals its
// execution to stop. Canceling a canceled task returns its snapshot;
// canceling a completed or failed one is a conflict.
func (s *Service) HandleCancelTask(_ context.Context, req a2a.TaskIDParams) (*a2a.Task, error) {
	var (
		stop    context.CancelCauseFunc
		changed bool
	)
	err := s.store.Update(req.ID, func(r *a2a.Record) error {
		changed = r.Task.State != task.StateCanceled
		if err := r.Task.Cancel(ErrCanceledByRequest.Error()); err != nil {
			return err
		}
		stop, r.Cancel = r.Cancel, nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	if stop != nil {
		stop(ErrCanceledByRequest)
	}
	if changed {
		s.metrics.TaskTransition(string(task.StateCanceled))
		slog.Info("task canceled", "task_id", req.ID)
	}
	return s.HandleGetTask(context.Background(), a2a.TaskQueryParams{ID: req.ID})
}

// HandleListTasks returns retained tasks matching the filter.
func (s *Service) HandleListTasks(_ context.Context, req a2a.ListTasksParams) (*a2a.ListTasksResult, error) {
	return s.store.List(req)
}

// start moves a freshly created task to working and launches its execution.
// A task canceled between creation and start is left alone.
func (s *Service) start(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.store.Update(id, func(r *a2a.Record) error {
		if s.closed {
			if err := r.Task.Cancel(ErrShuttingDown.Error()); err != nil {
				return err
			}
			return ErrShuttingDown
		}
		if err := r.Task.Start(); err != nil {
			return err
		}
		ctx, cancel := context.WithCancelCause(s.baseCtx)
		r.Cancel = cancel
		req := executor.RequestFor(r.Task)
		s.wg.Add(1)
		go s.run(ctx, cancel, req)
		return nil
	})
	switch {
	case err == nil:
		s.metrics.TaskTransition(string(task.StateWorking))
		s.metrics.TaskStarted()
		slog.Info("task started", "task_id", id)
		return nil
	case errs.IsConflict(err):
		slog.Debug("task not started", "task_id", id, "error", err)
		return nil
	default:
		return err
	}
}

func (s *Service) run(ctx context.Context, cancel context.CancelCauseFunc, req executor.Request) {
	defer s.wg.Done()
	defer cancel(nil)
	defer s.metrics.TaskFinished()

	out := s.exec.Execute(ctx, req)

	err := s.store.Update(req.TaskID, func(r *a2a.Record) error {
		r.Cancel = nil
		return r.Task.Apply(out)
	})
	switch {
	case err == nil:
		s.metrics.TaskTransition(string(out.State()))
		if out.Kind == task.OutcomeFailure {
			slog.Error("task failed", "task_id", req.TaskID, "error", out.Err)
		} else {
			slog.Info("task finished", "task_id", req.TaskID, "state", out.State())
		}
	case errs.IsConflict(err):
		slog.Debug("discarding late outcome", "task_id", req.TaskID, "outcome", out.Kind)
	default:
		slog.Error("record task outcome", "task_id", req.TaskID, "error", err)
	}
}
