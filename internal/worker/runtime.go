// Package worker runs an agent in poll mode: it registers with a gateway,
// then polls for tasks, executes them one at a time and reports the results,
// while a heartbeat loop reports liveness for the lifetime of the runtime.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dusk-indust/relay/internal/errs"
	"github.com/dusk-indust/relay/internal/executor"
	"github.com/dusk-indust/relay/internal/gateway"
	"github.com/dusk-indust/relay/internal/metrics"
	"github.com/dusk-indust/relay/internal/task"
	"github.com/dusk-indust/relay/internal/telemetry"
)

// ErrShutdown is the cancellation cause given to a task still executing when
// the runtime is asked to stop.
var ErrShutdown = errors.New("agent shutting down")

// Gateway is the subset of *gateway.Client the runtime drives.
type Gateway interface {
	Register(ctx context.Context) (string, error)
	PollNextTask(ctx context.Context) (*task.Task, error)
	SubmitResult(ctx context.Context, t *task.Task) error
	Heartbeat(ctx context.Context, status gateway.Status) error
	Unregister(ctx context.Context) error
}

// Executor runs one task to a single outcome.
type Executor interface {
	Execute(ctx context.Context, req executor.Request) task.Outcome
}

// Config holds the runtime's timing.
type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// ShutdownGrace bounds how long a canceled execution may take to return
	// before the task is reported canceled anyway.
	ShutdownGrace time.Duration
	// SubmitTimeout bounds result submission and unregistration, which run
	// even after the runtime's context is canceled.
	SubmitTimeout time.Duration
	// PollBackoff spaces out consecutive poll failures.
	PollBackoff gateway.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ShutdownGrace < 0 {
		c.ShutdownGrace = 0
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = time.Minute
	}
	if c.PollBackoff == (gateway.RetryPolicy{}) {
		c.PollBackoff = gateway.DefaultRetryPolicy()
	}
	return c
}

// Runtime is the poll-mode agent loop.
type Runtime struct {
	gw      Gateway
	exec    Executor
	cfg     Config
	metrics *metrics.Metrics
	tracer  trace.Tracer

	busy atomic.Bool
	kick chan struct{}
	// sleep paces the poll loop.
	sleep func(ctx context.Context, d time.Duration)
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithMetrics records task transitions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// New creates a Runtime.
func New(gw Gateway, exec Executor, cfg Config, opts ...Option) *Runtime {
	r := &Runtime{
		gw:     gw,
		exec:   exec,
		cfg:    cfg.withDefaults(),
		tracer: telemetry.Tracer("github.com/dusk-indust/relay/internal/worker"),
		kick:   make(chan struct{}, 1),
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run registers with the gateway and serves tasks until ctx is canceled.
// A registration failure is returned as is (a *errs.FatalError once retries
// are exhausted). Cancellation of ctx is a normal stop and returns nil.
func (r *Runtime) Run(ctx context.Context) error {
	if _, err := r.gw.Register(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.heartbeatLoop(gctx)
		return nil
	})
	g.Go(func() error {
		r.pollLoop(gctx)
		return nil
	})
	err := g.Wait()

	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.SubmitTimeout)
	defer cancel()
	if uerr := r.gw.Unregister(uctx); uerr != nil {
		slog.Warn("unregister failed", "error", uerr)
	}
	return err
}

// Busy reports whether a task is executing.
func (r *Runtime) Busy() bool {
	return r.busy.Load()
}

// --- heartbeat ---

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	r.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.kick:
		}
		r.beat(ctx)
	}
}

func (r *Runtime) beat(ctx context.Context) {
	status := gateway.StatusAvailable
	if r.busy.Load() {
		status = gateway.StatusBusy
	}
	hctx, cancel := context.WithTimeout(ctx, r.cfg.HeartbeatInterval)
	defer cancel()
	if err := r.gw.Heartbeat(hctx, status); err != nil && ctx.Err() == nil {
		slog.Warn("heartbeat failed", "status", status, "error", err)
	}
}

// setBusy records availability and nudges the heartbeat loop. The nudge is
// dropped when one is already pending.
func (r *Runtime) setBusy(b bool) {
	r.busy.Store(b)
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// --- poll ---

func (r *Runtime) pollLoop(ctx context.Context) {
	bo := r.cfg.PollBackoff.NewBackOff()
	for ctx.Err() == nil {
		t, err := r.gw.PollNextTask(ctx)
		switch {
		case err == nil && t == nil:
			bo.Reset()
			r.sleep(ctx, r.cfg.PollInterval)
		case err == nil:
			bo.Reset()
			r.runTask(ctx, t)
		case ctx.Err() != nil:
			return
		case errors.Is(err, gateway.ErrMissingTaskID):
			slog.Error("skipping task without task_id")
			r.sleep(ctx, r.cfg.PollInterval)
		case errs.IsNotFound(err):
			slog.Warn("gateway does not know this agent, registering again")
			_, rerr := r.gw.Register(ctx)
			if rerr == nil {
				bo.Reset()
				continue
			}
			if ctx.Err() == nil {
				slog.Error("re-registration failed", "error", rerr)
			}
			r.sleep(ctx, r.nextDelay(bo))
		default:
			delay := r.nextDelay(bo)
			slog.Warn("poll failed", "error", err, "retry_in", delay)
			r.sleep(ctx, delay)
		}
	}
}

func (r *Runtime) nextDelay(bo *backoff.ExponentialBackOff) time.Duration {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		return bo.MaxInterval
	}
	return d
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// --- execution ---

// runTask moves t through its lifecycle and reports the result. Submission
// runs on a context detached from ctx so a result is still delivered during
// shutdown.
func (r *Runtime) runTask(ctx context.Context, t *task.Task) {
	log := slog.With("task_id", t.ID)
	if err := t.Start(); err != nil {
		log.Error("cannot start task", "error", err)
		return
	}
	ctx, span := r.tracer.Start(ctx, "worker.task", trace.WithAttributes(attribute.String("task.id", t.ID)))
	defer span.End()

	r.metrics.TaskTransition(string(task.StateWorking))
	r.metrics.TaskStarted()
	r.setBusy(true)
	defer r.setBusy(false)
	log.Info("task started")

	out := r.execute(ctx, t)
	r.metrics.TaskFinished()
	if err := t.Apply(out); err != nil {
		log.Error("cannot record outcome", "outcome", out.Kind, "error", err)
		return
	}
	r.metrics.TaskTransition(string(t.State))
	span.SetAttributes(attribute.String("task.state", string(t.State)))
	if t.State == task.StateFailed {
		log.Error("task failed", "error", out.Err)
	} else {
		log.Info("task finished", "state", t.State)
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.SubmitTimeout)
	defer cancel()
	if err := r.gw.SubmitResult(sctx, t); err != nil {
		log.Error("submit result failed", "error", err)
	}
}

// execute runs the executor on a context that outlives ctx. When ctx ends
// first, the execution is canceled and given ShutdownGrace to return; after
// that the task is reported canceled without waiting further.
func (r *Runtime) execute(ctx context.Context, t *task.Task) task.Outcome {
	execCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancel(nil)

	done := make(chan task.Outcome, 1)
	req := executor.RequestFor(t)
	go func() { done <- r.exec.Execute(execCtx, req) }()

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
	}

	cancel(ErrShutdown)
	grace := time.NewTimer(r.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case out := <-done:
		return out
	case <-grace.C:
		slog.Warn("execution did not stop within grace period", "task_id", t.ID, "grace", r.cfg.ShutdownGrace)
		return task.Canceled(ErrShutdown, task.Result{})
	}
}
