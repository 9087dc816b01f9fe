package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/relay/internal/errs"
	"github.com/dusk-indust/relay/internal/executor"
	"github.com/dusk-indust/relay/internal/gateway"
	"github.com/dusk-indust/relay/internal/task"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeGateway struct {
	registerFn func(ctx context.Context) (string, error)
	pollFn     func(ctx context.Context, n int) (*task.Task, error)

	mu           sync.Mutex
	registers    int
	polls        int
	submitted    []*task.Task
	heartbeats   []gateway.Status
	unregistered int
}

func (f *fakeGateway) Register(ctx context.Context) (string, error) {
	f.mu.Lock()
	f.registers++
	f.mu.Unlock()
	if f.registerFn != nil {
		return f.registerFn(ctx)
	}
	return "agent-1", nil
}

func (f *fakeGateway) PollNextTask(ctx context.Context) (*task.Task, error) {
	f.mu.Lock()
	f.polls++
	n := f.polls
	f.mu.Unlock()
	if f.pollFn != nil {
		return f.pollFn(ctx, n)
	}
	return nil, nil
}

func (f *fakeGateway) SubmitResult(_ context.Context, t *task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, t.Clone())
	return nil
}

func (f *fakeGateway) Heartbeat(_ context.Context, status gateway.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, status)
	return nil
}

func (f *fakeGateway) Unregister(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered++
	return nil
}

func (f *fakeGateway) results() []*task.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*task.Task(nil), f.submitted...)
}

func (f *fakeGateway) beats() []gateway.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.Status(nil), f.heartbeats...)
}

func (f *fakeGateway) counts() (registers, polls, unregistered int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registers, f.polls, f.unregistered
}

// once hands out ts in order on the first polls, then nothing.
func once(ts ...*task.Task) func(context.Context, int) (*task.Task, error) {
	return func(_ context.Context, n int) (*task.Task, error) {
		if n <= len(ts) {
			return ts[n-1], nil
		}
		return nil, nil
	}
}

type execFunc func(ctx context.Context, req executor.Request) task.Outcome

func (f execFunc) Execute(ctx context.Context, req executor.Request) task.Outcome { return f(ctx, req) }

func succeed(ctx context.Context, req executor.Request) task.Outcome {
	return task.Success(task.Result{ExitStatus: task.ExitSubmitted, Submission: "done: " + req.Description})
}

func fastConfig() Config {
	return Config{
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		ShutdownGrace:     100 * time.Millisecond,
		SubmitTimeout:     time.Second,
		PollBackoff:       gateway.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2},
	}
}

// start runs rt in the background and returns a stop function that cancels
// it and returns Run's error.
func start(t *testing.T, rt *Runtime) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- rt.Run(ctx) }()
	var stopOnce sync.Once
	var err error
	stop := func() error {
		stopOnce.Do(func() {
			cancel()
			select {
			case err = <-errc:
			case <-time.After(2 * time.Second):
				t.Fatal("runtime did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func TestRun_RegistrationFailureIsReturned(t *testing.T) {
	gw := &fakeGateway{registerFn: func(context.Context) (string, error) {
		return "", &errs.FatalError{Op: "register", Err: errors.New("retries exhausted")}
	}}
	rt := New(gw, execFunc(succeed), fastConfig())

	err := rt.Run(context.Background())
	assert.True(t, errs.IsFatal(err))
	_, polls, unregistered := gw.counts()
	assert.Zero(t, polls)
	assert.Zero(t, unregistered)
}

func TestRun_CanceledDuringRegistration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gw := &fakeGateway{registerFn: func(ctx context.Context) (string, error) {
		cancel()
		return "", ctx.Err()
	}}
	rt := New(gw, execFunc(succeed), fastConfig())

	assert.NoError(t, rt.Run(ctx))
}

// ---------------------------------------------------------------------------
// Poll loop
// ---------------------------------------------------------------------------

func TestRun_ExecutesAndSubmits(t *testing.T) {
	t1 := task.New("t1", "echo hi", nil)
	gw := &fakeGateway{pollFn: once(t1)}
	rt := New(gw, execFunc(succeed), fastConfig())
	stop := start(t, rt)

	require.Eventually(t, func() bool { return len(gw.results()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	got := gw.results()[0]
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, task.StateCompleted, got.State)
	assert.Equal(t, "done: echo hi", got.Result.Submission)
	assert.Equal(t, task.ExitSubmitted, got.Result.ExitStatus)

	_, _, unregistered := gw.counts()
	assert.Equal(t, 1, unregistered)
	assert.False(t, rt.Busy())
}

func TestRun_HeartbeatReportsBusyWhileExecuting(t *testing.T) {
	release := make(chan struct{})
	t1 := task.New("t1", "x", nil)
	gw := &fakeGateway{pollFn: once(t1)}
	exec := execFunc(func(ctx context.Context, req executor.Request) task.Outcome {
		<-release
		return succeed(ctx, req)
	})
	rt := New(gw, exec, fastConfig())
	start(t, rt)

	require.Eventually(t, func() bool {
		beats := gw.beats()
		return len(beats) > 0 && beats[len(beats)-1] == gateway.StatusBusy
	}, time.Second, 5*time.Millisecond, "busy heartbeat sent without waiting for the ticker")
	assert.True(t, rt.Busy())

	close(release)
	require.Eventually(t, func() bool {
		beats := gw.beats()
		return len(gw.results()) == 1 && beats[len(beats)-1] == gateway.StatusAvailable
	}, time.Second, 5*time.Millisecond)
}

func TestRun_FailureDoesNotStopLoop(t *testing.T) {
	gw := &fakeGateway{pollFn: once(task.New("bad", "x", nil), task.New("good", "y", nil))}
	exec := execFunc(func(ctx context.Context, req executor.Request) task.Outcome {
		if req.TaskID == "bad" {
			return task.Failure(&errs.ExecutionError{Op: "model", Err: errors.New("proxy down")}, task.Result{Steps: 2})
		}
		return succeed(ctx, req)
	})
	rt := New(gw, exec, fastConfig())
	start(t, rt)

	require.Eventually(t, func() bool { return len(gw.results()) == 2 }, time.Second, 5*time.Millisecond)
	results := gw.results()

	assert.Equal(t, task.StateFailed, results[0].State)
	assert.Equal(t, task.ExitError, results[0].Result.ExitStatus)
	assert.Contains(t, results[0].Result.Error, "proxy down")
	assert.Equal(t, 2, results[0].Result.Steps)
	assert.Equal(t, task.StateCompleted, results[1].State)
}

func TestRun_TransientPollErrorsAreRetried(t *testing.T) {
	gw := &fakeGateway{pollFn: func(_ context.Context, n int) (*task.Task, error) {
		switch {
		case n <= 3:
			return nil, &errs.TransientError{Op: "poll", StatusCode: http.StatusServiceUnavailable}
		case n == 4:
			return task.New("t1", "x", nil), nil
		}
		return nil, nil
	}}
	rt := New(gw, execFunc(succeed), fastConfig())
	start(t, rt)

	require.Eventually(t, func() bool { return len(gw.results()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRun_PollBackoffGrowsCapsAndResetsOnEmptyPoll(t *testing.T) {
	gw := &fakeGateway{pollFn: func(_ context.Context, n int) (*task.Task, error) {
		if n == 5 {
			return nil, nil
		}
		return nil, &errs.TransientError{Op: "poll", StatusCode: http.StatusBadGateway}
	}}
	cfg := fastConfig()
	cfg.PollInterval = time.Hour
	cfg.PollBackoff = gateway.RetryPolicy{InitialInterval: 10 * time.Millisecond, MaxInterval: 40 * time.Millisecond, Multiplier: 2}
	rt := New(gw, execFunc(succeed), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var delays []time.Duration
	rt.sleep = func(_ context.Context, d time.Duration) {
		delays = append(delays, d)
		if len(delays) == 7 {
			cancel()
		}
	}
	require.NoError(t, rt.Run(ctx))

	ms := time.Millisecond
	// fail x4 grows to the cap, the empty poll waits the poll interval
	// without growing, and the next failure starts over.
	assert.Equal(t, []time.Duration{10 * ms, 20 * ms, 40 * ms, 40 * ms, time.Hour, 10 * ms, 20 * ms}, delays)
}

func TestRun_UnknownAgentRegistersAgain(t *testing.T) {
	gw := &fakeGateway{pollFn: func(_ context.Context, n int) (*task.Task, error) {
		if n == 1 {
			return nil, &errs.NotFoundError{Kind: "agent", ID: "agent-1"}
		}
		return nil, nil
	}}
	rt := New(gw, execFunc(succeed), fastConfig())
	start(t, rt)

	require.Eventually(t, func() bool {
		registers, polls, _ := gw.counts()
		return registers == 2 && polls >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestRun_TaskWithoutIDIsSkipped(t *testing.T) {
	gw := &fakeGateway{pollFn: func(_ context.Context, n int) (*task.Task, error) {
		if n == 1 {
			return nil, gateway.ErrMissingTaskID
		}
		return nil, nil
	}}
	var calls atomic.Int32
	exec := execFunc(func(ctx context.Context, req executor.Request) task.Outcome {
		calls.Add(1)
		return succeed(ctx, req)
	})
	rt := New(gw, exec, fastConfig())
	start(t, rt)

	require.Eventually(t, func() bool {
		_, polls, _ := gw.counts()
		return polls >= 3
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.Empty(t, gw.results())
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

func TestRun_ShutdownCancelsRunningTask(t *testing.T) {
	started := make(chan struct{})
	var cause atomic.Value
	exec := execFunc(func(ctx context.Context, _ executor.Request) task.Outcome {
		close(started)
		<-ctx.Done()
		cause.Store(context.Cause(ctx))
		return task.Canceled(context.Cause(ctx), task.Result{Steps: 3})
	})
	gw := &fakeGateway{pollFn: once(task.New("t1", "long", nil))}
	rt := New(gw, exec, fastConfig())
	stop := start(t, rt)

	<-started
	require.NoError(t, stop())

	assert.ErrorIs(t, cause.Load().(error), ErrShutdown)
	results := gw.results()
	require.Len(t, results, 1, "canceled result is still submitted")
	assert.Equal(t, task.StateCanceled, results[0].State)
	assert.Equal(t, task.ExitCanceled, results[0].Result.ExitStatus)
	assert.Equal(t, 3, results[0].Result.Steps)
	_, _, unregistered := gw.counts()
	assert.Equal(t, 1, unregistered)
}

func TestRun_ShutdownGraceBoundsUnresponsiveExecutor(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	exec := execFunc(func(context.Context, executor.Request) task.Outcome {
		close(started)
		<-release
		return task.Success(task.Result{})
	})
	gw := &fakeGateway{pollFn: once(task.New("t1", "stuck", nil))}
	cfg := fastConfig()
	cfg.ShutdownGrace = 20 * time.Millisecond
	rt := New(gw, exec, cfg)
	stop := start(t, rt)

	<-started
	begin := time.Now()
	require.NoError(t, stop())
	assert.Less(t, time.Since(begin), time.Second)

	results := gw.results()
	require.Len(t, results, 1)
	assert.Equal(t, task.StateCanceled, results[0].State)
	assert.Equal(t, ErrShutdown.Error(), results[0].Result.Error)
}

// ---------------------------------------------------------------------------
// Against the HTTP gateway client
// ---------------------------------------------------------------------------

func TestRun_WithGatewayClient(t *testing.T) {
	var (
		mu      sync.Mutex
		served  bool
		results []map[string]any
		beats   []string
		deleted bool
	)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/agents/register", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"agent_id": "a-9", "status": "registered"})
	})
	mux.HandleFunc("GET /api/v1/agents/a-9/tasks/next", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if served {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		served = true
		_ = json.NewEncoder(w).Encode(map[string]any{"task_id": "t-1", "description": "list files"})
	})
	mux.HandleFunc("POST /api/v1/tasks/t-1/result", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		results = append(results, body)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /api/v1/agents/a-9/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		beats = append(beats, body["status"])
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("DELETE /api/v1/agents/a-9", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		deleted = true
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := gateway.New(gateway.Config{BaseURL: srv.URL, Retry: gateway.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond}},
		gateway.Registration{AgentName: "mini-swe-agent"})
	rt := New(client, execFunc(succeed), fastConfig())
	stop := start(t, rt)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "a-9", results[0]["agent_id"])
	assert.Equal(t, "completed", results[0]["status"])
	result := results[0]["result"].(map[string]any)
	assert.Equal(t, "done: list files", result["submission"])
	assert.Contains(t, beats, "busy")
	assert.True(t, deleted)
}
