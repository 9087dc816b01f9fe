// Package gateway is the HTTP client an agent uses to register with a work
// gateway, poll for tasks, report results and send heartbeats.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dusk-indust/relay/internal/errs"
	"github.com/dusk-indust/relay/internal/metrics"
	"github.com/dusk-indust/relay/internal/task"
	"github.com/dusk-indust/relay/internal/telemetry"
)

const (
	maxResponseBytes = 1 << 20
	submittedLedger  = 256
)

// Config holds connection settings for the gateway.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retry   RetryPolicy
}

// Client talks to one gateway on behalf of one agent. It is safe for
// concurrent use: the heartbeat loop and the poll loop share it.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	retry   RetryPolicy
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu  sync.Mutex
	reg Registration

	// submitted maps task id to the terminal state first reported for it.
	submitted *lru.Cache[string, task.State]
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics records gateway round-trips on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a gateway client. The registration is copied; its Status
// starts as available.
func New(cfg Config, reg Registration, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if len(reg.Capabilities) == 0 {
		reg.Capabilities = DefaultCapabilities
	}
	reg = reg.clone()
	reg.Status = StatusAvailable

	ledger, _ := lru.New[string, task.State](submittedLedger)
	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		http:      &http.Client{Timeout: timeout},
		retry:     cfg.Retry,
		tracer:    telemetry.Tracer("github.com/dusk-indust/relay/internal/gateway"),
		reg:       reg,
		submitted: ledger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registration returns a snapshot of the current registration.
func (c *Client) Registration() Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg.clone()
}

// AgentID returns the registered agent id, or "" before registration.
func (c *Client) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg.AgentID
}

// Register announces the agent to the gateway and returns its agent id.
// Transient failures are retried with exponential backoff; once the attempts
// are exhausted, or on a non-retryable response, a *errs.FatalError is
// returned. Calling Register again re-registers under the same id.
func (c *Client) Register(ctx context.Context) (string, error) {
	payload := c.Registration()

	resp, err := backoff.Retry(ctx, func() (registerResponse, error) {
		var out registerResponse
		_, err := c.do(ctx, call{op: "register", method: http.MethodPost, path: "/api/v1/agents/register", body: payload, out: &out})
		return out, permanentUnlessTransient(err)
	}, c.retryOptions("register")...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &errs.FatalError{Op: "register", Err: err}
	}

	c.mu.Lock()
	if c.reg.AgentID == "" {
		c.reg.AgentID = resp.AgentID
	}
	id := c.reg.AgentID
	c.mu.Unlock()

	if id == "" {
		return "", &errs.FatalError{Op: "register", Err: errors.New("gateway did not assign an agent id")}
	}
	slog.Info("registered with gateway", "agent_id", id, "gateway", c.baseURL, "status", resp.Status)
	return id, nil
}

// PollNextTask asks the gateway for the next task. It makes exactly one
// round-trip and returns (nil, nil) when no task is available. An unknown
// agent yields a *errs.NotFoundError so the caller can re-register.
func (c *Client) PollNextTask(ctx context.Context) (*task.Task, error) {
	id := c.AgentID()
	if id == "" {
		return nil, ErrNotRegistered
	}

	var a Assignment
	status, err := c.do(ctx, call{
		op:     "poll",
		method: http.MethodGet,
		path:   "/api/v1/agents/" + url.PathEscape(id) + "/tasks/next",
		out:    &a,
	})
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, &errs.NotFoundError{Kind: "agent", ID: id}
		}
		return nil, err
	}
	if status == http.StatusNoContent || a.empty() {
		return nil, nil
	}
	return a.Task()
}

// SubmitResult reports a task's terminal state and result. Transient failures
// are retried; every attempt carries the same idempotency key so the gateway
// can collapse duplicates. Reporting a different terminal state for a task
// already reported returns a *errs.ConflictError without contacting the
// gateway.
func (c *Client) SubmitResult(ctx context.Context, t *task.Task) error {
	if !t.State.IsTerminal() {
		return fmt.Errorf("gateway: submit result for task %q in non-terminal state %s", t.ID, t.State)
	}
	agentID := c.AgentID()
	if agentID == "" {
		return ErrNotRegistered
	}
	if prev, seen, _ := c.submitted.PeekOrAdd(t.ID, t.State); seen && prev != t.State {
		return &errs.ConflictError{TaskID: t.ID, From: string(prev), To: string(t.State)}
	}

	body := submitRequest{AgentID: agentID, TaskID: t.ID, Status: t.State, Result: t.Result}
	header := http.Header{}
	header.Set("Idempotency-Key", t.ID+":"+string(t.State))

	_, err := backoff.Retry(ctx, func() (statusResponse, error) {
		var out statusResponse
		_, err := c.do(ctx, call{
			op:     "submit_result",
			method: http.MethodPost,
			path:   "/api/v1/tasks/" + url.PathEscape(t.ID) + "/result",
			body:   body,
			out:    &out,
			header: header,
		})
		return out, permanentUnlessTransient(err)
	}, c.retryOptions("submit_result")...)
	if err != nil {
		return fmt.Errorf("gateway: submit result for task %q: %w", t.ID, err)
	}
	slog.Info("submitted task result", "task_id", t.ID, "state", t.State)
	return nil
}

// Heartbeat records status locally and sends it to the gateway once.
// Callers log failures; nothing here retries.
func (c *Client) Heartbeat(ctx context.Context, status Status) error {
	c.mu.Lock()
	c.reg.Status = status
	id := c.reg.AgentID
	c.mu.Unlock()
	if id == "" {
		return ErrNotRegistered
	}

	var out statusResponse
	_, err := c.do(ctx, call{
		op:     "heartbeat",
		method: http.MethodPost,
		path:   "/api/v1/agents/" + url.PathEscape(id) + "/heartbeat",
		body:   heartbeatRequest{AgentID: id, Status: status},
		out:    &out,
	})
	if statusCode(err) == http.StatusNotFound {
		return &errs.NotFoundError{Kind: "agent", ID: id}
	}
	if err != nil {
		c.metrics.HeartbeatFailed()
	}
	return err
}

// Unregister removes the agent from the gateway. It is a single best-effort
// attempt.
func (c *Client) Unregister(ctx context.Context) error {
	id := c.AgentID()
	if id == "" {
		return ErrNotRegistered
	}
	var out statusResponse
	if _, err := c.do(ctx, call{op: "unregister", method: http.MethodDelete, path: "/api/v1/agents/" + url.PathEscape(id), out: &out}); err != nil {
		return err
	}
	slog.Info("unregistered from gateway", "agent_id", id)
	return nil
}

func (c *Client) retryOptions(op string) []backoff.RetryOption {
	return []backoff.RetryOption{
		backoff.WithBackOff(c.retry.NewBackOff()),
		backoff.WithMaxTries(c.retry.attempts()),
		backoff.WithNotify(func(err error, d time.Duration) {
			slog.Warn("gateway call failed, retrying", "op", op, "error", err, "retry_in", d)
		}),
	}
}

func permanentUnlessTransient(err error) error {
	if err == nil || errs.IsTransient(err) {
		return err
	}
	return backoff.Permanent(err)
}

// StatusError is a non-retryable, non-2xx gateway response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway: %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

type call struct {
	op     string
	method string
	path   string
	body   any
	out    any
	header http.Header
}

// do performs one HTTP round-trip and classifies the result. It returns the
// HTTP status on success.
func (c *Client) do(ctx context.Context, cl call) (status int, err error) {
	ctx, span := c.tracer.Start(ctx, "gateway."+cl.op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", cl.method),
			attribute.String("url.path", cl.path),
		),
	)
	defer func() {
		c.metrics.GatewayRequest(cl.op, resultClass(status, err))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var reader io.Reader
	if cl.body != nil {
		data, err := json.Marshal(cl.body)
		if err != nil {
			return 0, fmt.Errorf("gateway: %s: marshal request: %w", cl.op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, c.baseURL+cl.path, reader)
	if err != nil {
		return 0, fmt.Errorf("gateway: %s: create request: %w", cl.op, err)
	}
	req.Header.Set("Accept", "application/json")
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, vs := range cl.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, &errs.TransientError{Op: cl.op, Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, &errs.TransientError{Op: cl.op, StatusCode: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return resp.StatusCode, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if cl.out != nil && len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, cl.out); err != nil {
				return resp.StatusCode, fmt.Errorf("gateway: %s: decode response: %w", cl.op, err)
			}
		}
		return resp.StatusCode, nil
	case errs.RetryableStatus(resp.StatusCode):
		return resp.StatusCode, &errs.TransientError{Op: cl.op, StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(data)))}
	default:
		return resp.StatusCode, &StatusError{Op: cl.op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
}

func resultClass(status int, err error) string {
	switch {
	case err == nil && status == http.StatusNoContent:
		return "empty"
	case err == nil:
		return "ok"
	case errs.IsTransient(err):
		return "transient"
	case statusCode(err) == http.StatusNotFound:
		return "not_found"
	default:
		return "error"
	}
}
