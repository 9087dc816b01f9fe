package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dusk-indust/relay/internal/errs"
	"github.com/dusk-indust/relay/internal/telemetry"
)

const maxResponseBytes = 8 << 20

// Compile-time interface check.
var _ Client = (*HTTPClient)(nil)

// HTTPClient calls a serve-mode agent over JSON-RPC. Transport failures and
// retryable HTTP statuses come back as *errs.TransientError; RPC errors as
// *RPCError.
type HTTPClient struct {
	http   *http.Client
	tracer trace.Tracer
	seq    atomic.Int64
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) { c.http.Timeout = d }
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) { c.http = hc }
}

// NewHTTPClient creates a client with a 30s timeout.
func NewHTTPClient(opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		http:   &http.Client{Timeout: 30 * time.Second},
		tracer: telemetry.Tracer("github.com/dusk-indust/relay/internal/a2a/client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) SendTask(ctx context.Context, endpoint string, req TaskSendParams) (*Task, error) {
	return invoke[Task](ctx, c, endpoint, MethodSendTask, req)
}

func (c *HTTPClient) GetTask(ctx context.Context, endpoint string, req TaskQueryParams) (*Task, error) {
	return invoke[Task](ctx, c, endpoint, MethodGetTask, req)
}

func (c *HTTPClient) CancelTask(ctx context.Context, endpoint string, req TaskIDParams) (*Task, error) {
	return invoke[Task](ctx, c, endpoint, MethodCancelTask, req)
}

func (c *HTTPClient) ListTasks(ctx context.Context, endpoint string, req ListTasksParams) (*ListTasksResult, error) {
	return invoke[ListTasksResult](ctx, c, endpoint, MethodListTasks, req)
}

// DiscoverAgent fetches the agent card from baseURL's well-known path.
func (c *HTTPClient) DiscoverAgent(ctx context.Context, baseURL string) (*AgentCard, error) {
	ctx, span := c.tracer.Start(ctx, "a2a.discover", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	body, err := c.roundTrip(ctx, "discover", http.MethodGet, strings.TrimRight(baseURL, "/")+AgentCardPath, nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	var card AgentCard
	if err := json.Unmarshal(body, &card); err != nil {
		return nil, fmt.Errorf("a2a: decode agent card: %w", err)
	}
	return &card, nil
}

// invoke sends one JSON-RPC request and decodes its result into R.
func invoke[R any](ctx context.Context, c *HTTPClient, endpoint, method string, params any) (*R, error) {
	ctx, span := c.tracer.Start(ctx, "a2a.call "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("rpc.method", method)),
	)
	defer span.End()

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("a2a: marshal %s params: %w", method, err)
	}
	reqBody, err := json.Marshal(JSONRPCRequest{
		JSONRPC: JSONRPCVersion,
		ID:      c.seq.Add(1),
		Method:  method,
		Params:  raw,
	})
	if err != nil {
		return nil, fmt.Errorf("a2a: marshal %s request: %w", method, err)
	}

	body, err := c.roundTrip(ctx, method, http.MethodPost, endpoint, reqBody)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var resp JSONRPCResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("a2a: decode %s response: %w", method, err)
	}
	if resp.Error != nil {
		rpcErr := &RPCError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
		span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", rpcErr.Code))
		span.SetStatus(codes.Error, rpcErr.Message)
		return nil, rpcErr
	}

	out := new(R)
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return nil, fmt.Errorf("a2a: decode %s result: %w", method, err)
		}
	}
	return out, nil
}

// roundTrip performs one HTTP exchange and returns the body of a 200
// response.
func (c *HTTPClient) roundTrip(ctx context.Context, op, method, url string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("a2a: %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &errs.TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &errs.TransientError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return data, nil
	case errs.RetryableStatus(resp.StatusCode):
		return nil, &errs.TransientError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", bytes.TrimSpace(data))}
	default:
		return nil, fmt.Errorf("a2a: %s: HTTP %d: %s", op, resp.StatusCode, bytes.TrimSpace(data))
	}
}

// RPCError is a JSON-RPC error returned by a remote agent. Task codes unwrap
// to the matching errs kind, so errs.IsNotFound and errs.IsConflict work on
// it.
type RPCError struct {
	Method  string
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("a2a: %s: rpc error %d: %s", e.Method, e.Code, e.Message)
}

// Unwrap maps task error codes back to errs kinds.
func (e *RPCError) Unwrap() error {
	switch e.Code {
	case ErrCodeTaskNotFound:
		var d notFoundData
		_ = json.Unmarshal(e.Data, &d)
		if d.Kind == "" {
			d.Kind = "task"
		}
		return &errs.NotFoundError{Kind: d.Kind, ID: d.ID}
	case ErrCodeTaskNotCancelable:
		var d conflictData
		_ = json.Unmarshal(e.Data, &d)
		return &errs.ConflictError{TaskID: d.TaskID, From: d.From, To: d.To}
	}
	return nil
}
