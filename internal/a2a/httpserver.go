package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxRequestBytes = 4 << 20

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+AgentCardPath, s.handleAgentCard)
	mux.HandleFunc("POST /{$}", s.handleJSONRPC)
	s.mu.Lock()
	for pattern, h := range s.routes {
		mux.Handle(pattern, h)
	}
	s.mu.Unlock()
	return mux
}

// Start binds addr and begins serving in a background goroutine. Bind errors
// are returned synchronously; a later serve failure is delivered on Done.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("a2a: listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	done := make(chan error, 1)
	s.mu.Lock()
	s.http = srv
	s.listener = ln
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("a2a server stopped", "error", err)
			done <- fmt.Errorf("a2a: serve %s: %w", ln.Addr(), err)
		}
	}()
	slog.Info("a2a server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Done is closed when the server stops serving. It yields the serve error
// first if serving failed for any reason other than Stop. Before Start it
// returns nil, which blocks forever in a select.
func (s *Server) Done() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// handleAgentCard serves the agent card as JSON at the well-known endpoint.
func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(s.card); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleJSONRPC processes incoming JSON-RPC 2.0 requests and dispatches them
// to the appropriate handler method.
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.limiter != nil && !s.limiter.Allow(remoteHost(r)) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
		writeJSONRPCError(w, nil, ErrCodeInternal, "rate limit exceeded")
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeJSONRPCError(w, nil, ErrCodeParse, "Parse error: "+err.Error())
		return
	}
	// A missing version is read as 2.0; only a different one is rejected.
	if (req.JSONRPC != "" && req.JSONRPC != JSONRPCVersion) || req.Method == "" {
		writeJSONRPCError(w, req.ID, ErrCodeInvalidRequest, "Invalid request")
		return
	}

	ctx, span := s.tracer.Start(r.Context(), "rpc "+req.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("rpc.method", req.Method)))
	defer span.End()

	var (
		result any
		err    error
	)
	switch req.Method {
	case MethodSendTask:
		result, err = dispatch(ctx, req.Params, s.handler.HandleSendTask)
	case MethodGetTask:
		result, err = dispatch(ctx, req.Params, s.handler.HandleGetTask)
	case MethodCancelTask:
		result, err = dispatch(ctx, req.Params, s.handler.HandleCancelTask)
	case MethodListTasks:
		result, err = dispatch(ctx, req.Params, s.handler.HandleListTasks)
	default:
		writeJSONRPCError(w, req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
		return
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		rpcErr := toJSONRPCError(err)
		if rpcErr.Code == ErrCodeInternal {
			slog.Error("rpc handler failed", "method", req.Method, "error", err)
		}
		writeJSONRPCResponse(w, JSONRPCResponse{JSONRPC: JSONRPCVersion, ID: req.ID, Error: rpcErr})
		return
	}

	writeJSONRPCResult(w, req.ID, result)
}

// dispatch unmarshals params into P and calls fn.
func dispatch[P, R any](ctx context.Context, raw json.RawMessage, fn func(context.Context, P) (R, error)) (any, error) {
	var params P
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing params", ErrInvalidParams)
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return fn(ctx, params)
}

// writeJSONRPCResult writes a successful JSON-RPC response.
func writeJSONRPCResult(w http.ResponseWriter, id any, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		writeJSONRPCError(w, id, ErrCodeInternal, "Failed to marshal result: "+err.Error())
		return
	}

	writeJSONRPCResponse(w, JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  data,
	})
}

// writeJSONRPCError writes a JSON-RPC error response.
func writeJSONRPCError(w http.ResponseWriter, id any, code int, message string) {
	writeJSONRPCResponse(w, JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSONRPCResponse(w http.ResponseWriter, resp JSONRPCResponse) {
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Debug("write rpc response", "error", err)
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
