package a2a

import (
	"context"
	"net"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/dusk-indust/relay/internal/telemetry"
)

// AgentCardPath is where the discovery document is served.
const AgentCardPath = "/.well-known/agent.json"

// Handler processes incoming task RPCs.
type Handler interface {
	// HandleSendTask creates and starts a task, or returns the existing
	// snapshot when the id is already known.
	HandleSendTask(ctx context.Context, req TaskSendParams) (*Task, error)

	// HandleGetTask returns the current state of a task.
	HandleGetTask(ctx context.Context, req TaskQueryParams) (*Task, error)

	// HandleCancelTask cancels a submitted or working task.
	HandleCancelTask(ctx context.Context, req TaskIDParams) (*Task, error)

	// HandleListTasks returns tasks matching the filter.
	HandleListTasks(ctx context.Context, req ListTasksParams) (*ListTasksResult, error)
}

// Server is the HTTP server that exposes a task handler over JSON-RPC.
type Server struct {
	card    AgentCard
	handler Handler
	routes  map[string]http.Handler
	limiter *RateLimiter
	tracer  trace.Tracer

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	done     chan error
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRoute mounts an extra handler, such as /metrics or /mcp, next to the
// RPC endpoint.
func WithRoute(pattern string, h http.Handler) ServerOption {
	return func(s *Server) { s.routes[pattern] = h }
}

// WithRateLimiter limits RPC requests per remote address.
func WithRateLimiter(rl *RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// NewServer creates a server for the given agent.
func NewServer(card AgentCard, handler Handler, opts ...ServerOption) *Server {
	s := &Server{
		card:    card,
		handler: handler,
		routes:  make(map[string]http.Handler),
		tracer:  telemetry.Tracer("github.com/dusk-indust/relay/internal/a2a"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Card returns the discovery document.
func (s *Server) Card() AgentCard { return s.card }

// Handle mounts an extra route after construction. Routes added after Start
// are not served.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[pattern] = h
}
