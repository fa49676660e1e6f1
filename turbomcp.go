// Package turbomcp assembles an MCP server from the internal wire codec,
// transport, registry, middleware, router, task, lifecycle, and DPoP
// packages behind a functional-options builder, the same pattern
// scrypster-memento/internal/api/mcp/server.go uses for its ServerOption
// family (WithConfig, WithSearchProvider, WithEngine, ...).
package turbomcp

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/turbomcp-go/turbomcp/internal/dpop"
	"github.com/turbomcp-go/turbomcp/internal/lifecycle"
	"github.com/turbomcp-go/turbomcp/internal/mcpserver"
	"github.com/turbomcp-go/turbomcp/internal/middleware"
	"github.com/turbomcp-go/turbomcp/internal/registry"
	"github.com/turbomcp-go/turbomcp/internal/task"
	"github.com/turbomcp-go/turbomcp/internal/telemetry"
	"github.com/turbomcp-go/turbomcp/internal/transport"
)

// Server is a fully assembled, not-yet-serving turbomcp instance: build it
// with New and its ServerOption values, then call Serve with a transport
// (or RunUntilSignal to drive lifecycle + signal handling for you).
type Server struct {
	name, version string

	registry *registry.Registry
	tasks    *task.Manager
	dpop     *dpop.Manager
	lc       *lifecycle.Lifecycle
	logger   *zap.Logger
	metrics  *telemetry.Metrics

	rateLimit  *middleware.RateLimit
	authz      *middleware.Authorization
	timeout    time.Duration
	validation bool

	mcpServer *mcpserver.Server
}

// ServerOption configures a Server under construction.
type ServerOption func(*Server)

// WithName sets the serverInfo.name/version reported by initialize.
func WithName(name, version string) ServerOption {
	return func(s *Server) { s.name, s.version = name, version }
}

// WithRegistry injects a pre-built tool/resource/prompt registry.Registry.
func WithRegistry(r *registry.Registry) ServerOption {
	return func(s *Server) { s.registry = r }
}

// WithTaskManager injects a task.Manager for async tools/call dispatch. If
// omitted, New creates a default in-memory 4-worker manager.
func WithTaskManager(m *task.Manager) ServerOption {
	return func(s *Server) { s.tasks = m }
}

// WithDPoPManager injects a dpop.Manager so auth middleware/tools can
// validate and rotate proof-of-possession keys.
func WithDPoPManager(m *dpop.Manager) ServerOption {
	return func(s *Server) { s.dpop = m }
}

// WithLogger sets the zap.Logger used throughout the server.
func WithLogger(l *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the Prometheus metrics bundle. If omitted, New uses
// telemetry.Noop().
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithRateLimit enables the token-bucket rate-limit middleware layer.
func WithRateLimit(requestsPerSecond float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateLimit = middleware.NewRateLimit(requestsPerSecond, burst, nil)
	}
}

// WithAuthorization enables per-method scope/role/permission enforcement.
func WithAuthorization(policies map[string]middleware.MethodPolicy) ServerOption {
	return func(s *Server) { s.authz = &middleware.Authorization{Policies: policies} }
}

// WithTimeout caps every request's end-to-end handling time.
func WithTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.timeout = d }
}

// WithValidation enables tools/call argument validation against each
// tool's registered input schema.
func WithValidation() ServerOption {
	return func(s *Server) { s.validation = true }
}

// New builds a Server from opts. A registry.Builder result must be
// supplied via WithRegistry; everything else has a working default.
func New(opts ...ServerOption) (*Server, error) {
	s := &Server{name: "turbomcp", version: "dev"}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		return nil, fmt.Errorf("turbomcp: WithRegistry is required")
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = telemetry.Noop()
	}
	if s.tasks == nil {
		s.tasks = task.NewManager(task.NewMemStore(), 4, s.metrics)
	}
	s.lc = lifecycle.New(s.logger)

	rt := &mcpserver.Runtime{
		Registry:   s.registry,
		Tasks:      s.tasks,
		ServerName: s.name,
		ServerVer:  s.version,
	}
	router := mcpserver.NewRouter()

	var layers []middleware.Middleware
	if s.timeout > 0 {
		layers = append(layers, middleware.Timeout{D: s.timeout})
	}
	if s.validation {
		layers = append(layers, middleware.Validation{Registry: s.registry})
	}
	if s.authz != nil {
		layers = append(layers, s.authz)
	}
	if s.rateLimit != nil {
		layers = append(layers, s.rateLimit)
	}

	chain := middleware.NewChain(mcpserver.CoreHandler(router, rt), s.metrics, nil, layers...)
	s.mcpServer = mcpserver.New(router, chain, rt, s.logger)

	return s, nil
}

// Serve drives tr's inbound message stream until it returns cleanly or
// errors. Call this once per transport; a transport feeds the frames of all
// its accepted connections into one Receive stream.
func (s *Server) Serve(ctx context.Context, tr transport.Transport) error {
	return s.mcpServer.Serve(ctx, tr)
}

// Lifecycle exposes the server's Configured->Starting->Running->Draining->
// Stopped state machine so a caller can coordinate multiple transports'
// shutdown.
func (s *Server) Lifecycle() *lifecycle.Lifecycle {
	return s.lc
}

// Close releases the task manager's worker pool. Call after Lifecycle().
// Drain has completed.
func (s *Server) Close() {
	s.tasks.Close()
}
