// Package middleware implements the typed per-operation hook chain spec.md
// §4.5 describes: outer-to-inner composition via an explicit Next
// continuation, any layer free to short-circuit. The built-in service
// pipeline (Timeout -> Validation -> Authorization -> Rate-limit -> Core
// router) is assembled from the same Middleware interface so application
// code composes identically to the runtime's own layers.
package middleware

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/turbomcp-go/turbomcp/internal/protocol"
	"github.com/turbomcp-go/turbomcp/internal/telemetry"
)

// Next advances to the next middleware in the chain, and finally to the
// core handler. A middleware that never calls Next short-circuits the
// remaining chain.
type Next func(ctx context.Context, req *protocol.Request) (*protocol.Response, *protocol.Error)

// Middleware is one layer of the chain. Implementations typically inspect
// or mutate ctx/req, optionally call next, and optionally post-process the
// result.
type Middleware interface {
	// Name identifies the layer for tracing and logging.
	Name() string
	Handle(ctx context.Context, req *protocol.Request, next Next) (*protocol.Response, *protocol.Error)
}

// Func adapts a plain function to the Middleware interface.
type Func struct {
	FuncName string
	Fn       func(ctx context.Context, req *protocol.Request, next Next) (*protocol.Response, *protocol.Error)
}

func (f Func) Name() string { return f.FuncName }
func (f Func) Handle(ctx context.Context, req *protocol.Request, next Next) (*protocol.Response, *protocol.Error) {
	return f.Fn(ctx, req, next)
}

// Chain composes an ordered list of middleware, outermost first, terminating
// in core. Each layer is individually traced with an OpenTelemetry span,
// matching fyrsmithlabs-contextd's per-stage span discipline and satisfying
// spec.md §7's "tracing spans record the error kind".
type Chain struct {
	layers  []Middleware
	core    Next
	tracer  trace.Tracer
	metrics *telemetry.Metrics
}

// NewChain builds a Chain. core handles the request once every layer has
// called Next.
func NewChain(core Next, metrics *telemetry.Metrics, tracer trace.Tracer, layers ...Middleware) *Chain {
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	if tracer == nil {
		tracer = telemetry.Tracer()
	}
	return &Chain{layers: layers, core: core, tracer: tracer, metrics: metrics}
}

// Handle drives the chain via explicit indexed recursion rather than
// cloning a slice per call, per spec.md §9's "prefer explicit indexed
// recursion over cloning chains".
func (c *Chain) Handle(ctx context.Context, req *protocol.Request) (*protocol.Response, *protocol.Error) {
	return c.dispatch(ctx, req, 0)
}

func (c *Chain) dispatch(ctx context.Context, req *protocol.Request, idx int) (*protocol.Response, *protocol.Error) {
	if idx >= len(c.layers) {
		return c.core(ctx, req)
	}
	layer := c.layers[idx]
	ctx, span := c.tracer.Start(ctx, "middleware."+layer.Name(),
		trace.WithAttributes(attribute.String("mcp.method", req.Method)))
	defer span.End()

	resp, rpcErr := layer.Handle(ctx, req, func(ctx context.Context, req *protocol.Request) (*protocol.Response, *protocol.Error) {
		return c.dispatch(ctx, req, idx+1)
	})
	if rpcErr != nil {
		telemetry.RecordError(span, layer.Name(), rpcErr)
		c.metrics.Errors.WithLabelValues(layer.Name(), rpcErr.Message).Inc()
	}
	return resp, rpcErr
}
