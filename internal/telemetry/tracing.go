package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies turbomcp's spans in any OTel backend they're
// exported to.
const TracerName = "github.com/turbomcp-go/turbomcp"

// NewTracerProvider builds a minimal SDK tracer provider. By default it has
// no span processor wired to an exporter — callers that want spans shipped
// somewhere register one via WithSpanProcessor before calling
// otel.SetTracerProvider, matching fyrsmithlabs-contextd's pattern of
// constructing the SDK provider once at startup and handing exporters to it
// as configuration rather than hardcoding one.
func NewTracerProvider(opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(opts...)
}

// Tracer returns the package-wide tracer, sourced from whatever provider is
// currently registered with otel.SetTracerProvider (a no-op provider if
// none was set, which keeps span creation cheap and side-effect free in
// tests).
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts a span named name and returns the derived context and
// span. Callers must defer span.End().
func StartSpan(ctx context.Context, name string, attrs ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, attrs...)
}

// RecordError marks span as failed and attaches err, implementing spec.md
// §7's "tracing spans record the error kind" requirement at a single call
// site so every middleware layer and router error path shares the same
// behavior.
func RecordError(span trace.Span, kind string, err error) {
	span.RecordError(err, trace.WithAttributes())
	span.SetStatus(codes.Error, kind)
}
