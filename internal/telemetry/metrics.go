// Package telemetry centralizes the Prometheus metrics and OpenTelemetry
// tracer shared across every turbomcp component. It is grounded on the
// Prometheus registries in HyphaGroup-oubliette's internal/metrics and
// fyrsmithlabs-contextd's OpenTelemetry SDK wiring — every error path and
// protocol boundary crossing in this module reports through here instead of
// bespoke atomic counters, matching spec.md §7's "on any error, metrics
// counters increment; tracing spans record the error kind".
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every Prometheus collector turbomcp registers. A single
// instance is normally shared process-wide via NewMetrics(prometheus.
// DefaultRegisterer), but tests construct their own registry to avoid
// cross-test collisions.
type Metrics struct {
	MessagesIn   *prometheus.CounterVec
	MessagesOut  *prometheus.CounterVec
	BytesIn      *prometheus.CounterVec
	BytesOut     *prometheus.CounterVec
	Connections  *prometheus.GaugeVec
	Dropped      *prometheus.CounterVec
	Errors       *prometheus.CounterVec
	RequestsTot  *prometheus.CounterVec
	RequestLat   *prometheus.HistogramVec
	RateLimited  *prometheus.CounterVec
	TasksByState *prometheus.GaugeVec
	DPoPRotation *prometheus.CounterVec

	once sync.Once
}

// NewMetrics constructs and registers the collector set against reg. Passing
// a fresh prometheus.NewRegistry() isolates metrics per test.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turbomcp_messages_in_total",
			Help: "Total inbound protocol messages, by transport.",
		}, []string{"transport"}),
		MessagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turbomcp_messages_out_total",
			Help: "Total outbound protocol messages, by transport.",
		}, []string{"transport"}),
		BytesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turbomcp_bytes_in_total",
			Help: "Total inbound bytes, by transport.",
		}, []string{"transport"}),
		BytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turbomcp_bytes_out_total",
			Help: "Total outbound bytes, by transport.",
		}, []string{"transport"}),
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "turbomcp_connections",
			Help: "Current connection count, by transport.",
		}, []string{"transport"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turbomcp_messages_dropped_total",
			Help: "Messages dropped due to backpressure, by transport and reason.",
		}, []string{"transport", "reason"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turbomcp_errors_total",
			Help: "Errors by component and kind.",
		}, []string{"component", "kind"}),
		RequestsTot: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turbomcp_requests_total",
			Help: "JSON-RPC requests handled, by method and outcome.",
		}, []string{"method", "outcome"}),
		RequestLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "turbomcp_request_duration_seconds",
			Help:    "Request handling latency, by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turbomcp_rate_limited_total",
			Help: "Requests rejected by the GCRA rate limiter, by client key.",
		}, []string{"client"}),
		TasksByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "turbomcp_tasks",
			Help: "Tasks that entered each status (create, complete, fail, cancel), by status; never decremented.",
		}, []string{"status"}),
		DPoPRotation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turbomcp_dpop_rotations_total",
			Help: "DPoP key rotations, by outcome.",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{
		m.MessagesIn, m.MessagesOut, m.BytesIn, m.BytesOut, m.Connections,
		m.Dropped, m.Errors, m.RequestsTot, m.RequestLat, m.RateLimited,
		m.TasksByState, m.DPoPRotation,
	} {
		reg.MustRegister(c)
	}
	return m
}

// noop is a process-wide fallback used when a component is constructed
// without an explicit Metrics (e.g. ad-hoc tests) so callers never need a
// nil check before recording.
var noop = NewMetrics(prometheus.NewRegistry())

// Noop returns a Metrics instance registered against a private registry,
// safe to use whenever a component doesn't care about metrics.
func Noop() *Metrics { return noop }
