package transport

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/turbomcp-go/turbomcp/internal/telemetry"
)

// atomicMetrics implements the lock-free counters spec.md §4.2 requires of
// Metrics(); every adapter embeds one rather than hand-rolling its own
// atomic bookkeeping.
type atomicMetrics struct {
	messagesIn  atomic.Uint64
	messagesOut atomic.Uint64
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
}

func (m *atomicMetrics) recordIn(n int) {
	m.messagesIn.Add(1)
	m.bytesIn.Add(uint64(n))
}

func (m *atomicMetrics) recordOut(n int) {
	m.messagesOut.Add(1)
	m.bytesOut.Add(uint64(n))
}

func (m *atomicMetrics) snapshot() Metrics {
	return Metrics{
		MessagesIn:  m.messagesIn.Load(),
		MessagesOut: m.messagesOut.Load(),
		BytesIn:     m.bytesIn.Load(),
		BytesOut:    m.bytesOut.Load(),
	}
}

// promRecorder forwards the same counts to the shared Prometheus registry,
// labeled by transport name, so operators get both a cheap in-process
// snapshot (Metrics()) and a scrapeable time series from the same numbers.
type promRecorder struct {
	transport string
	metrics   *telemetry.Metrics
}

func newPromRecorder(transportName string, m *telemetry.Metrics) promRecorder {
	if m == nil {
		m = telemetry.Noop()
	}
	return promRecorder{transport: transportName, metrics: m}
}

func (p promRecorder) in(n int) {
	p.metrics.MessagesIn.WithLabelValues(p.transport).Inc()
	p.metrics.BytesIn.WithLabelValues(p.transport).Add(float64(n))
}

func (p promRecorder) out(n int) {
	p.metrics.MessagesOut.WithLabelValues(p.transport).Inc()
	p.metrics.BytesOut.WithLabelValues(p.transport).Add(float64(n))
}

func (p promRecorder) dropped(reason string) {
	p.metrics.Dropped.WithLabelValues(p.transport, reason).Inc()
}

func (p promRecorder) connGauge() prometheus.Gauge {
	return p.metrics.Connections.WithLabelValues(p.transport)
}

// base bundles the bookkeeping every adapter shares: atomic counters, the
// Prometheus recorder, a zap sublogger, and the capability/config values
// reported back through the Transport interface.
type base struct {
	name   string
	cfg    Config
	caps   Capabilities
	stats  atomicMetrics
	prom   promRecorder
	logger *zap.Logger
}

func newBase(name string, cfg Config, caps Capabilities, metrics *telemetry.Metrics, logger *zap.Logger) base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{
		name:   name,
		cfg:    cfg,
		caps:   caps,
		prom:   newPromRecorder(name, metrics),
		logger: logger.With(zap.String("transport", name)),
	}
}

func (b *base) Metrics() Metrics           { return b.stats.snapshot() }
func (b *base) Capabilities() Capabilities { return b.caps }
