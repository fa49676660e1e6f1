package dpop

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AutoRotationMetrics tracks AutoRotationService activity, matching spec.md
// §4.11's required counters.
type AutoRotationMetrics struct {
	mu                sync.RWMutex
	Successes         uint64
	Failures          uint64
	LastError         string
	LastRotationTime  time.Time
	TrackedKeyCount   int
}

func (m *AutoRotationMetrics) snapshot() AutoRotationMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return AutoRotationMetrics{
		Successes:        m.Successes,
		Failures:         m.Failures,
		LastError:        m.LastError,
		LastRotationTime: m.LastRotationTime,
		TrackedKeyCount:  m.TrackedKeyCount,
	}
}

// Snapshot returns a point-in-time copy of the metrics, safe for concurrent
// readers.
func (m *AutoRotationMetrics) Snapshot() AutoRotationMetrics {
	return m.snapshot()
}

func (m *AutoRotationMetrics) recordSuccess(tracked int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Successes++
	m.LastRotationTime = time.Now()
	m.TrackedKeyCount = tracked
}

func (m *AutoRotationMetrics) recordFailure(err error, tracked int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failures++
	m.LastError = err.Error()
	m.TrackedKeyCount = tracked
}

// AutoRotationService runs in the background and deletes expired keys
// (Manager.CleanupExpiredKeys) either on a fixed interval or whenever
// externally notified. It does not rotate keys; rotation happens only
// through Manager.RotateKeyPair. The loop follows the select-on-ticker-or-channel
// loop scrypster-memento/internal/notify/watcher.go uses for its fsnotify
// event loop.
type AutoRotationService struct {
	manager  *Manager
	interval time.Duration
	notify   chan struct{}
	logger   *zap.Logger

	metrics AutoRotationMetrics

	stop chan struct{}
	done chan struct{}
}

// NewAutoRotationService builds a service that checks every interval (or
// whenever Notify is called, whichever comes first).
func NewAutoRotationService(manager *Manager, interval time.Duration, logger *zap.Logger) *AutoRotationService {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoRotationService{
		manager:  manager,
		interval: interval,
		notify:   make(chan struct{}, 1),
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Notify wakes the service immediately instead of waiting out the interval.
func (s *AutoRotationService) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Start launches the background loop.
func (s *AutoRotationService) Start() {
	go s.loop()
}

// Stop signals the loop to exit and waits for it to finish.
func (s *AutoRotationService) Stop() {
	close(s.stop)
	<-s.done
}

// Metrics returns a point-in-time snapshot of rotation activity.
func (s *AutoRotationService) Metrics() AutoRotationMetrics {
	return s.metrics.snapshot()
}

func (s *AutoRotationService) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.runCycle()
		case <-s.notify:
			s.runCycle()
		}
	}
}

func (s *AutoRotationService) runCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.manager.CleanupExpiredKeys(ctx)
	if err != nil {
		s.metrics.recordFailure(err, n)
		s.logger.Warn("dpop: cleanup cycle failed", zap.Error(err))
		return
	}
	s.metrics.recordSuccess(n)
	s.logger.Debug("dpop: cleanup cycle complete", zap.Int("expired_removed", n))
}
