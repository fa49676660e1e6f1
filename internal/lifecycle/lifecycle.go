// Package lifecycle implements the server process state machine spec.md
// §4.9 describes: Configured → Starting → Running → Draining → Stopped,
// with a cloneable ShutdownHandle callers use to trigger and observe
// graceful shutdown. The started/shuttingDown mutex-guarded boolean pattern
// and the cancel-context-then-wait-for-drain shutdown sequence are grounded
// on scrypster-memento/internal/engine/memory_engine.go's Start/Shutdown
// pair.
package lifecycle

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// State is a position in the lifecycle state machine.
type State int

const (
	StateConfigured State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var ErrInvalidTransition = errors.New("lifecycle: invalid state transition")

var validTransitions = map[State][]State{
	StateConfigured: {StateStarting},
	StateStarting:   {StateRunning, StateStopped},
	StateRunning:    {StateDraining, StateStopped},
	StateDraining:   {StateStopped},
}

// ShutdownHandle is a cloneable, read-only view onto a Lifecycle's shutdown
// signal: callers can Wait() for shutdown to begin without holding a
// reference to the Lifecycle itself (e.g. a Request handler that wants to
// bail out early on drain).
type ShutdownHandle struct {
	done <-chan struct{}
}

// Done returns a channel closed when shutdown (draining) begins.
func (h ShutdownHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until shutdown begins or ctx is cancelled, whichever comes
// first.
func (h ShutdownHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlightTracker lets a Lifecycle wait for in-flight requests to finish
// draining before cancelling them outright.
type InFlightTracker struct {
	wg sync.WaitGroup
}

// Begin registers one in-flight unit of work; callers must call the
// returned func exactly once when the work completes.
func (t *InFlightTracker) Begin() func() {
	t.wg.Add(1)
	return t.wg.Done
}

// Lifecycle owns the server's Configured→Starting→Running→Draining→Stopped
// state machine.
type Lifecycle struct {
	mu    sync.Mutex
	state State

	shutdownCh chan struct{}
	inFlight   InFlightTracker

	logger *zap.Logger
}

// New constructs a Lifecycle in StateConfigured.
func New(logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		state:      StateConfigured,
		shutdownCh: make(chan struct{}),
		logger:     logger,
	}
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) transition(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ok := range validTransitions[l.state] {
		if ok == to {
			l.logger.Info("lifecycle transition", zap.String("from", l.state.String()), zap.String("to", to.String()))
			l.state = to
			return nil
		}
	}
	return ErrInvalidTransition
}

// BeginRequest registers in-flight work, so Drain can wait for it, and
// returns a ShutdownHandle the caller can select on to notice an incoming
// drain mid-request.
func (l *Lifecycle) BeginRequest() (done func(), handle ShutdownHandle) {
	return l.inFlight.Begin(), l.Handle()
}

// Handle returns a cloneable ShutdownHandle observing this Lifecycle's
// shutdown signal.
func (l *Lifecycle) Handle() ShutdownHandle {
	return ShutdownHandle{done: l.shutdownCh}
}

// Start transitions Configured → Starting → Running. startFn performs the
// actual resource acquisition (binding listeners, opening stores); Start
// reverts to Stopped and returns the error if startFn fails.
func (l *Lifecycle) Start(ctx context.Context, startFn func(ctx context.Context) error) error {
	if err := l.transition(StateStarting); err != nil {
		return err
	}
	if err := startFn(ctx); err != nil {
		_ = l.transition(StateStopped)
		return err
	}
	return l.transition(StateRunning)
}

// Drain transitions Running → Draining, closes the shutdown signal so every
// ShutdownHandle observer wakes up, waits up to deadline for in-flight
// requests to finish, then transitions to Stopped regardless of whether the
// deadline was hit (callers are expected to force-cancel outstanding work
// themselves once Drain returns).
func (l *Lifecycle) Drain(deadline time.Duration) error {
	if err := l.transition(StateDraining); err != nil {
		return err
	}
	close(l.shutdownCh)

	drained := make(chan struct{})
	go func() {
		l.inFlight.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		l.logger.Info("drain completed: all in-flight requests finished")
	case <-time.After(deadline):
		l.logger.Warn("drain deadline exceeded, proceeding to stop", zap.Duration("deadline", deadline))
	}
	return l.transition(StateStopped)
}

// RunUntilSignal blocks until SIGINT or SIGTERM is received, then calls
// Drain with the given deadline. Grounded on
// scrypster-memento/cmd/memento-mcp/main.go's signal.Notify usage,
// generalized to os/signal.NotifyContext.
func (l *Lifecycle) RunUntilSignal(drainDeadline time.Duration) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	l.logger.Info("received shutdown signal")
	if err := l.Drain(drainDeadline); err != nil {
		l.logger.Warn("drain failed", zap.Error(err))
	}
}
