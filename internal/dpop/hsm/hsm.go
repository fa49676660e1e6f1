// Package hsm adapts dpop.Manager's signing surface to a YubiHSM-backed key
// store: private key material never leaves the device, and every RPC to it
// is wrapped in a circuit breaker generalized from
// scrypster-memento/internal/llm/circuit_breaker.go (there protecting LLM
// provider calls, here protecting HSM connector calls).
package hsm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/turbomcp-go/turbomcp/internal/dpop"
)

// ErrHSMUnavailable mirrors the teacher's ErrCircuitOpen, renamed to this
// adapter's domain.
var ErrHSMUnavailable = errors.New("hsm: device unavailable, circuit open")

// Connector is the minimal YubiHSM RPC surface this adapter drives. A real
// deployment backs it with the vendor's PKCS#11 or HTTP connector client;
// tests substitute a fake.
type Connector interface {
	GenerateKeyPair(ctx context.Context, algorithm dpop.Algorithm) (keyID string, publicJWK map[string]string, err error)
	Sign(ctx context.Context, keyID string, digest []byte) (signature []byte, err error)
	Ping(ctx context.Context) error
}

// Adapter fronts HSM-resident keys with GenerateKeyPair, Sign, HealthCheck,
// Reconnect and State. It does not implement dpop.Storage itself (it has no
// Store/Get/List/Delete methods); GenerateKeyPair writes a PrivatePlaceholder
// KeyPair into the backing dpop.Storage, which callers read directly.
type Adapter struct {
	connector Connector
	breaker   *gobreaker.CircuitBreaker
	backing   dpop.Storage // holds public material + placeholders
}

// Config mirrors the teacher's CircuitBreakerConfig shape.
type Config struct {
	MaxFailures          uint32
	OpenTimeout          time.Duration
	HalfOpenMaxSuccesses uint32
}

// DefaultConfig matches the teacher's NewCircuitBreaker defaults.
func DefaultConfig() Config {
	return Config{MaxFailures: 3, OpenTimeout: 30 * time.Second, HalfOpenMaxSuccesses: 2}
}

// NewAdapter wires a Connector behind a circuit breaker and a backing
// Storage that records public key material and placeholders.
func NewAdapter(connector Connector, backing dpop.Storage, cfg Config) *Adapter {
	settings := gobreaker.Settings{
		Name:        "dpop-hsm",
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Interval:    0,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
	}
	return &Adapter{
		connector: connector,
		breaker:   gobreaker.NewCircuitBreaker(settings),
		backing:   backing,
	}
}

func (a *Adapter) execute(ctx context.Context, fn func() (any, error)) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	result, err := a.breaker.Execute(func() (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) {
		return nil, ErrHSMUnavailable
	}
	return result, err
}

// GenerateKeyPair asks the HSM to mint a key pair on-device and records a
// placeholder KeyPair under the caller's keyID. The key id and public JWK
// the device returns are discarded: the stored pair carries no public
// material and no thumbprint, and Sign passes the caller's keyID to the
// device unchanged.
func (a *Adapter) GenerateKeyPair(ctx context.Context, algorithm dpop.Algorithm, keyID string) (*dpop.KeyPair, error) {
	_, err := a.execute(ctx, func() (any, error) {
		_, _, genErr := a.connector.GenerateKeyPair(ctx, algorithm)
		return nil, genErr
	})
	if err != nil {
		return nil, fmt.Errorf("hsm: generate key pair: %w", err)
	}

	k := &dpop.KeyPair{
		KeyID:              keyID,
		Algorithm:          algorithm,
		PrivatePlaceholder: true,
		CreatedAt:          time.Now(),
	}
	if err := a.backing.Store(ctx, k); err != nil {
		return nil, err
	}
	return k, nil
}

// Sign dispatches a signing operation to the HSM by key id; the private key
// never transits this process.
func (a *Adapter) Sign(ctx context.Context, keyID string, digest []byte) ([]byte, error) {
	result, err := a.execute(ctx, func() (any, error) {
		return a.connector.Sign(ctx, keyID, digest)
	})
	if err != nil {
		return nil, fmt.Errorf("hsm: sign: %w", err)
	}
	return result.([]byte), nil
}

// HealthCheck pings the device, with the same context-race structure as
// CircuitBreaker.HealthCheck in the teacher's llm package.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.connector.Ping(ctx) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Reconnect retries HealthCheck with quadratic, not exponential, backoff
// (attempt^2 * 100ms,
// the same progression scrypster-memento/internal/engine/enrichment_worker.go
// uses for job retries) until it succeeds or ctx is done.
func (a *Adapter) Reconnect(ctx context.Context, maxAttempts int) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := a.HealthCheck(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		backoff := time.Duration(attempt*attempt) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("hsm: reconnect failed after %d attempts: %w", maxAttempts, lastErr)
}

// State mirrors CircuitBreaker.State's three-value string mapping.
func (a *Adapter) State() string {
	switch a.breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
