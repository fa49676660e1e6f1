// Package transport implements the uniform send/receive/connect/disconnect
// contract spec.md §4.2 requires of every MCP wire format, plus the stdio,
// TCP, WebSocket, and Unix domain socket adapters that satisfy it. It is
// grounded on scrypster-memento's internal/api/mcp/transport.go
// (StdioTransport) and web/handlers/websocket.go (WebSocketHub), generalized
// from single-purpose, single-protocol helpers into one shared contract with
// per-format adapters.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a transport's lifecycle state (spec.md §4.2).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDraining
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Priority labels outbound messages; higher values are more urgent. No
// adapter in this package reorders by priority: every adapter delivers in
// the order Send is called.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Metadata rides alongside a Message's raw JSON-RPC payload for out-of-band
// routing: CorrelationID pairs a server-initiated request with its inbound
// response independent of the JSON-RPC id (spec.md §3, "Correlation entry").
type Metadata struct {
	CorrelationID string
	Priority      Priority
	ContentType   string
	Extra         map[string]string
}

// Message is the transport-level envelope spec.md §3 defines: a duplicate of
// the JSON-RPC id for out-of-band correlation, the full serialized payload,
// and routing metadata.
type Message struct {
	ID       string
	Payload  []byte
	Metadata Metadata
}

// Capabilities describes what an adapter can do, queried once at
// construction (spec.md §4.2).
type Capabilities struct {
	Bidirectional  bool
	Streaming      bool
	MaxMessageSize int
	Compression    bool
}

// Metrics is a point-in-time snapshot of an adapter's lock-free counters
// (spec.md §4.2 "metrics()").
type Metrics struct {
	MessagesIn  uint64
	MessagesOut uint64
	BytesIn     uint64
	BytesOut    uint64
}

// ErrNotConnected is returned by Send/Receive when called before Connect or
// after Disconnect.
var ErrNotConnected = errors.New("transport: not connected")

// ErrNoPeer is returned by Send when no peer is currently connected to
// deliver the message to (spec.md §4.2: "failure only when no peer is
// connected").
var ErrNoPeer = errors.New("transport: no connected peer")

// Transport is the contract every wire format adapter implements. All
// methods must be safe for concurrent use; a single adapter instance is
// normally driven by one reader goroutine and one or more writer callers,
// per spec.md §5's one-writer-per-connection discipline.
type Transport interface {
	// Connect establishes the underlying resource (bind a listener, open a
	// socket, claim stdio) and transitions Disconnected -> Connecting ->
	// Connected, or -> Failed on error.
	Connect(ctx context.Context) error

	// Disconnect signals shutdown, stops accepting new connections, joins
	// in-flight handlers within a bounded timeout, and is idempotent.
	Disconnect(ctx context.Context) error

	// Send enqueues msg for delivery. In server mode this is a broadcast to
	// all connected peers, or routed via msg.Metadata.CorrelationID when
	// present. Backpressure is handled by dropping the message and logging;
	// Send only reports failure when no peer is connected at all.
	Send(ctx context.Context, msg Message) error

	// Receive blocks for the next inbound message. Returns (nil, nil) on
	// clean EOF; a non-nil error indicates the transport should move to
	// Failed.
	Receive(ctx context.Context) (*Message, error)

	Metrics() Metrics
	State() State
	Capabilities() Capabilities
}

// NewConnectionID returns a NAT-safe connection identifier of the form
// "{scheme}-{peer}-{uuid}", matching spec.md §3's requirement that
// connection ids not rely on client IP alone.
func NewConnectionID(scheme, peer string) string {
	return scheme + "-" + peer + "-" + uuid.NewString()
}

// Config holds the options common to every adapter. Format-specific
// adapters embed or reference this rather than redeclaring the shared
// knobs, mirroring the teacher's ServerOption functional-options style in
// internal/api/mcp/server.go (WithConfig, WithSearchProvider, ...).
type Config struct {
	MaxMessageSize int
	IdleTimeout    time.Duration
	MaxConnections int
	InboundBuffer  int
	StrictJSON     bool     // not read by any adapter: adapters never parse frames, so malformed ones always reach Receive
	AllowedOrigins []string // WebSocket only; empty means accept any origin
}

// DefaultConfig matches the defaults spec.md §6 specifies.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize: 1 << 20,
		IdleTimeout:    300 * time.Second,
		MaxConnections: 256,
		InboundBuffer:  1000,
		StrictJSON:     false,
	}
}

// inboundDispatch is the shared plumbing every adapter's per-connection
// reader loop uses to hand a decoded frame to the transport's single
// inbound channel without ever blocking the read loop (spec.md §4.2 steps
// 2-4).
type inboundDispatch struct {
	ch     chan Message
	closed chan struct{}
	once   sync.Once
}

func newInboundDispatch(buffer int) *inboundDispatch {
	if buffer <= 0 {
		buffer = DefaultConfig().InboundBuffer
	}
	return &inboundDispatch{ch: make(chan Message, buffer), closed: make(chan struct{})}
}

// tryDispatch attempts a non-blocking send; ok=false means the inbound
// channel is full (caller drops and logs) and closed=true means the
// dispatch has been shut down (caller should close the connection).
func (d *inboundDispatch) tryDispatch(msg Message) (ok, closed bool) {
	select {
	case <-d.closed:
		return false, true
	default:
	}
	select {
	case d.ch <- msg:
		return true, false
	default:
		return false, false
	}
}

func (d *inboundDispatch) receive(ctx context.Context) (*Message, error) {
	select {
	case msg, ok := <-d.ch:
		if !ok {
			return nil, nil
		}
		return &msg, nil
	case <-d.closed:
		// Frames dispatched before close are still delivered.
		select {
		case msg := <-d.ch:
			return &msg, nil
		default:
			return nil, nil
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *inboundDispatch) close() {
	d.once.Do(func() {
		close(d.closed)
	})
}

// extractJSONRPCID is used by adapters to populate Message.ID from the raw
// payload for out-of-band correlation, per spec.md §4.2 step 2.
func extractJSONRPCID(payload []byte) string {
	var partial struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &partial); err != nil {
		return ""
	}
	if len(partial.ID) == 0 {
		return ""
	}
	s := string(partial.ID)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
