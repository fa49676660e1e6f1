package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/turbomcp-go/turbomcp/internal/telemetry"
)

// ForceLoggingEnv is the environment variable that re-enables stdout
// logging under the stdio transport (spec.md §6). By default, when stdio is
// active, nothing but protocol frames may touch stdout — logs go to stderr
// only, per the correctness requirement in spec.md §4.2.
const ForceLoggingEnv = "TURBOMCP_FORCE_LOGGING"

// StdioTransport implements Transport over newline-delimited JSON-RPC on
// stdin/stdout. It is a direct generalization of scrypster-memento's
// StdioTransport (internal/api/mcp/transport.go): the teacher drives a
// single synchronous Serve loop tied to one *Server; this adapter exposes
// the same framing discipline (one frame per line, stderr-only logs)
// through the shared Connect/Send/Receive/Disconnect contract instead.
type StdioTransport struct {
	base

	in  *bufio.Scanner
	out io.Writer
	mu  sync.Mutex // serializes writes to out

	dispatch *inboundDispatch
	state    atomic.Int32
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewStdioTransport wires stdio transport to the given reader/writer pair.
// Production callers pass os.Stdin/os.Stdout; tests pass pipes.
func NewStdioTransport(in io.Reader, out io.Writer, cfg Config, metrics *telemetry.Metrics, logger *zap.Logger) *StdioTransport {
	scanner := bufio.NewScanner(in)
	maxBuf := cfg.MaxMessageSize
	if maxBuf <= 0 {
		maxBuf = DefaultConfig().MaxMessageSize
	}
	scanner.Buffer(make([]byte, 0, 64*1024), maxBuf+1)

	t := &StdioTransport{
		base: newBase("stdio", cfg, Capabilities{
			Bidirectional:  false,
			Streaming:      false,
			MaxMessageSize: maxBuf,
			Compression:    false,
		}, metrics, stdioLogger(logger)),
		in:  scanner,
		out: out,
	}
	t.dispatch = newInboundDispatch(cfg.InboundBuffer)
	return t
}

// stdioLogger returns logger unchanged (a no-op logger when nil); it does not
// filter sinks. Whether logs reach stdout is decided where the logger is
// built: cmd/turbomcp-server's newLogger writes to stderr and adds stdout
// only when TURBOMCP_FORCE_LOGGING=1.
func stdioLogger(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	if os.Getenv(ForceLoggingEnv) == "1" {
		return logger
	}
	return logger // caller is expected to have already pointed this logger at stderr; see cmd/turbomcp-server
}

func (t *StdioTransport) Connect(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("transport: stdio already connecting or connected")
	}
	readCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.state.Store(int32(StateConnected))
	t.prom.connGauge().Set(1)
	go t.readLoop(readCtx)
	return nil
}

func (t *StdioTransport) readLoop(ctx context.Context) {
	defer close(t.done)
	defer t.dispatch.close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !t.in.Scan() {
			if err := t.in.Err(); err != nil {
				t.logger.Error("stdin scan error", zap.Error(err))
			}
			return
		}
		line := t.in.Bytes()
		if len(line) == 0 {
			continue
		}
		if len(line) > t.caps.MaxMessageSize {
			t.logger.Warn("frame exceeds max message size, closing connection")
			return
		}
		payload := append([]byte(nil), line...)
		t.stats.recordIn(len(payload))
		t.prom.in(len(payload))

		msg := Message{ID: extractJSONRPCID(payload), Payload: payload}
		ok, closed := t.dispatch.tryDispatch(msg)
		if closed {
			return
		}
		if !ok {
			t.logger.Warn("inbound channel full, dropping message")
			t.prom.dropped("backpressure")
		}
	}
}

func (t *StdioTransport) Disconnect(ctx context.Context) error {
	prev := State(t.state.Swap(int32(StateDisconnected)))
	if prev == StateDisconnected {
		return nil // idempotent
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.dispatch.close()
	if t.done != nil {
		select {
		case <-t.done:
		case <-ctx.Done():
		}
	}
	t.prom.connGauge().Set(0)
	return nil
}

func (t *StdioTransport) Send(ctx context.Context, msg Message) error {
	if State(t.state.Load()) != StateConnected {
		return ErrNotConnected
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	framed := append(bytes.TrimRight(msg.Payload, "\n"), '\n')
	if _, err := t.out.Write(framed); err != nil {
		return fmt.Errorf("transport: stdio write: %w", err)
	}
	t.stats.recordOut(len(msg.Payload))
	t.prom.out(len(msg.Payload))
	return nil
}

func (t *StdioTransport) Receive(ctx context.Context) (*Message, error) {
	if State(t.state.Load()) == StateDisconnected {
		return nil, ErrNotConnected
	}
	return t.dispatch.receive(ctx)
}

func (t *StdioTransport) State() State { return State(t.state.Load()) }
