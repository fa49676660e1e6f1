package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/turbomcp-go/turbomcp/internal/telemetry"
)

// UnixTransport is a server-mode adapter over a Unix domain socket. It
// shares TCPTransport's newline-delimited framing and peer-registry
// broadcast/route semantics (both are grounded on the same
// scrypster-memento listener-loop pattern); the only material difference is
// the network family and the socket file's lifecycle, so the bulk of the
// connection-handling logic below intentionally mirrors tcp.go.
type UnixTransport struct {
	base

	path     string
	listener net.Listener
	dispatch *inboundDispatch
	state    atomic.Int32

	peersMu sync.RWMutex
	peers   map[string]*tcpPeer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUnixTransport constructs an adapter that will listen on the Unix
// socket at path once Connect is called. Any pre-existing stale socket file
// at path is removed before binding.
func NewUnixTransport(path string, cfg Config, metrics *telemetry.Metrics, logger *zap.Logger) *UnixTransport {
	maxMsg := cfg.MaxMessageSize
	if maxMsg <= 0 {
		maxMsg = DefaultConfig().MaxMessageSize
	}
	t := &UnixTransport{
		base: newBase("unix", cfg, Capabilities{
			Bidirectional:  true,
			Streaming:      true,
			MaxMessageSize: maxMsg,
			Compression:    false,
		}, metrics, logger),
		path:  path,
		peers: make(map[string]*tcpPeer),
	}
	t.dispatch = newInboundDispatch(cfg.InboundBuffer)
	return t
}

func (t *UnixTransport) Connect(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("transport: unix socket already connecting or connected")
	}
	if _, err := os.Stat(t.path); err == nil {
		os.Remove(t.path)
	}
	ln, err := net.Listen("unix", t.path)
	if err != nil {
		t.state.Store(int32(StateFailed))
		return fmt.Errorf("transport: unix listen %s: %w", t.path, err)
	}
	t.listener = ln
	acceptCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.state.Store(int32(StateConnected))

	t.wg.Add(1)
	go t.acceptLoop(acceptCtx)
	return nil
}

func (t *UnixTransport) acceptLoop(ctx context.Context) {
	defer t.wg.Done()
	maxConns := t.cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = DefaultConfig().MaxConnections
	}
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				t.logger.Warn("unix accept error", zap.Error(err))
				return
			}
		}

		t.peersMu.RLock()
		n := len(t.peers)
		t.peersMu.RUnlock()
		if n >= maxConns {
			t.logger.Warn("unix socket connection limit reached, rejecting peer")
			conn.Close()
			continue
		}

		peer := &tcpPeer{
			id: NewConnectionID("unix", t.path),
			w:  bufio.NewWriter(conn),
			c:  conn,
		}
		t.peersMu.Lock()
		t.peers[peer.id] = peer
		t.peersMu.Unlock()
		t.prom.connGauge().Inc()

		t.wg.Add(1)
		go t.readPeer(ctx, peer)
	}
}

func (t *UnixTransport) readPeer(ctx context.Context, peer *tcpPeer) {
	defer t.wg.Done()
	defer func() {
		t.peersMu.Lock()
		delete(t.peers, peer.id)
		t.peersMu.Unlock()
		t.prom.connGauge().Dec()
		peer.c.Close()
	}()

	scanner := bufio.NewScanner(peer.c)
	scanner.Buffer(make([]byte, 0, 64*1024), t.caps.MaxMessageSize+1)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		payload := append([]byte(nil), line...)
		t.stats.recordIn(len(payload))
		t.prom.in(len(payload))

		msg := Message{ID: extractJSONRPCID(payload), Payload: payload, Metadata: Metadata{CorrelationID: peer.id}}
		ok, closed := t.dispatch.tryDispatch(msg)
		if closed {
			return
		}
		if !ok {
			t.logger.Warn("inbound channel full, dropping message", zap.String("peer", peer.id))
			t.prom.dropped("backpressure")
		}
	}
}

func (t *UnixTransport) Disconnect(ctx context.Context) error {
	prev := State(t.state.Swap(int32(StateDisconnected)))
	if prev == StateDisconnected {
		return nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	if t.listener != nil {
		t.listener.Close()
	}
	t.peersMu.Lock()
	for _, p := range t.peers {
		p.c.Close()
	}
	t.peersMu.Unlock()
	t.dispatch.close()

	done := make(chan struct{})
	go func() { t.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
	os.Remove(t.path)
	return nil
}

func (t *UnixTransport) Send(ctx context.Context, msg Message) error {
	if State(t.state.Load()) != StateConnected {
		return ErrNotConnected
	}
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	if len(t.peers) == 0 {
		return ErrNoPeer
	}

	targets := t.peers
	if msg.Metadata.CorrelationID != "" {
		p, ok := t.peers[msg.Metadata.CorrelationID]
		if !ok {
			return ErrNoPeer
		}
		targets = map[string]*tcpPeer{p.id: p}
	}
	for _, p := range targets {
		if err := p.write(bytes.TrimRight(msg.Payload, "\n")); err != nil {
			t.logger.Warn("unix write failed, dropping peer", zap.String("peer", p.id), zap.Error(err))
			continue
		}
		t.stats.recordOut(len(msg.Payload))
		t.prom.out(len(msg.Payload))
	}
	return nil
}

func (t *UnixTransport) Receive(ctx context.Context) (*Message, error) {
	if State(t.state.Load()) == StateDisconnected {
		return nil, ErrNotConnected
	}
	return t.dispatch.receive(ctx)
}

func (t *UnixTransport) State() State { return State(t.state.Load()) }
