package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/turbomcp-go/turbomcp/internal/telemetry"
)

// TCPTransport is a server-mode adapter accepting newline-delimited
// JSON-RPC frames over plain TCP. It generalizes scrypster-memento's
// internal/server/server.go listener/graceful-shutdown pattern from a single
// HTTP mux to a raw socket loop, and reuses the same one-reader-goroutine-
// per-connection shape as web/handlers/websocket.go's WebSocketHub, adapted
// for net.Conn instead of *websocket.Conn.
type TCPTransport struct {
	base

	addr     string
	listener net.Listener
	dispatch *inboundDispatch
	state    atomic.Int32

	peersMu sync.RWMutex
	peers   map[string]*tcpPeer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type tcpPeer struct {
	id string
	mu sync.Mutex
	w  *bufio.Writer
	c  net.Conn
}

func (p *tcpPeer) write(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.w.Write(append(bytes.TrimRight(payload, "\n"), '\n')); err != nil {
		return err
	}
	return p.w.Flush()
}

// NewTCPTransport binds no socket yet; Connect performs the bind so the
// adapter's lifecycle matches every other Transport implementation.
func NewTCPTransport(addr string, cfg Config, metrics *telemetry.Metrics, logger *zap.Logger) *TCPTransport {
	maxMsg := cfg.MaxMessageSize
	if maxMsg <= 0 {
		maxMsg = DefaultConfig().MaxMessageSize
	}
	t := &TCPTransport{
		base: newBase("tcp", cfg, Capabilities{
			Bidirectional:  true,
			Streaming:      true,
			MaxMessageSize: maxMsg,
			Compression:    false,
		}, metrics, logger),
		addr:  addr,
		peers: make(map[string]*tcpPeer),
	}
	t.dispatch = newInboundDispatch(cfg.InboundBuffer)
	return t
}

func (t *TCPTransport) Connect(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("transport: tcp already connecting or connected")
	}
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		t.state.Store(int32(StateFailed))
		return fmt.Errorf("transport: tcp listen %s: %w", t.addr, err)
	}
	t.listener = ln
	acceptCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.state.Store(int32(StateConnected))

	t.wg.Add(1)
	go t.acceptLoop(acceptCtx)
	return nil
}

func (t *TCPTransport) acceptLoop(ctx context.Context) {
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
				t.logger.Warn("tcp accept error", zap.Error(err))
				return
			}
		}

		t.peersMu.RLock()
		n := len(t.peers)
		t.peersMu.RUnlock()
		if n >= maxConns {
			t.logger.Warn("tcp connection limit reached, rejecting peer", zap.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		peer := &tcpPeer{
			id: NewConnectionID("tcp", conn.RemoteAddr().String()),
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

func (t *TCPTransport) readPeer(ctx context.Context, peer *tcpPeer) {
	defer t.wg.Done()
	defer func() {
		t.peersMu.Lock()
		delete(t.peers, peer.id)
		t.peersMu.Unlock()
		t.prom.connGauge().Dec()
		peer.c.Close()
	}()

	if t.cfg.IdleTimeout > 0 {
		peer.c.SetReadDeadline(time.Now().Add(t.cfg.IdleTimeout))
	}

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
		if t.cfg.IdleTimeout > 0 {
			peer.c.SetReadDeadline(time.Now().Add(t.cfg.IdleTimeout))
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

func (t *TCPTransport) Disconnect(ctx context.Context) error {
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
	return nil
}

// Send broadcasts to every connected peer, or routes to a single peer when
// msg.Metadata.CorrelationID names a known connection id, per spec.md §4.2.
func (t *TCPTransport) Send(ctx context.Context, msg Message) error {
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
		if err := p.write(msg.Payload); err != nil {
			t.logger.Warn("tcp write failed, dropping peer", zap.String("peer", p.id), zap.Error(err))
			continue
		}
		t.stats.recordOut(len(msg.Payload))
		t.prom.out(len(msg.Payload))
	}
	return nil
}

func (t *TCPTransport) Receive(ctx context.Context) (*Message, error) {
	if State(t.state.Load()) == StateDisconnected {
		return nil, ErrNotConnected
	}
	return t.dispatch.receive(ctx)
}

func (t *TCPTransport) State() State { return State(t.state.Load()) }
