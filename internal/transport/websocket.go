package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/turbomcp-go/turbomcp/internal/telemetry"
)

// WebSocketTransport is a bidirectional, full-duplex adapter built on
// nhooyr.io/websocket. It generalizes web/handlers/websocket.go's
// WebSocketHub: the teacher's hub only ever broadcasts server->client
// notifications over a fire-and-forget channel; this adapter keeps the same
// register/unregister/per-client read+write pump shape but also decodes
// client->server frames into the shared Transport.Receive() channel, which
// the teacher's readPump explicitly deferred ("Future: handle client->server
// messages").
type WebSocketTransport struct {
	base

	addr     string
	server   *http.Server
	listener net.Listener

	dispatch *inboundDispatch
	state    atomic.Int32

	clientsMu sync.RWMutex
	clients   map[string]*wsClient

	writeTimeout time.Duration
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// NewWebSocketTransport constructs an adapter that will serve WebSocket
// upgrades at addr once Connect is called.
func NewWebSocketTransport(addr string, cfg Config, metrics *telemetry.Metrics, logger *zap.Logger) *WebSocketTransport {
	maxMsg := cfg.MaxMessageSize
	if maxMsg <= 0 {
		maxMsg = DefaultConfig().MaxMessageSize
	}
	t := &WebSocketTransport{
		base: newBase("websocket", cfg, Capabilities{
			Bidirectional:  true,
			Streaming:      true,
			MaxMessageSize: maxMsg,
			Compression:    true,
		}, metrics, logger),
		addr:         addr,
		clients:      make(map[string]*wsClient),
		writeTimeout: 10 * time.Second,
	}
	t.dispatch = newInboundDispatch(cfg.InboundBuffer)
	return t
}

func (t *WebSocketTransport) Connect(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("transport: websocket already connecting or connected")
	}
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		t.state.Store(int32(StateFailed))
		return fmt.Errorf("transport: websocket listen %s: %w", t.addr, err)
	}
	t.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleUpgrade)
	t.server = &http.Server{Handler: mux}
	t.state.Store(int32(StateConnected))

	go func() {
		if err := t.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			t.logger.Warn("websocket server exited", zap.Error(err))
		}
	}()
	return nil
}

// originAllowed mirrors web/handlers/websocket.go's allowed-origins map
// check, generalized to a configurable list instead of a hardcoded
// localhost:6363 pair.
func (t *WebSocketTransport) originAllowed(origin string) bool {
	if origin == "" || len(t.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range t.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

func (t *WebSocketTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !t.originAllowed(origin) {
		http.Error(w, "Forbidden: invalid origin", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: t.cfg.AllowedOrigins,
	})
	if err != nil {
		t.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		id:   NewConnectionID("ws", r.RemoteAddr),
		conn: conn,
		send: make(chan []byte, 256),
	}
	t.clientsMu.Lock()
	t.clients[client.id] = client
	t.clientsMu.Unlock()
	t.prom.connGauge().Inc()

	go t.writePump(client)
	t.readPump(client)
}

func (t *WebSocketTransport) writePump(c *wsClient) {
	for payload := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			t.logger.Warn("websocket write failed", zap.String("client", c.id), zap.Error(err))
			return
		}
		t.stats.recordOut(len(payload))
		t.prom.out(len(payload))
	}
}

func (t *WebSocketTransport) readPump(c *wsClient) {
	defer t.dropClient(c)
	for {
		_, payload, err := c.conn.Read(context.Background())
		if err != nil {
			return
		}
		if len(payload) > t.caps.MaxMessageSize {
			t.logger.Warn("websocket frame exceeds max size, closing", zap.String("client", c.id))
			return
		}
		t.stats.recordIn(len(payload))
		t.prom.in(len(payload))

		msg := Message{ID: extractJSONRPCID(payload), Payload: payload, Metadata: Metadata{CorrelationID: c.id}}
		ok, closed := t.dispatch.tryDispatch(msg)
		if closed {
			return
		}
		if !ok {
			t.logger.Warn("inbound channel full, dropping message", zap.String("client", c.id))
			t.prom.dropped("backpressure")
		}
	}
}

func (t *WebSocketTransport) dropClient(c *wsClient) {
	t.clientsMu.Lock()
	if _, ok := t.clients[c.id]; ok {
		delete(t.clients, c.id)
		close(c.send)
	}
	t.clientsMu.Unlock()
	t.prom.connGauge().Dec()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (t *WebSocketTransport) Disconnect(ctx context.Context) error {
	prev := State(t.state.Swap(int32(StateDisconnected)))
	if prev == StateDisconnected {
		return nil
	}
	t.clientsMu.Lock()
	for _, c := range t.clients {
		close(c.send)
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
	t.clients = make(map[string]*wsClient)
	t.clientsMu.Unlock()
	t.dispatch.close()

	if t.server != nil {
		return t.server.Shutdown(ctx)
	}
	return nil
}

// Send broadcasts to every connected client, or routes to one when
// msg.Metadata.CorrelationID names a known client id.
func (t *WebSocketTransport) Send(ctx context.Context, msg Message) error {
	if State(t.state.Load()) != StateConnected {
		return ErrNotConnected
	}
	t.clientsMu.RLock()
	defer t.clientsMu.RUnlock()
	if len(t.clients) == 0 {
		return ErrNoPeer
	}

	targets := t.clients
	if msg.Metadata.CorrelationID != "" {
		c, ok := t.clients[msg.Metadata.CorrelationID]
		if !ok {
			return ErrNoPeer
		}
		targets = map[string]*wsClient{c.id: c}
	}
	for _, c := range targets {
		select {
		case c.send <- msg.Payload:
		default:
			t.logger.Warn("websocket client send buffer full, dropping message", zap.String("client", c.id))
			t.prom.dropped("backpressure")
		}
	}
	return nil
}

func (t *WebSocketTransport) Receive(ctx context.Context) (*Message, error) {
	if State(t.state.Load()) == StateDisconnected {
		return nil, ErrNotConnected
	}
	return t.dispatch.receive(ctx)
}

func (t *WebSocketTransport) State() State { return State(t.state.Load()) }
