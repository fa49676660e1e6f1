package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func TestWebSocketTransport_RoundTrip(t *testing.T) {
	tr := NewWebSocketTransport("127.0.0.1:0", DefaultConfig(), nil, nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect(context.Background())

	addr := tr.listener.Addr().String()
	url := fmt.Sprintf("ws://%s/", addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"jsonrpc":"2.0","id":7,"method":"ping"}`)))

	rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer rcancel()
	msg, err := tr.Receive(rctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "7", msg.ID)

	require.NoError(t, tr.Send(context.Background(), Message{Payload: []byte(`{"jsonrpc":"2.0","id":7,"result":{}}`)}))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":{}}`, string(data))
}

func TestWebSocketTransport_OriginRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"https://allowed.example"}
	tr := NewWebSocketTransport("127.0.0.1:0", cfg, nil, nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect(context.Background())

	assert.False(t, tr.originAllowed("https://evil.example"))
	assert.True(t, tr.originAllowed("https://allowed.example"))
	assert.True(t, tr.originAllowed(""))
}

func TestWebSocketTransport_SendWithNoPeersFails(t *testing.T) {
	tr := NewWebSocketTransport("127.0.0.1:0", DefaultConfig(), nil, nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect(context.Background())

	err := tr.Send(context.Background(), Message{Payload: []byte("{}")})
	assert.ErrorIs(t, err, ErrNoPeer)
}
