package mcpclient

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbomcp-go/turbomcp/internal/protocol"
	"github.com/turbomcp-go/turbomcp/internal/transport"
)

// pairedTransports wires a client-side and a server-side StdioTransport
// back to back over two io.Pipes, so Client can talk to a fake server
// without a real subprocess.
func pairedTransports(t *testing.T) (client, server transport.Transport) {
	t.Helper()
	clientReadsFromServer, serverWritesToClient := io.Pipe()
	serverReadsFromClient, clientWritesToServer := io.Pipe()

	client = transport.NewStdioTransport(clientReadsFromServer, clientWritesToServer, transport.DefaultConfig(), nil, nil)
	server = transport.NewStdioTransport(serverReadsFromClient, serverWritesToClient, transport.DefaultConfig(), nil, nil)
	return client, server
}

// fakeEcho runs a minimal server loop on tr that answers every request
// with {"echoed": <method>} and ignores notifications, just enough to
// exercise Client's request/response correlation.
func fakeEcho(t *testing.T, ctx context.Context, tr transport.Transport) {
	t.Helper()
	go func() {
		for {
			msg, err := tr.Receive(ctx)
			if err != nil || msg == nil {
				return
			}
			parsed, parseErr := protocol.Parse(msg.Payload)
			if parseErr != nil || parsed == nil || !parsed.IsRequest() {
				continue
			}
			result, _ := json.Marshal(map[string]string{"echoed": parsed.Request.Method})
			resp := &protocol.Response{JSONRPC: protocol.Version, ID: parsed.Request.ID, Result: result}
			payload, err := protocol.Serialize(&protocol.Message{Response: resp})
			if err != nil {
				return
			}
			if err := tr.Send(ctx, transport.Message{Payload: payload}); err != nil {
				return
			}
		}
	}()
}

func TestClient_CallRoundTrips(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientTr, serverTr := pairedTransports(t)
	require.NoError(t, serverTr.Connect(ctx))
	fakeEcho(t, ctx, serverTr)

	c := New(clientTr, 2*time.Second)
	require.NoError(t, c.Start(ctx))
	defer c.Close(ctx)

	var out map[string]string
	err := c.Call(ctx, "ping", map[string]any{}, &out)
	require.NoError(t, err)
	assert.Equal(t, "ping", out["echoed"])
}

func TestClient_CallTimesOutWithoutServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientTr, serverTr := pairedTransports(t)
	require.NoError(t, serverTr.Connect(ctx))
	// No fakeEcho: the server side never answers.

	c := New(clientTr, 50*time.Millisecond)
	require.NoError(t, c.Start(ctx))
	defer c.Close(ctx)

	err := c.Call(ctx, "ping", map[string]any{}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_CallToolWrapsParams(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientTr, serverTr := pairedTransports(t)
	require.NoError(t, serverTr.Connect(ctx))
	fakeEcho(t, ctx, serverTr)

	c := New(clientTr, 2*time.Second)
	require.NoError(t, c.Start(ctx))
	defer c.Close(ctx)

	result, err := c.CallTool(ctx, "echo", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, "tools/call", result["echoed"])
}
