package mcpserver

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbomcp-go/turbomcp/internal/middleware"
	"github.com/turbomcp-go/turbomcp/internal/transport"
)

func newTestServer(t *testing.T) (*Server, *Runtime) {
	t.Helper()
	router := NewRouter()
	rt := newTestRuntime(t)
	chain := middleware.NewChain(CoreHandler(router, rt), nil, nil)
	return New(router, chain, rt, nil), rt
}

func TestServer_ServeHandlesRequestAndEOF(t *testing.T) {
	s, _ := newTestServer(t)

	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n")
	var out bytes.Buffer
	tr := transport.NewStdioTransport(in, &out, transport.DefaultConfig(), nil, nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect(context.Background())

	err := s.Serve(context.Background(), tr)
	require.NoError(t, err)

	line, err := bufio.NewReader(&out).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"id":1`)
	assert.Contains(t, line, "serverInfo")
}

func TestServer_NotificationProducesNoResponse(t *testing.T) {
	s, _ := newTestServer(t)

	in := strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n")
	var out bytes.Buffer
	tr := transport.NewStdioTransport(in, &out, transport.DefaultConfig(), nil, nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect(context.Background())

	err := s.Serve(context.Background(), tr)
	require.NoError(t, err)
	assert.Empty(t, out.String())
}

func TestServer_UnknownMethodReturnsError(t *testing.T) {
	s, _ := newTestServer(t)

	in := strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"bogus"}` + "\n")
	var out bytes.Buffer
	tr := transport.NewStdioTransport(in, &out, transport.DefaultConfig(), nil, nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect(context.Background())

	err := s.Serve(context.Background(), tr)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "-32601")
}

func TestServer_ParseErrorStillResponds(t *testing.T) {
	s, _ := newTestServer(t)

	in := strings.NewReader("not json\n")
	var out bytes.Buffer
	tr := transport.NewStdioTransport(in, &out, transport.DefaultConfig(), nil, nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect(context.Background())

	err := s.Serve(context.Background(), tr)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "-32700")
}
