package turbomcp

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbomcp-go/turbomcp/internal/registry"
	"github.com/turbomcp-go/turbomcp/internal/transport"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.NewBuilder().
		Tool(registry.ToolDescriptor{
			Name: "echo",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return args, nil
			},
		}).
		Build()
	require.NoError(t, err)
	return reg
}

func TestNew_RequiresRegistry(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
}

func TestNew_BuildsWithDefaults(t *testing.T) {
	s, err := New(WithRegistry(testRegistry(t)))
	require.NoError(t, err)
	defer s.Close()

	assert.NotNil(t, s.Lifecycle())
}

func TestServer_ServeOverStdio(t *testing.T) {
	s, err := New(WithRegistry(testRegistry(t)), WithName("test-server", "1.0.0"))
	require.NoError(t, err)
	defer s.Close()

	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n")
	var out strings.Builder
	tr := transport.NewStdioTransport(in, &out, transport.DefaultConfig(), nil, nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect(context.Background())

	require.NoError(t, s.Serve(context.Background(), tr))
	assert.Contains(t, out.String(), "test-server")
}

func TestServer_WithTimeoutAndValidation(t *testing.T) {
	s, err := New(
		WithRegistry(testRegistry(t)),
		WithTimeout(time.Second),
		WithValidation(),
		WithRateLimit(100, 200),
	)
	require.NoError(t, err)
	defer s.Close()
	assert.NotNil(t, s)
}
