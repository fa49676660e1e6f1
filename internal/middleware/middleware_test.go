package middleware

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbomcp-go/turbomcp/internal/auth"
	"github.com/turbomcp-go/turbomcp/internal/protocol"
	"github.com/turbomcp-go/turbomcp/internal/registry"
)

func coreOK(ctx context.Context, req *protocol.Request) (*protocol.Response, *protocol.Error) {
	resp, _ := protocol.NewSuccess(req.ID, map[string]any{"ok": true})
	return resp, nil
}

func TestChain_OrderAndShortCircuit(t *testing.T) {
	var order []string
	first := Func{FuncName: "first", Fn: func(ctx context.Context, req *protocol.Request, next Next) (*protocol.Response, *protocol.Error) {
		order = append(order, "first-in")
		resp, err := next(ctx, req)
		order = append(order, "first-out")
		return resp, err
	}}
	second := Func{FuncName: "second", Fn: func(ctx context.Context, req *protocol.Request, next Next) (*protocol.Response, *protocol.Error) {
		order = append(order, "second")
		return nil, protocol.NewError(protocol.CodeInvalidParams, "short circuit", nil)
	}}

	chain := NewChain(coreOK, nil, nil, first, second)
	_, rpcErr := chain.Handle(context.Background(), &protocol.Request{Method: "ping", ID: protocol.NewIntID(1)})
	require.NotNil(t, rpcErr)
	assert.Equal(t, []string{"first-in", "second", "first-out"}, order)
}

func TestChain_ReachesCoreWhenNoShortCircuit(t *testing.T) {
	chain := NewChain(coreOK, nil, nil)
	resp, rpcErr := chain.Handle(context.Background(), &protocol.Request{Method: "ping", ID: protocol.NewIntID(1)})
	require.Nil(t, rpcErr)
	require.NotNil(t, resp)
}

func TestTimeout_FiresOnSlowHandler(t *testing.T) {
	slow := Func{FuncName: "slow", Fn: func(ctx context.Context, req *protocol.Request, next Next) (*protocol.Response, *protocol.Error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return next(ctx, req)
		case <-ctx.Done():
			return nil, protocol.NewError(protocol.CodeInternalError, "cancelled", nil)
		}
	}}
	chain := NewChain(coreOK, nil, nil, Timeout{D: 10 * time.Millisecond}, slow)
	_, rpcErr := chain.Handle(context.Background(), &protocol.Request{Method: "ping", ID: protocol.NewIntID(1)})
	require.NotNil(t, rpcErr)
}

func TestValidation_NoSchemaAcceptsEmptyArgs(t *testing.T) {
	reg, err := registry.NewBuilder().Tool(registry.ToolDescriptor{
		Name: "greet",
	}).Build()
	require.NoError(t, err)

	v := Validation{Registry: reg}
	params, _ := json.Marshal(map[string]any{"name": "greet", "arguments": map[string]any{}})
	_, rpcErr := v.Handle(context.Background(), &protocol.Request{Method: "tools/call", Params: params}, coreOK)
	assert.Nil(t, rpcErr) // no schema registered, so nothing to reject
}

func TestValidation_UnknownToolRejected(t *testing.T) {
	reg, err := registry.NewBuilder().Build()
	require.NoError(t, err)

	v := Validation{Registry: reg}
	params, _ := json.Marshal(map[string]any{"name": "missing", "arguments": map[string]any{}})
	_, rpcErr := v.Handle(context.Background(), &protocol.Request{Method: "tools/call", Params: params}, coreOK)
	require.NotNil(t, rpcErr)
	assert.Equal(t, protocol.CodeInvalidParams, rpcErr.Code)
}

func TestAuthorization_RequiresContext(t *testing.T) {
	az := Authorization{Policies: map[string]MethodPolicy{
		"tools/call": {RequireAnyScope: []string{"mcp:tools"}},
	}}
	_, rpcErr := az.Handle(context.Background(), &protocol.Request{Method: "tools/call"}, coreOK)
	require.NotNil(t, rpcErr)
}

func TestAuthorization_InsufficientScopeRejected(t *testing.T) {
	az := Authorization{Policies: map[string]MethodPolicy{
		"tools/call": {RequireAnyScope: []string{"mcp:tools"}},
	}}
	ac, err := auth.NewBuilder().Subject("s").User("u").Provider("p").Scopes("other").Build()
	require.NoError(t, err)
	ctx := auth.WithContext(context.Background(), ac)

	_, rpcErr := az.Handle(ctx, &protocol.Request{Method: "tools/call"}, coreOK)
	require.NotNil(t, rpcErr)
}

func TestAuthorization_SufficientScopeAllowed(t *testing.T) {
	az := Authorization{Policies: map[string]MethodPolicy{
		"tools/call": {RequireAnyScope: []string{"mcp:tools"}},
	}}
	ac, err := auth.NewBuilder().Subject("s").User("u").Provider("p").Scopes("mcp:tools").Build()
	require.NoError(t, err)
	ctx := auth.WithContext(context.Background(), ac)

	_, rpcErr := az.Handle(ctx, &protocol.Request{Method: "tools/call", ID: protocol.NewIntID(1)}, coreOK)
	assert.Nil(t, rpcErr)
}

func TestRateLimit_BlocksOverBurst(t *testing.T) {
	rl := NewRateLimit(1, 1, nil)
	ctx := WithClientKey(context.Background(), "1.2.3.4")

	_, rpcErr := rl.Handle(ctx, &protocol.Request{Method: "ping", ID: protocol.NewIntID(1)}, coreOK)
	assert.Nil(t, rpcErr)

	_, rpcErr = rl.Handle(ctx, &protocol.Request{Method: "ping", ID: protocol.NewIntID(2)}, coreOK)
	require.NotNil(t, rpcErr)
	assert.Equal(t, protocol.CodeRateLimited, rpcErr.Code)
}

func TestClientKeyFromHeaders_Precedence(t *testing.T) {
	h := map[string][]string{
		"X-Forwarded-For": {"1.1.1.1"},
		"X-Real-Ip":       {"2.2.2.2"},
	}
	assert.Equal(t, "1.1.1.1", ClientKeyFromHeaders(h, "9.9.9.9"))
}
