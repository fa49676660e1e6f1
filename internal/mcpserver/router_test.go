package mcpserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbomcp-go/turbomcp/internal/protocol"
	"github.com/turbomcp-go/turbomcp/internal/registry"
	"github.com/turbomcp-go/turbomcp/internal/task"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	reg, err := registry.NewBuilder().
		Tool(registry.ToolDescriptor{
			Name: "echo",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return args, nil
			},
		}).
		Resource(registry.ResourceDescriptor{
			URI: "file:///{path}",
			Handler: func(ctx context.Context, uri string, params map[string]string) (any, error) {
				return params["path"], nil
			},
		}).
		Prompt(registry.PromptDescriptor{
			Name: "greeting",
			Handler: func(ctx context.Context, args map[string]string) (any, error) {
				return map[string]any{"text": "hi " + args["name"]}, nil
			},
		}).
		Build()
	require.NoError(t, err)

	mgr := task.NewManager(task.NewMemStore(), 2, nil)
	t.Cleanup(mgr.Close)

	return &Runtime{Registry: reg, Tasks: mgr, ServerName: "turbomcp", ServerVer: "test"}
}

func TestRouter_Initialize(t *testing.T) {
	r := NewRouter()
	rt := newTestRuntime(t)
	resp, rpcErr := r.Dispatch(context.Background(), rt, &protocol.Request{Method: "initialize", ID: protocol.NewIntID(1)})
	require.Nil(t, rpcErr)
	require.NotNil(t, resp)
}

func TestRouter_UnknownMethod(t *testing.T) {
	r := NewRouter()
	rt := newTestRuntime(t)
	_, rpcErr := r.Dispatch(context.Background(), rt, &protocol.Request{Method: "nope", ID: protocol.NewIntID(1)})
	require.NotNil(t, rpcErr)
	assert.Equal(t, protocol.CodeMethodNotFound, rpcErr.Code)
}

func TestRouter_ToolsCallSync(t *testing.T) {
	r := NewRouter()
	rt := newTestRuntime(t)
	params, _ := json.Marshal(map[string]any{"name": "echo", "arguments": map[string]any{"x": 1.0}})
	resp, rpcErr := r.Dispatch(context.Background(), rt, &protocol.Request{Method: "tools/call", Params: params, ID: protocol.NewIntID(1)})
	require.Nil(t, rpcErr)
	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, float64(1), result["x"])
}

func TestRouter_ToolsCallUnknownTool(t *testing.T) {
	r := NewRouter()
	rt := newTestRuntime(t)
	params, _ := json.Marshal(map[string]any{"name": "missing"})
	_, rpcErr := r.Dispatch(context.Background(), rt, &protocol.Request{Method: "tools/call", Params: params, ID: protocol.NewIntID(1)})
	require.NotNil(t, rpcErr)
	assert.Equal(t, protocol.CodeInvalidParams, rpcErr.Code)
}

func TestRouter_ToolsCallAsyncTask(t *testing.T) {
	r := NewRouter()
	rt := newTestRuntime(t)
	params, _ := json.Marshal(map[string]any{"name": "echo", "arguments": map[string]any{}, "task": map[string]any{"ttl": 60}})
	resp, rpcErr := r.Dispatch(context.Background(), rt, &protocol.Request{Method: "tools/call", Params: params, ID: protocol.NewIntID(1)})
	require.Nil(t, rpcErr)
	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	taskObj, ok := result["task"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, taskObj["taskId"])
}

func TestRouter_ResourcesReadTemplate(t *testing.T) {
	r := NewRouter()
	rt := newTestRuntime(t)
	params, _ := json.Marshal(map[string]any{"uri": "file:///notes.txt"})
	resp, rpcErr := r.Dispatch(context.Background(), rt, &protocol.Request{Method: "resources/read", Params: params, ID: protocol.NewIntID(1)})
	require.Nil(t, rpcErr)
	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "notes.txt", result["contents"])
}

func TestRouter_ResourceTemplatesList(t *testing.T) {
	r := NewRouter()
	rt := newTestRuntime(t)
	resp, rpcErr := r.Dispatch(context.Background(), rt, &protocol.Request{Method: "resources/templates/list", ID: protocol.NewIntID(1)})
	require.Nil(t, rpcErr)
	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	tpls, ok := result["resourceTemplates"].([]any)
	require.True(t, ok)
	require.Len(t, tpls, 1)
	assert.Equal(t, "file:///{path}", tpls[0].(map[string]any)["uriTemplate"])
}

func TestRouter_PromptsGet(t *testing.T) {
	r := NewRouter()
	rt := newTestRuntime(t)
	params, _ := json.Marshal(map[string]any{"name": "greeting", "arguments": map[string]string{"name": "ada"}})
	resp, rpcErr := r.Dispatch(context.Background(), rt, &protocol.Request{Method: "prompts/get", Params: params, ID: protocol.NewIntID(1)})
	require.Nil(t, rpcErr)
	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "hi ada", result["text"])
}

func TestRouter_TasksGetUnknown(t *testing.T) {
	r := NewRouter()
	rt := newTestRuntime(t)
	params, _ := json.Marshal(map[string]any{"taskId": "ghost"})
	_, rpcErr := r.Dispatch(context.Background(), rt, &protocol.Request{Method: "tasks/get", Params: params, ID: protocol.NewIntID(1)})
	require.NotNil(t, rpcErr)
	assert.Equal(t, protocol.CodeInvalidParams, rpcErr.Code)
}

func TestRouter_TasksResultBlocksThenReturns(t *testing.T) {
	r := NewRouter()
	rt := newTestRuntime(t)

	release := make(chan struct{})
	tk, err := rt.Tasks.CreateTask(context.Background(), time.Minute, func(ctx context.Context) (any, error) {
		<-release
		return "done", nil
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	params, _ := json.Marshal(map[string]any{"taskId": tk.ID})
	resp, rpcErr := r.Dispatch(context.Background(), rt, &protocol.Request{Method: "tasks/result", Params: params, ID: protocol.NewIntID(1)})
	require.Nil(t, rpcErr)
	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "completed", result["status"])
}
