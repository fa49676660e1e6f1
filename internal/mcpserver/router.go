// Package mcpserver implements the request router and connection-serving
// loop spec.md §4.6 describes: a table-driven dispatch over the fixed MCP
// method set, generalized from the teacher's flat switch in
// internal/api/mcp/server.go's Server.HandleRequest, fed by the handler
// registry (C4), wrapped in the middleware chain (C5), and consulting the
// task subsystem (C8) for task-eligible operations. The elicitation
// coordinator (C7) is not used by the router.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/turbomcp-go/turbomcp/internal/protocol"
	"github.com/turbomcp-go/turbomcp/internal/registry"
	"github.com/turbomcp-go/turbomcp/internal/task"
)

// HandlerFunc processes one already-middleware-cleared request and returns
// either a result to marshal into a success Response, or an *protocol.Error.
type HandlerFunc func(ctx context.Context, rt *Runtime, params json.RawMessage) (any, error)

// Runtime bundles the dependencies method handlers need, avoiding a long
// parameter list on every HandlerFunc.
type Runtime struct {
	Registry    *registry.Registry
	Tasks       *task.Manager
	ServerName  string
	ServerVer   string
}

// Router is the immutable method table built once at server construction,
// matching spec.md §4.4's "registrations are frozen" discipline already
// applied to the handler registry.
type Router struct {
	methods map[string]HandlerFunc
}

// NewRouter builds the fixed MCP method table plus any task-subsystem
// routes. Unlike the tool/resource/prompt registry, this table is the same
// shape for every server instance, so it's constructed directly rather than
// through a Builder.
func NewRouter() *Router {
	r := &Router{methods: make(map[string]HandlerFunc)}
	r.methods["initialize"] = handleInitialize
	r.methods["ping"] = handlePing
	r.methods["tools/list"] = handleToolsList
	r.methods["tools/call"] = handleToolsCall
	r.methods["resources/list"] = handleResourcesList
	r.methods["resources/read"] = handleResourcesRead
	r.methods["resources/templates/list"] = handleResourceTemplatesList
	r.methods["prompts/list"] = handlePromptsList
	r.methods["prompts/get"] = handlePromptsGet
	r.methods["logging/setLevel"] = handleLoggingSetLevel
	r.methods["tasks/get"] = handleTasksGet
	r.methods["tasks/result"] = handleTasksResult
	r.methods["tasks/list"] = handleTasksList
	r.methods["tasks/cancel"] = handleTasksCancel
	return r
}

// Dispatch looks up req.Method and invokes its handler, mapping the
// HandlerFunc's plain Go error return into a JSON-RPC Response/Error pair.
// Unknown methods and malformed params map to -32601/-32602 exactly as
// spec.md §4.6 requires; anything else a handler returns is wrapped as
// -32603 (internal error) unless it is already a *protocol.Error.
func (r *Router) Dispatch(ctx context.Context, rt *Runtime, req *protocol.Request) (*protocol.Response, *protocol.Error) {
	h, ok := r.methods[req.Method]
	if !ok {
		return nil, protocol.NewError(protocol.CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}

	result, err := h(ctx, rt, req.Params)
	if err != nil {
		if rpcErr, ok := err.(*protocol.Error); ok {
			return nil, rpcErr
		}
		return nil, protocol.NewError(protocol.CodeInternalError, err.Error(), nil)
	}

	resp, merr := protocol.NewSuccess(req.ID, result)
	if merr != nil {
		return nil, protocol.NewError(protocol.CodeInternalError, merr.Error(), nil)
	}
	return resp, nil
}

func unmarshalParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return protocol.NewError(protocol.CodeInvalidParams, "invalid params: "+err.Error(), nil)
	}
	return nil
}

func handleInitialize(ctx context.Context, rt *Runtime, params json.RawMessage) (any, error) {
	return map[string]any{
		"protocolVersion": "2025-06-18",
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
			"logging":   map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    rt.ServerName,
			"version": rt.ServerVer,
		},
	}, nil
}

func handlePing(ctx context.Context, rt *Runtime, params json.RawMessage) (any, error) {
	return map[string]any{}, nil
}

type toolSummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

func handleToolsList(ctx context.Context, rt *Runtime, params json.RawMessage) (any, error) {
	tools := rt.Registry.Tools()
	out := make([]toolSummary, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolSummary{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return map[string]any{"tools": out}, nil
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Task      *taskParam     `json:"task,omitempty"`
}

// taskParam is spec.md §4.8's "task: { ttl? }" request-surface addition.
// In this router only tools/call accepts it, when the caller wants an async
// task handle back instead of blocking. ttl
// is in milliseconds, matching the Task data model's ttl_ms field (spec.md
// §3).
type taskParam struct {
	TTLMillis int `json:"ttl,omitempty"`
}

func handleToolsCall(ctx context.Context, rt *Runtime, params json.RawMessage) (any, error) {
	var p toolCallParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	tool, ok := rt.Registry.Tool(p.Name)
	if !ok {
		return nil, protocol.NewError(protocol.CodeInvalidParams, fmt.Sprintf("unknown tool: %s", p.Name), nil)
	}
	if err := tool.ValidateArgs(p.Arguments); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "invalid arguments: "+err.Error(), nil)
	}

	run := func(ctx context.Context) (any, error) {
		return tool.Handler(ctx, p.Arguments)
	}

	if p.Task != nil {
		if rt.Tasks == nil {
			return nil, protocol.NewError(protocol.CodeInternalError, "task subsystem not configured", nil)
		}
		ttl := defaultTaskTTL
		if p.Task.TTLMillis > 0 {
			ttl = millisToDuration(p.Task.TTLMillis)
		}
		t, err := rt.Tasks.CreateTask(ctx, ttl, run)
		if err != nil {
			return nil, err
		}
		return taskHandleResult(t), nil
	}

	return run(ctx)
}

type resourceSummary struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

func handleResourcesList(ctx context.Context, rt *Runtime, params json.RawMessage) (any, error) {
	resources := rt.Registry.Resources()
	out := make([]resourceSummary, 0, len(resources))
	for _, r := range resources {
		out = append(out, resourceSummary{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MimeType})
	}
	return map[string]any{"resources": out}, nil
}

type resourceTemplateSummary struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// handleResourceTemplatesList implements resources/templates/list
// (spec.md §4.6), enumerating only the {param} URI templates;
// resources/list returns the same templates after the exact resources.
func handleResourceTemplatesList(ctx context.Context, rt *Runtime, params json.RawMessage) (any, error) {
	tpls := rt.Registry.ResourceTemplates()
	out := make([]resourceTemplateSummary, 0, len(tpls))
	for _, t := range tpls {
		out = append(out, resourceTemplateSummary{URITemplate: t.URI, Name: t.Name, Description: t.Description, MimeType: t.MimeType})
	}
	return map[string]any{"resourceTemplates": out}, nil
}

type resourceReadParams struct {
	URI string `json:"uri"`
}

func handleResourcesRead(ctx context.Context, rt *Runtime, params json.RawMessage) (any, error) {
	var p resourceReadParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	res, pathParams, ok := rt.Registry.Resource(p.URI)
	if !ok {
		return nil, protocol.NewError(protocol.CodeInvalidParams, fmt.Sprintf("unknown resource: %s", p.URI), nil)
	}
	contents, err := res.Handler(ctx, p.URI, pathParams)
	if err != nil {
		return nil, err
	}
	return map[string]any{"contents": contents}, nil
}

type promptSummary struct {
	Name        string                       `json:"name"`
	Description string                       `json:"description,omitempty"`
	Arguments   []registry.PromptArgument    `json:"arguments,omitempty"`
}

func handlePromptsList(ctx context.Context, rt *Runtime, params json.RawMessage) (any, error) {
	prompts := rt.Registry.Prompts()
	out := make([]promptSummary, 0, len(prompts))
	for _, p := range prompts {
		out = append(out, promptSummary{Name: p.Name, Description: p.Description, Arguments: p.Arguments})
	}
	return map[string]any{"prompts": out}, nil
}

type promptGetParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

func handlePromptsGet(ctx context.Context, rt *Runtime, params json.RawMessage) (any, error) {
	var p promptGetParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	prompt, ok := rt.Registry.Prompt(p.Name)
	if !ok {
		return nil, protocol.NewError(protocol.CodeInvalidParams, fmt.Sprintf("unknown prompt: %s", p.Name), nil)
	}
	return prompt.Handler(ctx, p.Arguments)
}

type loggingSetLevelParams struct {
	Level string `json:"level"`
}

func handleLoggingSetLevel(ctx context.Context, rt *Runtime, params json.RawMessage) (any, error) {
	var p loggingSetLevelParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}
