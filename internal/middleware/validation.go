package middleware

import (
	"context"
	"encoding/json"

	"github.com/turbomcp-go/turbomcp/internal/protocol"
	"github.com/turbomcp-go/turbomcp/internal/registry"
)

// Validation checks tools/call arguments against the tool's registered
// input schema before the request reaches the router, per spec.md §4.6:
// "missing required param -> -32602".
type Validation struct {
	Registry *registry.Registry
}

func (Validation) Name() string { return "validation" }

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (v Validation) Handle(ctx context.Context, req *protocol.Request, next Next) (*protocol.Response, *protocol.Error) {
	if req.Method != "tools/call" || v.Registry == nil {
		return next(ctx, req)
	}

	var params toolCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, protocol.NewError(protocol.CodeInvalidParams, "malformed tools/call params", nil)
		}
	}

	tool, ok := v.Registry.Tool(params.Name)
	if !ok {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "unknown tool: "+params.Name, nil)
	}
	if err := tool.ValidateArgs(params.Arguments); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "invalid arguments: "+err.Error(), nil)
	}

	return next(ctx, req)
}
