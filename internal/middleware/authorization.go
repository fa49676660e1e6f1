package middleware

import (
	"context"
	"time"

	"github.com/turbomcp-go/turbomcp/internal/auth"
	"github.com/turbomcp-go/turbomcp/internal/protocol"
)

// MethodPolicy maps a method name to the scopes/roles/permissions required
// to invoke it. An empty MethodPolicy imposes no restriction.
type MethodPolicy struct {
	RequireAnyScope      []string
	RequireAnyRole       []string
	RequireAnyPermission []string
}

// Authorization enforces per-method access policy against the
// auth.Context attached to the request's context, per spec.md §4.10's
// role/permission/scope helpers.
type Authorization struct {
	Policies map[string]MethodPolicy
}

func (Authorization) Name() string { return "authorization" }

func (a Authorization) Handle(ctx context.Context, req *protocol.Request, next Next) (*protocol.Response, *protocol.Error) {
	policy, ok := a.Policies[req.Method]
	if !ok {
		return next(ctx, req)
	}

	ac := auth.FromContext(ctx)
	if ac == nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "authentication required", nil)
	}
	if ac.IsExpired(time.Now()) {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "token expired", nil)
	}

	if len(policy.RequireAnyScope) > 0 && !ac.HasAnyScope(policy.RequireAnyScope...) {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "insufficient scope", nil)
	}
	if len(policy.RequireAnyRole) > 0 && !ac.HasAnyRole(policy.RequireAnyRole...) {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "insufficient role", nil)
	}
	if len(policy.RequireAnyPermission) > 0 && !ac.HasAnyPermission(policy.RequireAnyPermission...) {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "insufficient permission", nil)
	}

	return next(ctx, req)
}
