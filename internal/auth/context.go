// Package auth implements the unified authentication/authorization context
// spec.md §4.10 describes: a JWT-claims-compatible record, ordered
// expiry/audience/issuer validation, role/permission/scope helpers, and a
// builder that enforces required fields. It is grounded on
// HyphaGroup-oubliette's internal/auth package (types.go's AuthContext/
// scope helpers, context.go's context propagation via a typed key,
// ratelimit.go's per-key limiter), generalized from that repo's
// project-scope-string model to the full JWT claims set spec.md requires,
// and its JWT round-trip is grounded on the golang-jwt/jwt/v5 usage in
// JamesPrial-mcp-oauth-2.1's go.mod.
package auth

import (
	"context"
	"fmt"
	"time"
)

// Context is the unified, JWT-claims-compatible authentication record
// attached to every authenticated request.
type Context struct {
	Subject  string // "sub"
	Issuer   string // "iss"
	Audience []string
	Expiry   *time.Time // "exp"
	IssuedAt *time.Time // "iat"
	NotBefore *time.Time // "nbf"
	JTI       string

	Provider string // identity provider name, e.g. "github", "local"
	User     string // display/account name

	Roles       []string
	Permissions []string
	Scopes      []string

	Extra map[string]any
}

type contextKey struct{}

// WithContext attaches ac to ctx.
func WithContext(ctx context.Context, ac *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

// FromContext retrieves the attached Context, or nil if none was set.
func FromContext(ctx context.Context) *Context {
	ac, _ := ctx.Value(contextKey{}).(*Context)
	return ac
}

// IsExpired reports whether the context's expiry has passed, checking
// Expiry directly per spec.md §4.10's "is_expired() checks expires_at
// first, then falls back to exp" (the two coincide in this representation,
// so a single field suffices).
func (c *Context) IsExpired(now time.Time) bool {
	return c.Expiry != nil && now.After(*c.Expiry)
}

func (c *Context) hasAny(have []string, want string) bool {
	for _, h := range have {
		if h == want {
			return true
		}
	}
	return false
}

// HasRole reports whether role is present.
func (c *Context) HasRole(role string) bool { return c.hasAny(c.Roles, role) }

// HasAnyRole reports whether any of roles is present.
func (c *Context) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if c.HasRole(r) {
			return true
		}
	}
	return false
}

// HasAllRoles reports whether every role in roles is present.
func (c *Context) HasAllRoles(roles ...string) bool {
	for _, r := range roles {
		if !c.HasRole(r) {
			return false
		}
	}
	return true
}

// HasPermission reports whether permission is present.
func (c *Context) HasPermission(p string) bool { return c.hasAny(c.Permissions, p) }

// HasAnyPermission reports whether any of perms is present.
func (c *Context) HasAnyPermission(perms ...string) bool {
	for _, p := range perms {
		if c.HasPermission(p) {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether every permission in perms is present.
func (c *Context) HasAllPermissions(perms ...string) bool {
	for _, p := range perms {
		if !c.HasPermission(p) {
			return false
		}
	}
	return true
}

// HasScope reports whether scope is present.
func (c *Context) HasScope(s string) bool { return c.hasAny(c.Scopes, s) }

// HasAnyScope reports whether any of scopes is present.
func (c *Context) HasAnyScope(scopes ...string) bool {
	for _, s := range scopes {
		if c.HasScope(s) {
			return true
		}
	}
	return false
}

// HasAllScopes reports whether every scope in scopes is present.
func (c *Context) HasAllScopes(scopes ...string) bool {
	for _, s := range scopes {
		if !c.HasScope(s) {
			return false
		}
	}
	return true
}

// MissingFieldError is returned by Builder.Build when a required field was
// never set.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("auth: missing required field %q", e.Field)
}

// Builder constructs a Context, failing at Build time if sub, user, or
// provider were never set (spec.md §4.10).
type Builder struct {
	ctx Context
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) Subject(s string) *Builder   { b.ctx.Subject = s; return b }
func (b *Builder) Issuer(s string) *Builder    { b.ctx.Issuer = s; return b }
func (b *Builder) Audience(a ...string) *Builder { b.ctx.Audience = a; return b }
func (b *Builder) Provider(s string) *Builder  { b.ctx.Provider = s; return b }
func (b *Builder) User(s string) *Builder      { b.ctx.User = s; return b }
func (b *Builder) Roles(r ...string) *Builder  { b.ctx.Roles = r; return b }
func (b *Builder) Permissions(p ...string) *Builder { b.ctx.Permissions = p; return b }
func (b *Builder) Scopes(s ...string) *Builder { b.ctx.Scopes = s; return b }
func (b *Builder) JTI(s string) *Builder       { b.ctx.JTI = s; return b }
func (b *Builder) Expiry(t time.Time) *Builder { b.ctx.Expiry = &t; return b }
func (b *Builder) IssuedAt(t time.Time) *Builder { b.ctx.IssuedAt = &t; return b }
func (b *Builder) NotBefore(t time.Time) *Builder { b.ctx.NotBefore = &t; return b }
func (b *Builder) ExtraField(key string, val any) *Builder {
	if b.ctx.Extra == nil {
		b.ctx.Extra = map[string]any{}
	}
	b.ctx.Extra[key] = val
	return b
}

// Build validates required fields and returns the finished Context.
func (b *Builder) Build() (*Context, error) {
	if b.ctx.Subject == "" {
		return nil, &MissingFieldError{Field: "sub"}
	}
	if b.ctx.User == "" {
		return nil, &MissingFieldError{Field: "user"}
	}
	if b.ctx.Provider == "" {
		return nil, &MissingFieldError{Field: "provider"}
	}
	out := b.ctx
	return &out, nil
}
