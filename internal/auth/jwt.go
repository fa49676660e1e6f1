package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidClaims is returned by FromJWTClaims when the token's claim set
// cannot be mapped onto a Context.
var ErrInvalidClaims = errors.New("auth: invalid claims")

// mcpClaims mirrors jwt.RegisteredClaims plus turbomcp's custom fields, so
// ToJWTClaims/FromJWTClaims round-trip a Context without losing the
// provider/user/roles/permissions/scopes extensions spec.md §4.10 requires
// alongside standard claims.
type mcpClaims struct {
	jwt.RegisteredClaims

	Provider    string         `json:"provider,omitempty"`
	User        string         `json:"user,omitempty"`
	Roles       []string       `json:"roles,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
	Scopes      []string       `json:"scopes,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// ToJWTClaims serializes c into a jwt.Claims value with standard claims and
// the provider/user/roles/permissions/scopes claims at the top level. The
// entries of c.Extra are not flattened: they are nested under a single
// "extra" claim.
func (c *Context) ToJWTClaims() jwt.Claims {
	claims := mcpClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  c.Subject,
			Issuer:   c.Issuer,
			Audience: jwt.ClaimStrings(c.Audience),
			ID:       c.JTI,
		},
		Provider:    c.Provider,
		User:        c.User,
		Roles:       c.Roles,
		Permissions: c.Permissions,
		Scopes:      c.Scopes,
		Extra:       c.Extra,
	}
	if c.Expiry != nil {
		claims.ExpiresAt = jwt.NewNumericDate(*c.Expiry)
	}
	if c.IssuedAt != nil {
		claims.IssuedAt = jwt.NewNumericDate(*c.IssuedAt)
	}
	if c.NotBefore != nil {
		claims.NotBefore = jwt.NewNumericDate(*c.NotBefore)
	}
	return claims
}

// FromJWTClaims deserializes a parsed token's claims back into a Context.
// Structural mismatches (wrong concrete claims type) return
// ErrInvalidClaims.
func FromJWTClaims(claims jwt.Claims) (*Context, error) {
	mc, ok := claims.(*mcpClaims)
	if !ok {
		return nil, ErrInvalidClaims
	}

	ctx := &Context{
		Subject:     mc.Subject,
		Issuer:      mc.Issuer,
		Audience:    []string(mc.Audience),
		JTI:         mc.ID,
		Provider:    mc.Provider,
		User:        mc.User,
		Roles:       mc.Roles,
		Permissions: mc.Permissions,
		Scopes:      mc.Scopes,
		Extra:       mc.Extra,
	}
	if mc.ExpiresAt != nil {
		t := mc.ExpiresAt.Time
		ctx.Expiry = &t
	}
	if mc.IssuedAt != nil {
		t := mc.IssuedAt.Time
		ctx.IssuedAt = &t
	}
	if mc.NotBefore != nil {
		t := mc.NotBefore.Time
		ctx.NotBefore = &t
	}
	return ctx, nil
}

// SignHS256 signs c as a compact JWT using HMAC-SHA256. It is the simplest
// round-trip path for tests and single-node deployments; production
// deployments typically verify tokens issued by an external OAuth 2.1
// authorization server instead of minting their own.
func SignHS256(c *Context, secret []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c.ToJWTClaims())
	return token.SignedString(secret)
}

// ParseHS256 verifies and decodes a compact JWT signed with SignHS256.
func ParseHS256(tokenString string, secret []byte) (*Context, error) {
	token, err := jwt.ParseWithClaims(tokenString, &mcpClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("auth: unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, ErrInvalidClaims
	}
	return FromJWTClaims(token.Claims)
}
