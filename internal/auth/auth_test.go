package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_MissingRequiredFields(t *testing.T) {
	_, err := NewBuilder().Build()
	var mf *MissingFieldError
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, "sub", mf.Field)

	_, err = NewBuilder().Subject("s1").Build()
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, "user", mf.Field)

	_, err = NewBuilder().Subject("s1").User("u1").Build()
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, "provider", mf.Field)
}

func TestBuilder_BuildSucceeds(t *testing.T) {
	ctx, err := NewBuilder().Subject("s1").User("u1").Provider("local").
		Roles("admin").Scopes("mcp:tools").Build()
	require.NoError(t, err)
	assert.True(t, ctx.HasRole("admin"))
	assert.True(t, ctx.HasScope("mcp:tools"))
	assert.False(t, ctx.HasRole("nope"))
}

func TestValidate_ExpiredToken(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	ctx := &Context{Expiry: &past}
	err := ctx.Validate(ValidationConfig{ValidateExp: true})
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidate_WithinLeewayPasses(t *testing.T) {
	past := time.Now().Add(-30 * time.Second)
	ctx := &Context{Expiry: &past}
	err := ctx.Validate(ValidationConfig{ValidateExp: true, Leeway: time.Minute})
	assert.NoError(t, err)
}

func TestValidate_NotYetValid(t *testing.T) {
	future := time.Now().Add(time.Hour)
	ctx := &Context{NotBefore: &future}
	err := ctx.Validate(ValidationConfig{ValidateNBF: true})
	assert.ErrorIs(t, err, ErrTokenNotYetValid)
}

func TestValidate_AudienceAndIssuerMismatch(t *testing.T) {
	ctx := &Context{Audience: []string{"other"}, Issuer: "other-issuer"}
	err := ctx.Validate(ValidationConfig{ExpectedAudience: "mcp-server"})
	assert.ErrorIs(t, err, ErrInvalidAudience)

	err = ctx.Validate(ValidationConfig{ExpectedIssuer: "expected-issuer"})
	assert.ErrorIs(t, err, ErrInvalidIssuer)
}

func TestValidate_Order(t *testing.T) {
	// Expiration is checked before audience; an expired token with a bad
	// audience should fail with ErrTokenExpired, per spec.md §4.10's
	// ordering (exp, nbf, aud, iss).
	past := time.Now().Add(-time.Hour)
	ctx := &Context{Expiry: &past, Audience: []string{"other"}}
	err := ctx.Validate(ValidationConfig{ValidateExp: true, ExpectedAudience: "mcp-server"})
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestJWT_RoundTrip(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	original, err := NewBuilder().
		Subject("user-1").User("Ada").Provider("local").
		Issuer("turbomcp").Audience("mcp-server").
		Roles("admin").Scopes("mcp:tools").
		Expiry(exp).Build()
	require.NoError(t, err)

	token, err := SignHS256(original, []byte("test-secret"))
	require.NoError(t, err)

	decoded, err := ParseHS256(token, []byte("test-secret"))
	require.NoError(t, err)
	assert.Equal(t, original.Subject, decoded.Subject)
	assert.Equal(t, original.User, decoded.User)
	assert.Equal(t, original.Roles, decoded.Roles)
	assert.Equal(t, original.Scopes, decoded.Scopes)
	assert.WithinDuration(t, exp, *decoded.Expiry, time.Second)
}

func TestJWT_WrongSecretFails(t *testing.T) {
	ctx, err := NewBuilder().Subject("s").User("u").Provider("p").Build()
	require.NoError(t, err)
	token, err := SignHS256(ctx, []byte("secret-a"))
	require.NoError(t, err)

	_, err = ParseHS256(token, []byte("secret-b"))
	assert.Error(t, err)
}

func TestPKCE_VerifySucceedsAndFails(t *testing.T) {
	verifier, err := GenerateCodeVerifier()
	require.NoError(t, err)
	challenge := ChallengeS256(verifier)

	assert.NoError(t, VerifyPKCE(verifier, challenge))
	assert.ErrorIs(t, VerifyPKCE("wrong-verifier", challenge), ErrPKCEMismatch)
}

func TestAuthorizationRequestParams_IncludesResourceAndPKCE(t *testing.T) {
	v := AuthorizationRequestParams("client-1", "https://app/callback", "https://mcp.example/", "chal123", "state123", []string{"mcp:tools", "mcp:resources"})
	assert.Equal(t, "https://mcp.example/", v.Get("resource"))
	assert.Equal(t, "S256", v.Get("code_challenge_method"))
	assert.Equal(t, "mcp:tools mcp:resources", v.Get("scope"))
}

func TestContextRoundTripsThroughContext(t *testing.T) {
	ac, err := NewBuilder().Subject("s").User("u").Provider("p").Build()
	require.NoError(t, err)

	ctx := WithContext(context.Background(), ac)
	got := FromContext(ctx)
	assert.Same(t, ac, got)
}
