package dpop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(NewMemStore(), time.Hour)
}

func TestGenerateKeyPair_ES256(t *testing.T) {
	m := newTestManager(t)
	k, err := m.GenerateKeyPair(context.Background(), AlgorithmES256, "client-1", "session-1")
	require.NoError(t, err)
	assert.NotEmpty(t, k.KeyID)
	assert.NotEmpty(t, k.Thumbprint)
	assert.NotNil(t, k.ECPrivateKey)
	assert.Equal(t, "client-1", k.ClientID)
}

func TestGenerateKeyPair_RS256(t *testing.T) {
	m := newTestManager(t)
	k, err := m.GenerateKeyPair(context.Background(), AlgorithmRS256, "client-2", "")
	require.NoError(t, err)
	assert.NotNil(t, k.RSAPrivateKey)
	assert.NotEmpty(t, k.Thumbprint)
}

func TestGenerateKeyPair_UnsupportedAlgorithm(t *testing.T) {
	m := newTestManager(t)
	_, err := m.GenerateKeyPair(context.Background(), Algorithm("HS256"), "c", "s")
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestThumbprint_StableForSameKey(t *testing.T) {
	m := newTestManager(t)
	k, err := m.GenerateKeyPair(context.Background(), AlgorithmES256, "c", "s")
	require.NoError(t, err)
	again, err := thumbprint(k)
	require.NoError(t, err)
	assert.Equal(t, k.Thumbprint, again)
}

func TestGet_CacheHitAvoidsStorage(t *testing.T) {
	m := newTestManager(t)
	k, err := m.GenerateKeyPair(context.Background(), AlgorithmES256, "c", "s")
	require.NoError(t, err)

	got, err := m.Get(context.Background(), k.KeyID)
	require.NoError(t, err)
	assert.Equal(t, k.KeyID, got.KeyID)
}

func TestGet_UnknownKey(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestRotateKeyPair_FourStepProcess(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	original, err := m.GenerateKeyPair(ctx, AlgorithmES256, "client-9", "session-9")
	require.NoError(t, err)

	rotated, err := m.RotateKeyPair(ctx, original.KeyID)
	require.NoError(t, err)

	assert.NotEqual(t, original.KeyID, rotated.KeyID)
	assert.Equal(t, original.Algorithm, rotated.Algorithm)
	assert.Equal(t, original.ClientID, rotated.ClientID)
	assert.Equal(t, original.SessionID, rotated.SessionID)
	assert.Equal(t, original.RotationGeneration+1, rotated.RotationGeneration)

	stillThere, _, err := m.storage.Get(ctx, original.KeyID)
	require.NoError(t, err)
	require.NotNil(t, stillThere)
	assert.True(t, stillThere.Expired(time.Now()))
}

func TestRotateKeyPair_UnknownKey(t *testing.T) {
	m := newTestManager(t)
	_, err := m.RotateKeyPair(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestCleanupExpiredKeys(t *testing.T) {
	m := NewManager(NewMemStore(), time.Hour)
	ctx := context.Background()

	k, err := m.GenerateKeyPair(ctx, AlgorithmES256, "c", "s")
	require.NoError(t, err)

	// Force expiry directly through storage to simulate the passage of time.
	k.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, m.storage.Store(ctx, k))

	n, err := m.CleanupExpiredKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.Get(ctx, k.KeyID)
	assert.ErrorIs(t, err, ErrUnknownKey)
}
