package dpop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_StoreAndGetRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	m := NewManager(s, time.Hour)
	k, err := m.GenerateKeyPair(ctx, AlgorithmES256, "client-1", "session-1")
	require.NoError(t, err)

	got, found, err := s.Get(ctx, k.KeyID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, k.Thumbprint, got.Thumbprint)
	assert.NotNil(t, got.ECPrivateKey)
	assert.Equal(t, "client-1", got.ClientID)
}

func TestSQLiteStore_RSARoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	m := NewManager(s, time.Hour)
	k, err := m.GenerateKeyPair(ctx, AlgorithmRS256, "c", "s")
	require.NoError(t, err)

	got, found, err := s.Get(ctx, k.KeyID)
	require.NoError(t, err)
	require.True(t, found)
	assert.NotNil(t, got.RSAPrivateKey)
}

func TestSQLiteStore_DeleteAndList(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	m := NewManager(s, time.Hour)

	k1, err := m.GenerateKeyPair(ctx, AlgorithmES256, "c1", "")
	require.NoError(t, err)
	_, err = m.GenerateKeyPair(ctx, AlgorithmES256, "c2", "")
	require.NoError(t, err)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, k1.KeyID))
	all, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLiteStore_HealthCheck(t *testing.T) {
	s := newTestSQLiteStore(t)
	assert.NoError(t, s.HealthCheck(context.Background()))
}
