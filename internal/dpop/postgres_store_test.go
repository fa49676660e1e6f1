package dpop

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// postgresTestDSN skips the test unless a real database is configured,
// matching scrypster-memento/internal/storage/postgres/memory_store_test.go's
// opt-in integration test pattern.
func postgresTestDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("DPOP_POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("DPOP_POSTGRES_TEST_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	s, err := NewPostgresStore(postgresTestDSN(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresStore_StoreAndGetRoundTrip(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	m := NewManager(s, time.Hour)
	k, err := m.GenerateKeyPair(ctx, AlgorithmES256, "client-1", "session-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Delete(context.Background(), k.KeyID) })

	got, found, err := s.Get(ctx, k.KeyID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, k.Thumbprint, got.Thumbprint)
}

func TestPostgresStore_HealthCheck(t *testing.T) {
	s := newTestPostgresStore(t)
	assert.NoError(t, s.HealthCheck(context.Background()))
}
