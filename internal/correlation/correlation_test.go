package correlation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_RegisterResolveRoundTrip(t *testing.T) {
	m := New(4, nil)
	ch, err := m.Register("corr-1")
	require.NoError(t, err)

	require.NoError(t, m.Resolve("corr-1", []byte(`{"ok":true}`)))

	select {
	case payload := <-ch:
		assert.Equal(t, `{"ok":true}`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for payload")
	}
}

func TestMap_ResolveUnknownIDDropsWithError(t *testing.T) {
	m := New(4, nil)
	err := m.Resolve("ghost", []byte("{}"))
	assert.ErrorIs(t, err, ErrUnknownCorrelationID)
}

func TestMap_RegisterDuplicateFails(t *testing.T) {
	m := New(4, nil)
	_, err := m.Register("dup")
	require.NoError(t, err)
	_, err = m.Register("dup")
	assert.ErrorIs(t, err, ErrAlreadyPending)
}

func TestMap_AwaitTimesOut(t *testing.T) {
	m := New(4, nil)
	_, err := m.Await(context.Background(), "slow", 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, m.Pending())
}

func TestMap_AwaitContextCancelled(t *testing.T) {
	m := New(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Await(ctx, "cancelled", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMap_AwaitResolves(t *testing.T) {
	m := New(4, nil)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		_ = m.Resolve("fast", []byte("payload"))
	}()
	payload, err := m.Await(context.Background(), "fast", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(payload))
	wg.Wait()
}

func TestMap_ForgetIdempotent(t *testing.T) {
	m := New(4, nil)
	_, err := m.Register("x")
	require.NoError(t, err)
	m.Forget("x")
	m.Forget("x")
	assert.Equal(t, 0, m.Pending())
}
