package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle_HappyPath(t *testing.T) {
	l := New(nil)
	assert.Equal(t, StateConfigured, l.State())

	require.NoError(t, l.Start(context.Background(), func(ctx context.Context) error { return nil }))
	assert.Equal(t, StateRunning, l.State())

	require.NoError(t, l.Drain(time.Second))
	assert.Equal(t, StateStopped, l.State())
}

func TestLifecycle_StartFailureRevertsToStopped(t *testing.T) {
	l := New(nil)
	err := l.Start(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	require.Error(t, err)
	assert.Equal(t, StateStopped, l.State())
}

func TestLifecycle_InvalidTransitionRejected(t *testing.T) {
	l := New(nil)
	err := l.Drain(time.Second)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestLifecycle_DrainWaitsForInFlight(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Start(context.Background(), func(ctx context.Context) error { return nil }))

	done, _ := l.BeginRequest()
	finished := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		done()
		close(finished)
	}()

	start := time.Now()
	require.NoError(t, l.Drain(time.Second))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	<-finished
}

func TestLifecycle_DrainRespectsDeadline(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Start(context.Background(), func(ctx context.Context) error { return nil }))

	done, _ := l.BeginRequest()
	defer done()

	start := time.Now()
	require.NoError(t, l.Drain(15*time.Millisecond))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, StateStopped, l.State())
}

func TestShutdownHandle_WakesOnDrain(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Start(context.Background(), func(ctx context.Context) error { return nil }))

	handle := l.Handle()
	woke := make(chan struct{})
	go func() {
		_ = handle.Wait(context.Background())
		close(woke)
	}()

	select {
	case <-woke:
		t.Fatal("handle woke before drain began")
	case <-time.After(10 * time.Millisecond):
	}

	go l.Drain(time.Second)
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("handle never woke after drain began")
	}
}
