package xsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())
	require.False(t, l.WaitTimeout(time.Millisecond))

	l.Trigger()
	require.True(t, l.Test())
	l.Wait() // Must not block.
	require.True(t, l.WaitTimeout(time.Millisecond))

	// Triggering twice is a no-op.
	l.Trigger()
	require.True(t, l.Test())
}

func TestLatchWaitContext(t *testing.T) {
	l := NewLatch()
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	require.ErrorIs(t, l.WaitContext(ctx), context.DeadlineExceeded)

	l.Trigger()
	require.NoError(t, l.WaitContext(context.Background()))
}

func TestLatchConcurrentWaiters(t *testing.T) {
	l := NewLatch()
	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		go func() {
			l.Wait()
			done <- struct{}{}
		}()
	}
	l.Trigger()
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("waiter did not wake after trigger")
		}
	}
}
