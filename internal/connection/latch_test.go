package connection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatchSetClear(t *testing.T) {
	l := newLatch(false)
	require.False(t, l.IsSet())

	done := l.Done()
	l.Set()
	l.Set()
	select {
	case <-done:
	default:
		t.Fatal("expected channel captured before Set to be closed")
	}

	l.Clear()
	require.False(t, l.IsSet())
	select {
	case <-l.Done():
		t.Fatal("expected fresh channel after Clear")
	default:
	}
}

func TestLatchWaitHonoursContext(t *testing.T) {
	l := newLatch(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)

	require.NoError(t, newLatch(true).Wait(context.Background()))
}

func TestSessionCloseIdempotent(t *testing.T) {
	s := NewSession(nil)
	require.False(t, s.Closed())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.True(t, s.Closed())
	select {
	case <-s.Done():
	default:
		t.Fatal("expected done channel to be closed")
	}
}
