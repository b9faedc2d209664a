package limits

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	l := New(2, 0)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))
	require.NoError(t, l.Acquire(ctx))
	assert.Equal(t, 2, l.Active())

	l.Release()
	l.Release()
	assert.Equal(t, 0, l.Active())
}

func TestReleaseWithoutAcquireIsNoop(t *testing.T) {
	l := New(1, 0)

	l.Release()
	l.Release()
	assert.Equal(t, 0, l.Active())

	// The slot is still usable afterwards.
	require.NoError(t, l.Acquire(context.Background()))
	assert.Equal(t, 1, l.Active())
}

func TestAcquireBlocksAtCapacity(t *testing.T) {
	l := New(1, 0)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, l.Active())
}

func TestCancelledAcquireReturnsSlot(t *testing.T) {
	l := New(1, 200*time.Millisecond)
	ctx := context.Background()

	// First acquire consumes the single burst token.
	require.NoError(t, l.Acquire(ctx))
	l.Release()

	// Second acquire gets a slot but is cancelled waiting on the interval;
	// the slot must be returned.
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err := l.Acquire(short)
	require.Error(t, err)
	assert.Equal(t, 0, l.Active())
}

func TestMinIntervalSpacing(t *testing.T) {
	l := New(5, 50*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx))
		l.Release()
	}
	// Burst of 1, so the second and third acquires each wait ~50ms.
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestCapacity(t *testing.T) {
	assert.Equal(t, 5, New(5, 0).Capacity())
	// Invalid capacity is clamped.
	assert.Equal(t, 1, New(0, 0).Capacity())
}
