package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFOReadReady(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()

	s1 := q.Enqueue()
	s2 := q.Enqueue()
	s3 := q.Enqueue()

	// s1 is head: its read_ready fires immediately.
	require.NoError(t, s1.WaitReadReady(ctx))

	// s2 and s3 are not ready yet.
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, s2.WaitReadReady(shortCtx))

	idle := q.CompleteHead(nil)
	assert.False(t, idle)
	require.NoError(t, s2.WaitReadReady(ctx))
	assert.True(t, s1.IsDone())

	idle = q.CompleteHead(nil)
	assert.False(t, idle)
	require.NoError(t, s3.WaitReadReady(ctx))

	idle = q.CompleteHead(nil)
	assert.True(t, idle)
}

func TestQueueBreakPropagatesToAllPending(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()

	slots := []*Slot{q.Enqueue(), q.Enqueue(), q.Enqueue()}
	boom := assert.AnError
	q.Break(boom)

	for _, s := range slots {
		err := s.WaitCompletion(ctx)
		assert.Equal(t, boom, err)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueWriteLockSingleHolder(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()

	require.NoError(t, q.AcquireWrite(ctx))

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, q.AcquireWrite(shortCtx))

	q.ReleaseWrite()
	require.NoError(t, q.AcquireWrite(ctx))
	q.ReleaseWrite()
}
