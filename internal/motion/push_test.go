package motion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fallguard/internal/detector"
)

func TestPushSource_DeliversInOrderWhileRunning(t *testing.T) {
	p := NewPushSource(4, true)
	require.ErrorIs(t, p.Push(detector.Sample{}), ErrNotAttached)
	require.True(t, UsesLogicalTime(p))

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan detector.Sample, 8)
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, func(s detector.Sample) { got <- s }) }()

	require.Eventually(t, func() bool { return p.Push(detector.Sample{TimestampMs: 1}) == nil }, time.Second, time.Millisecond)
	require.NoError(t, p.Push(detector.Sample{TimestampMs: 2}))

	require.Equal(t, int64(1), (<-got).TimestampMs)
	require.Equal(t, int64(2), (<-got).TimestampMs)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.ErrorIs(t, p.Push(detector.Sample{}), ErrNotAttached)
}

func TestPushSource_QueueFull(t *testing.T) {
	p := NewPushSource(1, false)
	require.False(t, UsesLogicalTime(p))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	block := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx, func(detector.Sample) { <-block })
	}()

	require.Eventually(t, func() bool { return p.Push(detector.Sample{}) == nil }, time.Second, time.Millisecond)
	// The first sample may be held by emit; keep pushing until the queue fills.
	require.Eventually(t, func() bool { return p.Push(detector.Sample{}) == ErrQueueFull }, time.Second, time.Millisecond)
	close(block)
	cancel()
	<-done
}
