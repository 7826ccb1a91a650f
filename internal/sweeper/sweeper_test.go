package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCycleRunsImmediatelyAndOnTrigger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	cycle := NewCycle(time.Hour)
	done := make(chan error, 1)
	go func() {
		done <- cycle.Run(ctx, func(context.Context) error {
			calls.Add(1)
			return nil
		})
	}()

	require.True(t, cycle.TriggerWait())
	assert.Equal(t, int32(2), calls.Load())
	require.True(t, cycle.TriggerWait())
	assert.Equal(t, int32(3), calls.Load())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, cycle.TriggerWait())
}

func TestCycleStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	cycle := NewCycle(time.Millisecond)
	var calls atomic.Int32
	err := cycle.Run(context.Background(), func(context.Context) error {
		if calls.Add(1) == 3 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSweeperSurvivesFailingJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var gc, cleanup atomic.Int32
	s := New(zap.NewNop(),
		Job{Name: "gc-uploads", Interval: time.Hour, Run: func(context.Context) error {
			gc.Add(1)
			return errors.New("object store unavailable")
		}},
		Job{Name: "cleanup-submissions", Interval: time.Hour, Run: func(context.Context) error {
			cleanup.Add(1)
			return nil
		}},
	)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.TriggerWait("gc-uploads") }, time.Second, time.Millisecond)
	require.True(t, s.TriggerWait("gc-uploads"))
	require.True(t, s.TriggerWait("cleanup-submissions"))
	assert.GreaterOrEqual(t, gc.Load(), int32(3))
	assert.GreaterOrEqual(t, cleanup.Load(), int32(2))
	assert.False(t, s.TriggerWait("unknown"))

	cancel()
	assert.NoError(t, <-done)
}
