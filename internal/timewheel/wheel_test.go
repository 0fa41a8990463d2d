package timewheel

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWheel(tick time.Duration, slots int) *TimeWheel {
	return New(tick, slots, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func tickN(tw *TimeWheel, n int) []*Task {
	var due []*Task
	for i := 0; i < n; i++ {
		due = append(due, tw.Tick()...)
	}
	return due
}

func TestTimeWheel_FiresAfterDelay(t *testing.T) {
	tw := newTestWheel(100*time.Millisecond, 8)
	tw.AddTask("a", 300*time.Millisecond, nil)

	assert.Empty(t, tickN(tw, 2))
	due := tw.Tick()
	require.Len(t, due, 1)
	assert.Equal(t, "a", due[0].ID)
	assert.False(t, tw.Has("a"))
}

func TestTimeWheel_RoundsBeyondOneRevolution(t *testing.T) {
	tw := newTestWheel(100*time.Millisecond, 4)
	// 10 ticks on a 4 slot wheel: two full turns plus two slots
	tw.AddTask("long", time.Second, nil)

	assert.Empty(t, tickN(tw, 9))
	assert.True(t, tw.Has("long"))
	require.Len(t, tw.Tick(), 1)
	assert.Equal(t, 0, tw.Len())
}

func TestTimeWheel_RescheduleReplaces(t *testing.T) {
	tw := newTestWheel(100*time.Millisecond, 16)
	tw.AddTask("k", 200*time.Millisecond, nil)
	tw.Tick()
	tw.AddTask("k", 300*time.Millisecond, nil)

	assert.Equal(t, 1, tw.Len())
	assert.Empty(t, tickN(tw, 2), "old schedule must not fire")
	require.Len(t, tw.Tick(), 1)
}

func TestTimeWheel_RemoveTask(t *testing.T) {
	tw := newTestWheel(100*time.Millisecond, 8)
	tw.AddTask("a", 100*time.Millisecond, nil)

	assert.True(t, tw.RemoveTask("a"))
	assert.False(t, tw.RemoveTask("a"))
	assert.Empty(t, tickN(tw, 8))
}

func TestTimeWheel_SubTickDelayRoundsUp(t *testing.T) {
	tw := newTestWheel(100*time.Millisecond, 8)
	tw.AddTask("now", 0, nil)
	require.Len(t, tw.Tick(), 1)
}

func TestTimeWheel_Run(t *testing.T) {
	tw := newTestWheel(5*time.Millisecond, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fired atomic.Int32
	tw.AddTask("a", 10*time.Millisecond, func() { fired.Add(1) })
	tw.AddTask("b", 10*time.Millisecond, func() { panic("boom") })
	go tw.Run(ctx, nil)

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, tw.Len())
}
