package presence

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.civic.realtime/internal/model"
	"sudooom.civic.realtime/internal/protocol"
	"sudooom.civic.realtime/internal/timewheel"
)

type sent struct {
	room   string
	event  string
	except string
	data   protocol.TypingData
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recorder) BroadcastToRoom(roomID string, ev protocol.ServerEvent, exceptUserID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, _ := ev.Data.(protocol.TypingData)
	r.sent = append(r.sent, sent{room: roomID, event: ev.Event, except: exceptUserID, data: data})
	return 1
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, s := range r.sent {
		out[i] = s.event
	}
	return out
}

func (r *recorder) last() sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[len(r.sent)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// a 100ms wheel driven by hand: 30 ticks make up the 3s ttl
func newTestTracker() (*Tracker, *timewheel.TimeWheel, *recorder) {
	wheel := timewheel.New(100*time.Millisecond, 16, testLogger())
	rec := &recorder{}
	return NewTracker(wheel, rec, 3*time.Second, testLogger()), wheel, rec
}

func runDue(wheel *timewheel.TimeWheel, ticks int) {
	for i := 0; i < ticks; i++ {
		for _, task := range wheel.Tick() {
			task.Fn()
		}
	}
}

func TestTracker_AutoExpiry(t *testing.T) {
	tracker, wheel, rec := newTestTracker()
	tracker.Start("c1", model.User{ID: "u2", DisplayName: "Bo"})

	require.Equal(t, []string{protocol.EventUserTyping}, rec.events())
	first := rec.last()
	assert.Equal(t, "u2", first.except, "typer does not receive its own event")
	assert.Equal(t, "Bo", first.data.Username)

	runDue(wheel, 29)
	assert.Len(t, rec.events(), 1, "nothing before the ttl")

	runDue(wheel, 1)
	assert.Equal(t, []string{protocol.EventUserTyping, protocol.EventUserStoppedTyping}, rec.events())
	stop := rec.last()
	assert.Equal(t, "u2", stop.data.UserID)
	assert.Equal(t, "c1", stop.room)
	assert.False(t, tracker.IsTyping("c1", "u2"))
}

func TestTracker_StopPreventsExpiry(t *testing.T) {
	tracker, wheel, rec := newTestTracker()
	tracker.Start("c1", model.User{ID: "u2"})
	runDue(wheel, 10)

	tracker.Stop("c1", "u2")
	assert.Equal(t, []string{protocol.EventUserTyping, protocol.EventUserStoppedTyping}, rec.events())

	runDue(wheel, 60)
	assert.Len(t, rec.events(), 2, "no second stop after explicit stop")
}

func TestTracker_RestartDebounces(t *testing.T) {
	tracker, wheel, rec := newTestTracker()
	user := model.User{ID: "u2"}

	tracker.Start("c1", user)
	runDue(wheel, 20)
	tracker.Start("c1", user)
	runDue(wheel, 20)
	assert.Equal(t, []string{protocol.EventUserTyping, protocol.EventUserTyping}, rec.events())

	runDue(wheel, 10)
	assert.Equal(t, protocol.EventUserStoppedTyping, rec.last().event)
	assert.Len(t, rec.events(), 3, "one expiry for the re-armed state")
}

func TestTracker_PairsAreIndependent(t *testing.T) {
	tracker, wheel, rec := newTestTracker()
	tracker.Start("c1", model.User{ID: "u1"})
	tracker.Start("c2", model.User{ID: "u1"})
	tracker.Stop("c1", "u1")

	assert.True(t, tracker.IsTyping("c2", "u1"))
	runDue(wheel, 30)
	assert.Equal(t, "c2", rec.last().room)
}

func TestTracker_StopIfTyping(t *testing.T) {
	tracker, _, rec := newTestTracker()
	assert.False(t, tracker.StopIfTyping("c1", "u1"))
	assert.Empty(t, rec.events())

	tracker.Start("c1", model.User{ID: "u1"})
	assert.True(t, tracker.StopIfTyping("c1", "u1"))
	assert.Equal(t, protocol.EventUserStoppedTyping, rec.last().event)
}

func TestTracker_RealClockExpiry(t *testing.T) {
	wheel := timewheel.New(10*time.Millisecond, 32, testLogger())
	rec := &recorder{}
	tracker := NewTracker(wheel, rec, 100*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go wheel.Run(ctx, nil)

	start := time.Now()
	tracker.Start("c1", model.User{ID: "u2"})
	require.Eventually(t, func() bool { return len(rec.events()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
