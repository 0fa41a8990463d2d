package presence

import (
	"log/slog"
	"time"

	"sudooom.civic.realtime/internal/model"
	"sudooom.civic.realtime/internal/protocol"
	"sudooom.civic.realtime/internal/timewheel"
)

// Broadcaster delivers an event to the members of a room.
type Broadcaster interface {
	BroadcastToRoom(roomID string, ev protocol.ServerEvent, exceptUserID string) int
}

// Tracker keeps typing state per (room, user). Each state is an entry in the
// timing wheel keyed by the pair; starting again re-arms the same entry and
// the wheel fires the stop broadcast when nobody refreshes it.
type Tracker struct {
	wheel       *timewheel.TimeWheel
	broadcaster Broadcaster
	ttl         time.Duration
	logger      *slog.Logger
}

func NewTracker(wheel *timewheel.TimeWheel, broadcaster Broadcaster, ttl time.Duration, logger *slog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	return &Tracker{
		wheel:       wheel,
		broadcaster: broadcaster,
		ttl:         ttl,
		logger:      logger.With("component", "presence"),
	}
}

func typingKey(roomID, userID string) string {
	return "typing:" + roomID + ":" + userID
}

// Start announces that user is typing in roomID and (re)arms its expiry.
func (t *Tracker) Start(roomID string, user model.User) {
	t.broadcaster.BroadcastToRoom(roomID, protocol.UserTyping(roomID, user), user.ID)

	userID := user.ID
	t.wheel.AddTask(typingKey(roomID, userID), t.ttl, func() {
		t.logger.Debug("Typing state expired", "room_id", roomID, "user_id", userID)
		t.broadcaster.BroadcastToRoom(roomID, protocol.UserStoppedTyping(roomID, userID), userID)
	})
}

// Stop cancels the expiry and announces the stop right away.
func (t *Tracker) Stop(roomID, userID string) {
	t.wheel.RemoveTask(typingKey(roomID, userID))
	t.broadcaster.BroadcastToRoom(roomID, protocol.UserStoppedTyping(roomID, userID), userID)
}

// StopIfTyping is Stop for callers that do not know whether a state exists,
// such as a session leaving a room. Nothing is broadcast without a state.
func (t *Tracker) StopIfTyping(roomID, userID string) bool {
	if !t.wheel.RemoveTask(typingKey(roomID, userID)) {
		return false
	}
	t.broadcaster.BroadcastToRoom(roomID, protocol.UserStoppedTyping(roomID, userID), userID)
	return true
}

// IsTyping reports whether a typing state for the pair is pending.
func (t *Tracker) IsTyping(roomID, userID string) bool {
	return t.wheel.Has(typingKey(roomID, userID))
}
