package handler

import (
	"sudooom.civic.realtime/internal/connection"
	"sudooom.civic.realtime/internal/protocol"
)

// Typing events from sessions outside the room are dropped.
func (h *Handler) handleTypingStart(conn *connection.Connection, ev protocol.TypingStart) {
	user, ok := conn.User()
	if !ok || !h.deps.Manager.InRoom(ev.ConversationID, user.ID) {
		return
	}
	h.deps.Presence.Start(ev.ConversationID, user)
}

func (h *Handler) handleTypingStop(conn *connection.Connection, ev protocol.TypingStop) {
	if !conn.IsAuthenticated() {
		return
	}
	h.deps.Presence.Stop(ev.ConversationID, conn.UserID())
}
