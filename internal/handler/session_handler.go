package handler

import (
	"context"
	"time"

	"sudooom.civic.realtime/internal/connection"
	appErrors "sudooom.civic.realtime/internal/errors"
	"sudooom.civic.realtime/internal/identity"
	"sudooom.civic.realtime/internal/protocol"
)

// handleAuthenticate resolves the claimed identity and makes this session the
// user's primary. A failed attempt changes nothing.
func (h *Handler) handleAuthenticate(ctx context.Context, conn *connection.Connection, ev protocol.Authenticate) {
	resolveCtx, cancel := context.WithTimeout(ctx, h.config.AuthTimeout)
	defer cancel()

	user, err := h.deps.Resolver.Resolve(resolveCtx, identity.Credential{UserID: ev.UserID, Token: ev.Token})
	if err != nil {
		h.logFailure("Authentication failed", conn, err, "claimed_user_id", ev.UserID)
		_ = conn.Send(protocol.AuthError(appErrors.GetMessage(err)))
		return
	}

	previousUser := conn.UserID()
	if previousUser != "" && previousUser != user.ID {
		h.forgetIdentity(ctx, conn, previousUser)
	}

	prev, err := h.deps.Manager.Bind(conn, *user)
	if err != nil {
		h.logger.Debug("Session closed during authentication", "session_id", conn.ID())
		return
	}
	if prev != nil {
		h.logger.Info("Primary session moved",
			"user_id", user.ID,
			"old_session_id", prev.ID(),
			"new_session_id", conn.ID())
	}

	if h.deps.Locations != nil {
		if err := h.deps.Locations.RegisterUserLocation(ctx, user.ID, conn.ID()); err != nil {
			h.logger.Error("Failed to register user location", "user_id", user.ID, "error", err)
		}
	}
	if h.deps.Announcer != nil {
		h.deps.Announcer.AnnouncePrimary(user.ID, conn.AuthenticatedAt())
	}

	_ = conn.Send(protocol.Authenticated(*user))
	h.logger.Info("User authenticated", "session_id", conn.ID(), "user_id", user.ID)
}

// forgetIdentity drops what the session held as its previous user before it
// is rebound to someone else.
func (h *Handler) forgetIdentity(ctx context.Context, conn *connection.Connection, userID string) {
	for _, roomID := range h.deps.Manager.Rooms(conn.ID()) {
		h.deps.Presence.StopIfTyping(roomID, userID)
		h.deps.Manager.Leave(conn, roomID)
	}
	if h.deps.Locations != nil && h.deps.Manager.IsPrimary(conn) {
		if _, err := h.deps.Locations.UnregisterUserLocation(ctx, userID, conn.ID()); err != nil {
			h.logger.Warn("Failed to unregister user location", "user_id", userID, "error", err)
		}
	}
}

func (h *Handler) handleJoin(ctx context.Context, conn *connection.Connection, ref string, ev protocol.JoinConversation) {
	if !conn.IsAuthenticated() {
		h.logger.Debug("Join ignored, session not authenticated", "session_id", conn.ID())
		return
	}

	if h.deps.Membership != nil {
		storeCtx, cancel := context.WithTimeout(ctx, h.config.StoreTimeout)
		defer cancel()

		ok, err := h.deps.Membership.IsParticipant(storeCtx, ev.ConversationID, conn.UserID())
		if err != nil {
			err = appErrors.ErrPersistence.WithMessage("failed to check membership").Wrap(err)
			h.logFailure("Join failed", conn, err, "conversation_id", ev.ConversationID)
			h.sendError(conn, ref, err)
			return
		}
		if !ok {
			h.sendError(conn, ref, appErrors.ErrNotMember)
			return
		}
	}

	if h.deps.Manager.Join(conn, ev.ConversationID) {
		h.logger.Debug("Joined conversation",
			"session_id", conn.ID(),
			"user_id", conn.UserID(),
			"conversation_id", ev.ConversationID)
	}
}

func (h *Handler) handleLeave(conn *connection.Connection, ev protocol.LeaveConversation) {
	if !conn.IsAuthenticated() {
		return
	}
	if h.deps.Manager.Leave(conn, ev.ConversationID) {
		h.deps.Presence.StopIfTyping(ev.ConversationID, conn.UserID())
	}
}

// Disconnect releases everything a closed session held. Calling it twice for
// the same session is harmless.
func (h *Handler) Disconnect(conn *connection.Connection) {
	removal, ok := h.deps.Manager.Remove(conn.ID())
	if !ok {
		return
	}

	userID := conn.UserID()
	if userID != "" {
		for _, roomID := range removal.Rooms {
			h.deps.Presence.StopIfTyping(roomID, userID)
		}
	}

	if removal.WasPrimary && h.deps.Locations != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := h.deps.Locations.UnregisterUserLocation(ctx, userID, conn.ID()); err != nil {
			h.logger.Warn("Failed to unregister user location", "user_id", userID, "error", err)
		}
	}

	h.logger.Info("Session closed",
		"session_id", conn.ID(),
		"user_id", userID,
		"rooms", len(removal.Rooms),
		"was_primary", removal.WasPrimary)
}

// Refresh extends the location TTL of a live primary session. The heartbeat
// checker calls it for every session that answered its last ping.
func (h *Handler) Refresh(conn *connection.Connection) {
	if h.deps.Locations == nil || !h.deps.Manager.IsPrimary(conn) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.deps.Locations.RefreshUserLocation(ctx, conn.UserID()); err != nil {
		h.logger.Warn("Failed to refresh user location", "user_id", conn.UserID(), "error", err)
	}
}
