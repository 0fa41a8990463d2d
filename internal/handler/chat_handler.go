package handler

import (
	"context"

	"sudooom.civic.realtime/internal/chat"
	"sudooom.civic.realtime/internal/connection"
	appErrors "sudooom.civic.realtime/internal/errors"
	"sudooom.civic.realtime/internal/protocol"
	"sudooom.civic.realtime/internal/ratelimit"
)

func (h *Handler) handleSendMessage(ctx context.Context, conn *connection.Connection, ref string, ev protocol.SendMessage) {
	if !conn.IsAuthenticated() {
		h.sendMessageError(conn, ref, appErrors.ErrUnauthorized)
		return
	}
	if ev.SenderID != conn.UserID() {
		h.logger.Warn("Sender mismatch",
			"session_id", conn.ID(),
			"user_id", conn.UserID(),
			"sender_id", ev.SenderID)
		h.sendMessageError(conn, ref, appErrors.ErrSenderMismatch)
		return
	}
	if !h.deps.Limiter.CheckN(ctx, conn.UserID(), ratelimit.ClassMessage, 1) {
		h.sendMessageError(conn, ref, appErrors.ErrRateLimited)
		return
	}

	res, err := h.deps.Chat.Submit(ctx, chat.SubmitRequest{
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		Content:        ev.Content,
		MessageType:    ev.MessageType,
	}, chat.ParseMode(ev.Mode))
	if err != nil {
		h.logFailure("Send message failed", conn, err, "conversation_id", ev.ConversationID)
		h.sendMessageError(conn, ref, err)
		return
	}

	_ = conn.Send(protocol.MessageAck(ref, res.Message, res.Queued))
}

// handleSendMessageBatch queues several messages at once. Each one counts
// against the sender's message budget; a rejected batch counts nothing.
func (h *Handler) handleSendMessageBatch(ctx context.Context, conn *connection.Connection, ref string, ev protocol.SendMessageBatch) {
	if !conn.IsAuthenticated() {
		h.sendMessageError(conn, ref, appErrors.ErrUnauthorized)
		return
	}

	userID := conn.UserID()
	for _, item := range ev.Messages {
		if item.SenderID != "" && item.SenderID != userID {
			h.sendMessageError(conn, ref, appErrors.ErrSenderMismatch)
			return
		}
	}
	if !h.deps.Limiter.CheckN(ctx, userID, ratelimit.ClassMessage, len(ev.Messages)) {
		h.sendMessageError(conn, ref, appErrors.ErrRateLimited)
		return
	}

	res, err := h.deps.Chat.SubmitBatch(ctx, ev.ConversationID, userID, ev.Messages)
	if err != nil {
		h.logFailure("Send message batch failed", conn, err,
			"conversation_id", ev.ConversationID,
			"count", len(ev.Messages))
		h.sendMessageError(conn, ref, err)
		return
	}

	_ = conn.Send(protocol.MessageAck(ref, nil, res.Queued))
}

func (h *Handler) handleDeleteMessage(ctx context.Context, conn *connection.Connection, ref string, ev protocol.DeleteMessage) {
	if !conn.IsAuthenticated() {
		h.sendMessageError(conn, ref, appErrors.ErrUnauthorized)
		return
	}

	if err := h.deps.Chat.DeleteMessage(ctx, ev.ConversationID, ev.MessageID, conn.UserID()); err != nil {
		h.logFailure("Delete message failed", conn, err,
			"conversation_id", ev.ConversationID,
			"message_id", ev.MessageID)
		h.sendMessageError(conn, ref, err)
		return
	}

	_ = conn.Send(protocol.MessageAck(ref, nil, 0))
}
