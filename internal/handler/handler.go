package handler

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"sudooom.civic.realtime/internal/chat"
	"sudooom.civic.realtime/internal/connection"
	appErrors "sudooom.civic.realtime/internal/errors"
	"sudooom.civic.realtime/internal/identity"
	"sudooom.civic.realtime/internal/model"
	"sudooom.civic.realtime/internal/protocol"
	"sudooom.civic.realtime/internal/ratelimit"
)

type Resolver interface {
	Resolve(ctx context.Context, cred identity.Credential) (*model.User, error)
}

type ChatEngine interface {
	Submit(ctx context.Context, req chat.SubmitRequest, mode chat.Mode) (chat.Result, error)
	SubmitBatch(ctx context.Context, conversationID, senderID string, items []protocol.BatchItem) (chat.Result, error)
	DeleteMessage(ctx context.Context, conversationID, messageID, requesterID string) error
}

type Presence interface {
	Start(roomID string, user model.User)
	Stop(roomID, userID string)
	StopIfTyping(roomID, userID string) bool
}

type Limiter interface {
	CheckN(ctx context.Context, identity string, class ratelimit.Class, n int) bool
}

// Membership answers whether a user may join a conversation room.
type Membership interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// Locations records which node and session own a user across the cluster.
type Locations interface {
	RegisterUserLocation(ctx context.Context, userID, sessionID string) error
	UnregisterUserLocation(ctx context.Context, userID, sessionID string) (bool, error)
	RefreshUserLocation(ctx context.Context, userID string) error
}

// Announcer tells other nodes that a user's primary session moved here.
type Announcer interface {
	AnnouncePrimary(userID string, boundAt time.Time)
}

// Deps are the components a Handler drives. Membership, Locations and
// Announcer are optional.
type Deps struct {
	Manager    *connection.Manager
	Resolver   Resolver
	Chat       ChatEngine
	Presence   Presence
	Limiter    Limiter
	Membership Membership
	Locations  Locations
	Announcer  Announcer
}

type Config struct {
	AuthTimeout  time.Duration
	StoreTimeout time.Duration
}

// Handler turns decoded client events into calls on the realtime components.
// Dispatch runs on the session's read goroutine, so events of one session are
// handled in the order they arrived.
type Handler struct {
	deps   Deps
	config Config
	logger *slog.Logger
}

func NewHandler(deps Deps, config Config, logger *slog.Logger) *Handler {
	if config.AuthTimeout <= 0 {
		config.AuthTimeout = 5 * time.Second
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 5 * time.Second
	}
	return &Handler{
		deps:   deps,
		config: config,
		logger: logger.With("component", "handler"),
	}
}

// Dispatch decodes and handles one inbound frame. A panic in any handler is
// logged and reported to the client; the session stays open.
func (h *Handler) Dispatch(ctx context.Context, conn *connection.Connection, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Handler panicked",
				"session_id", conn.ID(),
				"user_id", conn.UserID(),
				"panic", r,
				"stack", string(debug.Stack()))
			_ = conn.Send(protocol.Error(appErrors.WireCode(appErrors.ErrInternal), appErrors.ErrInternal.Message))
		}
	}()

	in, err := protocol.Decode(raw)
	if err != nil {
		h.logger.Debug("Rejected client frame", "session_id", conn.ID(), "error", err)
		h.sendError(conn, in.Ref, err)
		return
	}

	switch ev := in.Event.(type) {
	case protocol.Authenticate:
		h.handleAuthenticate(ctx, conn, ev)
	case protocol.JoinConversation:
		h.handleJoin(ctx, conn, in.Ref, ev)
	case protocol.LeaveConversation:
		h.handleLeave(conn, ev)
	case protocol.SendMessage:
		h.handleSendMessage(ctx, conn, in.Ref, ev)
	case protocol.SendMessageBatch:
		h.handleSendMessageBatch(ctx, conn, in.Ref, ev)
	case protocol.DeleteMessage:
		h.handleDeleteMessage(ctx, conn, in.Ref, ev)
	case protocol.TypingStart:
		h.handleTypingStart(conn, ev)
	case protocol.TypingStop:
		h.handleTypingStop(conn, ev)
	case protocol.Ping:
		pong := protocol.Pong()
		pong.Ref = in.Ref
		_ = conn.Send(pong)
	}
}

func (h *Handler) sendError(conn *connection.Connection, ref string, err error) {
	ev := protocol.Error(appErrors.WireCode(err), appErrors.GetMessage(err))
	ev.Ref = ref
	_ = conn.Send(ev)
}

func (h *Handler) sendMessageError(conn *connection.Connection, ref string, err error) {
	_ = conn.Send(protocol.MessageError(ref, appErrors.WireCode(err), appErrors.GetMessage(err)))
}

// logFailure logs err at a level that fits its class.
func (h *Handler) logFailure(msg string, conn *connection.Connection, err error, attrs ...any) {
	attrs = append(attrs, "session_id", conn.ID(), "user_id", conn.UserID(), "error", err)
	switch appErrors.GetCode(err) {
	case appErrors.CodePersistence, appErrors.CodeInternal:
		h.logger.Error(msg, attrs...)
	case appErrors.CodeValidation:
		h.logger.Debug(msg, attrs...)
	default:
		h.logger.Warn(msg, attrs...)
	}
}
