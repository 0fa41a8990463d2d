package protocol

import (
	"time"

	"sudooom.civic.realtime/internal/model"
)

// Server event names.
const (
	EventConnected         = "connected"
	EventAuthenticated     = "authenticated"
	EventAuthError         = "auth_error"
	EventNewMessage        = "new_message"
	EventNewMessagesBatch  = "new_messages_batch"
	EventMessageDeleted    = "message_deleted"
	EventMessageError      = "message_error"
	EventMessageAck        = "message_ack"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventNotification      = "notification"
	EventError             = "error"
	EventPong              = "pong"
)

// ServerEvent is an outbound envelope. Data is marshalled as-is.
type ServerEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	Ref   string `json:"ref,omitempty"`
}

type ConnectedData struct {
	SessionID string `json:"sessionId"`
}

type AuthenticatedData struct {
	User model.User `json:"user"`
}

type MessageText struct {
	Message string `json:"message"`
}

type BatchData struct {
	ConversationID string          `json:"conversationId"`
	Messages       []model.Message `json:"messages"`
}

type MessageDeletedData struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type AckData struct {
	Message *model.Message `json:"message,omitempty"`
	Queued  int            `json:"queued,omitempty"`
}

type TypingData struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Username       string `json:"username,omitempty"`
}

type NotificationData struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Link      string    `json:"link,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func Connected(sessionID string) ServerEvent {
	return ServerEvent{Event: EventConnected, Data: ConnectedData{SessionID: sessionID}}
}

func Authenticated(user model.User) ServerEvent {
	return ServerEvent{Event: EventAuthenticated, Data: AuthenticatedData{User: user}}
}

func AuthError(message string) ServerEvent {
	return ServerEvent{Event: EventAuthError, Data: MessageText{Message: message}}
}

func NewMessage(msg model.Message) ServerEvent {
	return ServerEvent{Event: EventNewMessage, Data: msg}
}

func NewMessagesBatch(conversationID string, msgs []model.Message) ServerEvent {
	return ServerEvent{Event: EventNewMessagesBatch, Data: BatchData{ConversationID: conversationID, Messages: msgs}}
}

func MessageDeleted(conversationID, messageID string) ServerEvent {
	return ServerEvent{Event: EventMessageDeleted, Data: MessageDeletedData{MessageID: messageID, ConversationID: conversationID}}
}

func MessageError(ref, code, message string) ServerEvent {
	return ServerEvent{Event: EventMessageError, Ref: ref, Data: ErrorData{Code: code, Message: message}}
}

func MessageAck(ref string, msg *model.Message, queued int) ServerEvent {
	return ServerEvent{Event: EventMessageAck, Ref: ref, Data: AckData{Message: msg, Queued: queued}}
}

func UserTyping(conversationID string, user model.User) ServerEvent {
	return ServerEvent{Event: EventUserTyping, Data: TypingData{
		ConversationID: conversationID,
		UserID:         user.ID,
		Username:       user.DisplayName,
	}}
}

func UserStoppedTyping(conversationID, userID string) ServerEvent {
	return ServerEvent{Event: EventUserStoppedTyping, Data: TypingData{ConversationID: conversationID, UserID: userID}}
}

func Notification(n model.NotificationEvent) ServerEvent {
	return ServerEvent{Event: EventNotification, Data: NotificationData{
		ID:        n.ID,
		Title:     n.Title,
		Body:      n.Body,
		Link:      n.Link,
		CreatedAt: n.CreatedAt,
	}}
}

func Error(code, message string) ServerEvent {
	return ServerEvent{Event: EventError, Data: ErrorData{Code: code, Message: message}}
}

func Pong() ServerEvent {
	return ServerEvent{Event: EventPong}
}
