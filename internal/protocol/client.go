package protocol

// Client event names.
const (
	EventAuthenticate      = "authenticate"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventSendMessageBatch  = "send_message_batch"
	EventDeleteMessage     = "delete_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventPing              = "ping"
)

// Delivery modes accepted by send_message.
const (
	ModeImmediate = "immediate"
	ModeBatched   = "batched"
)

// ClientEvent is the closed set of events a client may send. Only the types in
// this file implement it.
type ClientEvent interface {
	EventName() string
	clientEvent()
}

type Authenticate struct {
	UserID string `json:"userId" validate:"required,max=128"`
	Token  string `json:"token,omitempty"`
}

type JoinConversation struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
}

type LeaveConversation struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
}

type SendMessage struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
	SenderID       string `json:"senderId" validate:"required,max=128"`
	Content        string `json:"content" validate:"required"`
	MessageType    string `json:"messageType,omitempty" validate:"omitempty,oneof=text image file system"`
	Mode           string `json:"mode,omitempty" validate:"omitempty,oneof=immediate batched"`
}

type BatchItem struct {
	SenderID    string `json:"senderId,omitempty" validate:"max=128"`
	Content     string `json:"content" validate:"required"`
	MessageType string `json:"messageType,omitempty" validate:"omitempty,oneof=text image file system"`
}

type SendMessageBatch struct {
	ConversationID string      `json:"conversationId" validate:"required,max=128"`
	Messages       []BatchItem `json:"messages" validate:"required,min=1,max=100,dive"`
}

type DeleteMessage struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
	MessageID      string `json:"messageId" validate:"required,max=128"`
}

type TypingStart struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
}

type TypingStop struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
}

type Ping struct{}

func (Authenticate) EventName() string      { return EventAuthenticate }
func (JoinConversation) EventName() string  { return EventJoinConversation }
func (LeaveConversation) EventName() string { return EventLeaveConversation }
func (SendMessage) EventName() string       { return EventSendMessage }
func (SendMessageBatch) EventName() string  { return EventSendMessageBatch }
func (DeleteMessage) EventName() string     { return EventDeleteMessage }
func (TypingStart) EventName() string       { return EventTypingStart }
func (TypingStop) EventName() string        { return EventTypingStop }
func (Ping) EventName() string              { return EventPing }

func (Authenticate) clientEvent()      {}
func (JoinConversation) clientEvent()  {}
func (LeaveConversation) clientEvent() {}
func (SendMessage) clientEvent()       {}
func (SendMessageBatch) clientEvent()  {}
func (DeleteMessage) clientEvent()     {}
func (TypingStart) clientEvent()       {}
func (TypingStop) clientEvent()        {}
func (Ping) clientEvent()              {}
