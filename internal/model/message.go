package model

import "time"

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// Message is a persisted chat message. ID and CreatedAt are assigned by the store.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"messageType"`
	CreatedAt      time.Time   `json:"createdAt"`
	DeletedAt      *time.Time  `json:"deletedAt,omitempty"`
}

// NewMessage is a message accepted for persistence but not yet stored.
type NewMessage struct {
	ConversationID string
	SenderID       string
	Content        string
	MessageType    MessageType
}
