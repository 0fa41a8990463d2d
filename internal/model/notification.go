package model

import "time"

// NotificationEvent is a row inserted into the notifications table, delivered
// through the store change feed.
type NotificationEvent struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Link      string    `json:"link,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
)

// DeliveryTarget is one address a notification can be delivered to.
type DeliveryTarget struct {
	Channel         Channel
	Address         string
	LastKnownGoodAt *time.Time
}

// ChannelPrefs holds the per-channel opt-in flags of a user.
type ChannelPrefs struct {
	Push  bool
	Email bool
}

// DefaultChannelPrefs applies when a user never saved preferences.
var DefaultChannelPrefs = ChannelPrefs{Push: true, Email: false}
