package types

import (
	"time"
)

// ChatKind distinguishes named group chats from two-person private chats.
type ChatKind string

const (
	ChatKindGroup   ChatKind = "group"
	ChatKindPrivate ChatKind = "private"
)

// MessageKind tags a message with the channel it was posted through.
type MessageKind string

const (
	MessageKindGroup   MessageKind = "group"
	MessageKindPrivate MessageKind = "private"
	MessageKindSystem  MessageKind = "system"
)

// SystemAuthor is the author recorded on membership notifications.
const SystemAuthor = "System"

// Session binds one live connection to a unique display name.
// Sessions are never mutated after registration; a disconnect removes them outright.
type Session struct {
	ConnectionID string    `json:"connectionId"`
	DisplayName  string    `json:"username"`
	ConnectedAt  time.Time `json:"connectedAt"`
	Online       bool      `json:"isOnline"`
}

// Chat is a point-in-time view of a group or private chat.
// The message sequence itself stays inside the directory and is read through
// the router's RecentMessages.
type Chat struct {
	ID             string    `json:"id"`
	Kind           ChatKind  `json:"type"`
	Name           string    `json:"name"`
	Participants   []string  `json:"participants"`
	MessageCount   int       `json:"messageCount"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivity"`
}

// HasParticipant reports whether name is in the chat's participant set.
func (c Chat) HasParticipant(name string) bool {
	for _, p := range c.Participants {
		if p == name {
			return true
		}
	}
	return false
}

// Message is an accepted chat message. Seq is assigned by the directory at
// append time and is strictly increasing across the whole process, so it is
// also strictly increasing within every chat.
type Message struct {
	ID        string      `json:"id"`
	Seq       uint64      `json:"seq"`
	Author    string      `json:"user"`
	Body      string      `json:"message"`
	Kind      MessageKind `json:"type"`
	ChatID    string      `json:"chatId"`
	Timestamp string      `json:"timestamp"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ClockFormat renders Message.Timestamp as a wall-clock time of day.
const ClockFormat = "15:04:05"
