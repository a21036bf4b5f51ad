package interfaces

import (
	"context"
	"time"
)

// Activity kinds recorded by the activity log.
const (
	ActivitySessionJoined      = "session_joined"
	ActivitySessionLeft        = "session_left"
	ActivityGroupCreated       = "group_created"
	ActivityGroupJoined        = "group_joined"
	ActivityGroupLeft          = "group_left"
	ActivityPrivateChatStarted = "private_chat_started"
	ActivityMessagePosted      = "message_posted"
)

// Activity is one row of the activity log.
type Activity struct {
	ID         int64     `json:"id"`
	Kind       string    `json:"kind"`
	Actor      string    `json:"actor"`
	ChatID     string    `json:"chatId,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// ActivityLog is an append-only record of what happened in the chat core.
type ActivityLog interface {
	// Record queues an activity row. It never blocks the caller on storage.
	Record(activity Activity) error

	// Recent returns up to limit rows, newest first.
	Recent(ctx context.Context, limit int) ([]Activity, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
