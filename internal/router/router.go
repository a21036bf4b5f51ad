package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parley/pkg/interfaces"
	"parley/pkg/types"
)

var _ interfaces.MessageRouter = (*Router)(nil)

// Router validates message bodies and appends them to chats. Every append
// and the delivery hand-off that follows it run inside one sequencing
// section, so all recipients observe messages in acceptance order.
type Router struct {
	directory interfaces.ChatDirectory
	activity  interfaces.ActivityLog
	limiter   *RateLimiter
	logger    zerolog.Logger

	seqMu sync.Mutex
}

// NewRouter creates a router over directory. activity and limiter may be nil.
func NewRouter(directory interfaces.ChatDirectory, activity interfaces.ActivityLog, limiter *RateLimiter, logger zerolog.Logger) *Router {
	return &Router{
		directory: directory,
		activity:  activity,
		limiter:   limiter,
		logger:    logger.With().Str("component", "router").Logger(),
	}
}

// Post appends a user message to chatID.
func (r *Router) Post(chatID, author, rawBody string, kind types.MessageKind) (types.Message, error) {
	return r.PostAndDeliver(chatID, author, rawBody, kind, nil)
}

// PostSystem appends a membership notification authored by the system.
// System text is only truncated: it is neither trimmed nor rejected when
// empty, and it does not count against any rate limit.
func (r *Router) PostSystem(chatID, text string) (types.Message, error) {
	return r.PostAndDeliver(chatID, types.SystemAuthor, text, types.MessageKindSystem, nil)
}

// PostAndDeliver appends a message and, before the next message can be
// accepted, hands the stored copy to deliver. deliver must not block on
// network I/O; it is expected to queue the message for fan-out.
func (r *Router) PostAndDeliver(chatID, author, rawBody string, kind types.MessageKind, deliver func(types.Message)) (types.Message, error) {
	if _, ok := r.directory.Get(chatID); !ok {
		return types.Message{}, types.ErrChatNotFound
	}

	var body string
	if kind == types.MessageKindSystem {
		body = types.TruncateMessage(rawBody)
	} else {
		body = types.SanitizeMessage(rawBody)
		if body == "" {
			return types.Message{}, types.ErrInvalidMessage
		}
		if !r.limiter.Allow(author) {
			return types.Message{}, types.ErrRateLimited
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return types.Message{}, fmt.Errorf("message id: %w", err)
	}
	msg := types.Message{
		ID:     id.String(),
		Author: author,
		Body:   body,
		Kind:   kind,
	}

	r.seqMu.Lock()
	// Stamped under the sequencing lock so CreatedAt never runs backwards
	// against Seq.
	now := time.Now()
	msg.Timestamp = now.Format(types.ClockFormat)
	msg.CreatedAt = now
	stored, err := r.directory.AppendMessage(chatID, msg)
	if err != nil {
		r.seqMu.Unlock()
		return types.Message{}, fmt.Errorf("append to %s: %w", chatID, err)
	}
	if deliver != nil {
		deliver(stored)
	}
	r.seqMu.Unlock()

	r.logger.Debug().
		Str("chat_id", chatID).
		Str("author", author).
		Str("kind", string(kind)).
		Uint64("seq", stored.Seq).
		Msg("message accepted")

	r.record(stored)
	return stored, nil
}

// RecentMessages returns the last limit messages of chatID, oldest first.
func (r *Router) RecentMessages(chatID string, limit int) ([]types.Message, error) {
	return r.directory.Messages(chatID, limit)
}

// Sweep drops idle rate limit windows.
func (r *Router) Sweep(idle time.Duration) int {
	return r.limiter.Cleanup(idle)
}

func (r *Router) record(msg types.Message) {
	if r.activity == nil {
		return
	}
	err := r.activity.Record(interfaces.Activity{
		Kind:       interfaces.ActivityMessagePosted,
		Actor:      msg.Author,
		ChatID:     msg.ChatID,
		Detail:     string(msg.Kind),
		OccurredAt: msg.CreatedAt,
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("chat_id", msg.ChatID).Msg("activity not recorded")
	}
}
