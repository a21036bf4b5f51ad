package interfaces

import "parley/pkg/types"

// MessageRouter validates and sequences messages into chats.
type MessageRouter interface {
	Post(chatID, author, rawBody string, kind types.MessageKind) (types.Message, error)
	PostSystem(chatID, text string) (types.Message, error)
	RecentMessages(chatID string, limit int) ([]types.Message, error)
}
