package interfaces

import "parley/pkg/types"

// ChatDirectory owns every group and private chat and their participant sets.
type ChatDirectory interface {
	CreateGroup(name, creator string) (types.Chat, error)
	JoinOrCreateGroup(name, joiner string) (types.Chat, error)
	AddParticipant(name, user string) (types.Chat, error)
	RemoveParticipant(name, user string) (types.Chat, bool)
	RemoveFromAllGroups(user string) []types.Chat
	GetOrCreatePrivateChat(userA, userB string) (types.Chat, error)
	GroupNames() []string
	Get(chatID string) (types.Chat, bool)
	ChatsFor(user string) []types.Chat

	// AppendMessage stamps msg with the next sequence number, appends it to
	// the chat and returns the stored copy.
	AppendMessage(chatID string, msg types.Message) (types.Message, error)

	// Messages returns up to limit of the most recent messages, oldest first.
	Messages(chatID string, limit int) ([]types.Message, error)
}
