// Package directory holds every group and private chat, their participant
// sets and their message sequences.
package directory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"parley/pkg/interfaces"
	"parley/pkg/types"
)

var _ interfaces.ChatDirectory = (*Directory)(nil)

type chat struct {
	id           string
	kind         types.ChatKind
	name         string
	participants []string
	messages     []types.Message
	createdAt    time.Time
	lastActivity time.Time
}

func (c *chat) snapshot() types.Chat {
	return types.Chat{
		ID:             c.id,
		Kind:           c.kind,
		Name:           c.name,
		Participants:   append([]string(nil), c.participants...),
		MessageCount:   len(c.messages),
		CreatedAt:      c.createdAt,
		LastActivityAt: c.lastActivity,
	}
}

func (c *chat) addParticipant(user string) bool {
	if lo.Contains(c.participants, user) {
		return false
	}
	c.participants = append(c.participants, user)
	return true
}

// Directory is the single store for chats. One lock guards all chats and
// the message sequence counter, so every mutation is serialized.
type Directory struct {
	logger zerolog.Logger

	mu         sync.RWMutex
	chats      map[string]*chat // chat id -> chat
	groupOrder []string         // group names in creation order
	seq        uint64
}

// New creates an empty directory.
func New(logger zerolog.Logger) *Directory {
	return &Directory{
		logger: logger.With().Str("component", "directory").Logger(),
		chats:  make(map[string]*chat),
	}
}

func (d *Directory) newGroupLocked(name, owner string) *chat {
	now := time.Now()
	c := &chat{
		id:           types.GroupChatID(name),
		kind:         types.ChatKindGroup,
		name:         name,
		participants: []string{owner},
		createdAt:    now,
		lastActivity: now,
	}
	d.chats[c.id] = c
	d.groupOrder = append(d.groupOrder, name)
	d.logger.Info().Str("group", name).Str("owner", owner).Msg("group created")
	return c
}

// CreateGroup creates a named group with the creator as its only member.
// The name format is checked before existence.
func (d *Directory) CreateGroup(name, creator string) (types.Chat, error) {
	name = strings.TrimSpace(name)
	if !types.IsValidGroupName(name) {
		return types.Chat{}, types.ErrInvalidGroupName
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.chats[types.GroupChatID(name)]; exists {
		return types.Chat{}, types.ErrGroupExists
	}
	return d.newGroupLocked(name, creator).snapshot(), nil
}

// JoinOrCreateGroup adds joiner to the named group, creating the group when
// it does not exist yet. Joining lazily skips the name length check that
// CreateGroup applies; only an empty name is refused.
func (d *Directory) JoinOrCreateGroup(name, joiner string) (types.Chat, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.Chat{}, types.ErrInvalidGroupName
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	c, exists := d.chats[types.GroupChatID(name)]
	if !exists {
		return d.newGroupLocked(name, joiner).snapshot(), nil
	}
	c.addParticipant(joiner)
	return c.snapshot(), nil
}

func (d *Directory) AddParticipant(name, user string) (types.Chat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.chats[types.GroupChatID(strings.TrimSpace(name))]
	if !ok {
		return types.Chat{}, types.ErrGroupNotFound
	}
	c.addParticipant(user)
	return c.snapshot(), nil
}

// RemoveParticipant removes user from the named group. Unknown groups and
// non-members are ignored; the bool reports whether a member was removed.
func (d *Directory) RemoveParticipant(name, user string) (types.Chat, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.chats[types.GroupChatID(strings.TrimSpace(name))]
	if !ok || !lo.Contains(c.participants, user) {
		return types.Chat{}, false
	}
	c.participants = lo.Without(c.participants, user)
	return c.snapshot(), true
}

// RemoveFromAllGroups drops user from every group it belongs to in one
// critical section and returns the affected groups as they are afterwards,
// in group creation order. Private chats keep both participants.
func (d *Directory) RemoveFromAllGroups(user string) []types.Chat {
	d.mu.Lock()
	defer d.mu.Unlock()

	var left []types.Chat
	for _, name := range d.groupOrder {
		c := d.chats[types.GroupChatID(name)]
		if !lo.Contains(c.participants, user) {
			continue
		}
		c.participants = lo.Without(c.participants, user)
		left = append(left, c.snapshot())
	}
	return left
}

// GetOrCreatePrivateChat returns the private chat for the unordered pair,
// creating it on first use.
func (d *Directory) GetOrCreatePrivateChat(userA, userB string) (types.Chat, error) {
	if userA == userB {
		return types.Chat{}, types.ErrSelfPrivateChat
	}
	id := types.PrivateChatID(userA, userB)

	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.chats[id]; ok {
		return c.snapshot(), nil
	}

	now := time.Now()
	c := &chat{
		id:           id,
		kind:         types.ChatKindPrivate,
		name:         fmt.Sprintf("%s & %s", userA, userB),
		participants: []string{userA, userB},
		createdAt:    now,
		lastActivity: now,
	}
	d.chats[id] = c
	d.logger.Info().Str("chat_id", id).Msg("private chat created")
	return c.snapshot(), nil
}

// GroupNames returns group names in creation order.
func (d *Directory) GroupNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return append([]string(nil), d.groupOrder...)
}

func (d *Directory) Get(chatID string) (types.Chat, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.chats[chatID]
	if !ok {
		return types.Chat{}, false
	}
	return c.snapshot(), true
}

// GetGroup looks a group up by its display name.
func (d *Directory) GetGroup(name string) (types.Chat, bool) {
	return d.Get(types.GroupChatID(strings.TrimSpace(name)))
}

// Groups returns a snapshot of every group in creation order.
func (d *Directory) Groups() []types.Chat {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return lo.Map(d.groupOrder, func(name string, _ int) types.Chat {
		return d.chats[types.GroupChatID(name)].snapshot()
	})
}

// GroupsOf returns the names of the groups user belongs to, in creation
// order.
func (d *Directory) GroupsOf(user string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return lo.Filter(d.groupOrder, func(name string, _ int) bool {
		return lo.Contains(d.chats[types.GroupChatID(name)].participants, user)
	})
}

// ChatsFor returns every chat user participates in, most recently active
// first.
func (d *Directory) ChatsFor(user string) []types.Chat {
	d.mu.RLock()
	chats := lo.FilterMap(lo.Values(d.chats), func(c *chat, _ int) (types.Chat, bool) {
		if !lo.Contains(c.participants, user) {
			return types.Chat{}, false
		}
		return c.snapshot(), true
	})
	d.mu.RUnlock()

	sort.SliceStable(chats, func(i, j int) bool {
		if chats[i].LastActivityAt.Equal(chats[j].LastActivityAt) {
			return chats[i].ID < chats[j].ID
		}
		return chats[i].LastActivityAt.After(chats[j].LastActivityAt)
	})
	return chats
}

// Count returns the number of groups and private chats.
func (d *Directory) Count() (groups, private int) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	groups = len(d.groupOrder)
	return groups, len(d.chats) - groups
}

// AppendMessage stores msg at the end of the chat's sequence. The stored
// copy carries the chat id and the next value of the directory-wide
// sequence counter.
func (d *Directory) AppendMessage(chatID string, msg types.Message) (types.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.chats[chatID]
	if !ok {
		return types.Message{}, types.ErrChatNotFound
	}

	d.seq++
	msg.Seq = d.seq
	msg.ChatID = chatID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	c.messages = append(c.messages, msg)
	if msg.CreatedAt.After(c.lastActivity) {
		c.lastActivity = msg.CreatedAt
	}
	return msg, nil
}

// Messages returns the last limit messages of a chat, oldest first. A
// non-positive limit returns the whole sequence.
func (d *Directory) Messages(chatID string, limit int) ([]types.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.chats[chatID]
	if !ok {
		return nil, types.ErrChatNotFound
	}

	msgs := c.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]types.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}
