package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"parley/pkg/interfaces"
	"parley/pkg/types"
)

// Transport delivers outbound events and tracks channel subscriptions.
// Implementations must not block the caller on network I/O.
type Transport interface {
	Send(connID string, ev Outbound)
	Multicast(connIDs []string, ev Outbound)
	Broadcast(ev Outbound, except ...string)

	Subscribe(connID, channel string)
	ChannelMembers(channel string) []string
	UnsubscribeAll(connID string)
}

// Sequencer is a message router that can hand each accepted message to a
// delivery callback before accepting the next one.
type Sequencer interface {
	interfaces.MessageRouter
	PostAndDeliver(chatID, author, rawBody string, kind types.MessageKind, deliver func(types.Message)) (types.Message, error)
}

// Handler runs the per-connection state machine. A connection is
// anonymous until join_chat succeeds, identified while it holds a session,
// and finished once Disconnect has run.
type Handler struct {
	sessions  interfaces.SessionRegistry
	directory interfaces.ChatDirectory
	router    Sequencer
	transport Transport
	activity  interfaces.ActivityLog
	logger    zerolog.Logger
}

// NewHandler wires the protocol layer. activity may be nil.
func NewHandler(
	sessions interfaces.SessionRegistry,
	directory interfaces.ChatDirectory,
	router Sequencer,
	transport Transport,
	activity interfaces.ActivityLog,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		sessions:  sessions,
		directory: directory,
		router:    router,
		transport: transport,
		activity:  activity,
		logger:    logger.With().Str("component", "protocol").Logger(),
	}
}

// Handle decodes one raw frame from connID and dispatches it. Decoding
// failures are reported to connID only. It reports true once the client
// has asked to disconnect.
func (h *Handler) Handle(connID string, raw []byte) bool {
	in, err := Decode(raw)
	if err != nil {
		event := EventError
		if in != nil {
			event = in.ErrorEvent()
		}
		h.logger.Info().Err(err).Str("conn_id", connID).Msg("rejected frame")
		h.transport.Send(connID, failure(event, err))
		return false
	}
	h.Dispatch(connID, in)
	_, done := in.(Disconnect)
	return done
}

// Dispatch handles one decoded event from connID. Any failure becomes the
// event's error event, addressed to connID alone.
func (h *Handler) Dispatch(connID string, in Inbound) {
	h.logger.Debug().Str("conn_id", connID).Str("event", in.EventName()).Msg("event received")

	var err error
	switch ev := in.(type) {
	case JoinChat:
		err = h.joinChat(connID, ev)
	case JoinRoom:
		err = h.joinRoom(connID, ev)
	case StartPrivateChat:
		err = h.startPrivateChat(connID, ev)
	case GroupMessage:
		err = h.groupMessage(connID, ev)
	case PrivateMessage:
		err = h.privateMessage(connID, ev)
	case CreateGroup:
		err = h.createGroup(connID, ev)
	case Disconnect:
		h.Disconnect(connID)
	default:
		err = fmt.Errorf("%w: unhandled %T", types.ErrInvalidEvent, in)
	}

	if err != nil {
		h.logger.Info().
			Err(err).
			Str("conn_id", connID).
			Str("event", in.EventName()).
			Msg("event failed")
		h.transport.Send(connID, failure(in.ErrorEvent(), err))
	}
}

// identify returns the session bound to connID and checks that the name a
// payload claims is that session's name.
func (h *Handler) identify(connID, claimed string) (types.Session, error) {
	s, ok := h.sessions.FindByConnection(connID)
	if !ok {
		return types.Session{}, types.ErrNotIdentified
	}
	if strings.TrimSpace(claimed) != s.DisplayName {
		return types.Session{}, fmt.Errorf("%w: %s", types.ErrUserNotFound, claimed)
	}
	return s, nil
}

func (h *Handler) joinChat(connID string, ev JoinChat) error {
	if _, ok := h.sessions.FindByConnection(connID); ok {
		return types.ErrAlreadyIdentified
	}
	s, err := h.sessions.Register(connID, ev.Username)
	if err != nil {
		return err
	}
	h.logger.Info().Str("conn_id", connID).Str("user", s.DisplayName).Msg("user joined chat")
	h.record(interfaces.ActivitySessionJoined, s.DisplayName, "", "")

	h.transport.Broadcast(usersUpdated(h.sessions.ActiveNames()))
	h.transport.Send(connID, roomsUpdated(h.directory.GroupNames()))
	return nil
}

func (h *Handler) joinRoom(connID string, ev JoinRoom) error {
	s, err := h.identify(connID, ev.Username)
	if err != nil {
		return err
	}
	user := s.DisplayName

	_, existed := h.directory.Get(types.GroupChatID(strings.TrimSpace(ev.RoomName)))
	chat, err := h.directory.JoinOrCreateGroup(ev.RoomName, user)
	if err != nil {
		return err
	}
	h.transport.Subscribe(connID, chat.ID)
	if !existed {
		h.record(interfaces.ActivityGroupCreated, user, chat.ID, chat.Name)
	}
	h.record(interfaces.ActivityGroupJoined, user, chat.ID, chat.Name)

	_, err = h.router.PostAndDeliver(chat.ID, types.SystemAuthor, user+" joined the room", types.MessageKindSystem,
		func(m types.Message) {
			h.transport.Multicast(h.groupTargets(chat.ID, user), roomEvent(EventUserJoinedRoom, m, chat.Name))
		})
	if err != nil {
		return err
	}

	h.transport.Broadcast(roomsUpdated(h.directory.GroupNames()))
	return nil
}

func (h *Handler) startPrivateChat(connID string, ev StartPrivateChat) error {
	s, err := h.identify(connID, ev.CurrentUser)
	if err != nil {
		return err
	}
	target := strings.TrimSpace(ev.TargetUser)
	if target == s.DisplayName {
		return types.ErrSelfPrivateChat
	}
	peer, ok := h.sessions.FindByName(target)
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUserNotFound, target)
	}

	chat, err := h.directory.GetOrCreatePrivateChat(s.DisplayName, target)
	if err != nil {
		return err
	}
	h.transport.Subscribe(connID, chat.ID)
	h.transport.Subscribe(peer.ConnectionID, chat.ID)
	h.record(interfaces.ActivityPrivateChatStarted, s.DisplayName, chat.ID, target)

	h.transport.Send(connID, Outbound{
		Event: EventPrivateChatStarted,
		Data:  PrivateChatStarted{ChatID: chat.ID, TargetUser: target, Chat: chat},
	})
	return nil
}

func (h *Handler) groupMessage(connID string, ev GroupMessage) error {
	s, err := h.identify(connID, ev.Username)
	if err != nil {
		return err
	}
	room := strings.TrimSpace(ev.RoomName)
	chatID := types.GroupChatID(room)

	_, err = h.router.PostAndDeliver(chatID, s.DisplayName, ev.Message, types.MessageKindGroup,
		func(m types.Message) {
			h.transport.Multicast(h.groupTargets(chatID, ""), roomEvent(EventGroupMessage, m, room))
		})
	return err
}

func (h *Handler) privateMessage(connID string, ev PrivateMessage) error {
	s, err := h.identify(connID, ev.Sender)
	if err != nil {
		return err
	}
	if kind, _ := types.ChatKindOf(ev.ChatID); kind != types.ChatKindPrivate {
		return fmt.Errorf("%w: %s", types.ErrChatNotFound, ev.ChatID)
	}
	chat, ok := h.directory.Get(ev.ChatID)
	if !ok || !chat.HasParticipant(s.DisplayName) {
		return fmt.Errorf("%w: %s", types.ErrChatNotFound, ev.ChatID)
	}
	receiver, _ := lo.Find(chat.Participants, func(p string) bool { return p != s.DisplayName })

	_, err = h.router.PostAndDeliver(chat.ID, s.DisplayName, ev.Message, types.MessageKindPrivate,
		func(m types.Message) {
			h.transport.Multicast(h.transport.ChannelMembers(chat.ID), Outbound{
				Event: EventPrivateMessage,
				Data:  DirectMessage{Message: m, Receiver: receiver},
			})
		})
	return err
}

func (h *Handler) createGroup(connID string, ev CreateGroup) error {
	s, err := h.identify(connID, ev.Creator)
	if err != nil {
		return err
	}
	chat, err := h.directory.CreateGroup(ev.GroupName, s.DisplayName)
	if err != nil {
		return err
	}
	h.transport.Subscribe(connID, chat.ID)
	h.record(interfaces.ActivityGroupCreated, s.DisplayName, chat.ID, chat.Name)

	h.transport.Broadcast(roomsUpdated(h.directory.GroupNames()))
	h.transport.Send(connID, Outbound{
		Event: EventGroupCreated,
		Data:  GroupCreated{GroupName: chat.Name, Chat: chat},
	})
	return nil
}

// Disconnect ends connID's session. Group memberships and then the session
// are removed before any leave notice is sent. Calling it for
// an anonymous or already disconnected connection only drops channel
// subscriptions.
func (h *Handler) Disconnect(connID string) {
	s, ok := h.sessions.FindByConnection(connID)
	var left []types.Chat
	if ok {
		// Groups are cleared while connID still holds the name, so a new
		// session claiming it afterwards is untouched by this cleanup.
		left = h.directory.RemoveFromAllGroups(s.DisplayName)
		s, ok = h.sessions.Unregister(connID)
	}
	h.transport.UnsubscribeAll(connID)
	if !ok {
		return
	}

	user := s.DisplayName
	h.logger.Info().Str("conn_id", connID).Str("user", user).Int("groups", len(left)).Msg("user disconnected")
	h.record(interfaces.ActivitySessionLeft, user, "", "")

	for _, chat := range left {
		h.record(interfaces.ActivityGroupLeft, user, chat.ID, chat.Name)
		_, err := h.router.PostAndDeliver(chat.ID, types.SystemAuthor, user+" left the room", types.MessageKindSystem,
			func(m types.Message) {
				h.transport.Multicast(h.groupTargets(chat.ID, ""), roomEvent(EventUserLeftRoom, m, chat.Name))
			})
		if err != nil {
			h.logger.Error().Err(err).Str("chat_id", chat.ID).Msg("leave notice not posted")
		}
	}

	h.transport.Broadcast(usersUpdated(h.sessions.ActiveNames()))
}

// groupTargets resolves the current participants of a group, minus except,
// to their connection ids. Participants without a live session are skipped.
func (h *Handler) groupTargets(chatID, except string) []string {
	chat, ok := h.directory.Get(chatID)
	if !ok {
		return nil
	}
	return lo.FilterMap(chat.Participants, func(name string, _ int) (string, bool) {
		if name == except {
			return "", false
		}
		s, ok := h.sessions.FindByName(name)
		return s.ConnectionID, ok
	})
}

func (h *Handler) record(kind, actor, chatID, detail string) {
	if h.activity == nil {
		return
	}
	err := h.activity.Record(interfaces.Activity{
		Kind:       kind,
		Actor:      actor,
		ChatID:     chatID,
		Detail:     detail,
		OccurredAt: time.Now(),
	})
	if err != nil && !errors.Is(err, interfaces.ErrActivityLogClosed) {
		h.logger.Warn().Err(err).Str("kind", kind).Msg("activity not recorded")
	}
}
