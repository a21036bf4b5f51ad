package protocol

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/directory"
	"parley/internal/router"
	"parley/internal/session"
	"parley/pkg/types"
)

type fixture struct {
	t         *testing.T
	sessions  *session.Registry
	directory *directory.Directory
	router    *router.Router
	transport *fakeTransport
	handler   *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	f := &fixture{
		t:         t,
		sessions:  session.NewRegistry(logger),
		directory: directory.New(logger),
		transport: newFakeTransport(),
	}
	f.router = router.NewRouter(f.directory, nil, nil, logger)
	f.handler = NewHandler(f.sessions, f.directory, f.router, f.transport, nil, logger)
	return f
}

// join connects connID and identifies it as name, then clears its inbox.
func (f *fixture) join(connID, name string) {
	f.t.Helper()
	f.transport.connect(connID)
	f.handler.Dispatch(connID, JoinChat{Username: name})
	_, ok := f.sessions.FindByName(name)
	require.True(f.t, ok, "join %s", name)
	f.drain()
}

func (f *fixture) drain() {
	f.transport.mu.Lock()
	f.transport.inbox = make(map[string][]Outbound)
	f.transport.mu.Unlock()
}

func reason(t *testing.T, ev Outbound) string {
	t.Helper()
	fl, ok := ev.Data.(Failure)
	require.True(t, ok, "expected failure payload, got %T", ev.Data)
	return fl.Reason
}

func TestJoinChat(t *testing.T) {
	f := newFixture(t)
	f.join("c1", "alice")
	_, err := f.directory.CreateGroup("team", "alice")
	require.NoError(t, err)

	f.transport.connect("c2")
	f.handler.Dispatch("c2", JoinChat{Username: " bob "})

	for _, conn := range []string{"c1", "c2"} {
		users := f.transport.named(conn, EventUsersUpdated)
		require.Len(t, users, 1, conn)
		assert.Equal(t, []string{"alice", "bob"}, users[0].Data)
	}

	f.handler.Dispatch("c2", JoinRoom{RoomName: "team", Username: "bob"})
	f.drain()

	f.transport.connect("c3")
	f.handler.Dispatch("c3", JoinChat{Username: "carol"})
	evs := f.transport.events("c3")
	require.Len(t, evs, 2)
	assert.Equal(t, EventUsersUpdated, evs[0].Event)
	assert.Equal(t, EventRoomsUpdated, evs[1].Event)
	assert.Equal(t, []string{"team"}, evs[1].Data)
}

func TestJoinChat_Failures(t *testing.T) {
	f := newFixture(t)
	f.join("c1", "alice")

	f.transport.connect("c2")
	f.handler.Dispatch("c2", JoinChat{Username: "alice"})
	evs := f.transport.events("c2")
	require.Len(t, evs, 1)
	assert.Equal(t, EventJoinError, evs[0].Event)
	assert.Equal(t, types.ErrDuplicateUsername.Error(), reason(t, evs[0]))
	assert.Empty(t, f.transport.events("c1"), "failure must not reach other connections")

	f.handler.Dispatch("c2", JoinChat{Username: "x"})
	evs = f.transport.events("c2")
	require.Len(t, evs, 1)
	assert.Equal(t, types.ErrInvalidUsername.Error(), reason(t, evs[0]))

	f.handler.Dispatch("c1", JoinChat{Username: "alicia"})
	evs = f.transport.events("c1")
	require.Len(t, evs, 1)
	assert.Equal(t, EventJoinError, evs[0].Event)
	assert.Equal(t, types.ErrAlreadyIdentified.Error(), reason(t, evs[0]))

	s, ok := f.sessions.FindByConnection("c1")
	require.True(t, ok)
	assert.Equal(t, "alice", s.DisplayName)
}

func TestAnonymousConnectionIsRejected(t *testing.T) {
	f := newFixture(t)
	f.transport.connect("c1")

	events := []Inbound{
		JoinRoom{RoomName: "team", Username: "alice"},
		StartPrivateChat{TargetUser: "bob", CurrentUser: "alice"},
		GroupMessage{RoomName: "team", Message: "hi", Username: "alice"},
		PrivateMessage{ChatID: "private:alice:bob", Message: "hi", Sender: "alice"},
		CreateGroup{GroupName: "team", Creator: "alice"},
	}
	for _, in := range events {
		f.handler.Dispatch("c1", in)
		evs := f.transport.events("c1")
		require.Len(t, evs, 1, in.EventName())
		assert.Equal(t, in.ErrorEvent(), evs[0].Event)
		assert.Equal(t, types.ErrNotIdentified.Error(), reason(t, evs[0]))
	}
	assert.Empty(t, f.directory.GroupNames())
}

func TestIdentityMismatch(t *testing.T) {
	f := newFixture(t)
	f.join("c1", "alice")
	f.join("c2", "bob")

	f.handler.Dispatch("c1", CreateGroup{GroupName: "team", Creator: "bob"})
	evs := f.transport.events("c1")
	require.Len(t, evs, 1)
	assert.Equal(t, EventGroupCreationError, evs[0].Event)
	assert.True(t, strings.HasPrefix(reason(t, evs[0]), types.ErrUserNotFound.Error()))
	assert.Empty(t, f.directory.GroupNames())
}

func TestJoinRoom(t *testing.T) {
	f := newFixture(t)
	f.join("c1", "alice")
	f.join("c2", "bob")
	f.join("c3", "carol")

	f.handler.Dispatch("c1", JoinRoom{RoomName: "team", Username: "alice"})
	assert.Empty(t, f.transport.named("c1", EventUserJoinedRoom), "sender is excluded")
	rooms := f.transport.named("c3", EventRoomsUpdated)
	require.Len(t, rooms, 1)
	assert.Equal(t, []string{"team"}, rooms[0].Data)
	f.drain()

	f.handler.Dispatch("c2", JoinRoom{RoomName: "team", Username: "bob"})

	joined := f.transport.named("c1", EventUserJoinedRoom)
	require.Len(t, joined, 1)
	rm := joined[0].Data.(RoomMessage)
	assert.Equal(t, "bob joined the room", rm.Body)
	assert.Equal(t, types.SystemAuthor, rm.Author)
	assert.Equal(t, types.MessageKindSystem, rm.Kind)
	assert.Equal(t, "team", rm.RoomName)

	assert.Empty(t, f.transport.named("c2", EventUserJoinedRoom))
	assert.Empty(t, f.transport.named("c3", EventUserJoinedRoom), "non-members get nothing")

	chat, ok := f.directory.GetGroup("team")
	require.True(t, ok)
	assert.Equal(t, []string{"alice", "bob"}, chat.Participants)
	assert.ElementsMatch(t, []string{"c1", "c2"}, f.transport.ChannelMembers(chat.ID))

	msgs, err := f.router.RecentMessages(chat.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "alice joined the room", msgs[0].Body)
}

func TestCreateGroup(t *testing.T) {
	f := newFixture(t)
	f.join("c1", "alice")
	f.join("c2", "bob")

	f.handler.Dispatch("c1", CreateGroup{GroupName: "team", Creator: "alice"})

	evs := f.transport.events("c1")
	require.Len(t, evs, 2)
	assert.Equal(t, EventRoomsUpdated, evs[0].Event)
	assert.Equal(t, EventGroupCreated, evs[1].Event)
	created := evs[1].Data.(GroupCreated)
	assert.Equal(t, "team", created.GroupName)
	assert.Equal(t, []string{"alice"}, created.Chat.Participants)
	assert.Len(t, f.transport.named("c2", EventRoomsUpdated), 1)

	f.handler.Dispatch("c2", CreateGroup{GroupName: "team", Creator: "bob"})
	evs = f.transport.events("c2")
	require.Len(t, evs, 1)
	assert.Equal(t, EventGroupCreationError, evs[0].Event)
	assert.Equal(t, types.ErrGroupExists.Error(), reason(t, evs[0]))

	chat, _ := f.directory.GetGroup("team")
	assert.Equal(t, []string{"alice"}, chat.Participants)

	f.handler.Dispatch("c2", CreateGroup{GroupName: "z", Creator: "bob"})
	evs = f.transport.events("c2")
	require.Len(t, evs, 1)
	assert.Equal(t, types.ErrInvalidGroupName.Error(), reason(t, evs[0]))
}

// create_group checks the name format but join_room creates lazily without it.
func TestCreateAndJoinNameAsymmetry(t *testing.T) {
	f := newFixture(t)
	f.join("c1", "alice")

	f.handler.Dispatch("c1", CreateGroup{GroupName: "z", Creator: "alice"})
	assert.Len(t, f.transport.named("c1", EventGroupCreationError), 1)

	f.handler.Dispatch("c1", JoinRoom{RoomName: "z", Username: "alice"})
	assert.Empty(t, f.transport.named("c1", EventJoinRoomError))
	assert.Equal(t, []string{"z"}, f.directory.GroupNames())
}

func TestGroupMessage(t *testing.T) {
	f := newFixture(t)
	f.join("c1", "alice")
	f.join("c2", "bob")
	f.join("c3", "carol")
	f.handler.Dispatch("c1", CreateGroup{GroupName: "team", Creator: "alice"})
	f.handler.Dispatch("c2", JoinRoom{RoomName: "team", Username: "bob"})
	f.drain()

	f.handler.Dispatch("c2", GroupMessage{RoomName: "team", Message: strings.Repeat("y", 1500), Username: "bob"})

	for _, conn := range []string{"c1", "c2"} {
		got := f.transport.named(conn, EventGroupMessage)
		require.Len(t, got, 1, conn)
		rm := got[0].Data.(RoomMessage)
		assert.Equal(t, "bob", rm.Author)
		assert.Equal(t, "team", rm.RoomName)
		assert.Len(t, rm.Body, 1000)
		assert.NotEmpty(t, rm.Timestamp)
	}
	assert.Empty(t, f.transport.events("c3"))

	f.handler.Dispatch("c2", GroupMessage{RoomName: "nowhere", Message: "hi", Username: "bob"})
	evs := f.transport.events("c2")
	require.Len(t, evs, 1)
	assert.Equal(t, EventMessageError, evs[0].Event)
	assert.Contains(t, reason(t, evs[0]), types.ErrChatNotFound.Error())

	f.handler.Dispatch("c2", GroupMessage{RoomName: "team", Message: "   ", Username: "bob"})
	evs = f.transport.events("c2")
	require.Len(t, evs, 1)
	assert.Equal(t, types.ErrInvalidMessage.Error(), reason(t, evs[0]))
	assert.Empty(t, f.transport.events("c1"))
}

func TestPrivateChat(t *testing.T) {
	f := newFixture(t)
	f.join("c1", "alice")
	f.join("c2", "bob")
	f.join("c3", "carol")

	f.handler.Dispatch("c1", StartPrivateChat{TargetUser: "bob", CurrentUser: "alice"})
	evs := f.transport.events("c1")
	require.Len(t, evs, 1)
	require.Equal(t, EventPrivateChatStarted, evs[0].Event)
	started := evs[0].Data.(PrivateChatStarted)
	assert.Equal(t, types.PrivateChatID("alice", "bob"), started.ChatID)
	assert.Equal(t, "bob", started.TargetUser)
	assert.ElementsMatch(t, []string{"c1", "c2"}, f.transport.ChannelMembers(started.ChatID))

	// Reverse direction lands on the same chat.
	f.handler.Dispatch("c2", StartPrivateChat{TargetUser: "alice", CurrentUser: "bob"})
	evs = f.transport.events("c2")
	require.Len(t, evs, 1)
	assert.Equal(t, started.ChatID, evs[0].Data.(PrivateChatStarted).ChatID)

	f.handler.Dispatch("c1", PrivateMessage{ChatID: started.ChatID, Message: "psst", Sender: "alice", Receiver: "bob"})
	for _, conn := range []string{"c1", "c2"} {
		got := f.transport.named(conn, EventPrivateMessage)
		require.Len(t, got, 1, conn)
		dm := got[0].Data.(DirectMessage)
		assert.Equal(t, "psst", dm.Body)
		assert.Equal(t, "alice", dm.Author)
		assert.Equal(t, "bob", dm.Receiver)
		assert.Equal(t, started.ChatID, dm.ChatID)
	}
	assert.Empty(t, f.transport.events("c3"))

	// A non-participant cannot post into the chat.
	f.handler.Dispatch("c3", PrivateMessage{ChatID: started.ChatID, Message: "hi", Sender: "carol"})
	evs = f.transport.events("c3")
	require.Len(t, evs, 1)
	assert.Equal(t, EventMessageError, evs[0].Event)
	assert.Contains(t, reason(t, evs[0]), types.ErrChatNotFound.Error())
	assert.Empty(t, f.transport.events("c1"))
}

func TestPrivateChat_Failures(t *testing.T) {
	f := newFixture(t)
	f.join("c1", "alice")

	f.handler.Dispatch("c1", StartPrivateChat{TargetUser: "alice", CurrentUser: "alice"})
	evs := f.transport.events("c1")
	require.Len(t, evs, 1)
	assert.Equal(t, EventPrivateChatError, evs[0].Event)
	assert.Equal(t, types.ErrSelfPrivateChat.Error(), reason(t, evs[0]))

	f.handler.Dispatch("c1", StartPrivateChat{TargetUser: "ghost", CurrentUser: "alice"})
	evs = f.transport.events("c1")
	require.Len(t, evs, 1)
	assert.Contains(t, reason(t, evs[0]), types.ErrUserNotFound.Error())

	_, private := f.directory.Count()
	assert.Equal(t, 0, private)

	// A group id is not a private chat.
	f.handler.Dispatch("c1", CreateGroup{GroupName: "team", Creator: "alice"})
	f.drain()
	for _, chatID := range []string{types.GroupChatID("team"), "team", "alice_bob"} {
		f.handler.Dispatch("c1", PrivateMessage{ChatID: chatID, Message: "hi", Sender: "alice"})
		evs = f.transport.events("c1")
		require.Len(t, evs, 1, chatID)
		assert.Equal(t, EventMessageError, evs[0].Event, chatID)
		assert.Contains(t, reason(t, evs[0]), types.ErrChatNotFound.Error(), chatID)
	}
}

func TestPrivateMessage_OfflinePeerStillStored(t *testing.T) {
	f := newFixture(t)
	f.join("c1", "alice")
	f.join("c2", "bob")
	f.handler.Dispatch("c1", StartPrivateChat{TargetUser: "bob", CurrentUser: "alice"})
	chatID := types.PrivateChatID("alice", "bob")

	f.transport.drop("c2")
	f.handler.Disconnect("c2")
	f.drain()

	f.handler.Dispatch("c1", PrivateMessage{ChatID: chatID, Message: "still there?", Sender: "alice", Receiver: "bob"})
	assert.Len(t, f.transport.named("c1", EventPrivateMessage), 1)
	assert.Empty(t, f.transport.events("c2"))

	msgs, err := f.router.RecentMessages(chatID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t)
	f.join("c1", "alice")
	f.join("c2", "bob")
	f.join("c3", "carol")
	f.handler.Dispatch("c1", CreateGroup{GroupName: "alpha", Creator: "alice"})
	f.handler.Dispatch("c2", JoinRoom{RoomName: "alpha", Username: "bob"})
	f.handler.Dispatch("c1", JoinRoom{RoomName: "beta", Username: "alice"})
	f.handler.Dispatch("c3", JoinRoom{RoomName: "gamma", Username: "carol"})
	f.drain()

	before := map[string]int{}
	for _, name := range []string{"alpha", "beta", "gamma"} {
		c, _ := f.directory.GetGroup(name)
		before[name] = c.MessageCount
	}

	f.transport.drop("c1")
	f.handler.Disconnect("c1")

	assert.Equal(t, []string{"bob", "carol"}, f.sessions.ActiveNames())
	for _, c := range f.directory.Groups() {
		assert.False(t, c.HasParticipant("alice"), c.Name)
	}

	// Exactly one leave notice per group alice belonged to.
	for name, extra := range map[string]int{"alpha": 1, "beta": 1, "gamma": 0} {
		c, _ := f.directory.GetGroup(name)
		assert.Equal(t, before[name]+extra, c.MessageCount, name)
		if extra == 1 {
			msgs, err := f.router.RecentMessages(c.ID, 1)
			require.NoError(t, err)
			assert.Equal(t, "alice left the room", msgs[0].Body)
		}
	}

	bobEvents := f.transport.events("c2")
	left := 0
	for _, ev := range bobEvents {
		if ev.Event == EventUserLeftRoom {
			left++
			assert.Equal(t, "alpha", ev.Data.(RoomMessage).RoomName)
		}
	}
	assert.Equal(t, 1, left)
	require.NotEmpty(t, bobEvents)
	last := bobEvents[len(bobEvents)-1]
	assert.Equal(t, EventUsersUpdated, last.Event, "roster goes out after leave notices")
	assert.Equal(t, []string{"bob", "carol"}, last.Data)

	carolEvents := f.transport.events("c3")
	require.Len(t, carolEvents, 1)
	assert.Equal(t, EventUsersUpdated, carolEvents[0].Event)

	assert.Empty(t, f.transport.events("c1"))

	// Second disconnect is a no-op.
	f.handler.Disconnect("c1")
	assert.Empty(t, f.transport.events("c2"))
}

// reclaimingSessions runs afterUnregister right after a session is removed,
// standing in for another connection that grabs the freed name at once.
type reclaimingSessions struct {
	*session.Registry
	afterUnregister func()
}

func (s *reclaimingSessions) Unregister(connID string) (types.Session, bool) {
	sess, ok := s.Registry.Unregister(connID)
	if ok && s.afterUnregister != nil {
		hook := s.afterUnregister
		s.afterUnregister = nil
		hook()
	}
	return sess, ok
}

func TestDisconnect_NameReclaimedDuringCleanup(t *testing.T) {
	f := newFixture(t)
	sessions := &reclaimingSessions{Registry: f.sessions}
	f.handler = NewHandler(sessions, f.directory, f.router, f.transport, nil, zerolog.Nop())

	f.join("c1", "alice")
	f.handler.Dispatch("c1", JoinRoom{RoomName: "team", Username: "alice"})
	f.drain()

	sessions.afterUnregister = func() {
		f.transport.connect("c2")
		f.handler.Dispatch("c2", JoinChat{Username: "alice"})
		f.handler.Dispatch("c2", JoinRoom{RoomName: "team", Username: "alice"})
	}
	f.transport.drop("c1")
	f.handler.Disconnect("c1")

	s, ok := f.sessions.FindByName("alice")
	require.True(t, ok)
	assert.Equal(t, "c2", s.ConnectionID)

	team, ok := f.directory.GetGroup("team")
	require.True(t, ok)
	assert.Equal(t, []string{"alice"}, team.Participants, "the new alice keeps her membership")
	assert.Equal(t, []string{"team"}, f.directory.GroupsOf("alice"))
}

func TestDisconnect_Anonymous(t *testing.T) {
	f := newFixture(t)
	f.join("c1", "alice")
	f.transport.connect("c2")

	f.handler.Disconnect("c2")
	assert.Empty(t, f.transport.events("c1"))
}

func TestHandle(t *testing.T) {
	f := newFixture(t)
	f.transport.connect("c1")

	done := f.handler.Handle("c1", []byte(`{"event":"join_chat","data":{"username":"alice"}}`))
	assert.False(t, done)
	assert.Len(t, f.transport.named("c1", EventUsersUpdated), 1)

	f.handler.Handle("c1", []byte(`{"event":"create_group","data":{"creator":"alice"}}`))
	evs := f.transport.events("c1")
	require.Len(t, evs, 1)
	assert.Equal(t, EventGroupCreationError, evs[0].Event)
	assert.Contains(t, reason(t, evs[0]), "groupName")

	f.handler.Handle("c1", []byte(`{"event":"nope"}`))
	evs = f.transport.events("c1")
	require.Len(t, evs, 1)
	assert.Equal(t, EventError, evs[0].Event)

	done = f.handler.Handle("c1", []byte(`{"event":"disconnect"}`))
	assert.True(t, done)
	assert.Equal(t, 0, f.sessions.Count())
}

// Every recipient sees group messages in the order the router accepted them.
func TestGroupMessageOrdering(t *testing.T) {
	f := newFixture(t)
	names := []string{"alice", "bob", "carol", "dave"}
	for i, name := range names {
		f.join(fmt.Sprintf("c%d", i), name)
		f.handler.Dispatch(fmt.Sprintf("c%d", i), JoinRoom{RoomName: "team", Username: name})
	}
	f.drain()

	const perSender = 30
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(conn, name string) {
			defer wg.Done()
			for n := 0; n < perSender; n++ {
				f.handler.Dispatch(conn, GroupMessage{RoomName: "team", Message: fmt.Sprintf("%s-%d", name, n), Username: name})
			}
		}(fmt.Sprintf("c%d", i), name)
	}
	wg.Wait()

	chat, _ := f.directory.GetGroup("team")
	stored, err := f.router.RecentMessages(chat.ID, 0)
	require.NoError(t, err)
	var want []string
	for _, m := range stored {
		if m.Kind == types.MessageKindGroup {
			want = append(want, m.ID)
		}
	}
	require.Len(t, want, perSender*len(names))

	for i := range names {
		var got []string
		for _, ev := range f.transport.named(fmt.Sprintf("c%d", i), EventGroupMessage) {
			got = append(got, ev.Data.(RoomMessage).ID)
		}
		assert.Equal(t, want, got)
	}
}
