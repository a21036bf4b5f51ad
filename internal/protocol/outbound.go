package protocol

import "parley/pkg/types"

// Outbound event names.
const (
	EventUsersUpdated       = "users_updated"
	EventRoomsUpdated       = "rooms_updated"
	EventUserJoinedRoom     = "user_joined_room"
	EventUserLeftRoom       = "user_left_room"
	EventPrivateChatStarted = "private_chat_started"
	EventGroupCreated       = "group_created"

	EventJoinError          = "join_error"
	EventJoinRoomError      = "join_room_error"
	EventPrivateChatError   = "private_chat_error"
	EventMessageError       = "message_error"
	EventGroupCreationError = "group_creation_error"
	EventError              = "error"
)

// Outbound is an event addressed to one or more connections.
type Outbound struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// RoomMessage is a stored message delivered to a group.
type RoomMessage struct {
	types.Message
	RoomName string `json:"roomName"`
}

// DirectMessage is a stored message delivered to a private chat.
type DirectMessage struct {
	types.Message
	Receiver string `json:"receiver"`
}

type PrivateChatStarted struct {
	ChatID     string     `json:"chatId"`
	TargetUser string     `json:"targetUser"`
	Chat       types.Chat `json:"chat"`
}

type GroupCreated struct {
	GroupName string     `json:"groupName"`
	Chat      types.Chat `json:"chat"`
}

// Failure is the payload of every *_error event.
type Failure struct {
	Reason string `json:"reason"`
}

func usersUpdated(names []string) Outbound {
	return Outbound{Event: EventUsersUpdated, Data: nonNil(names)}
}

func roomsUpdated(names []string) Outbound {
	return Outbound{Event: EventRoomsUpdated, Data: nonNil(names)}
}

func roomEvent(event string, msg types.Message, room string) Outbound {
	return Outbound{Event: event, Data: RoomMessage{Message: msg, RoomName: room}}
}

func failure(event string, err error) Outbound {
	return Outbound{Event: event, Data: Failure{Reason: err.Error()}}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
