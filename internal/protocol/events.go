// Package protocol translates client events into calls on the session
// registry, chat directory and message router, and emits the resulting
// events back through a Transport.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"parley/pkg/types"
)

// Inbound event names.
const (
	EventJoinChat         = "join_chat"
	EventJoinRoom         = "join_room"
	EventStartPrivateChat = "start_private_chat"
	EventGroupMessage     = "group_message"
	EventPrivateMessage   = "private_message"
	EventCreateGroup      = "create_group"
	EventDisconnect       = "disconnect"
)

// Envelope is the JSON frame exchanged with clients in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is one decoded client event. The set of implementations is
// closed; Handler.Dispatch switches over all of them.
type Inbound interface {
	// EventName returns the wire name of the event.
	EventName() string
	// ErrorEvent returns the event sent back to the originator on failure.
	ErrorEvent() string
}

type JoinChat struct {
	Username string `json:"username" validate:"required"`
}

type JoinRoom struct {
	RoomName string `json:"roomName" validate:"required"`
	Username string `json:"username" validate:"required"`
}

type StartPrivateChat struct {
	TargetUser  string `json:"targetUser" validate:"required"`
	CurrentUser string `json:"currentUser" validate:"required"`
}

type GroupMessage struct {
	RoomName string `json:"roomName" validate:"required"`
	Message  string `json:"message"`
	Username string `json:"username" validate:"required"`
}

type PrivateMessage struct {
	ChatID   string `json:"chatId" validate:"required"`
	Message  string `json:"message"`
	Sender   string `json:"sender" validate:"required"`
	Receiver string `json:"receiver"`
}

type CreateGroup struct {
	GroupName string `json:"groupName" validate:"required"`
	Creator   string `json:"creator" validate:"required"`
}

// Disconnect is synthesized by the transport when a connection ends. A
// client may also send it to leave explicitly.
type Disconnect struct{}

func (JoinChat) EventName() string         { return EventJoinChat }
func (JoinRoom) EventName() string         { return EventJoinRoom }
func (StartPrivateChat) EventName() string { return EventStartPrivateChat }
func (GroupMessage) EventName() string     { return EventGroupMessage }
func (PrivateMessage) EventName() string   { return EventPrivateMessage }
func (CreateGroup) EventName() string      { return EventCreateGroup }
func (Disconnect) EventName() string       { return EventDisconnect }

func (JoinChat) ErrorEvent() string         { return EventJoinError }
func (JoinRoom) ErrorEvent() string         { return EventJoinRoomError }
func (StartPrivateChat) ErrorEvent() string { return EventPrivateChatError }
func (GroupMessage) ErrorEvent() string     { return EventMessageError }
func (PrivateMessage) ErrorEvent() string   { return EventMessageError }
func (CreateGroup) ErrorEvent() string      { return EventGroupCreationError }
func (Disconnect) ErrorEvent() string       { return EventError }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode parses a raw frame into its typed event. When the event name is
// known but the payload is malformed, the typed zero value is returned
// together with the error so the caller can address the right error event.
func Decode(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidEvent, err)
	}

	switch env.Event {
	case EventJoinChat:
		return decodeAs[JoinChat](env.Data)
	case EventJoinRoom:
		return decodeAs[JoinRoom](env.Data)
	case EventStartPrivateChat:
		return decodeAs[StartPrivateChat](env.Data)
	case EventGroupMessage:
		return decodeAs[GroupMessage](env.Data)
	case EventPrivateMessage:
		return decodeAs[PrivateMessage](env.Data)
	case EventCreateGroup:
		return decodeAs[CreateGroup](env.Data)
	case EventDisconnect:
		return Disconnect{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown event %q", types.ErrInvalidEvent, env.Event)
	}
}

func decodeAs[T Inbound](data json.RawMessage) (Inbound, error) {
	var ev T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ev); err != nil {
			return ev, fmt.Errorf("%w: %v", types.ErrInvalidEvent, err)
		}
	}
	if err := validate.Struct(ev); err != nil {
		return ev, fmt.Errorf("%w: %s", types.ErrInvalidEvent, describe(err))
	}
	return ev, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		return fe.Field()
	})
	return "missing " + strings.Join(fields, ", ")
}
