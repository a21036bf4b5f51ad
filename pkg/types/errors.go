package types

import "errors"

// Error kinds returned by the stores and the router. Every one of them is
// caller-attributable and is reported only to the originating connection.
var (
	ErrInvalidUsername   = errors.New("invalid username: must be 2-20 characters, letters, digits or underscore")
	ErrDuplicateUsername = errors.New("username already taken")
	ErrUserNotFound      = errors.New("user not found")
	ErrInvalidGroupName  = errors.New("invalid group name: must be 2-30 characters")
	ErrGroupExists       = errors.New("group name already exists")
	ErrGroupNotFound     = errors.New("group not found")
	ErrChatNotFound      = errors.New("chat not found")
	ErrInvalidMessage    = errors.New("invalid message")

	ErrNotIdentified     = errors.New("connection has not joined the chat")
	ErrAlreadyIdentified = errors.New("connection has already joined the chat")
	ErrSelfPrivateChat   = errors.New("cannot start a private chat with yourself")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrInvalidEvent      = errors.New("invalid event")
)
