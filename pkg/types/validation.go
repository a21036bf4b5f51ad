package types

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	MinUsernameLength  = 2
	MaxUsernameLength  = 20
	MinGroupNameLength = 2
	MaxGroupNameLength = 30
	MaxMessageLength   = 1000
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// NormalizeUsername trims the raw name and validates it.
func NormalizeUsername(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	n := utf8.RuneCountInString(name)
	if n < MinUsernameLength || n > MaxUsernameLength || !usernameRegex.MatchString(name) {
		return "", ErrInvalidUsername
	}
	return name, nil
}

// IsValidGroupName checks the trimmed length only; any characters are allowed.
func IsValidGroupName(raw string) bool {
	n := utf8.RuneCountInString(strings.TrimSpace(raw))
	return n >= MinGroupNameLength && n <= MaxGroupNameLength
}

// SanitizeMessage trims the body and truncates it to MaxMessageLength
// characters. Over-long input is never an error.
func SanitizeMessage(raw string) string {
	return TruncateMessage(strings.TrimSpace(raw))
}

// TruncateMessage cuts body to MaxMessageLength characters and otherwise
// leaves it untouched.
func TruncateMessage(body string) string {
	if utf8.RuneCountInString(body) <= MaxMessageLength {
		return body
	}
	return string([]rune(body)[:MaxMessageLength])
}

// Chat ids live in one directory-wide namespace. Each kind gets its own
// prefix so a group name can never collide with a private pair key.
const (
	groupIDPrefix   = "group:"
	privateIDPrefix = "private:"
	pairSeparator   = ":"
)

// GroupChatID returns the chat id of the group with the given name.
func GroupChatID(name string) string {
	return groupIDPrefix + name
}

// PrivateChatID returns the canonical pair key for two users: the names
// sorted and joined, so PrivateChatID(a, b) == PrivateChatID(b, a).
// The separator is outside the username alphabet, which keeps distinct
// pairs from ever mapping to the same key.
func PrivateChatID(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return privateIDPrefix + strings.Join(pair, pairSeparator)
}

// ChatKindOf reports which namespace a chat id belongs to.
func ChatKindOf(chatID string) (ChatKind, bool) {
	switch {
	case strings.HasPrefix(chatID, groupIDPrefix):
		return ChatKindGroup, true
	case strings.HasPrefix(chatID, privateIDPrefix):
		return ChatKindPrivate, true
	default:
		return "", false
	}
}
