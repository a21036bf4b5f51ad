package interfaces

import "parley/pkg/types"

// SessionRegistry maps connection identities to unique display names.
type SessionRegistry interface {
	// Register binds rawName (trimmed) to connectionID. It fails with
	// types.ErrInvalidUsername or types.ErrDuplicateUsername.
	Register(connectionID, rawName string) (types.Session, error)

	// Unregister removes the session for connectionID. The bool is false
	// when the connection was never registered; that is not an error.
	Unregister(connectionID string) (types.Session, bool)

	FindByConnection(connectionID string) (types.Session, bool)
	FindByName(name string) (types.Session, bool)

	// ActiveNames returns the display names in registration order.
	ActiveNames() []string

	Count() int
}
