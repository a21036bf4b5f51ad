package interfaces

// Connection is one live client connection as seen by the core.
// WriteJSON must be safe for concurrent use; implementations serialize
// writes through a single writer.
type Connection interface {
	// ID returns the server-assigned connection identity.
	ID() string

	// WriteJSON queues v for delivery to the client.
	WriteJSON(v interface{}) error

	// Close closes the connection and releases its resources.
	Close() error
}
