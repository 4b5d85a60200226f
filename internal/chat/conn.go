// Package chat provides the connection registry, liveness tracking,
// presence and message relay shared by every transport.
package chat

import "context"

// Conn abstracts a bidirectional connection.
// This interface isolates transport details from chat logic.
type Conn interface {
	// Read reads a single data frame.
	// Returns io.EOF when the peer closed the connection.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single data frame.
	Write(ctx context.Context, data []byte) error

	// Ping sends a liveness probe. The peer answers through the handler
	// installed with SetPongHandler.
	Ping(ctx context.Context) error

	// SetPongHandler installs fn to be called for every pong received.
	SetPongHandler(fn func())

	// Close closes the connection. It is safe to call more than once.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
