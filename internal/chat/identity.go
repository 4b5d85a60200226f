package chat

import "context"

// Identity is the verified user behind a connection.
type Identity struct {
	UserID   string
	Username string
}

// Known reports whether the identity was resolved.
func (i Identity) Known() bool {
	return i.UserID != ""
}

// IdentityResolver verifies a handshake credential.
type IdentityResolver interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}
