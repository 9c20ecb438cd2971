package session

import (
	"context"
	"errors"
)

// ErrNotFound is returned by [Store.Get] when no session has the given id.
var ErrNotFound = errors.New("session: not found")

// Store persists sessions. Implementations must be safe for concurrent use;
// per-session call serialisation is the transport layer's job.
type Store interface {
	// Get returns the session with the given id, or [ErrNotFound].
	Get(ctx context.Context, id string) (*GameSession, error)

	// Put inserts or replaces a session.
	Put(ctx context.Context, s *GameSession) error

	// Delete removes a session. Deleting a missing session is not an error.
	Delete(ctx context.Context, id string) error
}
