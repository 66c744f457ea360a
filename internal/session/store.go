package session

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a session does not exist or its TTL has
// elapsed. Callers cannot distinguish the two cases.
var ErrNotFound = errors.New("session not found")

// UpdateFunc mutates a session in place inside a store's critical section.
// Returning an error aborts the update without persisting anything.
type UpdateFunc func(*Session) error

// Store persists sessions. Update serializes read-modify-write per session
// ID: two concurrent updates to the same session never interleave.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, id string, fn UpdateFunc) (*Session, error)
	List(ctx context.Context, userID string) ([]Meta, error)
	Delete(ctx context.Context, id string) error
	PurgeExpired(ctx context.Context) (int, error)
	Close() error
}
