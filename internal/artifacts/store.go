// Package artifacts stores generated media and hands back stable
// reference strings the session records.
package artifacts

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by the noop store.
var ErrNotConfigured = errors.New("artifact store not configured")

// Store persists asset bytes under caller-chosen keys. The returned
// reference string is what sessions record; for the local store it is a
// relative path, for S3 an object key.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (ref string, err error)
	Get(ctx context.Context, ref string) (data []byte, contentType string, err error)
	Delete(ctx context.Context, ref string) error
	Close() error
}

// NoopStore rejects every operation. Used when no artifact backend is
// configured.
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (s *NoopStore) Put(_ context.Context, _ string, _ []byte, _ string) (string, error) {
	return "", ErrNotConfigured
}

func (s *NoopStore) Get(_ context.Context, _ string) ([]byte, string, error) {
	return nil, "", ErrNotConfigured
}

func (s *NoopStore) Delete(_ context.Context, _ string) error { return ErrNotConfigured }

func (s *NoopStore) Close() error { return nil }
