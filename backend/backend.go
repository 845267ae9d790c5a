// Package backend provides the storage abstraction deployments write through.
package backend

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when a key does not exist in the backend.
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned for keys that would resolve outside the root.
	ErrInvalidKey = errors.New("invalid key")
)

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key.
	// If the key already exists, it is replaced atomically.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns all keys with the given prefix in lexical order.
	// The prefix should use "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}
