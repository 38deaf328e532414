// Package backend stores reassembled upload bytes.
package backend

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when a key does not exist in the backend.
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned for keys that would escape the backend root.
	ErrInvalidKey = errors.New("invalid key")
)

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, replacing any existing value.
	Write(ctx context.Context, key string, r io.Reader) error

	// Writer returns a PendingWriter for streaming data to the given key.
	// Nothing is visible at key until Commit returns nil.
	Writer(ctx context.Context, key string) (PendingWriter, error)

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}

// PendingWriter is an uncommitted write. Exactly one of Commit or Abort
// should be called; calls after the first are no-ops.
type PendingWriter interface {
	io.Writer

	// Commit makes the written data visible at the key.
	Commit() error

	// Abort discards the written data.
	Abort() error
}
