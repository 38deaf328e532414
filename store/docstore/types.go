// Package docstore provides a bbolt-backed document store organised into
// named collections, with atomic read-modify-write and TTL expiry.
package docstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("not found")

// Document is a stored value together with its collection key.
type Document struct {
	Key  string `json:"key"`
	Data []byte `json:"data"`
}

// ExpiryEntry identifies a document whose TTL has elapsed.
type ExpiryEntry struct {
	Collection string    `json:"collection"`
	Key        string    `json:"key"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// UpdateFunc receives the current document bytes (nil when absent) and returns
// the replacement. Returning nil next deletes the document. A positive ttl
// (re)arms the expiry index; zero clears it.
type UpdateFunc func(current []byte) (next []byte, ttl time.Duration, err error)

// Store is the document store contract used by the typed record layer.
type Store interface {
	Get(ctx context.Context, collection, key string) ([]byte, error)
	Put(ctx context.Context, collection, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, collection, key string) error
	Update(ctx context.Context, collection, key string, fn UpdateFunc) error
	Scan(ctx context.Context, collection, prefix string, limit int) ([]Document, error)
	ForEach(ctx context.Context, collection, prefix string, fn func(key string, data []byte) error) error
	DeletePrefix(ctx context.Context, collection, prefix string) (int, error)
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
}
