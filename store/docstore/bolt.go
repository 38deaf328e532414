package docstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements Store using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened docstore", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketDocs, bucketDocsByExpiry, bucketDocsExpiryByKey} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing docstore")
	return b.db.Close()
}

// DB returns the underlying bbolt database.
func (b *BoltDB) DB() *bbolt.DB {
	return b.db
}

// Now returns the store's notion of the current time.
func (b *BoltDB) Now() time.Time {
	return b.now()
}

func collectionBucket(tx *bbolt.Tx, collection string) *bbolt.Bucket {
	root := tx.Bucket(bucketDocs)
	if root == nil {
		return nil
	}
	return root.Bucket([]byte(collection))
}

func writableCollection(tx *bbolt.Tx, collection string) (*bbolt.Bucket, error) {
	root := tx.Bucket(bucketDocs)
	if root == nil {
		return nil, fmt.Errorf("docs bucket not found")
	}
	bucket, err := root.CreateBucketIfNotExists([]byte(collection))
	if err != nil {
		return nil, fmt.Errorf("creating collection %s: %w", collection, err)
	}
	return bucket, nil
}

// Get retrieves a document.
func (b *BoltDB) Get(_ context.Context, collection, key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := collectionBucket(tx, collection)
		if bucket == nil {
			return ErrNotFound
		}

		val := bucket.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}

		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	return data, err
}

// Put stores a document, overwriting any previous value. A positive ttl
// schedules the document for removal by the expiry reaper.
func (b *BoltDB) Put(_ context.Context, collection, key string, data []byte, ttl time.Duration) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := writableCollection(tx, collection)
		if err != nil {
			return err
		}

		if err := bucket.Put([]byte(key), data); err != nil {
			return fmt.Errorf("putting document: %w", err)
		}

		return b.updateExpiryIndex(tx, collection, key, b.expiresAt(ttl))
	})
}

// Delete removes a document. Deleting a missing document is not an error.
func (b *BoltDB) Delete(_ context.Context, collection, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.deleteInTx(tx, collection, key)
	})
}

func (b *BoltDB) deleteInTx(tx *bbolt.Tx, collection, key string) error {
	bucket := collectionBucket(tx, collection)
	if bucket == nil {
		return nil
	}
	if err := b.updateExpiryIndex(tx, collection, key, nil); err != nil {
		return err
	}
	return bucket.Delete([]byte(key))
}

// Update performs read-modify-write in a single Bolt transaction.
// Bolt serialises writers, so concurrent updates to the same key never lose
// each other's changes.
func (b *BoltDB) Update(_ context.Context, collection, key string, fn UpdateFunc) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := writableCollection(tx, collection)
		if err != nil {
			return err
		}

		var current []byte
		if val := bucket.Get([]byte(key)); val != nil {
			current = make([]byte, len(val))
			copy(current, val)
		}

		next, ttl, err := fn(current)
		if err != nil {
			return err
		}

		if next == nil {
			if err := b.updateExpiryIndex(tx, collection, key, nil); err != nil {
				return err
			}
			return bucket.Delete([]byte(key))
		}

		if err := bucket.Put([]byte(key), next); err != nil {
			return fmt.Errorf("putting document: %w", err)
		}
		return b.updateExpiryIndex(tx, collection, key, b.expiresAt(ttl))
	})
}

// Scan returns documents whose key starts with prefix, in key order.
// A limit of zero or less returns every match.
func (b *BoltDB) Scan(_ context.Context, collection, prefix string, limit int) ([]Document, error) {
	var docs []Document
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := collectionBucket(tx, collection)
		if bucket == nil {
			return nil
		}

		p := []byte(prefix)
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = cursor.Next() {
			if limit > 0 && len(docs) >= limit {
				break
			}
			data := make([]byte, len(v))
			copy(data, v)
			docs = append(docs, Document{Key: string(k), Data: data})
		}
		return nil
	})
	return docs, err
}

// ForEach calls fn for every document whose key starts with prefix, in key
// order, inside a single read transaction. data is only valid for the
// duration of the call. Iteration stops at the first error fn returns.
func (b *BoltDB) ForEach(ctx context.Context, collection, prefix string, fn func(key string, data []byte) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		bucket := collectionBucket(tx, collection)
		if bucket == nil {
			return nil
		}

		p := []byte(prefix)
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = cursor.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(string(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeletePrefix removes every document whose key starts with prefix and
// returns how many were removed.
func (b *BoltDB) DeletePrefix(_ context.Context, collection, prefix string) (int, error) {
	var deleted int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := collectionBucket(tx, collection)
		if bucket == nil {
			return nil
		}

		// Collect first: deleting while iterating skips keys in bbolt.
		var keys []string
		p := []byte(prefix)
		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = cursor.Next() {
			keys = append(keys, string(k))
		}

		for _, key := range keys {
			if err := b.deleteInTx(tx, collection, key); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// Stats returns the number of documents in each collection.
func (b *BoltDB) Stats(_ context.Context) (map[string]int, error) {
	stats := make(map[string]int)
	err := b.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketDocs)
		if root == nil {
			return nil
		}
		return root.ForEachBucket(func(name []byte) error {
			stats[string(name)] = root.Bucket(name).Stats().KeyN
			return nil
		})
	})
	return stats, err
}

func (b *BoltDB) expiresAt(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := b.now().Add(ttl)
	return &t
}

// updateExpiryIndex updates the expiry forward+reverse indexes.
// If expiresAt is nil, only deletes existing index entries.
func (b *BoltDB) updateExpiryIndex(tx *bbolt.Tx, collection, key string, expiresAt *time.Time) error {
	expiryBucket := tx.Bucket(bucketDocsByExpiry)
	reverseIndexBucket := tx.Bucket(bucketDocsExpiryByKey)
	if expiryBucket == nil || reverseIndexBucket == nil {
		return nil
	}

	compoundKey := makeCollectionKey(collection, key)

	if tsBytes := reverseIndexBucket.Get(compoundKey); tsBytes != nil {
		oldExpiresAt := decodeTimestamp(tsBytes)
		if err := expiryBucket.Delete(makeExpiryKey(oldExpiresAt, collection, key)); err != nil {
			return fmt.Errorf("deleting old expiry index: %w", err)
		}
		if err := reverseIndexBucket.Delete(compoundKey); err != nil {
			return fmt.Errorf("deleting reverse index: %w", err)
		}
	}

	if expiresAt != nil {
		if err := expiryBucket.Put(makeExpiryKey(*expiresAt, collection, key), compoundKey); err != nil {
			return fmt.Errorf("putting expiry index: %w", err)
		}
		if err := reverseIndexBucket.Put(compoundKey, encodeTimestamp(*expiresAt)); err != nil {
			return fmt.Errorf("putting expiry reverse index: %w", err)
		}
	}

	return nil
}

// GetExpired returns documents that expired before the given time, oldest first.
func (b *BoltDB) GetExpired(_ context.Context, before time.Time, limit int) ([]ExpiryEntry, error) {
	var entries []ExpiryEntry
	beforeTs := encodeTimestamp(before)

	err := b.db.View(func(tx *bbolt.Tx) error {
		expiryBucket := tx.Bucket(bucketDocsByExpiry)
		if expiryBucket == nil {
			return nil
		}

		cursor := expiryBucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			// Keys are sorted by timestamp, so stop when we pass the cutoff
			if bytes.Compare(k[:8], beforeTs) >= 0 {
				break
			}
			if limit > 0 && len(entries) >= limit {
				break
			}

			expiresAt, collection, key := parseExpiryKey(k)
			entries = append(entries, ExpiryEntry{
				Collection: collection,
				Key:        key,
				ExpiresAt:  expiresAt,
			})
		}
		return nil
	})
	return entries, err
}

// DeleteExpired batch-deletes expired documents in a single transaction.
// Entries whose expiry was re-armed after they were listed are skipped.
func (b *BoltDB) DeleteExpired(_ context.Context, entries []ExpiryEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	var deleted int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		reverseIndexBucket := tx.Bucket(bucketDocsExpiryByKey)
		if reverseIndexBucket == nil {
			return nil
		}

		for _, entry := range entries {
			tsBytes := reverseIndexBucket.Get(makeCollectionKey(entry.Collection, entry.Key))
			if tsBytes == nil || !decodeTimestamp(tsBytes).Equal(entry.ExpiresAt) {
				continue
			}
			if err := b.deleteInTx(tx, entry.Collection, entry.Key); err != nil {
				return fmt.Errorf("deleting %s/%s: %w", entry.Collection, entry.Key, err)
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Compile-time interface check
var _ Store = (*BoltDB)(nil)
