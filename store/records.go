package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/upload-gateway/store/docstore"
)

// DefaultTombstoneTTL is how long a finalized upload's progress tombstone
// is kept before the reaper removes it.
const DefaultTombstoneTTL = 24 * time.Hour

// Option configures Records.
type Option func(*Records)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Records) {
		r.logger = logger
	}
}

// WithNow sets the clock used for record timestamps.
func WithNow(now func() time.Time) Option {
	return func(r *Records) {
		r.now = now
	}
}

// Records reads and writes upload records in a document store.
type Records struct {
	db     docstore.Store
	codec  *ChunkCodec
	logger *slog.Logger
	now    func() time.Time
}

// NewRecords creates a record layer over db.
func NewRecords(db docstore.Store, opts ...Option) (*Records, error) {
	codec, err := NewChunkCodec()
	if err != nil {
		return nil, err
	}
	r := &Records{
		db:     db,
		codec:  codec,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close releases the chunk codec.
func (r *Records) Close() {
	r.codec.Close()
}

// Progress

// GetProgress returns the progress record for a file.
func (r *Records) GetProgress(ctx context.Context, userID, fileName string) (*Progress, error) {
	data, err := r.db.Get(ctx, CollectionProgress, progressKey(userID, fileName))
	if err != nil {
		return nil, err
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding progress: %w", err)
	}
	return &p, nil
}

// AddChunkIndex atomically adds index to the file's completed set, creating
// the progress record on first use. It reports whether the index was new.
// A tombstoned record yields ErrTombstoned and a differing chunk count
// yields ErrTotalChunksMismatch; in both cases nothing is written.
func (r *Records) AddChunkIndex(ctx context.Context, userID, fileName string, index, totalChunks int, meta json.RawMessage) (*Progress, bool, error) {
	if index < 0 || totalChunks <= 0 || index >= totalChunks {
		return nil, false, fmt.Errorf("chunk index %d out of range for %d chunks", index, totalChunks)
	}

	var (
		result Progress
		added  bool
	)
	err := r.db.Update(ctx, CollectionProgress, progressKey(userID, fileName), func(current []byte) ([]byte, time.Duration, error) {
		now := r.now().UTC()
		p := Progress{
			UserID:       userID,
			FileName:     fileName,
			TotalChunks:  totalChunks,
			FileMetadata: meta,
			StartedAt:    now,
		}
		if current != nil {
			p = Progress{}
			if err := json.Unmarshal(current, &p); err != nil {
				return nil, 0, fmt.Errorf("decoding progress: %w", err)
			}
			if p.Deleted {
				return nil, 0, ErrTombstoned
			}
			if p.TotalChunks != totalChunks {
				return nil, 0, fmt.Errorf("%w: have %d, got %d", ErrTotalChunksMismatch, p.TotalChunks, totalChunks)
			}
			if len(p.FileMetadata) == 0 {
				p.FileMetadata = meta
			}
		}

		added = p.add(index)
		p.LastUpdated = now

		next, err := json.Marshal(&p)
		if err != nil {
			return nil, 0, fmt.Errorf("encoding progress: %w", err)
		}
		result = p
		return next, 0, nil
	})
	if err != nil {
		return nil, false, err
	}
	return &result, added, nil
}

// TombstoneProgress marks the file's progress deleted so late chunks are
// ignored. The tombstone expires after ttl.
func (r *Records) TombstoneProgress(ctx context.Context, userID, fileName string, ttl time.Duration) error {
	return r.db.Update(ctx, CollectionProgress, progressKey(userID, fileName), func(current []byte) ([]byte, time.Duration, error) {
		p := Progress{UserID: userID, FileName: fileName}
		if current != nil {
			if err := json.Unmarshal(current, &p); err != nil {
				return nil, 0, fmt.Errorf("decoding progress: %w", err)
			}
		}
		p.Deleted = true
		p.LastUpdated = r.now().UTC()

		next, err := json.Marshal(&p)
		if err != nil {
			return nil, 0, fmt.Errorf("encoding progress: %w", err)
		}
		return next, ttl, nil
	})
}

// ClearProgress removes the file's progress record, tombstone included.
func (r *Records) ClearProgress(ctx context.Context, userID, fileName string) error {
	return r.db.Delete(ctx, CollectionProgress, progressKey(userID, fileName))
}

// Chunks

// PutChunk stores a chunk, replacing any earlier copy of the same index.
func (r *Records) PutChunk(ctx context.Context, userID, fileName string, ch *Chunk) error {
	data, err := r.codec.Encode(ch)
	if err != nil {
		return err
	}
	return r.db.Put(ctx, CollectionChunks, chunkKey(userID, fileName, ch.Index), data, 0)
}

// ForEachChunk calls fn for every stored chunk of the file in index order.
func (r *Records) ForEachChunk(ctx context.Context, userID, fileName string, fn func(*Chunk) error) error {
	return r.db.ForEach(ctx, CollectionChunks, chunkPrefix(userID, fileName), func(key string, data []byte) error {
		ch, err := r.codec.Decode(data)
		if err != nil {
			return fmt.Errorf("decoding chunk %q: %w", key, err)
		}
		return fn(ch)
	})
}

// ListChunks returns every stored chunk of the file in index order.
func (r *Records) ListChunks(ctx context.Context, userID, fileName string) ([]*Chunk, error) {
	var chunks []*Chunk
	err := r.ForEachChunk(ctx, userID, fileName, func(ch *Chunk) error {
		chunks = append(chunks, ch)
		return nil
	})
	return chunks, err
}

// DeleteChunks removes every stored chunk of the file.
func (r *Records) DeleteChunks(ctx context.Context, userID, fileName string) (int, error) {
	return r.db.DeletePrefix(ctx, CollectionChunks, chunkPrefix(userID, fileName))
}

// Files

// CreateFile stores f unless a record for the same owner and name exists,
// in which case the existing record is returned and created is false.
func (r *Records) CreateFile(ctx context.Context, f *File) (*File, bool, error) {
	var (
		out     File
		created bool
	)
	err := r.db.Update(ctx, CollectionFiles, fileKey(f.OwnerID, f.Name), func(current []byte) ([]byte, time.Duration, error) {
		if current != nil {
			if err := json.Unmarshal(current, &out); err != nil {
				return nil, 0, fmt.Errorf("decoding file: %w", err)
			}
			return current, 0, nil
		}
		next, err := json.Marshal(f)
		if err != nil {
			return nil, 0, fmt.Errorf("encoding file: %w", err)
		}
		out = *f
		created = true
		return next, 0, nil
	})
	if err != nil {
		return nil, false, err
	}
	return &out, created, nil
}

// ReplaceFile stores f as the record for its owner and name, overwriting
// any earlier upload of the same file. It returns the replaced record, or
// nil when there was none.
func (r *Records) ReplaceFile(ctx context.Context, f *File) (*File, error) {
	var previous *File
	err := r.db.Update(ctx, CollectionFiles, fileKey(f.OwnerID, f.Name), func(current []byte) ([]byte, time.Duration, error) {
		if current != nil {
			var old File
			if err := json.Unmarshal(current, &old); err != nil {
				return nil, 0, fmt.Errorf("decoding file: %w", err)
			}
			previous = &old
		}
		next, err := json.Marshal(f)
		if err != nil {
			return nil, 0, fmt.Errorf("encoding file: %w", err)
		}
		return next, 0, nil
	})
	if err != nil {
		return nil, err
	}
	return previous, nil
}

// GetFile returns the file record for an owner and name.
func (r *Records) GetFile(ctx context.Context, ownerID, name string) (*File, error) {
	data, err := r.db.Get(ctx, CollectionFiles, fileKey(ownerID, name))
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding file: %w", err)
	}
	return &f, nil
}

// ListFiles returns the owner's files, newest first.
func (r *Records) ListFiles(ctx context.Context, ownerID string, limit int) ([]*File, error) {
	docs, err := r.db.Query(ctx, CollectionFiles, docstore.Query{
		Prefix:     docstore.JoinKey(ownerID, ""),
		OrderBy:    "uploadedAt",
		Descending: true,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	files := make([]*File, 0, len(docs))
	for _, d := range docs {
		var f File
		if err := json.Unmarshal(d.Data, &f); err != nil {
			return nil, fmt.Errorf("decoding file %q: %w", d.Key, err)
		}
		files = append(files, &f)
	}
	return files, nil
}

func fileKey(ownerID, name string) string {
	return docstore.JoinKey(ownerID, name)
}

// Sessions

// PutSession stores the remote session for a planned upload. It expires
// with the session itself.
func (r *Records) PutSession(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	var ttl time.Duration
	if !s.ExpiresAt.IsZero() {
		ttl = s.ExpiresAt.Sub(r.now())
		if ttl <= 0 {
			ttl = time.Second
		}
	}
	return r.db.Put(ctx, CollectionSessions, progressKey(s.UserID, s.FileName), data, ttl)
}

// GetSession returns the stored session for a file.
func (r *Records) GetSession(ctx context.Context, userID, fileName string) (*Session, error) {
	data, err := r.db.Get(ctx, CollectionSessions, progressKey(userID, fileName))
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &s, nil
}

// DeleteSession removes the stored session for a file.
func (r *Records) DeleteSession(ctx context.Context, userID, fileName string) error {
	return r.db.Delete(ctx, CollectionSessions, progressKey(userID, fileName))
}

// Read-path documents

// GetDocument returns a raw JSON document from any collection.
func (r *Records) GetDocument(ctx context.Context, collection, key string) (json.RawMessage, error) {
	data, err := r.db.Get(ctx, collection, key)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// PutDocument stores a raw JSON document.
func (r *Records) PutDocument(ctx context.Context, collection, key string, doc json.RawMessage) error {
	if !json.Valid(doc) {
		return errors.New("document is not valid JSON")
	}
	return r.db.Put(ctx, collection, key, doc, 0)
}

// QueryDocuments runs an equality/ordering query over a collection.
func (r *Records) QueryDocuments(ctx context.Context, collection string, q docstore.Query) ([]json.RawMessage, error) {
	docs, err := r.db.Query(ctx, collection, q)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(docs))
	for _, d := range docs {
		out = append(out, json.RawMessage(d.Data))
	}
	return out, nil
}
