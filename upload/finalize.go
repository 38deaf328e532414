package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	uploadgateway "github.com/wolfeidau/upload-gateway"
	"github.com/wolfeidau/upload-gateway/backend"
	"github.com/wolfeidau/upload-gateway/dedupe"
	"github.com/wolfeidau/upload-gateway/graph"
	"github.com/wolfeidau/upload-gateway/store"
	"github.com/wolfeidau/upload-gateway/store/docstore"
	"github.com/wolfeidau/upload-gateway/telemetry"
)

// Finalizer assembles a completed chunked upload into its final file.
type Finalizer struct {
	records *store.Records
	backend backend.Backend
	opts    options
	logger  *slog.Logger
	group   *dedupe.Group[*store.File]
}

// NewFinalizer creates a finalizer writing assembled files to b.
func NewFinalizer(records *store.Records, b backend.Backend, opts ...Option) *Finalizer {
	o := newOptions(opts)
	logger := o.logger.With("component", "finalizer")
	return &Finalizer{
		records: records,
		backend: b,
		opts:    o,
		logger:  logger,
		group:   dedupe.New[*store.File](dedupe.WithLogger(logger)),
	}
}

// Finalize streams the file's chunks in index order to the backend,
// relays the bytes to the remote session when one was planned, creates the
// file record and then tombstones progress and releases chunks.
//
// Concurrent calls for one file share a single execution. An already
// finalized file returns its existing record. Live progress is a new upload,
// so its record replaces any earlier upload of the same file. Any failure
// before the file record is written is a *FinalizeError and leaves progress
// untouched.
func (f *Finalizer) Finalize(ctx context.Context, userID, fileName string, meta FileMetadata) (*store.File, error) {
	file, _, err := f.group.Do(ctx, docstore.JoinKey(userID, fileName), func(ctx context.Context) (*store.File, error) {
		return f.finalize(ctx, userID, fileName, meta)
	})
	return file, err
}

func (f *Finalizer) finalize(ctx context.Context, userID, fileName string, meta FileMetadata) (*store.File, error) {
	start := time.Now()

	prog, err := f.records.GetProgress(ctx, userID, fileName)
	if errors.Is(err, store.ErrNotFound) {
		return nil, f.fail(ctx, start, fileName, fmt.Errorf("%w: no chunks received", ErrIncompleteUpload))
	}
	if err != nil {
		return nil, f.fail(ctx, start, fileName, fmt.Errorf("loading progress: %w", err))
	}

	if prog.Deleted {
		existing, err := f.records.GetFile(ctx, userID, fileName)
		if err != nil {
			return nil, f.fail(ctx, start, fileName, fmt.Errorf("loading finalized file: %w", err))
		}
		return existing, nil
	}

	if !prog.Complete() {
		return nil, f.fail(ctx, start, fileName, fmt.Errorf("%w: missing %v", ErrIncompleteUpload, prog.Missing()))
	}

	if meta.Name == "" && len(prog.FileMetadata) > 0 {
		if err := json.Unmarshal(prog.FileMetadata, &meta); err != nil {
			f.logger.Warn("ignoring unreadable file metadata", "file", fileName, "error", err)
		}
	}

	key := uploadgateway.FileStorageKey(userID, fileName)
	size, sum, err := f.assemble(ctx, userID, fileName, key, prog.TotalChunks)
	if err != nil {
		return nil, f.fail(ctx, start, fileName, err)
	}
	if meta.SizeBytes > 0 && meta.SizeBytes != size {
		f.logger.Warn("assembled size differs from declared size", "file", fileName, "declared", meta.SizeBytes, "assembled", size)
	}

	remoteID, err := f.relay(ctx, userID, fileName, key, size)
	if err != nil {
		return nil, f.fail(ctx, start, fileName, err)
	}

	rec := &store.File{
		ID:           uuid.NewString(),
		Name:         fileName,
		Path:         key,
		OwnerID:      userID,
		SizeBytes:    size,
		MimeType:     meta.MimeType,
		UploadedAt:   f.opts.now().UTC(),
		Status:       store.StatusCompleted,
		UploadMethod: store.MethodChunked,
		Checksum:     sum.String(),
		RemoteItemID: remoteID,
		Attributes:   meta.Attributes,
	}
	previous, err := f.records.ReplaceFile(ctx, rec)
	if err != nil {
		return nil, f.fail(ctx, start, fileName, fmt.Errorf("writing file record: %w", err))
	}
	if previous != nil {
		f.logger.Info("replaced earlier upload", "file", fileName, "previous_id", previous.ID, "previous_checksum", previous.Checksum)
	}

	if err := f.records.TombstoneProgress(ctx, userID, fileName, f.opts.tombstoneTTL); err != nil {
		return nil, f.fail(ctx, start, fileName, fmt.Errorf("tombstoning progress: %w", err))
	}
	f.release(ctx, userID, fileName)

	telemetry.RecordFinalize(ctx, "success", time.Since(start), size)
	f.logger.Info("upload finalized",
		"user_id", userID,
		"file", fileName,
		"size", size,
		"chunks", prog.TotalChunks,
		"checksum", rec.Checksum,
		"duration", time.Since(start),
	)
	return rec, nil
}

// assemble writes chunks 0..total-1 to key, aborting on any gap.
func (f *Finalizer) assemble(ctx context.Context, userID, fileName, key string, total int) (int64, uploadgateway.Checksum, error) {
	w, err := f.backend.Writer(ctx, key)
	if err != nil {
		return 0, uploadgateway.Checksum{}, fmt.Errorf("opening backend writer: %w", err)
	}
	aw := uploadgateway.NewAssemblyWriter(w)

	err = f.records.ForEachChunk(ctx, userID, fileName, func(ch *store.Chunk) error {
		if ch.Index != aw.Parts() {
			return fmt.Errorf("%w: expected chunk %d, found %d", ErrIncompleteUpload, aw.Parts(), ch.Index)
		}
		if err := aw.WritePart(ch.Payload); err != nil {
			return fmt.Errorf("writing chunk %d: %w", ch.Index, err)
		}
		return nil
	})
	if err == nil && aw.Parts() != total {
		err = fmt.Errorf("%w: found %d of %d chunks", ErrIncompleteUpload, aw.Parts(), total)
	}
	if err != nil {
		if abortErr := w.Abort(); abortErr != nil {
			f.logger.Warn("aborting backend writer", "key", key, "error", abortErr)
		}
		return 0, uploadgateway.Checksum{}, err
	}

	if err := w.Commit(); err != nil {
		return 0, uploadgateway.Checksum{}, fmt.Errorf("committing assembled file: %w", err)
	}
	return aw.Size(), aw.Checksum(), nil
}

// relay uploads the assembled bytes to the remote session opened at plan
// time. Returns the remote item id, or "" when nothing was relayed.
func (f *Finalizer) relay(ctx context.Context, userID, fileName, key string, size int64) (string, error) {
	if f.opts.remote == nil || size == 0 {
		return "", nil
	}
	sess, err := f.records.GetSession(ctx, userID, fileName)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading upload session: %w", err)
	}
	if sess.UploadURL == "" {
		return "", nil
	}

	rc, err := f.backend.Read(ctx, key)
	if err != nil {
		return "", fmt.Errorf("reading assembled file: %w", err)
	}
	defer rc.Close()

	item, err := f.opts.remote.UploadStream(ctx, &graph.UploadSession{
		UploadURL: sess.UploadURL,
		ExpiresAt: sess.ExpiresAt,
	}, rc, size, f.opts.fragmentSize)
	if err != nil {
		return "", fmt.Errorf("relaying to upload session: %w", err)
	}
	return item.ID, nil
}

// release drops chunk and session records. Failures only leave garbage, so
// they are logged rather than returned.
func (f *Finalizer) release(ctx context.Context, userID, fileName string) {
	if n, err := f.records.DeleteChunks(ctx, userID, fileName); err != nil {
		f.logger.Warn("deleting chunks", "file", fileName, "error", err)
	} else {
		f.logger.Debug("chunks released", "file", fileName, "count", n)
	}
	if err := f.records.DeleteSession(ctx, userID, fileName); err != nil {
		f.logger.Warn("deleting session", "file", fileName, "error", err)
	}
}

func (f *Finalizer) fail(ctx context.Context, start time.Time, fileName string, err error) error {
	telemetry.RecordFinalize(ctx, "error", time.Since(start), 0)
	f.logger.Error("finalize failed", "file", fileName, "error", err)
	return &FinalizeError{FileName: fileName, Err: err}
}
