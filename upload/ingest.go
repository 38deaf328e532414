package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wolfeidau/upload-gateway/store"
	"github.com/wolfeidau/upload-gateway/telemetry"
)

// Ingestor accepts chunks one at a time in any order.
type Ingestor struct {
	records   *store.Records
	finalizer *Finalizer
	opts      options
	logger    *slog.Logger
}

// NewIngestor creates an ingestor that hands completed uploads to finalizer.
func NewIngestor(records *store.Records, finalizer *Finalizer, opts ...Option) *Ingestor {
	o := newOptions(opts)
	return &Ingestor{
		records:   records,
		finalizer: finalizer,
		opts:      o,
		logger:    o.logger.With("component", "ingestor"),
	}
}

// MaxChunkSize is the largest accepted payload.
func (in *Ingestor) MaxChunkSize() int64 { return in.opts.maxChunkSize }

// Ingest stores one chunk, records its index in the file's progress and,
// when the completion policy is met, finalizes the file.
//
// Every step is idempotent: resending a chunk overwrites the stored copy and
// does not count twice. Chunks for a finalized upload are acknowledged
// without being stored. Persistence failures are returned as *IngestError,
// finalization failures as *FinalizeError.
func (in *Ingestor) Ingest(ctx context.Context, userID string, req ChunkRequest) (*ChunkAck, error) {
	if err := in.validate(req); err != nil {
		telemetry.RecordChunkIngest(ctx, "rejected", 0)
		return nil, err
	}

	ack := &ChunkAck{ChunkIndex: req.ChunkIndex, TotalChunks: req.TotalChunks, Accepted: true}

	prog, err := in.records.GetProgress(ctx, userID, req.FileName)
	switch {
	case err == nil && prog.Deleted:
		return in.finalized(ctx, userID, req, ack)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, in.ingestError(ctx, req, fmt.Errorf("loading progress: %w", err))
	}

	if err := in.checkPlanned(ctx, userID, req); err != nil {
		return nil, err
	}

	chunk := &store.Chunk{
		Index:       req.ChunkIndex,
		TotalChunks: req.TotalChunks,
		Payload:     req.Payload,
		ReceivedAt:  in.opts.now().UTC(),
	}
	if err := in.records.PutChunk(ctx, userID, req.FileName, chunk); err != nil {
		return nil, in.ingestError(ctx, req, fmt.Errorf("storing chunk: %w", err))
	}

	meta, err := json.Marshal(req.FileMetadata)
	if err != nil {
		return nil, in.ingestError(ctx, req, fmt.Errorf("encoding file metadata: %w", err))
	}

	prog, added, err := in.records.AddChunkIndex(ctx, userID, req.FileName, req.ChunkIndex, req.TotalChunks, meta)
	switch {
	case errors.Is(err, store.ErrTombstoned):
		// Finalized between the check above and the update.
		return in.finalized(ctx, userID, req, ack)
	case errors.Is(err, store.ErrTotalChunksMismatch):
		telemetry.RecordChunkIngest(ctx, "rejected", 0)
		return nil, fmt.Errorf("%w: %w", ErrChunkConflict, err)
	case err != nil:
		return nil, in.ingestError(ctx, req, fmt.Errorf("updating progress: %w", err))
	}

	ack.Duplicate = !added
	ack.Received = len(prog.CompletedChunks)
	telemetry.RecordChunkIngest(ctx, "accepted", len(req.Payload))

	in.logger.Debug("chunk accepted",
		"user_id", userID,
		"file", req.FileName,
		"chunk", req.ChunkIndex,
		"received", ack.Received,
		"total", req.TotalChunks,
		"duplicate", ack.Duplicate,
	)

	if !in.shouldFinalize(prog, req) {
		return ack, nil
	}

	file, err := in.finalizer.Finalize(ctx, userID, req.FileName, req.FileMetadata)
	if err != nil {
		return nil, err
	}
	ack.Completed = true
	ack.File = file
	return ack, nil
}

func (in *Ingestor) shouldFinalize(prog *store.Progress, req ChunkRequest) bool {
	switch in.opts.policy {
	case CompletionLastIndex:
		// A gap filled after the last index arrived also completes the file.
		return req.ChunkIndex == req.TotalChunks-1 || prog.Complete()
	default:
		return prog.Complete()
	}
}

// checkPlanned rejects chunks whose count differs from the planned upload.
// Uploads that were never planned are not checked.
func (in *Ingestor) checkPlanned(ctx context.Context, userID string, req ChunkRequest) error {
	sess, err := in.records.GetSession(ctx, userID, req.FileName)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return in.ingestError(ctx, req, fmt.Errorf("loading upload session: %w", err))
	case sess.TotalChunks > 0 && sess.TotalChunks != req.TotalChunks:
		telemetry.RecordChunkIngest(ctx, "rejected", 0)
		return fmt.Errorf("%w: upload was planned with %d chunks, got %d", ErrChunkConflict, sess.TotalChunks, req.TotalChunks)
	}
	return nil
}

// finalized acknowledges a chunk for an upload that already completed.
func (in *Ingestor) finalized(ctx context.Context, userID string, req ChunkRequest, ack *ChunkAck) (*ChunkAck, error) {
	telemetry.RecordChunkIngest(ctx, "duplicate", 0)
	ack.Duplicate = true
	ack.Completed = true
	ack.Received = req.TotalChunks
	if file, err := in.records.GetFile(ctx, userID, req.FileName); err == nil {
		ack.File = file
	}
	in.logger.Debug("chunk for finalized upload ignored", "user_id", userID, "file", req.FileName, "chunk", req.ChunkIndex)
	return ack, nil
}

func (in *Ingestor) validate(req ChunkRequest) error {
	if err := validateName(req.FileName); err != nil {
		return err
	}
	if req.TotalChunks <= 0 {
		return fmt.Errorf("%w: totalChunks must be positive", ErrInvalidRequest)
	}
	if req.ChunkIndex < 0 || req.ChunkIndex >= req.TotalChunks {
		return fmt.Errorf("%w: chunkIndex %d out of range [0, %d)", ErrInvalidRequest, req.ChunkIndex, req.TotalChunks)
	}
	if int64(len(req.Payload)) > in.opts.maxChunkSize {
		return fmt.Errorf("%w: chunk of %d bytes exceeds %d", ErrPayloadTooLarge, len(req.Payload), in.opts.maxChunkSize)
	}
	return nil
}

func (in *Ingestor) ingestError(ctx context.Context, req ChunkRequest, err error) error {
	telemetry.RecordChunkIngest(ctx, "error", 0)
	in.logger.Error("chunk ingest failed", "file", req.FileName, "chunk", req.ChunkIndex, "error", err)
	return &IngestError{FileName: req.FileName, ChunkIndex: req.ChunkIndex, Err: err}
}
