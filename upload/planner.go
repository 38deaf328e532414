package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wolfeidau/upload-gateway/graph"
	"github.com/wolfeidau/upload-gateway/store"
)

// Planner decides between direct and chunked uploads and opens the remote
// upload session for chunked ones.
type Planner struct {
	records *store.Records
	opts    options
	logger  *slog.Logger
}

// NewPlanner creates a planner.
func NewPlanner(records *store.Records, opts ...Option) *Planner {
	o := newOptions(opts)
	return &Planner{
		records: records,
		opts:    o,
		logger:  o.logger.With("component", "planner"),
	}
}

// DirectThreshold is the largest file size planned as a direct upload.
func (p *Planner) DirectThreshold() int64 { return p.opts.directThreshold }

// MaxChunkSize is the chunk size clients must use for chunked uploads.
func (p *Planner) MaxChunkSize() int64 { return p.opts.maxChunkSize }

// PlanUpload returns a direct plan when meta.SizeBytes is at most the
// threshold, otherwise returns a chunked plan backed by a remote session.
//
// Re-planning an in-flight upload of the same size resumes its session and
// progress. A different size cancels the old session and discards received
// chunks. A finalized upload's tombstone is cleared so the file can be
// uploaded again. Remote failures are returned as *SessionError.
func (p *Planner) PlanUpload(ctx context.Context, userID string, meta FileMetadata) (*Plan, error) {
	if err := validateName(meta.Name); err != nil {
		return nil, err
	}
	if meta.SizeBytes < 0 {
		return nil, fmt.Errorf("%w: sizeBytes must not be negative", ErrInvalidRequest)
	}

	if meta.SizeBytes <= p.opts.directThreshold {
		p.logger.Debug("planned direct upload", "user_id", userID, "file", meta.Name, "size", meta.SizeBytes)
		return &Plan{Strategy: StrategyDirect, MaxChunkSize: p.opts.maxChunkSize}, nil
	}

	total := TotalChunks(meta.SizeBytes, p.opts.maxChunkSize)
	plan := &Plan{
		Strategy:       StrategyChunked,
		MaxChunkSize:   p.opts.maxChunkSize,
		TotalChunks:    total,
		AcceptedRanges: []string{"0-"},
	}

	prev, err := p.records.GetSession(ctx, userID, meta.Name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		prev = nil
	case err != nil:
		return nil, &SessionError{FileName: meta.Name, Err: fmt.Errorf("loading session: %w", err)}
	}
	resume := prev != nil && prev.SizeBytes == meta.SizeBytes && prev.TotalChunks == total

	session := &store.Session{
		UserID:       userID,
		FileName:     meta.Name,
		SizeBytes:    meta.SizeBytes,
		TotalChunks:  total,
		MaxChunkSize: p.opts.maxChunkSize,
		CreatedAt:    p.opts.now().UTC(),
	}

	if p.opts.remote != nil {
		remote, driveID, folder, err := p.openRemote(ctx, meta, prev, resume)
		if err != nil {
			return nil, newSessionError(meta.Name, err)
		}

		plan.UploadURL = remote.UploadURL
		if !remote.ExpiresAt.IsZero() {
			exp := remote.ExpiresAt
			plan.ExpiresAt = &exp
		}
		plan.AcceptedRanges = plan.AcceptedRanges[:0]
		for _, r := range remote.NextExpectedRanges {
			plan.AcceptedRanges = append(plan.AcceptedRanges, r.String())
		}

		session.DriveID = driveID
		session.FolderPath = folder
		session.UploadURL = remote.UploadURL
		session.ExpiresAt = remote.ExpiresAt
	}

	if err := p.records.PutSession(ctx, session); err != nil {
		return nil, &SessionError{FileName: meta.Name, Err: fmt.Errorf("persisting session: %w", err)}
	}
	if err := p.resetProgress(ctx, userID, meta.Name, total); err != nil {
		return nil, &SessionError{FileName: meta.Name, Err: err}
	}

	p.logger.Info("planned chunked upload",
		"user_id", userID,
		"file", meta.Name,
		"size", meta.SizeBytes,
		"total_chunks", total,
		"remote", p.opts.remote != nil,
		"resumed", resume,
	)
	return plan, nil
}

// openRemote returns the remote session for a chunked upload. When resume is
// set and the previous session is still live it is reused; otherwise the
// previous session, if any, is canceled and a new one created.
func (p *Planner) openRemote(ctx context.Context, meta FileMetadata, prev *store.Session, resume bool) (*graph.UploadSession, string, string, error) {
	if prev != nil && prev.UploadURL != "" {
		old := &graph.UploadSession{UploadURL: prev.UploadURL, ExpiresAt: prev.ExpiresAt}
		if resume && !old.Expired(p.opts.now()) {
			cur, err := p.opts.remote.QueryUploadSession(ctx, old)
			if err == nil {
				if cur.ExpiresAt.IsZero() {
					cur.ExpiresAt = prev.ExpiresAt
				}
				return cur, prev.DriveID, prev.FolderPath, nil
			}
			p.logger.Info("previous upload session unusable, opening a new one", "file", meta.Name, "error", err)
		}
		if err := p.opts.remote.CancelUploadSession(ctx, old); err != nil {
			p.logger.Warn("canceling previous upload session", "file", meta.Name, "error", err)
		}
	}

	driveID, folder := p.opts.target(meta)
	remote, err := p.opts.remote.CreateUploadSession(ctx, driveID, folder, meta.Name)
	if err != nil {
		return nil, "", "", err
	}
	return remote, driveID, folder, nil
}

// resetProgress clears a finalized upload's tombstone, and discards
// in-flight progress and chunks planned with a different chunk count.
// Matching in-flight progress is kept so the upload can resume.
func (p *Planner) resetProgress(ctx context.Context, userID, fileName string, total int) error {
	prog, err := p.records.GetProgress(ctx, userID, fileName)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading progress: %w", err)
	}
	if !prog.Deleted && prog.TotalChunks == total {
		return nil
	}
	if err := p.records.ClearProgress(ctx, userID, fileName); err != nil {
		return fmt.Errorf("clearing progress: %w", err)
	}
	if !prog.Deleted {
		n, err := p.records.DeleteChunks(ctx, userID, fileName)
		if err != nil {
			return fmt.Errorf("discarding chunks: %w", err)
		}
		p.logger.Info("discarded chunks of re-planned upload", "user_id", userID, "file", fileName, "chunks", n)
	}
	return nil
}

// TotalChunks is the number of chunks of at most chunkSize covering size bytes.
func TotalChunks(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

func newSessionError(fileName string, err error) *SessionError {
	se := &SessionError{FileName: fileName, Err: err}
	var apiErr *graph.APIError
	if errors.As(err, &apiErr) {
		se.StatusCode = apiErr.StatusCode
		se.Body = apiErr.Body
	}
	var authErr *graph.AuthError
	if errors.As(err, &authErr) {
		se.StatusCode = authErr.StatusCode
		se.Body = authErr.Body
	}
	return se
}

func validateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: fileName is required", ErrInvalidRequest)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: fileName must not contain path separators", ErrInvalidRequest)
	case name == "." || name == "..":
		return fmt.Errorf("%w: invalid fileName %q", ErrInvalidRequest, name)
	}
	return nil
}
