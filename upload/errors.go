package upload

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned for malformed plan or chunk input.
	ErrInvalidRequest = errors.New("invalid upload request")

	// ErrPayloadTooLarge is returned when a chunk or direct payload exceeds
	// the configured size.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrChunkConflict is returned when a chunk disagrees with the upload
	// already in progress, such as a different total chunk count.
	ErrChunkConflict = errors.New("chunk conflicts with upload in progress")

	// ErrIncompleteUpload is returned when finalization finds missing chunks.
	ErrIncompleteUpload = errors.New("upload is missing chunks")
)

// SessionError is returned when the remote API refuses to open an upload
// session. The client is expected to plan again.
type SessionError struct {
	FileName   string
	StatusCode int
	Body       string
	Err        error
}

func (e *SessionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("opening upload session for %q: HTTP %d: %v", e.FileName, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("opening upload session for %q: %v", e.FileName, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// IngestError is returned when a chunk or its progress cannot be persisted.
// Retransmitting the chunk is safe.
type IngestError struct {
	FileName   string
	ChunkIndex int
	Err        error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingesting chunk %d of %q: %v", e.ChunkIndex, e.FileName, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// FinalizeError is returned when a completed upload cannot be materialized.
// Progress is left untouched so resending the last chunk retries.
type FinalizeError struct {
	FileName string
	Err      error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("finalizing %q: %v", e.FileName, e.Err)
}

func (e *FinalizeError) Unwrap() error { return e.Err }
