// Package upload implements the resumable upload pipeline: planning a
// direct or chunked upload, ingesting chunks in any order, and finalizing
// the assembled file exactly once.
package upload

import (
	"context"
	"io"
	"time"

	"github.com/wolfeidau/upload-gateway/graph"
	"github.com/wolfeidau/upload-gateway/store"
)

// Strategy is how a file is uploaded.
type Strategy string

const (
	StrategyDirect  Strategy = "direct"
	StrategyChunked Strategy = "chunked"
)

// CompletionPolicy decides when a chunk triggers finalization.
type CompletionPolicy int

const (
	// CompletionAllChunks finalizes once every index in [0, totalChunks)
	// has been received, whichever chunk arrives last.
	CompletionAllChunks CompletionPolicy = iota

	// CompletionLastIndex finalizes when the chunk with index totalChunks-1
	// arrives. If earlier chunks are missing, finalization fails with
	// ErrIncompleteUpload and progress is kept so the client can fill the
	// gaps and resend the last chunk.
	CompletionLastIndex
)

func (p CompletionPolicy) String() string {
	switch p {
	case CompletionLastIndex:
		return "last-index"
	default:
		return "all-chunks"
	}
}

// ParseCompletionPolicy parses "all-chunks" or "last-index".
func ParseCompletionPolicy(s string) (CompletionPolicy, bool) {
	switch s {
	case "", "all-chunks":
		return CompletionAllChunks, true
	case "last-index":
		return CompletionLastIndex, true
	default:
		return CompletionAllChunks, false
	}
}

// FileMetadata describes the file being uploaded.
type FileMetadata struct {
	Name       string            `json:"name"`
	SizeBytes  int64             `json:"sizeBytes"`
	MimeType   string            `json:"mimeType,omitempty"`
	DriveID    string            `json:"driveId,omitempty"`
	FolderPath string            `json:"folderPath,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Plan is the outcome of planning an upload.
type Plan struct {
	Strategy       Strategy   `json:"strategy"`
	UploadURL      string     `json:"uploadUrl,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	AcceptedRanges []string   `json:"acceptedRanges,omitempty"`
	MaxChunkSize   int64      `json:"maxChunkSize"`
	TotalChunks    int        `json:"totalChunks,omitempty"`
}

// ChunkRequest is one chunk submitted by a client.
type ChunkRequest struct {
	FileName     string
	ChunkIndex   int
	TotalChunks  int
	Payload      []byte
	FileMetadata FileMetadata
}

// ChunkAck acknowledges a chunk. Accepted does not imply Completed.
type ChunkAck struct {
	ChunkIndex  int         `json:"chunkIndex"`
	TotalChunks int         `json:"totalChunks"`
	Accepted    bool        `json:"accepted"`
	Completed   bool        `json:"completed"`
	Duplicate   bool        `json:"duplicate,omitempty"`
	Received    int         `json:"received"`
	File        *store.File `json:"file,omitempty"`
}

// Remote is the remote file API used to open sessions and relay bytes.
// *graph.Client implements it.
type Remote interface {
	CreateUploadSession(ctx context.Context, driveID, folderPath, name string) (*graph.UploadSession, error)
	UploadStream(ctx context.Context, session *graph.UploadSession, r io.Reader, total, fragmentSize int64) (*graph.DriveItem, error)
	SimpleUpload(ctx context.Context, driveID, folderPath, name string, r io.Reader) (*graph.DriveItem, error)
	QueryUploadSession(ctx context.Context, session *graph.UploadSession) (*graph.UploadSession, error)
	CancelUploadSession(ctx context.Context, session *graph.UploadSession) error
}

var _ Remote = (*graph.Client)(nil)
