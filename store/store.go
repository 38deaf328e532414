// Package store provides the typed upload records kept in the document
// store: per-file progress, individual chunks, final file records and the
// remote upload sessions opened for chunked uploads.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/wolfeidau/upload-gateway/store/docstore"
)

// Collection names.
const (
	CollectionProgress = "progress"
	CollectionChunks   = "chunks"
	CollectionFiles    = "files"
	CollectionSessions = "sessions"
)

// File status and upload method values.
const (
	StatusCompleted = "completed"

	MethodDirect  = "direct"
	MethodChunked = "chunked"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = docstore.ErrNotFound

	// ErrTotalChunksMismatch is returned when a chunk declares a different
	// chunk count than the progress record already holds.
	ErrTotalChunksMismatch = errors.New("total chunks does not match existing upload")

	// ErrTombstoned is returned when progress for a finished upload is
	// modified before a new upload has been planned.
	ErrTombstoned = errors.New("upload already finalized")
)

// Progress tracks the chunks received for one (user, file) upload.
// CompletedChunks is sorted, unique and within [0, TotalChunks).
type Progress struct {
	UserID          string          `json:"userId"`
	FileName        string          `json:"fileName"`
	TotalChunks     int             `json:"totalChunks"`
	CompletedChunks []int           `json:"completedChunks"`
	FileMetadata    json.RawMessage `json:"fileMetadata,omitempty"`
	StartedAt       time.Time       `json:"startedAt"`
	LastUpdated     time.Time       `json:"lastUpdated"`
	Deleted         bool            `json:"deleted"`
}

// Has reports whether chunk index i has been received.
func (p *Progress) Has(i int) bool {
	_, found := slices.BinarySearch(p.CompletedChunks, i)
	return found
}

// Complete reports whether every chunk has been received.
func (p *Progress) Complete() bool {
	return p.TotalChunks > 0 && len(p.CompletedChunks) == p.TotalChunks
}

// Missing returns the chunk indices not yet received.
func (p *Progress) Missing() []int {
	var missing []int
	for i := range p.TotalChunks {
		if !p.Has(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// add inserts i keeping CompletedChunks sorted. Reports whether it was new.
func (p *Progress) add(i int) bool {
	pos, found := slices.BinarySearch(p.CompletedChunks, i)
	if found {
		return false
	}
	p.CompletedChunks = slices.Insert(p.CompletedChunks, pos, i)
	return true
}

// Chunk is one received piece of a chunked upload.
type Chunk struct {
	Index       int
	TotalChunks int
	Payload     []byte
	ReceivedAt  time.Time
}

// File is the final record of a completed upload.
type File struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Path         string            `json:"path"`
	OwnerID      string            `json:"ownerId"`
	SizeBytes    int64             `json:"sizeBytes"`
	MimeType     string            `json:"mimeType,omitempty"`
	UploadedAt   time.Time         `json:"uploadedAt"`
	Status       string            `json:"status"`
	UploadMethod string            `json:"uploadMethod"`
	Checksum     string            `json:"checksum"`
	RemoteItemID string            `json:"remoteItemId,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// Session is the remote upload session opened when a chunked upload was
// planned. UploadURL is pre-authenticated and must not be logged.
type Session struct {
	UserID       string    `json:"userId"`
	FileName     string    `json:"fileName"`
	DriveID      string    `json:"driveId,omitempty"`
	FolderPath   string    `json:"folderPath,omitempty"`
	UploadURL    string    `json:"uploadUrl"`
	ExpiresAt    time.Time `json:"expiresAt"`
	SizeBytes    int64     `json:"sizeBytes"`
	TotalChunks  int       `json:"totalChunks"`
	MaxChunkSize int64     `json:"maxChunkSize"`
	CreatedAt    time.Time `json:"createdAt"`
}

func progressKey(userID, fileName string) string {
	return docstore.JoinKey(userID, fileName)
}

func chunkPrefix(userID, fileName string) string {
	return docstore.JoinKey(userID, fileName, "")
}

// chunkKey zero-pads the index so key order is index order.
func chunkKey(userID, fileName string, index int) string {
	return chunkPrefix(userID, fileName) + fmt.Sprintf("%08d", index)
}
