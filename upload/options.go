package upload

import (
	"log/slog"
	"time"

	"github.com/wolfeidau/upload-gateway/graph"
	"github.com/wolfeidau/upload-gateway/store"
)

const (
	// DefaultDirectThreshold is the largest file uploaded directly (1 MiB).
	DefaultDirectThreshold int64 = 1 << 20

	// DefaultMaxChunkSize is the largest accepted chunk payload (1 MiB).
	DefaultMaxChunkSize int64 = 1 << 20
)

// Option configures the upload components. Each component reads only the
// settings it needs.
type Option func(*options)

type options struct {
	logger          *slog.Logger
	now             func() time.Time
	remote          Remote
	directThreshold int64
	maxChunkSize    int64
	defaultDriveID  string
	defaultFolder   string
	policy          CompletionPolicy
	tombstoneTTL    time.Duration
	fragmentSize    int64
}

func newOptions(opts []Option) options {
	o := options{
		logger:          slog.Default(),
		now:             time.Now,
		directThreshold: DefaultDirectThreshold,
		maxChunkSize:    DefaultMaxChunkSize,
		policy:          CompletionAllChunks,
		tombstoneTTL:    store.DefaultTombstoneTTL,
		fragmentSize:    graph.DefaultFragmentSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithNow sets the clock.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRemote enables remote sessions and relaying. Without it uploads are
// stored locally only.
func WithRemote(r Remote) Option {
	return func(o *options) { o.remote = r }
}

// WithDirectThreshold sets the largest size uploaded directly.
func WithDirectThreshold(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.directThreshold = n
		}
	}
}

// WithMaxChunkSize sets the largest accepted chunk payload.
func WithMaxChunkSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxChunkSize = n
		}
	}
}

// WithDefaultDrive sets the drive and folder used when a request names none.
func WithDefaultDrive(driveID, folderPath string) Option {
	return func(o *options) {
		o.defaultDriveID = driveID
		o.defaultFolder = folderPath
	}
}

// WithCompletionPolicy selects when finalization is triggered.
func WithCompletionPolicy(p CompletionPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithTombstoneTTL sets how long finalized progress tombstones are kept.
func WithTombstoneTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.tombstoneTTL = d
		}
	}
}

// WithFragmentSize sets the fragment size used when relaying to a session.
func WithFragmentSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.fragmentSize = n
		}
	}
}

func (o *options) target(meta FileMetadata) (driveID, folder string) {
	driveID, folder = meta.DriveID, meta.FolderPath
	if driveID == "" {
		driveID = o.defaultDriveID
	}
	if folder == "" {
		folder = o.defaultFolder
	}
	return driveID, folder
}
