package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	uploadgateway "github.com/wolfeidau/upload-gateway"
	"github.com/wolfeidau/upload-gateway/backend"
	"github.com/wolfeidau/upload-gateway/store"
)

// Direct stores files small enough to skip chunking in a single request.
type Direct struct {
	records *store.Records
	backend backend.Backend
	opts    options
	logger  *slog.Logger
}

// NewDirect creates a direct uploader.
func NewDirect(records *store.Records, b backend.Backend, opts ...Option) *Direct {
	o := newOptions(opts)
	return &Direct{
		records: records,
		backend: b,
		opts:    o,
		logger:  o.logger.With("component", "direct"),
	}
}

// Upload stores payload as the final file, relays it when a remote is
// configured and creates the file record. An existing record for the same
// file is returned unchanged with created false, unless its bytes are
// missing from the backend, in which case the file is stored again.
func (d *Direct) Upload(ctx context.Context, userID string, meta FileMetadata, payload []byte) (*store.File, bool, error) {
	if err := validateName(meta.Name); err != nil {
		return nil, false, err
	}
	if int64(len(payload)) > d.opts.directThreshold {
		return nil, false, fmt.Errorf("%w: %d bytes exceeds direct upload limit of %d", ErrPayloadTooLarge, len(payload), d.opts.directThreshold)
	}

	var restore bool
	existing, err := d.records.GetFile(ctx, userID, meta.Name)
	switch {
	case err == nil:
		ok, err := d.backend.Exists(ctx, existing.Path)
		if err != nil {
			return nil, false, fmt.Errorf("checking stored file: %w", err)
		}
		if ok {
			return existing, false, nil
		}
		d.logger.Warn("file record has no stored bytes, storing again", "user_id", userID, "file", meta.Name, "id", existing.ID)
		restore = true
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, fmt.Errorf("loading file record: %w", err)
	}

	key := uploadgateway.FileStorageKey(userID, meta.Name)
	if err := d.backend.Write(ctx, key, bytes.NewReader(payload)); err != nil {
		return nil, false, fmt.Errorf("storing file: %w", err)
	}

	var remoteID string
	if d.opts.remote != nil {
		driveID, folder := d.opts.target(meta)
		item, err := d.opts.remote.SimpleUpload(ctx, driveID, folder, meta.Name, bytes.NewReader(payload))
		if err != nil {
			return nil, false, fmt.Errorf("relaying file: %w", err)
		}
		remoteID = item.ID
	}

	rec := &store.File{
		ID:           uuid.NewString(),
		Name:         meta.Name,
		Path:         key,
		OwnerID:      userID,
		SizeBytes:    int64(len(payload)),
		MimeType:     meta.MimeType,
		UploadedAt:   d.opts.now().UTC(),
		Status:       store.StatusCompleted,
		UploadMethod: store.MethodDirect,
		Checksum:     uploadgateway.NewChecksum(uploadgateway.HashBytes(payload)).String(),
		RemoteItemID: remoteID,
		Attributes:   meta.Attributes,
	}
	file, created := rec, true
	if restore {
		_, err = d.records.ReplaceFile(ctx, rec)
	} else {
		file, created, err = d.records.CreateFile(ctx, rec)
	}
	if err != nil {
		return nil, false, fmt.Errorf("writing file record: %w", err)
	}

	d.logger.Info("direct upload stored", "user_id", userID, "file", meta.Name, "size", len(payload), "created", created)
	return file, created, nil
}
