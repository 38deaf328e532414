package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/upload-gateway/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

// Writer records the operation when the pending write is committed or aborted.
func (ib *InstrumentedBackend) Writer(ctx context.Context, key string) (PendingWriter, error) {
	start := time.Now()
	w, err := ib.backend.Writer(ctx, key)
	if err != nil {
		telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), 0)
		return nil, err
	}
	return &instrumentedWriter{PendingWriter: w, ctx: ctx, ib: ib, start: start}, nil
}

func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

func (ib *InstrumentedBackend) Size(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	size, err := ib.backend.Size(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "size", outcomeFromError(err), time.Since(start), 0)
	return size, err
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

type instrumentedWriter struct {
	PendingWriter
	ctx   context.Context
	ib    *InstrumentedBackend
	start time.Time
	n     int64
}

func (w *instrumentedWriter) Write(p []byte) (int, error) {
	n, err := w.PendingWriter.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *instrumentedWriter) Commit() error {
	err := w.PendingWriter.Commit()
	telemetry.RecordBackendOp(w.ctx, w.ib.name, "write", outcomeFromError(err), time.Since(w.start), w.n)
	return err
}

func (w *instrumentedWriter) Abort() error {
	err := w.PendingWriter.Abort()
	telemetry.RecordBackendOp(w.ctx, w.ib.name, "write", "aborted", time.Since(w.start), w.n)
	return err
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

var _ Backend = (*InstrumentedBackend)(nil)
