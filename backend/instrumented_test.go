package backend

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestInstrumented(t *testing.T) *InstrumentedBackend {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return NewInstrumentedBackend(fs, "filesystem")
}

func TestInstrumentedBackend_WriteRead(t *testing.T) {
	ib := newTestInstrumented(t)
	ctx := context.Background()

	content := "hello, instrumented backend"
	require.NoError(t, ib.Write(ctx, "test/key", strings.NewReader(content)))

	rc, err := ib.Read(ctx, "test/key")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, content, string(got))
}

func TestInstrumentedBackend_Read_NotFound(t *testing.T) {
	ib := newTestInstrumented(t)

	_, err := ib.Read(context.Background(), "nonexistent/key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedBackend_Writer(t *testing.T) {
	ib := newTestInstrumented(t)
	ctx := context.Background()

	w, err := ib.Writer(ctx, "stream/key")
	require.NoError(t, err)
	n, err := w.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, int64(3), w.(*instrumentedWriter).n)
	require.NoError(t, w.Commit())

	size, err := ib.Size(ctx, "stream/key")
	require.NoError(t, err)
	require.Equal(t, int64(3), size)

	exists, err := ib.Exists(ctx, "stream/key")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, ib.Delete(ctx, "stream/key"))
	exists, err = ib.Exists(ctx, "stream/key")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestInstrumentedBackend_Unwrap(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	require.Same(t, fs, ib.Unwrap())
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "error", outcomeFromError(io.ErrUnexpectedEOF))
}
