package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}

func TestNewFilesystem(t *testing.T) {
	root := filepath.Join(t.TempDir(), "files")

	fs, err := NewFilesystem(root)
	require.NoError(t, err)
	require.Equal(t, root, fs.Root())

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystemWriteRead(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	data := []byte("hello, world!")

	require.NoError(t, fs.Write(ctx, "files/ab/abcdef", bytes.NewReader(data)))

	rc, err := fs.Read(ctx, "files/ab/abcdef")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, data, got)

	size, err := fs.Size(ctx, "files/ab/abcdef")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), size)
}

func TestFilesystemReadNotFound(t *testing.T) {
	fs := newTestFilesystem(t)

	_, err := fs.Read(context.Background(), "nonexistent/key")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = fs.Size(context.Background(), "nonexistent/key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemExistsAndDelete(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	key := "exists/test.txt"

	exists, err := fs.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, fs.Write(ctx, key, bytes.NewReader([]byte("data"))))

	exists, err = fs.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, fs.Delete(ctx, key))
	require.NoError(t, fs.Delete(ctx, key))

	exists, err = fs.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestFilesystemWriterCommit(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	key := "stream/out.bin"

	w, err := fs.Writer(ctx, key)
	require.NoError(t, err)

	_, err = w.Write([]byte("chunk-0|"))
	require.NoError(t, err)

	// Not visible until commit.
	exists, err := fs.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	_, err = w.Write([]byte("chunk-1"))
	require.NoError(t, err)
	require.NoError(t, w.Commit())
	require.NoError(t, w.Abort(), "abort after commit is a no-op")

	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "chunk-0|chunk-1", string(got))
}

func TestFilesystemWriterAbort(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	w, err := fs.Writer(ctx, "stream/aborted.bin")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	exists, err := fs.Exists(ctx, "stream/aborted.bin")
	require.NoError(t, err)
	require.False(t, exists)

	entries, err := os.ReadDir(filepath.Join(fs.Root(), "stream"))
	require.NoError(t, err)
	require.Empty(t, entries, "temp file should be removed")
}

func TestFilesystemWriteFailedReaderLeavesNoFile(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	err := fs.Write(ctx, "broken/file", io.MultiReader(bytes.NewReader([]byte("ok")), errReader{}))
	require.Error(t, err)

	exists, err := fs.Exists(ctx, "broken/file")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestFilesystemRejectsInvalidKeys(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	for _, key := range []string{"", "/abs", "../escape", "a/../../b", "a//b", "a/./b"} {
		t.Run(key, func(t *testing.T) {
			err := fs.Write(ctx, key, bytes.NewReader(nil))
			require.ErrorIs(t, err, ErrInvalidKey)

			_, err = fs.Read(ctx, key)
			require.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("read failed") }
