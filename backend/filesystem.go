package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem implements Backend using the local filesystem.
// Writes are atomic using a temp file and rename pattern.
type Filesystem struct {
	root string
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

// Write stores data at the given key using atomic write.
func (fs *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	w, err := fs.Writer(ctx, key)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Abort()
		return fmt.Errorf("writing data: %w", err)
	}
	return w.Commit()
}

// Writer returns a PendingWriter backed by a temp file in the destination
// directory; Commit syncs and renames it into place.
func (fs *Filesystem) Writer(_ context.Context, key string) (PendingWriter, error) {
	path, err := fs.keyToPath(key)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	return &atomicWriter{f: tmp, dstPath: path}, nil
}

// Read retrieves data at the given key.
func (fs *Filesystem) Read(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := fs.keyToPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// Delete removes data at the given key.
func (fs *Filesystem) Delete(_ context.Context, key string) error {
	path, err := fs.keyToPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists checks if a key exists.
func (fs *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	_, err := fs.Size(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case err == ErrNotFound:
		return false, nil
	default:
		return false, err
	}
}

// Size returns the size of the data at the given key.
func (fs *Filesystem) Size(_ context.Context, key string) (int64, error) {
	path, err := fs.keyToPath(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

// keyToPath converts a slash separated key to a path under the root.
func (fs *Filesystem) keyToPath(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return filepath.Join(fs.root, filepath.FromSlash(key)), nil
}

type atomicWriter struct {
	f       *os.File
	dstPath string
	done    bool
}

func (w *atomicWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *atomicWriter) Commit() error {
	if w.done {
		return nil
	}
	w.done = true

	tmpPath := w.f.Name()
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, w.dstPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

func (w *atomicWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.f.Close()
	return os.Remove(w.f.Name())
}

var _ Backend = (*Filesystem)(nil)
