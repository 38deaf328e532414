package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/upload-gateway/backend"
	"github.com/wolfeidau/upload-gateway/graph"
	"github.com/wolfeidau/upload-gateway/store"
	"github.com/wolfeidau/upload-gateway/store/docstore"
)

// fakeRemote records calls made to the remote file API.
type fakeRemote struct {
	mu         sync.Mutex
	sessions   []string
	relayed    bytes.Buffer
	relays     int
	simple     map[string][]byte
	queries    int
	cancels    []string
	sessionErr error
	relayErr   error
	queryErr   error
}

func (f *fakeRemote) CreateUploadSession(_ context.Context, driveID, folderPath, name string) (*graph.UploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	f.sessions = append(f.sessions, driveID+"|"+folderPath+"|"+name)
	return &graph.UploadSession{
		UploadURL:          "https://upload.example/" + name,
		ExpiresAt:          time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		NextExpectedRanges: []graph.ByteRange{{Start: 0, End: -1}},
	}, nil
}

func (f *fakeRemote) UploadStream(_ context.Context, _ *graph.UploadSession, r io.Reader, total, _ int64) (*graph.DriveItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.relayErr != nil {
		return nil, f.relayErr
	}
	f.relays++
	f.relayed.Reset()
	n, err := io.Copy(&f.relayed, r)
	if err != nil {
		return nil, err
	}
	if n != total {
		return nil, errors.New("short relay")
	}
	return &graph.DriveItem{ID: "remote-item", Size: total}, nil
}

func (f *fakeRemote) SimpleUpload(_ context.Context, _, _, name string, r io.Reader) (*graph.DriveItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if f.simple == nil {
		f.simple = map[string][]byte{}
	}
	f.simple[name] = data
	return &graph.DriveItem{ID: "simple-" + name, Size: int64(len(data))}, nil
}

func (f *fakeRemote) QueryUploadSession(_ context.Context, s *graph.UploadSession) (*graph.UploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &graph.UploadSession{
		UploadURL:          s.UploadURL,
		NextExpectedRanges: []graph.ByteRange{{Start: 0, End: -1}},
	}, nil
}

func (f *fakeRemote) CancelUploadSession(_ context.Context, s *graph.UploadSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, s.UploadURL)
	return nil
}

type harness struct {
	db       *docstore.BoltDB
	records  *store.Records
	backend  *backend.Filesystem
	remote   *fakeRemote
	planner  *Planner
	final    *Finalizer
	ingestor *Ingestor
	direct   *Direct
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	dir := t.TempDir()

	db := docstore.NewBoltDB(docstore.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(dir, "upload.db")))
	t.Cleanup(func() { _ = db.Close() })

	records, err := store.NewRecords(db)
	require.NoError(t, err)
	t.Cleanup(records.Close)

	fs, err := backend.NewFilesystem(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	h := &harness{db: db, records: records, backend: fs}
	h.planner = NewPlanner(records, opts...)
	h.final = NewFinalizer(records, fs, opts...)
	h.ingestor = NewIngestor(records, h.final, opts...)
	h.direct = NewDirect(records, fs, opts...)
	return h
}

func newRemoteHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	remote := &fakeRemote{}
	h := newHarness(t, append([]Option{WithRemote(remote), WithDefaultDrive("drive-1", "Uploads")}, opts...)...)
	h.remote = remote
	return h
}

func readStored(t *testing.T, h *harness, f *store.File) []byte {
	t.Helper()
	rc, err := h.backend.Read(context.Background(), f.Path)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func chunkOf(name string, idx, total int, payload string) ChunkRequest {
	return ChunkRequest{
		FileName:     name,
		ChunkIndex:   idx,
		TotalChunks:  total,
		Payload:      []byte(payload),
		FileMetadata: FileMetadata{Name: name, MimeType: "application/octet-stream"},
	}
}
