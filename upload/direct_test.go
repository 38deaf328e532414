package upload

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uploadgateway "github.com/wolfeidau/upload-gateway"
	"github.com/wolfeidau/upload-gateway/store"
)

func TestDirectUpload(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, WithNow(func() time.Time { return now }))
	ctx := context.Background()

	file, created, err := h.direct.Upload(ctx, "u1", FileMetadata{
		Name:       "note.txt",
		MimeType:   "text/plain",
		Attributes: map[string]string{"project": "itr"},
	}, []byte("hello"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, store.MethodDirect, file.UploadMethod)
	assert.Equal(t, store.StatusCompleted, file.Status)
	assert.EqualValues(t, 5, file.SizeBytes)
	assert.Equal(t, "u1", file.OwnerID)
	assert.Equal(t, now, file.UploadedAt)
	assert.Equal(t, uploadgateway.FileStorageKey("u1", "note.txt"), file.Path)
	assert.Equal(t, uploadgateway.NewChecksum(uploadgateway.HashBytes([]byte("hello"))).String(), file.Checksum)
	assert.Empty(t, file.RemoteItemID)
	assert.Equal(t, "hello", string(readStored(t, h, file)))

	got, err := h.records.GetFile(ctx, "u1", "note.txt")
	require.NoError(t, err)
	assert.Equal(t, file.ID, got.ID)
}

func TestDirectUpload_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, created, err := h.direct.Upload(ctx, "u1", FileMetadata{Name: "a.txt"}, []byte("one"))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := h.direct.Upload(ctx, "u1", FileMetadata{Name: "a.txt"}, []byte("two"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "one", string(readStored(t, h, second)))
}

func TestDirectUpload_RestoresMissingBytes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, _, err := h.direct.Upload(ctx, "u1", FileMetadata{Name: "a.txt"}, []byte("one"))
	require.NoError(t, err)
	require.NoError(t, h.backend.Delete(ctx, first.Path))

	second, created, err := h.direct.Upload(ctx, "u1", FileMetadata{Name: "a.txt"}, []byte("two"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "two", string(readStored(t, h, second)))

	got, err := h.records.GetFile(ctx, "u1", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, uploadgateway.NewChecksum(uploadgateway.HashBytes([]byte("two"))).String(), got.Checksum)
}

func TestDirectUpload_Relays(t *testing.T) {
	h := newRemoteHarness(t)

	file, _, err := h.direct.Upload(context.Background(), "u1", FileMetadata{Name: "r.txt"}, []byte("relay me"))
	require.NoError(t, err)
	assert.Equal(t, "simple-r.txt", file.RemoteItemID)
	assert.Equal(t, "relay me", string(h.remote.simple["r.txt"]))
}

func TestDirectUpload_Rejects(t *testing.T) {
	h := newHarness(t, WithDirectThreshold(8))
	ctx := context.Background()

	_, _, err := h.direct.Upload(ctx, "u1", FileMetadata{Name: "big.txt"}, []byte(strings.Repeat("x", 9)))
	require.ErrorIs(t, err, ErrPayloadTooLarge)

	_, _, err = h.direct.Upload(ctx, "u1", FileMetadata{Name: "../up.txt"}, []byte("x"))
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.records.GetFile(ctx, "u1", "big.txt")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestParseCompletionPolicy(t *testing.T) {
	for in, want := range map[string]CompletionPolicy{
		"":           CompletionAllChunks,
		"all-chunks": CompletionAllChunks,
		"last-index": CompletionLastIndex,
	} {
		got, ok := ParseCompletionPolicy(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got)
	}
	_, ok := ParseCompletionPolicy("sometimes")
	assert.False(t, ok)
}
