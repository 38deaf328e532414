package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemPath(t *testing.T) {
	p, err := itemPath("drive-1", "/Reports/2024 Q1/", "site plan.pdf")
	require.NoError(t, err)
	assert.Equal(t, "/drives/drive-1/root:/Reports/2024%20Q1/site%20plan.pdf", p)

	p, err = itemPath("drive-1", "", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "/drives/drive-1/root:/a.txt", p)

	_, err = itemPath("", "", "a.txt")
	require.ErrorIs(t, err, ErrMissingDriveID)
}

func TestParseByteRanges(t *testing.T) {
	ranges, err := ParseByteRanges(nil)
	require.NoError(t, err)
	assert.Equal(t, []ByteRange{{Start: 0, End: -1}}, ranges)
	assert.Equal(t, "0-", ranges[0].String())

	ranges, err = ParseByteRanges([]string{"0-99", "1024-"})
	require.NoError(t, err)
	assert.Equal(t, []ByteRange{{Start: 0, End: 99}, {Start: 1024, End: -1}}, ranges)
	assert.Equal(t, "0-99", ranges[0].String())
	assert.True(t, ranges[1].Open())

	for _, bad := range []string{"", "abc", "10-5", "-5", "x-"} {
		_, err := ParseByteRange(bad)
		assert.Error(t, err, bad)
	}
}

func TestCreateUploadSession(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/drives/drive-1/root:/Compliance/ITR/big.bin:/createUploadSession", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req createUploadSessionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "rename", req.Item.ConflictBehavior)

		_, _ = w.Write([]byte(`{
			"uploadUrl": "https://upload.example/session/abc",
			"expirationDateTime": "2024-01-02T12:00:00Z",
			"nextExpectedRanges": ["0-"]
		}`))
	})

	s, err := c.CreateUploadSession(context.Background(), "drive-1", "Compliance/ITR", "big.bin")
	require.NoError(t, err)
	assert.Equal(t, "https://upload.example/session/abc", s.UploadURL)
	assert.Equal(t, time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC), s.ExpiresAt)
	assert.Equal(t, []ByteRange{{Start: 0, End: -1}}, s.NextExpectedRanges)
	assert.False(t, s.Expired(time.Date(2024, 1, 2, 11, 0, 0, 0, time.UTC)))
	assert.True(t, s.Expired(time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)))
}

func TestCreateUploadSession_DefaultsRanges(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"uploadUrl":"https://upload.example/s","expirationDateTime":"2024-01-02T12:00:00Z"}`))
	})

	s, err := c.CreateUploadSession(context.Background(), "d", "", "f.bin")
	require.NoError(t, err)
	assert.Equal(t, []ByteRange{{Start: 0, End: -1}}, s.NextExpectedRanges)
}

func TestCreateUploadSession_Rejected(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":"accessDenied"}}`))
	})

	_, err := c.CreateUploadSession(context.Background(), "d", "", "f.bin")
	require.ErrorIs(t, err, ErrForbidden)
}

// sessionServer emulates a resumable upload session endpoint.
type sessionServer struct {
	mu       sync.Mutex
	received bytes.Buffer
	total    int64
	ranges   []string
	auth     []string
}

func (s *sessionServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.auth = append(s.auth, r.Header.Get("Authorization"))

		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"expirationDateTime": "2024-01-02T12:00:00Z",
				"nextExpectedRanges": []string{fmt.Sprintf("%d-", s.received.Len())},
			})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodPut:
			s.ranges = append(s.ranges, r.Header.Get("Content-Range"))
			var start, end, total int64
			_, err := fmt.Sscanf(r.Header.Get("Content-Range"), "bytes %d-%d/%d", &start, &end, &total)
			assert.NoError(t, err)
			if start != int64(s.received.Len()) {
				w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
				return
			}
			_, _ = io.Copy(&s.received, r.Body)
			s.total = total
			if int64(s.received.Len()) == total {
				w.WriteHeader(http.StatusCreated)
				_ = json.NewEncoder(w).Encode(DriveItem{ID: "item-1", Name: "big.bin", Size: total})
				return
			}
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"nextExpectedRanges": []string{fmt.Sprintf("%d-", s.received.Len())},
			})
		}
	}
}

func TestUploadChunk(t *testing.T) {
	ss := &sessionServer{}
	c, _ := newTestClient(t, ss.handler(t))
	session := &UploadSession{UploadURL: c.baseURL + "/session/abc"}
	ctx := context.Background()

	item, err := c.UploadChunk(ctx, session, strings.NewReader("hello "), 0, 6, 11)
	require.NoError(t, err)
	assert.Nil(t, item)

	// Out of order fragment is rejected.
	_, err = c.UploadChunk(ctx, session, strings.NewReader("xx"), 9, 2, 11)
	require.ErrorIs(t, err, ErrRangeNotSatisfiable)

	status, err := c.QueryUploadSession(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, []ByteRange{{Start: 6, End: -1}}, status.NextExpectedRanges)
	assert.Equal(t, session.UploadURL, status.UploadURL)

	item, err = c.UploadChunk(ctx, session, strings.NewReader("world"), 6, 5, 11)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "item-1", item.ID)
	assert.Equal(t, "hello world", ss.received.String())
	assert.Equal(t, []string{"bytes 0-5/11", "bytes 9-10/11", "bytes 6-10/11"}, ss.ranges)

	// Session URLs are pre-authenticated.
	for _, a := range ss.auth {
		assert.Empty(t, a)
	}
}

func TestUploadStream(t *testing.T) {
	ss := &sessionServer{}
	c, _ := newTestClient(t, ss.handler(t))
	session := &UploadSession{UploadURL: c.baseURL + "/session/abc"}

	payload := bytes.Repeat([]byte("0123456789abcdef"), (2*FragmentAlignment+1000)/16)
	item, err := c.UploadStream(context.Background(), session, bytes.NewReader(payload), int64(len(payload)), FragmentAlignment)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, payload, ss.received.Bytes())
	assert.Len(t, ss.ranges, 3)
}

func TestUploadStream_RejectsUnalignedFragment(t *testing.T) {
	c := NewClient("http://unused", nil, &staticToken{}, nil)
	_, err := c.UploadStream(context.Background(), &UploadSession{}, strings.NewReader("x"), 1, 1000)
	require.Error(t, err)
}

func TestCancelUploadSession(t *testing.T) {
	ss := &sessionServer{}
	c, _ := newTestClient(t, ss.handler(t))
	require.NoError(t, c.CancelUploadSession(context.Background(), &UploadSession{UploadURL: c.baseURL + "/s"}))
}

func TestSimpleUpload(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/drives/d/root:/docs/small.txt:/content", r.URL.Path)
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "small", string(body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"item-9","name":"small.txt","size":5}`))
	})

	item, err := c.SimpleUpload(context.Background(), "d", "docs", "small.txt", strings.NewReader("small"))
	require.NoError(t, err)
	assert.Equal(t, "item-9", item.ID)
	assert.EqualValues(t, 5, item.Size)
}
