package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// FragmentAlignment is the required alignment of every non-final
	// fragment sent to an upload session (320 KiB).
	FragmentAlignment = 320 * 1024

	// DefaultFragmentSize is the size of fragments sent when relaying a
	// whole file to an upload session. It is a multiple of FragmentAlignment.
	DefaultFragmentSize = 16 * FragmentAlignment

	conflictRename = "rename"
)

// ErrMissingDriveID is returned when no drive is given for an item path.
var ErrMissingDriveID = errors.New("graph: drive id is required")

// itemPath builds /drives/{driveID}/root:/{folderPath/}{name}. Each segment
// is escaped independently so folder separators survive.
func itemPath(driveID, folderPath, name string) (string, error) {
	if driveID == "" {
		return "", ErrMissingDriveID
	}
	var b strings.Builder
	b.WriteString("/drives/")
	b.WriteString(url.PathEscape(driveID))
	b.WriteString("/root:/")
	for seg := range strings.SplitSeq(folderPath, "/") {
		if seg == "" {
			continue
		}
		b.WriteString(url.PathEscape(seg))
		b.WriteByte('/')
	}
	b.WriteString(url.PathEscape(name))
	return b.String(), nil
}

// CreateUploadSession opens a resumable upload session for name under
// folderPath in driveID, asking the server to rename on conflict. When the
// server omits nextExpectedRanges the session expects the whole file.
func (c *Client) CreateUploadSession(ctx context.Context, driveID, folderPath, name string) (*UploadSession, error) {
	p, err := itemPath(driveID, folderPath, name)
	if err != nil {
		return nil, err
	}

	c.logger.Info("creating upload session", "drive_id", driveID, "name", name)

	body, err := json.Marshal(createUploadSessionRequest{
		Item: uploadSessionItem{ConflictBehavior: conflictRename},
	})
	if err != nil {
		return nil, fmt.Errorf("graph: marshaling upload session request: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPost, p+":/createUploadSession", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.decodeSession(resp.Body)
}

// QueryUploadSession fetches the ranges the session still expects.
// The session URL is pre-authenticated, so no Authorization header is sent.
func (c *Client) QueryUploadSession(ctx context.Context, session *UploadSession) (*UploadSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, session.UploadURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("graph: creating query session request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph: query upload session: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}
	defer resp.Body.Close()

	s, err := c.decodeSession(resp.Body)
	if err != nil {
		return nil, err
	}
	if s.UploadURL == "" {
		s.UploadURL = session.UploadURL
	}
	return s, nil
}

// CancelUploadSession deletes the session and any fragments it holds.
func (c *Client) CancelUploadSession(ctx context.Context, session *UploadSession) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, session.UploadURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("graph: creating cancel session request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph: cancel upload session: %w", err)
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return readAPIError(resp)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug("upload session canceled")
	return nil
}

// UploadChunk PUTs length bytes from r at offset into the session.
// It returns nil for an intermediate fragment (202) and the created item on
// the final one (200 or 201). A 416 yields ErrRangeNotSatisfiable.
func (c *Client) UploadChunk(ctx context.Context, session *UploadSession, r io.Reader, offset, length, total int64) (*DriveItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.UploadURL, r)
	if err != nil {
		return nil, fmt.Errorf("graph: creating chunk upload request: %w", err)
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, total))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", userAgent)
	req.ContentLength = length

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph: chunk upload: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusAccepted:
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	case http.StatusOK, http.StatusCreated:
		defer resp.Body.Close()
		var item DriveItem
		if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
			return nil, fmt.Errorf("graph: decoding final chunk response: %w", err)
		}
		c.logger.Debug("upload session complete", "item_id", item.ID)
		return &item, nil
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		c.logger.Warn("chunk rejected with 416", "offset", offset, "length", length)
		return nil, ErrRangeNotSatisfiable
	default:
		return nil, readAPIError(resp)
	}
}

// UploadStream sends total bytes from r to the session in fragments of
// fragmentSize. fragmentSize must be a multiple of FragmentAlignment; zero
// selects DefaultFragmentSize.
func (c *Client) UploadStream(ctx context.Context, session *UploadSession, r io.Reader, total int64, fragmentSize int64) (*DriveItem, error) {
	if fragmentSize <= 0 {
		fragmentSize = DefaultFragmentSize
	}
	if fragmentSize%FragmentAlignment != 0 {
		return nil, fmt.Errorf("graph: fragment size %d is not a multiple of %d", fragmentSize, FragmentAlignment)
	}
	if total <= 0 {
		return nil, fmt.Errorf("graph: cannot stream %d bytes to an upload session", total)
	}

	buf := make([]byte, fragmentSize)
	var offset int64
	for offset < total {
		n := min(fragmentSize, total-offset)
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return nil, fmt.Errorf("graph: reading fragment at offset %d: %w", offset, err)
		}
		item, err := c.UploadChunk(ctx, session, bytes.NewReader(buf[:n]), offset, n, total)
		if err != nil {
			return nil, err
		}
		offset += n
		if offset == total {
			if item == nil {
				return nil, fmt.Errorf("graph: upload session did not return an item after the final fragment")
			}
			return item, nil
		}
	}
	return nil, fmt.Errorf("graph: upload stream ended at offset %d of %d", offset, total)
}

// SimpleUpload writes a small file in a single authenticated PUT.
func (c *Client) SimpleUpload(ctx context.Context, driveID, folderPath, name string, r io.Reader) (*DriveItem, error) {
	p, err := itemPath(driveID, folderPath, name)
	if err != nil {
		return nil, err
	}
	if r == nil {
		r = http.NoBody
	}

	c.logger.Info("simple upload", "drive_id", driveID, "name", name)

	resp, err := c.do(ctx, http.MethodPut, c.baseURL+p+":/content", "application/octet-stream", r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var item DriveItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("graph: decoding simple upload response: %w", err)
	}
	return &item, nil
}

func (c *Client) decodeSession(r io.Reader) (*UploadSession, error) {
	var usr uploadSessionResponse
	if err := json.NewDecoder(r).Decode(&usr); err != nil {
		return nil, fmt.Errorf("graph: decoding upload session response: %w", err)
	}

	ranges, err := ParseByteRanges(usr.NextExpectedRanges)
	if err != nil {
		return nil, fmt.Errorf("graph: %w", err)
	}

	session := &UploadSession{
		UploadURL:          usr.UploadURL,
		NextExpectedRanges: ranges,
	}
	if usr.ExpirationDateTime != "" {
		exp, err := time.Parse(time.RFC3339, usr.ExpirationDateTime)
		if err != nil {
			c.logger.Warn("invalid upload session expiration", "raw", usr.ExpirationDateTime, "error", err)
		} else {
			session.ExpiresAt = exp
		}
	}
	return session, nil
}
