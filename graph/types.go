package graph

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ByteRange is an inclusive byte range. End is -1 for an open range ("N-"),
// meaning everything from Start to the end of the file.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Open reports whether the range extends to the end of the file.
func (r ByteRange) Open() bool {
	return r.End < 0
}

// String returns the wire form, e.g. "0-" or "26-1023".
func (r ByteRange) String() string {
	if r.Open() {
		return fmt.Sprintf("%d-", r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// ParseByteRange parses a nextExpectedRanges element.
func ParseByteRange(s string) (ByteRange, error) {
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return ByteRange{}, fmt.Errorf("invalid byte range %q", s)
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return ByteRange{}, fmt.Errorf("invalid byte range start %q", s)
	}
	if endStr == "" {
		return ByteRange{Start: start, End: -1}, nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return ByteRange{}, fmt.Errorf("invalid byte range end %q", s)
	}
	return ByteRange{Start: start, End: end}, nil
}

// ParseByteRanges parses a list of ranges. An empty list means the whole
// file is still expected and yields a single "0-" range.
func ParseByteRanges(ranges []string) ([]ByteRange, error) {
	if len(ranges) == 0 {
		return []ByteRange{{Start: 0, End: -1}}, nil
	}
	out := make([]ByteRange, 0, len(ranges))
	for _, s := range ranges {
		r, err := ParseByteRange(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// UploadSession is a provider-issued handle for a resumable upload. The
// UploadURL is pre-authenticated and must not be logged.
type UploadSession struct {
	UploadURL          string      `json:"uploadUrl"`
	ExpiresAt          time.Time   `json:"expiresAt"`
	NextExpectedRanges []ByteRange `json:"nextExpectedRanges"`
}

// Expired reports whether the session has passed its expiration time.
func (s *UploadSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// DriveItem is the subset of the remote item returned after an upload.
type DriveItem struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	WebURL string `json:"webUrl,omitempty"`
	ETag   string `json:"eTag,omitempty"`
}

type createUploadSessionRequest struct {
	Item uploadSessionItem `json:"item"`
}

type uploadSessionItem struct {
	ConflictBehavior string `json:"@microsoft.graph.conflictBehavior"`
	Name             string `json:"name,omitempty"`
}

type uploadSessionResponse struct {
	UploadURL          string   `json:"uploadUrl"`
	ExpirationDateTime string   `json:"expirationDateTime"`
	NextExpectedRanges []string `json:"nextExpectedRanges"`
}
