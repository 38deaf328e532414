package uploadgateway

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 of the empty input.
	h := HashBytes([]byte{})
	require.Equal(t, "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", h.String())
}

func TestParseHash(t *testing.T) {
	original := HashBytes([]byte("parse test"))

	parsed, err := ParseHash(original.String())
	require.NoError(t, err)
	require.Equal(t, original, parsed)

	_, err = ParseHash("abc")
	require.Error(t, err)

	_, err = ParseHash(string(bytes.Repeat([]byte("zz"), HashSize)))
	require.Error(t, err)
}

func TestAssemblyWriter(t *testing.T) {
	var buf bytes.Buffer
	aw := NewAssemblyWriter(&buf)

	for _, part := range []string{"aaa", "bbb", "cc"} {
		require.NoError(t, aw.WritePart([]byte(part)))
	}

	require.Equal(t, "aaabbbcc", buf.String())
	require.Equal(t, int64(8), aw.Size())
	require.Equal(t, 3, aw.Parts())
	require.Equal(t, NewChecksum(HashBytes(buf.Bytes())), aw.Checksum())
}

type shortWriter struct{ limit int }

func (s *shortWriter) Write(p []byte) (int, error) {
	if len(p) > s.limit {
		return s.limit, nil
	}
	return len(p), nil
}

func TestAssemblyWriter_ShortWrite(t *testing.T) {
	aw := NewAssemblyWriter(&shortWriter{limit: 2})

	err := aw.WritePart([]byte("abcd"))
	require.True(t, errors.Is(err, io.ErrShortWrite))
	require.Equal(t, int64(2), aw.Size())
	require.Equal(t, 0, aw.Parts())
}
