// Package uploadgateway holds the content digests and storage keys shared by
// the upload pipeline.
package uploadgateway

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3-256 digest in bytes.
const HashSize = 32

// Hash is a BLAKE3-256 digest of file or chunk content.
type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid digest length: want %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes returns the digest of data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// AssemblyWriter forwards chunk payloads to an underlying writer while
// tracking the digest, the byte count and the number of parts of the
// assembled file.
type AssemblyWriter struct {
	w     io.Writer
	h     *blake3.Hasher
	size  int64
	parts int
}

// NewAssemblyWriter returns an AssemblyWriter writing to w.
func NewAssemblyWriter(w io.Writer) *AssemblyWriter {
	return &AssemblyWriter{w: w, h: blake3.New()}
}

// WritePart writes one chunk payload. Only bytes accepted by the underlying
// writer are hashed.
func (a *AssemblyWriter) WritePart(p []byte) error {
	n, err := a.w.Write(p)
	if n > 0 {
		_, _ = a.h.Write(p[:n])
		a.size += int64(n)
	}
	if err != nil {
		return err
	}
	if n < len(p) {
		return io.ErrShortWrite
	}
	a.parts++
	return nil
}

// Size is the number of bytes written so far.
func (a *AssemblyWriter) Size() int64 { return a.size }

// Parts is the number of parts fully written.
func (a *AssemblyWriter) Parts() int { return a.parts }

// Checksum is the digest of everything written so far.
func (a *AssemblyWriter) Checksum() Checksum {
	var h Hash
	a.h.Sum(h[:0])
	return NewChecksum(h)
}
