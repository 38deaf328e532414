package uploadgateway

import (
	"fmt"
	"strings"
)

// Algorithm identifies the hash algorithm used in a checksum.
type Algorithm string

const AlgBLAKE3 Algorithm = "blake3"

// Checksum is a file content digest, combining an algorithm identifier with a
// hash. It is serialised as "algorithm:hex" in file records.
type Checksum struct {
	Alg  Algorithm
	Hash Hash
}

// NewChecksum creates a BLAKE3 Checksum.
func NewChecksum(h Hash) Checksum {
	return Checksum{Alg: AlgBLAKE3, Hash: h}
}

// ParseChecksum parses a checksum string in the form "algorithm:hex".
// The algorithm is case-insensitive and normalised to lowercase.
func ParseChecksum(s string) (Checksum, error) {
	if s == "" {
		return Checksum{}, fmt.Errorf("empty checksum")
	}

	algoStr, hexStr, ok := strings.Cut(s, ":")
	if !ok {
		return Checksum{}, fmt.Errorf("checksum %q is missing an algorithm prefix", s)
	}

	if Algorithm(strings.ToLower(algoStr)) != AlgBLAKE3 {
		return Checksum{}, fmt.Errorf("unsupported algorithm %q in checksum %q", algoStr, s)
	}

	h, err := ParseHash(strings.ToLower(hexStr))
	if err != nil {
		return Checksum{}, fmt.Errorf("invalid hash in checksum %q: %w", s, err)
	}

	return Checksum{Alg: AlgBLAKE3, Hash: h}, nil
}

// String returns the canonical string form "algorithm:hex".
func (c Checksum) String() string {
	return string(c.Alg) + ":" + c.Hash.String()
}

// MarshalText implements encoding.TextMarshaler.
func (c Checksum) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Checksum) UnmarshalText(text []byte) error {
	parsed, err := ParseChecksum(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// File storage key layout.

const fileKeyPrefix = "files"

// FileStorageKey returns the backend storage key for a user's file.
// The name is hashed so arbitrary file names map to safe, sharded paths.
// Format: files/{hex[:2]}/{hex}
func FileStorageKey(userID, fileName string) string {
	h := HashBytes([]byte(fmt.Sprintf("%d:%s/%s", len(userID), userID, fileName)))
	hex := h.String()
	return fileKeyPrefix + "/" + hex[:2] + "/" + hex
}
