package docstore

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	// Root bucket holding one nested bucket per collection.
	bucketDocs = []byte("docs")

	// Document expiry index
	bucketDocsByExpiry    = []byte("docs_by_expiry")     // timestamp+collection+key -> collection+key
	bucketDocsExpiryByKey = []byte("docs_expiry_by_key") // collection+key -> 8-byte timestamp (reverse index for O(1) delete)
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice
// whose lexicographic order matches chronological order.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeCollectionKey creates a compound key.
// Format: [collection][separator][key]
func makeCollectionKey(collection, key string) []byte {
	result := make([]byte, len(collection)+1+len(key))
	copy(result, collection)
	result[len(collection)] = 0
	copy(result[len(collection)+1:], key)
	return result
}

// parseCollectionKey extracts collection and key from a compound key.
func parseCollectionKey(data []byte) (collection, key string) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), string(data[i+1:])
		}
	}
	return string(data), ""
}

// makeExpiryKey creates a key for the docs_by_expiry index.
// Format: [8-byte timestamp][collection][separator][key]
func makeExpiryKey(expiresAt time.Time, collection, key string) []byte {
	ck := makeCollectionKey(collection, key)
	result := make([]byte, 8+len(ck))
	copy(result[:8], encodeTimestamp(expiresAt))
	copy(result[8:], ck)
	return result
}

// parseExpiryKey extracts the expiry time, collection and key from an index key.
func parseExpiryKey(data []byte) (expiresAt time.Time, collection, key string) {
	if len(data) < 9 {
		return time.Time{}, "", ""
	}
	expiresAt = decodeTimestamp(data[:8])
	collection, key = parseCollectionKey(data[8:])
	return expiresAt, collection, key
}

// JoinKey joins key parts with the null separator so that a prefix scan on
// the leading parts returns every document below them in order.
func JoinKey(parts ...string) string {
	if len(parts) == 0 {
		return ""
	}
	n := len(parts) - 1
	for _, p := range parts {
		n += len(p)
	}
	buf := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			buf = append(buf, 0)
		}
		buf = append(buf, p...)
	}
	return string(buf)
}
