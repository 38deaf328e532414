package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	uploadgateway "github.com/wolfeidau/upload-gateway"
)

const (
	// CompressionThreshold is the minimum payload size before compression is
	// attempted. zstd overhead is not worth it for smaller chunks.
	CompressionThreshold = 2048

	// MaxChunkPayload caps both the stored and the decompressed payload.
	MaxChunkPayload = 64 << 20

	chunkRecordVersion = 1
)

// Field numbers of the chunk record wire format.
const (
	fieldVersion     protowire.Number = 1
	fieldChunkIndex  protowire.Number = 2
	fieldTotalChunks protowire.Number = 3
	fieldReceivedAt  protowire.Number = 4
	fieldEncoding    protowire.Number = 5
	fieldSize        protowire.Number = 6
	fieldDigest      protowire.Number = 7
	fieldPayload     protowire.Number = 8
)

type payloadEncoding uint64

const (
	encodingIdentity payloadEncoding = 0
	encodingZstd     payloadEncoding = 1
)

var (
	// ErrCorrupted is returned when a stored chunk fails digest verification.
	ErrCorrupted = errors.New("chunk payload digest mismatch")

	// ErrChunkTooLarge is returned when a payload exceeds MaxChunkPayload.
	ErrChunkTooLarge = errors.New("chunk payload exceeds maximum size")
)

// ChunkCodec encodes chunk records for the document store. Payloads at or
// above CompressionThreshold are zstd-compressed when that makes them
// smaller. Every record carries a BLAKE3 digest of the raw payload.
// Safe for concurrent use.
type ChunkCodec struct {
	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewChunkCodec creates a codec with a reusable zstd encoder and decoder.
func NewChunkCodec() (*ChunkCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxChunkPayload))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &ChunkCodec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder and decoder resources.
func (c *ChunkCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode serialises a chunk record.
func (c *ChunkCodec) Encode(ch *Chunk) ([]byte, error) {
	if len(ch.Payload) > MaxChunkPayload {
		return nil, ErrChunkTooLarge
	}

	digest := uploadgateway.HashBytes(ch.Payload)
	payload, enc := c.compress(ch.Payload)

	b := make([]byte, 0, len(payload)+80)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, chunkRecordVersion)
	b = protowire.AppendTag(b, fieldChunkIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ch.Index))
	b = protowire.AppendTag(b, fieldTotalChunks, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ch.TotalChunks))
	if !ch.ReceivedAt.IsZero() {
		b = protowire.AppendTag(b, fieldReceivedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ch.ReceivedAt.UnixNano()))
	}
	b = protowire.AppendTag(b, fieldEncoding, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(enc))
	b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(len(ch.Payload)))
	b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
	b = protowire.AppendBytes(b, digest[:])
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b, nil
}

// Decode parses a chunk record and verifies its digest. The returned
// payload never aliases data.
func (c *ChunkCodec) Decode(data []byte) (*Chunk, error) {
	var (
		ch      Chunk
		enc     payloadEncoding
		size    uint64
		digest  []byte
		payload []byte
	)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("decoding chunk record tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("decoding chunk record field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldVersion:
				if v != chunkRecordVersion {
					return nil, fmt.Errorf("unsupported chunk record version %d", v)
				}
			case fieldChunkIndex:
				ch.Index = int(v)
			case fieldTotalChunks:
				ch.TotalChunks = int(v)
			case fieldReceivedAt:
				ch.ReceivedAt = time.Unix(0, int64(v)).UTC()
			case fieldEncoding:
				enc = payloadEncoding(v)
			case fieldSize:
				size = v
			}
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("decoding chunk record field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldDigest:
				digest = v
			case fieldPayload:
				payload = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("skipping chunk record field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if size > MaxChunkPayload {
		return nil, ErrChunkTooLarge
	}

	raw, err := c.decompress(payload, enc)
	if err != nil {
		return nil, err
	}
	if uint64(len(raw)) != size {
		return nil, ErrCorrupted
	}
	sum := uploadgateway.HashBytes(raw)
	if len(digest) != uploadgateway.HashSize || string(sum[:]) != string(digest) {
		return nil, ErrCorrupted
	}

	ch.Payload = raw
	return &ch, nil
}

func (c *ChunkCodec) compress(data []byte) ([]byte, payloadEncoding) {
	if len(data) < CompressionThreshold {
		return data, encodingIdentity
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return data, encodingIdentity
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, encodingIdentity
	}
	return compressed, encodingZstd
}

func (c *ChunkCodec) decompress(payload []byte, enc payloadEncoding) ([]byte, error) {
	switch enc {
	case encodingIdentity:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("chunk codec is closed")
		}
		out, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing chunk payload: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported chunk payload encoding %d", enc)
	}
}
