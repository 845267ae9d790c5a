package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	rulecache "github.com/wolfeidau/rule-cache"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	MaxPayloadSize = 10 * 1024 * 1024 // 10MB
)

// Encoding is the content encoding of a stored payload.
type Encoding string

const (
	EncodingIdentity Encoding = "identity"
	EncodingZstd     Encoding = "zstd"
)

var (
	// ErrPayloadTooLarge is returned when payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrCorrupted is returned when payload digest verification fails.
	ErrCorrupted = errors.New("payload digest mismatch")
)

// Codec compresses payloads with zstd and verifies them with a BLAKE3 digest.
// Encoder and decoder are goroutine-safe and can be reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a codec with a shared zstd encoder and decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		_ = c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode compresses data when it is large enough to benefit and returns the
// digest of the uncompressed bytes.
func (c *Codec) Encode(data []byte) (payload []byte, encoding Encoding, digest rulecache.Hash, err error) {
	if len(data) > MaxPayloadSize {
		return nil, EncodingIdentity, rulecache.Hash{}, ErrPayloadTooLarge
	}

	digest = rulecache.HashBytes(data)

	if len(data) < CompressionThreshold {
		return data, EncodingIdentity, digest, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return data, EncodingIdentity, digest, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, EncodingIdentity, digest, nil
	}
	return compressed, EncodingZstd, digest, nil
}

// Decode reverses Encode and verifies the digest.
func (c *Codec) Decode(payload []byte, encoding Encoding, digest rulecache.Hash) ([]byte, error) {
	var data []byte
	switch encoding {
	case EncodingIdentity, "":
		data = payload
	case EncodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		out, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		data = out
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", encoding)
	}

	if !digest.IsZero() && rulecache.HashBytes(data) != digest {
		return nil, ErrCorrupted
	}
	return data, nil
}
