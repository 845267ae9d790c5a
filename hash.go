package rulecache

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// Hash represents a BLAKE3 256-bit digest of rule content.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ETag returns the digest as a strong HTTP entity tag.
func (h Hash) ETag() string {
	return `"` + h.String() + `"`
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}
