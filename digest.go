// Package offlinecache holds the identity and integrity primitives shared by
// the offline cache layers.
package offlinecache

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// DigestSize is the size of a BLAKE3 digest in bytes (256 bits).
const DigestSize = 32

// Digest is the BLAKE3 digest of a cached response body.
type Digest [DigestSize]byte

// DigestBytes computes the digest of body.
func DigestBytes(body []byte) Digest {
	return Digest(blake3.Sum256(body))
}

// String returns the hex-encoded digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ShortString returns the first 8 bytes hex-encoded, for logs.
func (d Digest) ShortString() string {
	return hex.EncodeToString(d[:8])
}

// IsZero reports whether the digest was never set.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Matches reports whether body hashes to d.
func (d Digest) Matches(body []byte) bool {
	sum := DigestBytes(body)
	return bytes.Equal(sum[:], d[:])
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	if len(text) != DigestSize*2 {
		return fmt.Errorf("invalid digest length: expected %d hex chars, got %d", DigestSize*2, len(text))
	}
	_, err := hex.Decode(d[:], text)
	return err
}

// ParseDigest parses a hex-encoded digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if err := d.UnmarshalText([]byte(s)); err != nil {
		return Digest{}, err
	}
	return d, nil
}
