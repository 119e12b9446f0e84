package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	offlinecache "github.com/wolfeidau/offline-cache"
)

const (
	// CompressionThreshold is the minimum body size before compression is considered.
	CompressionThreshold = 2048

	// MaxBodySize is the largest body that will be stored.
	MaxBodySize = 32 * 1024 * 1024

	// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
	MaxHeaderSize = 64 * 1024

	encodingIdentity = "identity"
	encodingZstd     = "zstd"
)

var (
	// magicBytes is the 4-byte prefix for framed snapshots.
	magicBytes = []byte("OCS1")

	// ErrInvalidMagic is returned when a record doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected OCS1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")

	// ErrBodyTooLarge is returned when a body exceeds MaxBodySize.
	ErrBodyTooLarge = errors.New("body exceeds maximum size")

	// ErrCorrupted is returned when the stored body does not match its digest.
	ErrCorrupted = errors.New("snapshot digest mismatch")
)

// snapshotHeader is the JSON header of a framed snapshot.
type snapshotHeader struct {
	Method        string              `json:"method"`
	URL           string              `json:"url"`
	Status        int                 `json:"status"`
	Header        http.Header         `json:"header,omitempty"`
	StoredAt      time.Time           `json:"stored_at"`
	ContentLength int64               `json:"content_length"`
	ContentHash   offlinecache.Digest `json:"content_hash"`
	Encoding      string              `json:"encoding"`
}

// Codec frames snapshots for storage.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODY
// Bodies at or above CompressionThreshold are zstd compressed when that helps.
// Encoder and decoder are goroutine-safe and can be reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a codec with a shared zstd encoder/decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
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
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode frames snap into a byte slice.
func (c *Codec) Encode(snap *Snapshot) ([]byte, error) {
	if len(snap.Body) > MaxBodySize {
		return nil, ErrBodyTooLarge
	}

	payload, encoding := c.compress(snap.Body)

	hdr := snapshotHeader{
		Method:        snap.Key.Method,
		URL:           snap.Key.URL,
		Status:        snap.Status,
		Header:        snap.Header,
		StoredAt:      snap.StoredAt.UTC(),
		ContentLength: int64(len(snap.Body)),
		ContentHash:   snap.Digest,
		Encoding:      encoding,
	}
	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}
	if len(hdrBytes) > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	var buf bytes.Buffer
	buf.Grow(len(magicBytes) + 4 + len(hdrBytes) + len(payload))
	buf.Write(magicBytes)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(hdrBytes))) //nolint:gosec // bounds-checked above
	buf.Write(hdrBytes)
	buf.Write(payload)
	return buf.Bytes(), nil
}

// Decode parses a framed snapshot and verifies the body digest.
// The returned snapshot does not alias data.
func (c *Codec) Decode(data []byte) (*Snapshot, error) {
	if len(data) < len(magicBytes)+4 || !bytes.Equal(data[:len(magicBytes)], magicBytes) {
		return nil, ErrInvalidMagic
	}
	rest := data[len(magicBytes):]

	hdrLen := binary.BigEndian.Uint32(rest[:4])
	if hdrLen > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}
	rest = rest[4:]
	if uint32(len(rest)) < hdrLen { //nolint:gosec // len is non-negative
		return nil, fmt.Errorf("reading header: %w", errTruncated)
	}

	var hdr snapshotHeader
	if err := json.Unmarshal(rest[:hdrLen], &hdr); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}

	body, err := c.decompress(rest[hdrLen:], hdr.Encoding, hdr.ContentLength)
	if err != nil {
		return nil, err
	}
	if !hdr.ContentHash.Matches(body) {
		return nil, ErrCorrupted
	}

	return &Snapshot{
		Key:      offlinecache.RequestKey{Method: hdr.Method, URL: hdr.URL},
		Status:   hdr.Status,
		Header:   hdr.Header,
		Body:     body,
		StoredAt: hdr.StoredAt,
		Digest:   hdr.ContentHash,
	}, nil
}

var errTruncated = errors.New("truncated record")

func (c *Codec) compress(body []byte) ([]byte, string) {
	if len(body) < CompressionThreshold {
		return body, encodingIdentity
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return body, encodingIdentity
	}

	compressed := enc.EncodeAll(body, nil)
	if len(compressed) >= len(body) {
		return body, encodingIdentity
	}
	return compressed, encodingZstd
}

func (c *Codec) decompress(payload []byte, encoding string, size int64) ([]byte, error) {
	switch encoding {
	case encodingIdentity, "":
		body := make([]byte, len(payload))
		copy(body, payload)
		return body, nil
	case encodingZstd:
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", encoding)
	}

	if size > MaxBodySize {
		return nil, ErrBodyTooLarge
	}

	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()
	if dec == nil {
		return nil, errors.New("decoder not initialized")
	}

	body, err := dec.DecodeAll(payload, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("decompressing body: %w", err)
	}
	return body, nil
}
