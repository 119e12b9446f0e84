package store

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
)

// Snapshot is an exact capture of a response: status, headers and body bytes.
// A snapshot is immutable once created and can produce any number of
// independent responses.
type Snapshot struct {
	Key      offlinecache.RequestKey
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
	Digest   offlinecache.Digest
}

// NewSnapshot builds a snapshot and computes the body digest.
func NewSnapshot(key offlinecache.RequestKey, status int, header http.Header, body []byte, storedAt time.Time) *Snapshot {
	if header == nil {
		header = http.Header{}
	}
	return &Snapshot{
		Key:      key,
		Status:   status,
		Header:   header.Clone(),
		Body:     body,
		StoredAt: storedAt,
		Digest:   offlinecache.DigestBytes(body),
	}
}

// Capture reads resp fully and closes its body. Bodies larger than
// MaxBodySize are not captured; see CaptureLimit.
func Capture(key offlinecache.RequestKey, resp *http.Response, storedAt time.Time) (*Snapshot, error) {
	return CaptureLimit(key, resp, storedAt, MaxBodySize)
}

// CaptureLimit reads resp and closes its body unless the body is larger
// than limit bytes. An oversize body returns ErrBodyTooLarge with resp still
// open and resp.Body replaced so the complete body can be streamed to the
// caller uncached.
func CaptureLimit(key offlinecache.RequestKey, resp *http.Response, storedAt time.Time, limit int64) (*Snapshot, error) {
	if resp.ContentLength > limit {
		return nil, ErrBodyTooLarge
	}

	rest := resp.Body
	body, err := io.ReadAll(io.LimitReader(rest, limit+1))
	if err != nil {
		_ = rest.Close()
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if int64(len(body)) > limit {
		resp.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(body), rest), Closer: rest}
		return nil, ErrBodyTooLarge
	}
	_ = rest.Close()
	return NewSnapshot(key, resp.StatusCode, resp.Header, body, storedAt), nil
}

// replayBody yields the bytes already read followed by the unread remainder.
type replayBody struct {
	io.Reader
	io.Closer
}

// Cacheable reports whether the snapshot may be written to a cache.
// Only clean 200 responses qualify; redirects and errors are passed through
// to callers but never stored.
func (s *Snapshot) Cacheable() bool {
	return s.Status == http.StatusOK
}

// Response returns a new response backed by the snapshot body.
func (s *Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.Status, http.StatusText(s.Status)),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// Age returns how long ago the snapshot was stored.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.StoredAt)
}
