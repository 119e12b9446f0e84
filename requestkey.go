package offlinecache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// RequestKey identifies a cached response: the request method plus the full
// resource URL. Two requests share a cache record only if both parts are
// byte-for-byte equal; there is no partial or prefix matching.
type RequestKey struct {
	Method string
	URL    string
}

// KeyFor returns the identity of req. The method is upper-cased (an empty
// method means GET) and the URL fragment is dropped because it is never sent
// over the wire.
func KeyFor(req *http.Request) RequestKey {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return RequestKey{Method: strings.ToUpper(method), URL: u.String()}
}

// NewRequestKey builds a key from a method and an absolute URL.
func NewRequestKey(method, rawURL string) (RequestKey, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return RequestKey{}, fmt.Errorf("parsing url: %w", err)
	}
	if !u.IsAbs() {
		return RequestKey{}, fmt.Errorf("request key url must be absolute: %q", rawURL)
	}
	if method == "" {
		method = http.MethodGet
	}
	u.Fragment = ""
	u.RawFragment = ""
	return RequestKey{Method: strings.ToUpper(method), URL: u.String()}, nil
}

// ParseRequestKey parses the "METHOD url" form produced by String.
func ParseRequestKey(s string) (RequestKey, error) {
	method, rawURL, ok := strings.Cut(s, " ")
	if !ok || method == "" || rawURL == "" {
		return RequestKey{}, fmt.Errorf("invalid request key %q", s)
	}
	return NewRequestKey(method, rawURL)
}

// String returns the key as "METHOD url".
func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// IsZero reports whether the key is empty.
func (k RequestKey) IsZero() bool {
	return k.Method == "" && k.URL == ""
}
