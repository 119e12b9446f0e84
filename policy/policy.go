// Package policy maps an intercepted request to the caching strategy that
// answers it. Selection is a pure function of the request shape and a set of
// rules; it holds no state and performs no I/O.
package policy

import (
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Strategy is a caching policy for one class of request.
type Strategy int

const (
	// Passthrough sends the request to the network untouched. Used for
	// cross-origin requests.
	Passthrough Strategy = iota
	// NetworkOnly sends the request to the network and never stores the
	// response. Used for requests that are not GETs.
	NetworkOnly
	// NetworkFirst tries the network and falls back to the cached
	// application shell. Used for navigations.
	NetworkFirst
	// StaleWhileRevalidate serves the cached copy immediately and refreshes
	// it in the background. Used for dynamic API paths.
	StaleWhileRevalidate
	// CacheFirst serves a cached copy when one exists and fetches otherwise.
	CacheFirst
)

func (s Strategy) String() string {
	switch s {
	case Passthrough:
		return "passthrough"
	case NetworkOnly:
		return "network-only"
	case NetworkFirst:
		return "network-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	case CacheFirst:
		return "cache-first"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Cacheable reports whether responses served under s may be written to a store.
func (s Strategy) Cacheable() bool {
	return s == StaleWhileRevalidate || s == CacheFirst
}

// DefaultAPIPattern matches the dashboard's dynamic data endpoints.
const DefaultAPIPattern = `^/api/`

// Rules parameterise Select.
type Rules struct {
	// Origin is the application's own origin. Requests to any other
	// scheme+host are passed through. A nil Origin treats every request as
	// same-origin.
	Origin *url.URL
	// APIPatterns are matched against the request path.
	APIPatterns []*regexp.Regexp
}

// NewRules parses origin and the API path patterns. With no patterns the
// DefaultAPIPattern is used.
func NewRules(origin string, apiPatterns ...string) (Rules, error) {
	var rules Rules

	if origin != "" {
		u, err := url.Parse(origin)
		if err != nil {
			return Rules{}, fmt.Errorf("parsing origin: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return Rules{}, fmt.Errorf("origin must include scheme and host: %q", origin)
		}
		rules.Origin = u
	}

	if len(apiPatterns) == 0 {
		apiPatterns = []string{DefaultAPIPattern}
	}
	for _, p := range apiPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return Rules{}, fmt.Errorf("compiling api pattern %q: %w", p, err)
		}
		rules.APIPatterns = append(rules.APIPatterns, re)
	}

	return rules, nil
}

// Select returns the strategy for req. Precedence, first match wins:
// cross-origin, navigation (any method), non-GET, partial content (Range),
// dynamic API path, everything else. Partial content is never cached.
func Select(req *http.Request, rules Rules) Strategy {
	if !SameOrigin(req.URL, rules.Origin) {
		return Passthrough
	}
	if IsNavigation(req) {
		return NetworkFirst
	}
	if !isGet(req) || req.Header.Get("Range") != "" {
		return NetworkOnly
	}
	if IsDynamicAPI(req.URL.Path, rules.APIPatterns) {
		return StaleWhileRevalidate
	}
	return CacheFirst
}

// SameOrigin reports whether u shares scheme, host and port with origin.
// Default ports are normalised so http://a and http://a:80 match.
func SameOrigin(u, origin *url.URL) bool {
	if origin == nil {
		return true
	}
	if u == nil || !u.IsAbs() {
		// relative URLs resolve against the origin
		return u != nil
	}
	if !strings.EqualFold(u.Scheme, origin.Scheme) {
		return false
	}
	return hostPort(u) == hostPort(origin)
}

func hostPort(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	return host + ":" + port
}

func isGet(req *http.Request) bool {
	return req.Method == "" || req.Method == http.MethodGet
}

// IsNavigation reports whether req is a full page load. Browsers mark these,
// form submissions included, with Sec-Fetch-Mode: navigate; other clients
// are recognised by a GET whose first Accept media type is text/html.
func IsNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	if !isGet(req) {
		return false
	}

	accept := req.Header.Get("Accept")
	if accept == "" {
		return false
	}
	first, _, _ := strings.Cut(accept, ",")
	mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(first))
	if err != nil {
		return false
	}
	return mediaType == "text/html"
}

// IsDynamicAPI reports whether path matches any of patterns.
func IsDynamicAPI(path string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}
