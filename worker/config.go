package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfeidau/offline-cache/store"
)

const (
	// DefaultPrefix is the cache name prefix.
	DefaultPrefix = "kenpolimarket"

	// DefaultShellPath is the application shell served to failed navigations.
	DefaultShellPath = "/"

	// DefaultInstallConcurrency bounds parallel precache fetches.
	DefaultInstallConcurrency = 6

	// maxPrecacheRedirects bounds the redirects followed for one precache path.
	maxPrecacheRedirects = 10
)

// DefaultPrecache is the application shell: routes, manifest and icons.
var DefaultPrecache = []string{
	"/",
	"/counties",
	"/forecasts",
	"/voter-registration",
	"/manifest.json",
	"/icons/icon-192x192.png",
	"/icons/icon-512x512.png",
}

// Config describes one version of the worker. Cache names are derived from
// Prefix and Version so that two configs with different versions never share
// a store.
type Config struct {
	// Prefix is the first component of every cache name.
	Prefix string

	// Version tags this generation of caches. Required.
	Version string

	// Origin is the application's own origin, e.g. https://dashboard.example.com.
	// Requests to any other origin are passed through. Required.
	Origin string

	// Precache lists absolute paths fetched at install time.
	// Defaults to DefaultPrecache.
	Precache []string

	// APIPatterns are path regexps served stale-while-revalidate.
	// Defaults to policy.DefaultAPIPattern.
	APIPatterns []string

	// ShellPath is served when a navigation fails. Defaults to "/".
	ShellPath string

	// ManualActivation leaves an installed worker waiting until
	// Registration.SkipWaiting is called.
	ManualActivation bool

	// InstallConcurrency bounds parallel precache fetches.
	InstallConcurrency int

	// MaxBodySize is the largest response body captured into a cache.
	// Larger runtime responses are passed through uncached. Defaults to
	// store.MaxBodySize.
	MaxBodySize int64

	// Storage holds the named caches. Required.
	Storage store.Storage

	// Network performs real network requests. Defaults to http.DefaultTransport.
	Network http.RoundTripper

	// Notifier displays push notifications. Defaults to logging them.
	Notifier Notifier

	// Clients opens application windows. Defaults to logging the request.
	Clients Clients

	// Now is the clock used to stamp snapshots. Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// PrecacheName returns the name of this version's precache store.
func (c Config) PrecacheName() string {
	return fmt.Sprintf("%s-precache-%s", c.Prefix, c.Version)
}

// RuntimeName returns the name of this version's runtime store.
func (c Config) RuntimeName() string {
	return fmt.Sprintf("%s-runtime-%s", c.Prefix, c.Version)
}

// CacheNames returns every store name owned by this version.
func (c Config) CacheNames() []string {
	return []string{c.PrecacheName(), c.RuntimeName()}
}

// withDefaults fills unset fields and validates the result.
func (c Config) withDefaults() (Config, error) {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.Version == "" {
		return c, errors.New("worker version is required")
	}
	if c.Origin == "" {
		return c, errors.New("worker origin is required")
	}
	if c.Storage == nil {
		return c, errors.New("worker storage is required")
	}
	if c.Precache == nil {
		c.Precache = DefaultPrecache
	}
	for _, p := range c.Precache {
		if !strings.HasPrefix(p, "/") {
			return c, fmt.Errorf("precache path must be absolute: %q", p)
		}
	}
	if c.ShellPath == "" {
		c.ShellPath = DefaultShellPath
	}
	if c.InstallConcurrency <= 0 {
		c.InstallConcurrency = DefaultInstallConcurrency
	}
	if c.MaxBodySize <= 0 || c.MaxBodySize > store.MaxBodySize {
		c.MaxBodySize = store.MaxBodySize
	}
	if c.Network == nil {
		c.Network = http.DefaultTransport
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Notifier == nil {
		c.Notifier = logNotifier{logger: c.Logger}
	}
	if c.Clients == nil {
		c.Clients = logClients{logger: c.Logger}
	}
	return c, nil
}

// resolve returns the absolute URL of path on origin.
func resolve(origin *url.URL, path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return origin.String() + path
	}
	return origin.ResolveReference(ref).String()
}
