package worker

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the build-time description of a worker version: the paths to
// precache and the request classes to treat as dynamic API data. JSON
// manifests are accepted as well since JSON is valid YAML.
type Manifest struct {
	Prefix      string   `yaml:"prefix"`
	Version     string   `yaml:"version"`
	Shell       string   `yaml:"shell"`
	Precache    []string `yaml:"precache"`
	APIPatterns []string `yaml:"api_patterns"`
}

// LoadManifest reads and validates the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// ParseManifest decodes and validates a manifest. Unknown fields are errors.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("manifest is empty")
		}
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that the manifest names a version and that every
// precache path is absolute and listed once.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return errors.New("manifest version is required")
	}
	if m.Shell != "" && !strings.HasPrefix(m.Shell, "/") {
		return fmt.Errorf("shell path must be absolute: %q", m.Shell)
	}
	seen := make(map[string]struct{}, len(m.Precache))
	for _, p := range m.Precache {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("precache path must be absolute: %q", p)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("duplicate precache path: %q", p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

// Apply copies the manifest's non-empty fields onto cfg.
func (m *Manifest) Apply(cfg *Config) {
	if m.Prefix != "" {
		cfg.Prefix = m.Prefix
	}
	cfg.Version = m.Version
	if m.Shell != "" {
		cfg.ShellPath = m.Shell
	}
	if len(m.Precache) > 0 {
		cfg.Precache = m.Precache
	}
	if len(m.APIPatterns) > 0 {
		cfg.APIPatterns = m.APIPatterns
	}
}
