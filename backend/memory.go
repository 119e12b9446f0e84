package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory implements Backend in process memory with an optional byte quota,
// counted over key and value lengths.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
	used   int64
	quota  int64
}

// NewMemory creates an in-memory backend. A quota of zero means unlimited.
func NewMemory(quota int64) *Memory {
	return &Memory{
		values: make(map[string][]byte),
		quota:  quota,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	used := m.used + int64(len(value))
	if old, ok := m.values[key]; ok {
		used -= int64(len(old))
	} else {
		used += int64(len(key))
	}
	if m.quota > 0 && used > m.quota {
		return ErrQuotaExceeded
	}

	v := make([]byte, len(value))
	copy(v, value)
	m.values[key] = v
	m.used = used
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.values[key]; ok {
		m.used -= int64(len(key) + len(old))
		delete(m.values, key)
	}
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.values[key]
	return ok, nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Size(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return 0, ErrNotFound
	}
	return int64(len(v)), nil
}

var (
	_ Backend          = (*Memory)(nil)
	_ SizeAwareBackend = (*Memory)(nil)
)
