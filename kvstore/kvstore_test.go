package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/offline-cache/backend"
)

// fakeClock is a settable clock for expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 8, 9, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, b backend.Backend) (*Store, *fakeClock) {
	t.Helper()
	if b == nil {
		b = backend.NewMemory(0)
	}
	clock := newFakeClock()
	return New(b, WithNow(clock.Now)), clock
}

type county struct {
	Name  string `json:"name"`
	Code  int    `json:"code"`
	Seats int    `json:"seats"`
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)

	in := []county{{Name: "Nairobi", Code: 47, Seats: 17}, {Name: "Mombasa", Code: 1, Seats: 6}}
	require.NoError(t, s.Save(ctx, "counties", in))

	var out []county
	require.NoError(t, s.LoadJSON(ctx, "counties", 0, &out))
	require.Equal(t, in, out)
}

func TestSave_StoresNamespacedEnvelope(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory(0)
	s, clock := newTestStore(t, mem)

	require.NoError(t, s.Save(ctx, "x-key", map[string]int{"a": 1}))

	raw, err := mem.Get(ctx, "kenpolimarket-v1:x-key")
	require.NoError(t, err)

	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &envelope))
	require.JSONEq(t, `"x-key"`, string(envelope["key"]))
	require.JSONEq(t, `{"a":1}`, string(envelope["data"]))
	require.JSONEq(t, jsonNumber(clock.Now().UnixMilli()), string(envelope["timestamp"]))
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestSave_IdempotentWithFreshTimestamp(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, nil)

	require.NoError(t, s.Save(ctx, "k", "v"))
	first, err := s.Load(ctx, "k", 0)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.NoError(t, s.Save(ctx, "k", "v"))
	second, err := s.Load(ctx, "k", 0)
	require.NoError(t, err)

	require.JSONEq(t, `"v"`, string(first.Data))
	require.JSONEq(t, `"v"`, string(second.Data))
	require.Equal(t, time.Minute, second.WrittenAt().Sub(first.WrittenAt()))
}

func TestLoad_Missing(t *testing.T) {
	s, _ := newTestStore(t, nil)

	_, err := s.Load(context.Background(), "nope", 0)
	require.ErrorIs(t, err, ErrNotFound)
	require.NotErrorIs(t, err, ErrExpired)
}

func TestLoad_ExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	const maxAge = time.Hour
	const epsilon = time.Millisecond

	s, clock := newTestStore(t, nil)
	require.NoError(t, s.Save(ctx, "k", 42))

	clock.Advance(maxAge - epsilon)
	entry, err := s.Load(ctx, "k", maxAge)
	require.NoError(t, err)
	require.JSONEq(t, `42`, string(entry.Data))

	// exactly maxAge old is still fresh
	clock.Advance(epsilon)
	_, err = s.Load(ctx, "k", maxAge)
	require.NoError(t, err)

	clock.Advance(epsilon)
	_, err = s.Load(ctx, "k", maxAge)
	require.ErrorIs(t, err, ErrExpired)
	require.ErrorIs(t, err, ErrNotFound)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	require.NotContains(t, keys, "k")

	// never returned again, even with a larger max age
	_, err = s.Load(ctx, "k", 48*time.Hour)
	require.ErrorIs(t, err, ErrNotFound)
	require.NotErrorIs(t, err, ErrExpired)
}

func TestLoad_DefaultMaxAge(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, nil)
	require.NoError(t, s.Save(ctx, "k", true))

	clock.Advance(DefaultMaxAge)
	_, err := s.Load(ctx, "k", 0)
	require.NoError(t, err)

	clock.Advance(time.Millisecond)
	_, err = s.Load(ctx, "k", 0)
	require.ErrorIs(t, err, ErrExpired)
}

func TestLoad_CorruptEntry(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory(0)
	s, _ := newTestStore(t, mem)

	require.NoError(t, mem.Set(ctx, s.StorageKey("bad"), []byte("{not json")))

	_, err := s.Load(ctx, "bad", 0)
	require.ErrorIs(t, err, ErrCorrupt)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSave_QuotaExceeded(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, backend.NewMemory(64))

	big := make([]int, 100)
	err := s.Save(ctx, "big", big)
	require.ErrorIs(t, err, backend.ErrQuotaExceeded)

	_, err = s.Load(ctx, "big", 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSave_UnencodableData(t *testing.T) {
	s, _ := newTestStore(t, nil)
	err := s.Save(context.Background(), "ch", make(chan int))
	require.Error(t, err)
}

func TestSave_RawMessageStoredVerbatim(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)

	require.NoError(t, s.Save(ctx, "raw", json.RawMessage(`{"counties":["Kisumu","Nakuru"]}`)))
	entry, err := s.Load(ctx, "raw", 0)
	require.NoError(t, err)
	require.JSONEq(t, `{"counties":["Kisumu","Nakuru"]}`, string(entry.Data))
}

func TestRemove_Idempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)

	require.NoError(t, s.Save(ctx, "k", 1))
	require.NoError(t, s.Remove(ctx, "k"))
	require.NoError(t, s.Remove(ctx, "k"))

	_, err := s.Load(ctx, "k", 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClear_LeavesUnrelatedKeys(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory(0)
	s, _ := newTestStore(t, mem)
	other := New(mem, WithNamespace("kenpolimarket-v0"))

	require.NoError(t, s.Save(ctx, "a", 1))
	require.NoError(t, s.Save(ctx, "b", 2))
	require.NoError(t, other.Save(ctx, "a", 3))
	require.NoError(t, mem.Set(ctx, "theme", []byte("dark")))

	require.NoError(t, s.Clear(ctx))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)

	otherKeys, err := other.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, otherKeys)

	theme, err := mem.Get(ctx, "theme")
	require.NoError(t, err)
	require.Equal(t, "dark", string(theme))
}

func TestKeys(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)

	for _, k := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, s.Save(ctx, k, k))
	}

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "mid", "zeta"}, keys)
}

func TestSizeEstimate(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory(0)
	s, _ := newTestStore(t, mem)

	size, err := s.SizeEstimate(ctx)
	require.NoError(t, err)
	require.Zero(t, size)

	require.NoError(t, s.Save(ctx, "a", "hello"))
	require.NoError(t, s.Save(ctx, "b", []int{1, 2, 3}))
	require.NoError(t, mem.Set(ctx, "unrelated", []byte("ignored")))

	var want int64
	for _, k := range []string{"a", "b"} {
		v, err := mem.Get(ctx, s.StorageKey(k))
		require.NoError(t, err)
		want += int64(len(s.StorageKey(k)) + len(v))
	}

	size, err = s.SizeEstimate(ctx)
	require.NoError(t, err)
	require.Equal(t, want, size)
}

func TestFilesystemBackend(t *testing.T) {
	ctx := context.Background()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	s, _ := newTestStore(t, fs)

	require.NoError(t, s.Save(ctx, "x-key", map[string]string{"status": "ok"}))

	var out map[string]string
	require.NoError(t, s.LoadJSON(ctx, "x-key", 0, &out))
	assert.Equal(t, "ok", out["status"])

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"x-key"}, keys)

	size, err := s.SizeEstimate(ctx)
	require.NoError(t, err)
	assert.Positive(t, size)
}

// failingBackend returns err from every call.
type failingBackend struct {
	err error
}

func (f failingBackend) Get(context.Context, string) ([]byte, error)  { return nil, f.err }
func (f failingBackend) Set(context.Context, string, []byte) error    { return f.err }
func (f failingBackend) Delete(context.Context, string) error         { return f.err }
func (f failingBackend) Exists(context.Context, string) (bool, error) { return false, f.err }
func (f failingBackend) Keys(context.Context, string) ([]string, error) {
	return nil, f.err
}

func TestBackendFailuresAreReturned(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk on fire")
	s, _ := newTestStore(t, failingBackend{err: boom})

	require.ErrorIs(t, s.Save(ctx, "k", 1), boom)
	_, err := s.Load(ctx, "k", 0)
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Remove(ctx, "k"), boom)
	require.ErrorIs(t, s.Clear(ctx), boom)
	_, err = s.SizeEstimate(ctx)
	require.ErrorIs(t, err, boom)
}
