package backend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}

func TestNewFilesystem(t *testing.T) {
	root := filepath.Join(t.TempDir(), "kv")

	fs, err := NewFilesystem(root)
	require.NoError(t, err)
	require.Equal(t, root, fs.Root())

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystemSetGet(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	key := "kenpolimarket-v1:counties"
	data := []byte(`{"data":[1,2,3],"timestamp":1700000000000,"key":"counties"}`)

	require.NoError(t, fs.Set(ctx, key, data))

	got, err := fs.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestFilesystemGetNotFound(t *testing.T) {
	fs := newTestFilesystem(t)

	_, err := fs.Get(context.Background(), "nonexistent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemRejectsEmptyKey(t *testing.T) {
	fs := newTestFilesystem(t)

	err := fs.Set(context.Background(), "", []byte("x"))
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestFilesystemAwkwardKeys(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	keys := []string{".", "..", "ns:a/b/../c", "ns:100%", "ns:with space", ".tmp-looks-temporary"}
	for _, key := range keys {
		require.NoError(t, fs.Set(ctx, key, []byte(key)), key)
	}
	for _, key := range keys {
		got, err := fs.Get(ctx, key)
		require.NoError(t, err, key)
		require.Equal(t, key, string(got))
	}

	listed, err := fs.Keys(ctx, "")
	require.NoError(t, err)
	require.ElementsMatch(t, keys, listed)

	// Nothing escaped the root directory.
	entries, err := os.ReadDir(filepath.Dir(fs.Root()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFilesystemOverwrite(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Set(ctx, "k", []byte("first value")))
	require.NoError(t, fs.Set(ctx, "k", []byte("second")))

	got, err := fs.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "second", string(got))

	size, err := fs.Size(ctx, "k")
	require.NoError(t, err)
	require.EqualValues(t, 6, size)
}

func TestFilesystemExistsDelete(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	exists, err := fs.Exists(ctx, "k")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, fs.Set(ctx, "k", []byte("v")))
	exists, err = fs.Exists(ctx, "k")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, fs.Delete(ctx, "k"))
	require.NoError(t, fs.Delete(ctx, "k"), "delete must be idempotent")

	exists, err = fs.Exists(ctx, "k")
	require.NoError(t, err)
	require.False(t, exists)

	_, err = fs.Size(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemKeysByPrefix(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	for _, k := range []string{"kenpolimarket-v1:b", "kenpolimarket-v1:a", "other:a", "theme"} {
		require.NoError(t, fs.Set(ctx, k, []byte("v")))
	}

	keys, err := fs.Keys(ctx, "kenpolimarket-v1:")
	require.NoError(t, err)
	require.Equal(t, []string{"kenpolimarket-v1:a", "kenpolimarket-v1:b"}, keys)

	// Leftover temp files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(fs.Root(), ".tmp-123"), []byte("partial"), 0o644))
	keys, err = fs.Keys(ctx, "")
	require.NoError(t, err)
	require.Len(t, keys, 4)
}

func TestFilesystemConcurrentWrites(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = fs.Set(ctx, "shared", []byte(strings.Repeat("x", n+1)))
		}(i)
	}
	wg.Wait()

	got, err := fs.Get(ctx, "shared")
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("x", len(got)), string(got), "value must be one complete write")
}
