package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemorySetGet(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "ns:a", []byte("1")))
	got, err := m.Get(ctx, "ns:a")
	require.NoError(t, err)
	require.Equal(t, "1", string(got))

	// Returned slices do not alias stored values.
	got[0] = '9'
	again, err := m.Get(ctx, "ns:a")
	require.NoError(t, err)
	require.Equal(t, "1", string(again))

	_, err = m.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryQuota(t *testing.T) {
	m := NewMemory(10)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("12345"))) // 6 bytes used
	err := m.Set(ctx, "j", []byte("12345"))               // would be 12
	require.ErrorIs(t, err, ErrQuotaExceeded)

	exists, err := m.Exists(ctx, "j")
	require.NoError(t, err)
	require.False(t, exists)

	// Overwrites only count the difference.
	require.NoError(t, m.Set(ctx, "k", []byte("123456789")))

	require.NoError(t, m.Delete(ctx, "k"))
	require.NoError(t, m.Set(ctx, "j", []byte("12345")))
}

func TestMemoryKeysAndSize(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "ns:b", []byte("bb")))
	require.NoError(t, m.Set(ctx, "ns:a", []byte("a")))
	require.NoError(t, m.Set(ctx, "other", []byte("o")))

	keys, err := m.Keys(ctx, "ns:")
	require.NoError(t, err)
	require.Equal(t, []string{"ns:a", "ns:b"}, keys)

	size, err := m.Size(ctx, "ns:b")
	require.NoError(t, err)
	require.EqualValues(t, 2, size)

	_, err = m.Size(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
