package poscache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "position.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLoadOnEmptyCacheReturnsNotFound(t *testing.T) {
	c := newTestCache(t)
	_, found, err := c.Load()
	require.NoError(t, err)
	require.False(t, found)
}

func TestStoreThenLoadRoundTrips(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Store(4217))

	pos, found, err := c.Load()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 4217, pos)
}

func TestStoreOverwritesPreviousValue(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Store(1))
	require.NoError(t, c.Store(2))

	pos, found, err := c.Load()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 2, pos)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "position.db")
	c1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c1.Store(99))
	require.NoError(t, c1.Close())

	c2, err := Open(path)
	require.NoError(t, err)
	defer c2.Close()

	pos, found, err := c2.Load()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 99, pos)
}
