package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStorePutGetDeleteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	store, err := OpenStore(path, 4096, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, store.Put([]byte("a"), []byte("1")))
	v, ok, err := store.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, store.Delete([]byte("a")))
	_, ok, err = store.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Close())
}

func TestStoreReopenPreservesTreeRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	store, err := OpenStore(path, 4096, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Put([]byte("a"), []byte("1")))
	require.NoError(t, store.Put([]byte("b"), []byte("2")))
	require.NoError(t, store.Close())

	reopened, err := OpenStore(path, 4096, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	v, ok, err := reopened.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	v, ok, err = reopened.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}

func TestStoreScanVisitsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	store, err := OpenStore(path, 4096, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put([]byte("c"), []byte("3")))
	require.NoError(t, store.Put([]byte("a"), []byte("1")))
	require.NoError(t, store.Put([]byte("b"), []byte("2")))

	var keys []string
	require.NoError(t, store.Scan(nil, func(key, value []byte) bool {
		keys = append(keys, string(key))
		return true
	}))
	require.Equal(t, []string{"a", "b", "c"}, keys)
}
