package pagemanager

import (
	"path/filepath"
	"testing"

	"github.com/rivendb/rivendb/core/pagestore/pagearray"
	"github.com/stretchr/testify/require"
)

func newArray(t *testing.T) *pagearray.FilePageArray {
	t.Helper()
	a, err := pagearray.Open(filepath.Join(t.TempDir(), "data.db"), 4096)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAllocExtendsArray(t *testing.T) {
	a := newArray(t)
	pm := New(a)

	id1, err := pm.Alloc()
	require.NoError(t, err)
	require.Equal(t, uint64(2), id1)

	id2, err := pm.Alloc()
	require.NoError(t, err)
	require.Equal(t, uint64(3), id2)
}

func TestDeletedPageNotReusableBeforeNextCommit(t *testing.T) {
	a := newArray(t)
	pm := New(a)

	id, err := pm.Alloc()
	require.NoError(t, err)
	require.NoError(t, pm.Delete(id))

	next, err := pm.Alloc()
	require.NoError(t, err)
	require.NotEqual(t, id, next, "a deleted page must not be reused before the next commit completes")

	header := make([]byte, HeaderSize)
	require.NoError(t, pm.CommitStart(header, 0))
	require.NoError(t, pm.CommitEnd(header, 0))

	reused, err := pm.Alloc()
	require.NoError(t, err)
	require.Equal(t, id, reused, "a deleted page becomes reusable only after CommitStart/CommitEnd completes")
}

func TestRecycledPageReusableImmediately(t *testing.T) {
	a := newArray(t)
	pm := New(a)

	id, err := pm.Alloc()
	require.NoError(t, err)
	require.NoError(t, pm.Recycle(id))

	next, err := pm.Alloc()
	require.NoError(t, err)
	require.Equal(t, id, next)
}

func TestLoadRoundTripsFreeLists(t *testing.T) {
	a := newArray(t)
	pm := New(a)

	ids := make([]uint64, 0, 10)
	for i := 0; i < 10; i++ {
		id, err := pm.Alloc()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		require.NoError(t, pm.Delete(id))
	}
	header := make([]byte, HeaderSize)
	require.NoError(t, pm.CommitStart(header, 0))
	require.NoError(t, pm.CommitEnd(header, 0))

	pm2, err := Load(a, header)
	require.NoError(t, err)
	require.Equal(t, pm.TotalPageCount(), pm2.TotalPageCount())

	reused, err := pm2.Alloc()
	require.NoError(t, err)
	require.Contains(t, ids, reused)
}

func TestDeleteIllegalPageID(t *testing.T) {
	a := newArray(t)
	pm := New(a)
	err := pm.Delete(1)
	require.Error(t, err)
}
