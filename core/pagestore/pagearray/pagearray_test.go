package pagearray

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenEmptyReportsEmpty(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "data.db"), 4096)
	require.NoError(t, err)
	require.True(t, a.IsEmpty())
	defer a.Close()
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "data.db"), 4096)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.SetPageCount(4))
	page := make([]byte, 4096)
	copy(page, []byte("hello world"))

	require.NoError(t, a.WritePage(2, page))

	out := make([]byte, 4096)
	require.NoError(t, a.ReadPage(2, out))
	require.Equal(t, page, out)
}

func TestReadPartial(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "data.db"), 4096)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.SetPageCount(4))
	page := make([]byte, 4096)
	copy(page, []byte("0123456789"))
	require.NoError(t, a.WritePage(2, page))

	out := make([]byte, 5)
	require.NoError(t, a.ReadPartial(2, 3, out))
	require.Equal(t, []byte("34567"), out)
}

func TestReopenPreservesData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")

	a, err := Open(path, 4096)
	require.NoError(t, err)
	require.NoError(t, a.SetPageCount(4))
	page := make([]byte, 4096)
	copy(page, []byte("persisted"))
	require.NoError(t, a.WritePage(3, page))
	require.NoError(t, a.Close())

	b, err := Open(path, 4096)
	require.NoError(t, err)
	defer b.Close()
	require.False(t, b.IsEmpty())

	out := make([]byte, 4096)
	require.NoError(t, b.ReadPage(3, out))
	require.Equal(t, page, out)
}
