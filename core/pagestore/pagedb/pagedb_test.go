package pagedb

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/rivendb/rivendb/core/pagestore/pagearray"
	"github.com/rivendb/rivendb/internal/dberr"
	"github.com/stretchr/testify/require"
)

func openFresh(t *testing.T) (*PageDb, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")
	array, err := pagearray.Open(path, 4096)
	require.NoError(t, err)
	db, err := Open(array, false, Options{})
	require.NoError(t, err)
	return db, path
}

// S1: fresh PageDb has a random database id and commit number 0 after the
// second seeded commit.
func TestFreshDatabaseSeeded(t *testing.T) {
	db, _ := openFresh(t)
	require.NotEqual(t, [16]byte{}, db.DatabaseID())
	require.Equal(t, uint32(0), db.CommitNumber())
}

func TestReopenPreservesIdentityAndAdvancesCommitNumber(t *testing.T) {
	db, path := openFresh(t)
	id := db.DatabaseID()
	require.NoError(t, db.Commit(nil))
	require.Equal(t, uint32(1), db.CommitNumber())
	require.NoError(t, db.array.Close())

	array, err := pagearray.Open(path, 4096)
	require.NoError(t, err)
	db2, err := Open(array, false, Options{})
	require.NoError(t, err)
	require.Equal(t, id, db2.DatabaseID())
	require.GreaterOrEqual(t, db2.CommitNumber(), db.CommitNumber()-1)
}

func TestAllocDeleteRoundTrip(t *testing.T) {
	db, _ := openFresh(t)

	id, err := db.AllocPage()
	require.NoError(t, err)
	require.GreaterOrEqual(t, id, uint64(2))

	require.NoError(t, db.DeletePage(id))

	other, err := db.AllocPage()
	require.NoError(t, err)
	require.NotEqual(t, id, other)

	require.NoError(t, db.Commit(nil))

	reused, err := db.AllocPage()
	require.NoError(t, err)
	require.Equal(t, id, reused)
}

func TestWriteReadPageRoundTrip(t *testing.T) {
	db, _ := openFresh(t)
	id, err := db.AllocPage()
	require.NoError(t, err)

	buf := make([]byte, 4096)
	copy(buf, []byte("hello"))
	require.NoError(t, db.WritePage(id, buf))

	out := make([]byte, 4096)
	require.NoError(t, db.ReadPage(id, out))
	require.Equal(t, buf, out)
}

func TestReservedPageIDsRejected(t *testing.T) {
	db, _ := openFresh(t)
	require.Error(t, db.DeletePage(0))
	require.Error(t, db.DeletePage(1))
	require.Error(t, db.WritePage(1, make([]byte, 4096)))
}

func TestFailureClosesDatabase(t *testing.T) {
	db, _ := openFresh(t)
	require.NoError(t, db.array.Close()) // sabotage the backing file

	err := db.ReadPage(2, make([]byte, 4096))
	require.Error(t, err)
	require.True(t, dberr.Is(err, dberr.KindIO))

	_, err = db.AllocPage()
	require.Error(t, err)
	require.True(t, dberr.Is(err, dberr.KindClosedIndex))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	db, _ := openFresh(t)
	id, err := db.AllocPage()
	require.NoError(t, err)
	buf := make([]byte, 4096)
	copy(buf, []byte("snapshot me"))
	require.NoError(t, db.WritePage(id, buf))
	require.NoError(t, db.Commit(nil))

	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		require.NoError(t, db.BeginSnapshot(pw))
	}()

	restorePath := filepath.Join(t.TempDir(), "restored.db")
	restored, err := RestoreFromSnapshot(pr, restorePath, Options{})
	require.NoError(t, err)
	require.Equal(t, db.DatabaseID(), restored.DatabaseID())

	out := make([]byte, 4096)
	require.NoError(t, restored.ReadPage(id, out))
	require.Equal(t, buf, out)
}
