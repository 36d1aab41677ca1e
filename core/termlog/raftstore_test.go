package termlog

import (
	"path/filepath"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

func openLogAt(t *testing.T, dir string) *TermLog {
	t.Helper()
	log, err := Open(dir, 1, 0, 0, 0, Options{})
	require.NoError(t, err)
	return log
}

// GetLog must serve entries written before a process restart, not just
// whatever happens to still be in the in-memory map.
func TestRaftStoreGetLogSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	stableDir := filepath.Join(dir, "stable")

	log := openLogAt(t, dir)
	store, err := NewRaftStore(log, stableDir)
	require.NoError(t, err)

	entries := []*raft.Log{
		{Index: 1, Term: 1, Type: raft.LogCommand, Data: []byte("first")},
		{Index: 2, Term: 1, Type: raft.LogCommand, Data: []byte("second-entry-longer-payload")},
		{Index: 3, Term: 1, Type: raft.LogCommand, Data: []byte("third")},
	}
	require.NoError(t, store.StoreLogs(entries))

	first, err := store.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)
	last, err := store.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)

	require.NoError(t, log.Close())

	// Simulate a process restart: reopen the same segment file and rebuild
	// a fresh RaftStore over it with an empty in-memory entries map.
	reopened := openLogAt(t, dir)
	restarted, err := NewRaftStore(reopened, stableDir)
	require.NoError(t, err)

	for _, want := range entries {
		var got raft.Log
		require.NoError(t, restarted.GetLog(want.Index, &got))
		require.Equal(t, want.Index, got.Index)
		require.Equal(t, want.Term, got.Term)
		require.Equal(t, want.Data, got.Data)
	}

	restartedFirst, err := restarted.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(1), restartedFirst)
	restartedLast, err := restarted.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(3), restartedLast)

	// A further append after the restart lands after the replayed entries
	// rather than clobbering them.
	fourth := &raft.Log{Index: 4, Term: 1, Type: raft.LogCommand, Data: []byte("fourth")}
	require.NoError(t, restarted.StoreLogs([]*raft.Log{fourth}))
	var got raft.Log
	require.NoError(t, restarted.GetLog(1, &got))
	require.Equal(t, entries[0].Data, got.Data)
	require.NoError(t, restarted.GetLog(4, &got))
	require.Equal(t, fourth.Data, got.Data)
}

func TestRaftStoreGetLogMissingReturnsErrLogNotFound(t *testing.T) {
	dir := t.TempDir()
	log := openLogAt(t, dir)
	store, err := NewRaftStore(log, filepath.Join(dir, "stable"))
	require.NoError(t, err)

	var out raft.Log
	require.ErrorIs(t, store.GetLog(1, &out), raft.ErrLogNotFound)
}
