package btree

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rivendb/rivendb/core/lockmgr"
	"github.com/rivendb/rivendb/core/pagestore/pagearray"
	"github.com/rivendb/rivendb/core/pagestore/pagedb"
	"github.com/rivendb/rivendb/core/txncontext"
)

func openDatabase(t *testing.T, pageSize int) *Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")
	array, err := pagearray.Open(path, pageSize)
	require.NoError(t, err)
	pdb, err := pagedb.Open(array, false, pagedb.Options{})
	require.NoError(t, err)
	return Open(pdb, Options{})
}

func key(i int) []byte   { return []byte(fmt.Sprintf("key-%06d", i)) }
func value(i int) []byte { return []byte(fmt.Sprintf("value-%06d-payload", i)) }

func TestPutGetRoundTrip(t *testing.T) {
	db := openDatabase(t, 4096)
	tree, err := db.CreateTree(1, "t")
	require.NoError(t, err)

	require.NoError(t, tree.Put([]byte("a"), []byte("1")))
	require.NoError(t, tree.Put([]byte("b"), []byte("2")))

	v, ok, err := tree.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	_, ok, err = tree.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutOverwritesExistingKey(t *testing.T) {
	db := openDatabase(t, 4096)
	tree, err := db.CreateTree(1, "t")
	require.NoError(t, err)

	require.NoError(t, tree.Put([]byte("a"), []byte("1")))
	require.NoError(t, tree.Put([]byte("a"), []byte("2")))

	v, ok, err := tree.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}

// Enough entries on a small page to force several preemptive splits and grow
// the tree past a single leaf.
func TestPutForcesSplitsAndPreservesAllEntries(t *testing.T) {
	db := openDatabase(t, 1024)
	tree, err := db.CreateTree(1, "t")
	require.NoError(t, err)

	const n = 300
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Put(key(i), value(i)))
	}
	for i := 0; i < n; i++ {
		v, ok, err := tree.Get(key(i))
		require.NoError(t, err)
		require.True(t, ok, "missing key %d", i)
		require.Equal(t, value(i), v)
	}

	root, err := db.pool.fetch(tree.RootPageID())
	require.NoError(t, err)
	require.False(t, root.node.isLeaf(), "expected root to have grown past a single leaf")
}

func TestCursorWalksInOrder(t *testing.T) {
	db := openDatabase(t, 1024)
	tree, err := db.CreateTree(1, "t")
	require.NoError(t, err)

	const n = 200
	for i := n - 1; i >= 0; i-- {
		require.NoError(t, tree.Put(key(i), value(i)))
	}

	c := tree.NewCursor()
	require.NoError(t, c.First())
	count := 0
	for c.Valid() {
		k, err := c.Key()
		require.NoError(t, err)
		require.Equal(t, key(count), k)
		count++
		require.NoError(t, c.Next())
	}
	require.Equal(t, n, count)
}

func TestCursorFindPositionsAtOrAfterKey(t *testing.T) {
	db := openDatabase(t, 4096)
	tree, err := db.CreateTree(1, "t")
	require.NoError(t, err)

	require.NoError(t, tree.Put([]byte("b"), []byte("1")))
	require.NoError(t, tree.Put([]byte("d"), []byte("2")))
	require.NoError(t, tree.Put([]byte("f"), []byte("3")))

	c := tree.NewCursor()
	require.NoError(t, c.Find([]byte("c")))
	require.True(t, c.Valid())
	k, err := c.Key()
	require.NoError(t, err)
	require.Equal(t, []byte("d"), k)
}

func TestDeleteForcesMergesAndShrinksRoot(t *testing.T) {
	db := openDatabase(t, 1024)
	tree, err := db.CreateTree(1, "t")
	require.NoError(t, err)

	const n = 300
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Put(key(i), value(i)))
	}
	root, err := db.pool.fetch(tree.RootPageID())
	require.NoError(t, err)
	require.False(t, root.node.isLeaf())

	for i := 0; i < n; i++ {
		require.NoError(t, tree.Delete(key(i)))
	}
	for i := 0; i < n; i++ {
		_, ok, err := tree.Get(key(i))
		require.NoError(t, err)
		require.False(t, ok)
	}

	root, err = db.pool.fetch(tree.RootPageID())
	require.NoError(t, err)
	require.True(t, root.node.isLeaf(), "expected root to have shrunk back to a single leaf")
	require.NotEmpty(t, tree.stubTailList, "expected at least one root-shrink stub to be recorded")
}

func TestDeleteMissingKeyIsNoOp(t *testing.T) {
	db := openDatabase(t, 4096)
	tree, err := db.CreateTree(1, "t")
	require.NoError(t, err)

	require.NoError(t, tree.Put([]byte("a"), []byte("1")))
	require.NoError(t, tree.Delete([]byte("does-not-exist")))

	v, ok, err := tree.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
}

func TestGraftJoinsTwoLeavesDirectly(t *testing.T) {
	db := openDatabase(t, 4096)
	low, err := db.CreateTree(1, "low")
	require.NoError(t, err)
	high, err := db.CreateTree(2, "high")
	require.NoError(t, err)

	require.NoError(t, low.Put([]byte("a"), []byte("1")))
	require.NoError(t, low.Put([]byte("b"), []byte("2")))
	require.NoError(t, high.Put([]byte("c"), []byte("3")))
	require.NoError(t, high.Put([]byte("d"), []byte("4")))

	joined, err := db.GraftTempTree(low, high)
	require.NoError(t, err)

	c := joined.NewCursor()
	require.NoError(t, c.First())
	var got [][]byte
	for c.Valid() {
		k, err := c.Key()
		require.NoError(t, err)
		got = append(got, k)
		require.NoError(t, c.Next())
	}
	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}, got)

	root, err := db.pool.fetch(joined.RootPageID())
	require.NoError(t, err)
	require.True(t, root.node.isLeaf(), "two small leaves should graft into one leaf, not grow a level")
}

func TestGraftGrowsALevelWhenRootsDoNotFitTogether(t *testing.T) {
	db := openDatabase(t, 1024)
	low, err := db.CreateTree(1, "low")
	require.NoError(t, err)
	high, err := db.CreateTree(2, "high")
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, low.Put(key(i), value(i)))
	}
	for i := 1000; i < 1100; i++ {
		require.NoError(t, high.Put(key(i), value(i)))
	}

	joined, err := db.GraftTempTree(low, high)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		_, ok, err := joined.Get(key(i))
		require.NoError(t, err)
		require.True(t, ok)
	}
	for i := 1000; i < 1100; i++ {
		_, ok, err := joined.Get(key(i))
		require.NoError(t, err)
		require.True(t, ok)
	}
}

// A first Put on a freshly created (empty-leaf) root whose value alone is
// large enough to trip isFull used to panic inside splitNode indexing an
// empty right.keys: splitNode had nothing to redistribute from a 0-entry
// node. Values over the fragment threshold are now written out to a side
// chain before the entry ever reaches the leaf, and splitNode itself
// refuses to split a node with fewer than two entries, so this no longer
// panics either way.
func TestPutOversizedFirstValueDoesNotPanic(t *testing.T) {
	db := openDatabase(t, 1024)
	tree, err := db.CreateTree(1, "t")
	require.NoError(t, err)

	oversized := []byte(strings.Repeat("x", 900))
	require.NoError(t, tree.Put([]byte("k"), oversized))

	v, ok, err := tree.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, oversized, v)
}

func TestPutFragmentsOversizedValueAndReadsItBack(t *testing.T) {
	db := openDatabase(t, 1024)
	tree, err := db.CreateTree(1, "t")
	require.NoError(t, err)

	large := []byte(strings.Repeat("payload-", 500)) // well over one page
	require.NoError(t, tree.Put([]byte("big"), large))

	v, ok, err := tree.Get([]byte("big"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, large, v)

	length, ok, err := tree.ValueLength([]byte("big"))
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, len(large), length)

	mid, err := tree.ValueReadAt([]byte("big"), 10, 20)
	require.NoError(t, err)
	require.Equal(t, large[10:30], mid)

	require.NoError(t, tree.ValueWriteAt([]byte("big"), 10, []byte("OVERWRITTEN---TEXT--")))
	patched, ok, err := tree.Get([]byte("big"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "OVERWRITTEN---TEXT--", string(patched[10:30]))
}

func TestDeleteFreesFragmentChain(t *testing.T) {
	db := openDatabase(t, 1024)
	tree, err := db.CreateTree(1, "t")
	require.NoError(t, err)

	large := []byte(strings.Repeat("z", 5000))
	require.NoError(t, tree.Put([]byte("big"), large))
	require.NoError(t, tree.Delete([]byte("big")))

	_, ok, err := tree.Get([]byte("big"))
	require.NoError(t, err)
	require.False(t, ok)

	// Reinserting under the same key should succeed cleanly, i.e. the
	// chain pages freed by Delete are not left dangling in a state that
	// corrupts a later allocation.
	require.NoError(t, tree.Put([]byte("big"), large))
	v, ok, err := tree.Get([]byte("big"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, large, v)
}

func TestPutTxnAcquiresExclusiveLockThroughLockManager(t *testing.T) {
	db := openDatabase(t, 4096)
	tree, err := db.CreateTree(1, "t")
	require.NoError(t, err)

	txn := txncontext.New(txncontext.Serializable, time.Second)
	require.NoError(t, tree.PutTxn(context.Background(), txn, []byte("k"), []byte("v")))

	other := txncontext.New(txncontext.Serializable, 0)
	_, err = db.locks.TryLockShared(context.Background(), other, tree.ID(), []byte("k"), lockmgr.NoWait)
	require.Error(t, err, "PutTxn should have left the exclusive lock held for the caller to release")
}

func TestGetTxnReadCommittedDoesNotRetainLock(t *testing.T) {
	db := openDatabase(t, 4096)
	tree, err := db.CreateTree(1, "t")
	require.NoError(t, err)
	require.NoError(t, tree.Put([]byte("k"), []byte("v")))

	txn := txncontext.New(txncontext.ReadCommitted, time.Second)
	v, ok, err := tree.GetTxn(context.Background(), txn, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)

	other := txncontext.New(txncontext.Serializable, 0)
	_, err = db.locks.TryLockExclusive(context.Background(), other, tree.ID(), []byte("k"), lockmgr.NoWait)
	require.NoError(t, err, "READ_COMMITTED get should have released its shared lock immediately")
}

func TestTreeMergerFoldsInLowKeyOrder(t *testing.T) {
	db := openDatabase(t, 4096)
	a, err := db.CreateTree(1, "a")
	require.NoError(t, err)
	b, err := db.CreateTree(2, "b")
	require.NoError(t, err)
	c, err := db.CreateTree(3, "c")
	require.NoError(t, err)

	require.NoError(t, a.Put([]byte("e"), []byte("5")))
	require.NoError(t, b.Put([]byte("a"), []byte("1")))
	require.NoError(t, c.Put([]byte("c"), []byte("3")))

	var mergedOrder []uint64
	merger := NewTreeMerger(db, []Target{
		{Tree: a, LowKey: []byte("e")},
		{Tree: b, LowKey: []byte("a")},
		{Tree: c, LowKey: []byte("c")},
	}, func(t *Tree) { mergedOrder = append(mergedOrder, t.ID()) }, nil)

	result, err := merger.Run()
	require.NoError(t, err)
	require.NotNil(t, result)

	cur := result.NewCursor()
	require.NoError(t, cur.First())
	var got [][]byte
	for cur.Valid() {
		k, err := cur.Key()
		require.NoError(t, err)
		got = append(got, k)
		require.NoError(t, cur.Next())
	}
	require.Equal(t, [][]byte{[]byte("a"), []byte("c"), []byte("e")}, got)
}
