package btree

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/rivendb/rivendb/core/lockmgr"
	"github.com/rivendb/rivendb/core/pagestore/pagedb"
	"github.com/rivendb/rivendb/core/txncontext"
	"github.com/rivendb/rivendb/internal/dberr"
)

// splitReserve is the fraction of a page a mutation must fit under before a
// node is considered full and split preemptively on the way down, rather
// than after the fact (spec.md §4.5 "lacks free space for a mutation").
const splitReserve = 0.75

// mergeThreshold is the fraction of a page below which a node is
// considered underfull and a merge with a sibling is attempted on the way
// down (spec.md §4.5 "whose siblings together fit into one page").
const mergeThreshold = 0.35

// Options bundles a Database's optional collaborators.
type Options struct {
	Logger        *zap.Logger
	Metrics       *Metrics
	BufferPoolCap int

	// Locks is the row lock table shared by every Tree's Txn-suffixed
	// methods (spec.md §4.4). A default, unmetered Manager is created if
	// nil; callers that want lock-contention metrics pass their own.
	Locks *lockmgr.Manager
}

// Database owns the buffer pool shared by every Tree opened against one
// pagedb.PageDb.
type Database struct {
	pdb     *pagedb.PageDb
	pool    *bufferPool
	locks   *lockmgr.Manager
	logger  *zap.Logger
	metrics *Metrics
}

// Open wraps an already-open pagedb.PageDb with a btree Database.
func Open(pdb *pagedb.PageDb, opts Options) *Database {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cap := opts.BufferPoolCap
	if cap == 0 {
		cap = 256
	}
	locks := opts.Locks
	if locks == nil {
		locks = lockmgr.New(nil)
	}
	return &Database{
		pdb:     pdb,
		pool:    newBufferPool(pdb, cap, opts.Metrics),
		locks:   locks,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// stub is the sentinel left behind when a tree's root shrinks a level
// (spec.md §4.5 "Merges & root shrink"): it records the identity of a
// former root so any cursor still positioned there can be told to restart
// from the current root instead of dereferencing a freed page.
type stub struct {
	formerRootID uint64
}

// Tree is one ordered key/value B+ tree over a Database. Its root is a
// stable handle whose backing page id changes as the tree grows and
// shrinks (spec.md §4.5 Tree: "rootNode is a stable object whose backing
// page may be swapped").
type Tree struct {
	db   *Database
	id   uint64
	name string

	root atomic.Uint64

	writeMu      sync.Mutex
	stubTailList []*stub
}

// CreateTree allocates a fresh, empty single-leaf tree.
func (db *Database) CreateTree(id uint64, name string) (*Tree, error) {
	pageID, err := db.pdb.AllocPage()
	if err != nil {
		return nil, err
	}
	root := newLeaf(pageID)
	root.typ |= typeLowExtremity | typeHighExtremity
	db.pool.insert(root)

	t := &Tree{db: db, id: id, name: name}
	t.root.Store(pageID)
	return t, nil
}

// OpenTree wraps an existing root page as a Tree handle.
func (db *Database) OpenTree(id uint64, name string, rootPageID uint64) *Tree {
	t := &Tree{db: db, id: id, name: name}
	t.root.Store(rootPageID)
	return t
}

func (t *Tree) ID() uint64        { return t.id }
func (t *Tree) Name() string      { return t.name }
func (t *Tree) RootPageID() uint64 { return t.root.Load() }

func (t *Tree) isFull(n *node, extra int) bool {
	limit := int(float64(t.db.pdb.PageSize()) * splitReserve)
	return n.encodedSize()+extra > limit
}

func (t *Tree) isUnderfull(n *node) bool {
	if t.isRootNode(n) {
		return false
	}
	limit := int(float64(t.db.pdb.PageSize()) * mergeThreshold)
	return n.encodedSize() < limit
}

func (t *Tree) isRootNode(n *node) bool { return n.pageID == t.root.Load() }

// splittable reports whether n has enough entries for splitNode to
// meaningfully halve it. A node with fewer than two entries can't be
// divided into two non-empty halves; forcing the attempt used to panic
// indexing an empty right.keys (see splitNode) on a single first Put
// large enough to trip isFull on a freshly created empty-leaf root. Now
// that oversized values are fragmented before they ever reach a leaf
// entry, this only bites a lone key so large by itself it exceeds the
// split reserve, which key fragmentation deliberately does not cover
// (see DESIGN.md); such a node is left to grow past the soft limit and
// will surface a clear overflow error from serialize rather than crash.
func splittable(n *node) bool { return len(n.keys) >= 2 }

// entryFootprint estimates the serialized bytes a (key, storedValue) pair
// adds, used to decide whether a leaf needs to split before absorbing it.
// storedValue is what actually lands in the entry: the literal value, or
// a fixed-size chain descriptor once storeValue has fragmented it, so an
// oversized value never inflates this beyond chainDescriptorSize.
func entryFootprint(key, storedValue []byte) int { return 4 + len(key) + len(storedValue) }

// Get performs a lock-coupled, shared-latch descent and returns a copy of
// the stored value, if any, resolving a fragment chain transparently if
// the entry is one (spec.md §4.5 Descent).
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	cur, idx, found, err := t.descendToLeafShared(key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		cur.latch.ReleaseShared()
		return nil, false, nil
	}
	stored := append([]byte(nil), cur.node.values[idx]...)
	fragmented := cur.node.fragmented[idx]
	cur.latch.ReleaseShared()

	value, err := t.resolveValue(stored, fragmented)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// GetTxn is Get gated by txn's isolation level: a shared lock is acquired
// on key before the descent (skipped outright under READ_UNCOMMITTED) and
// released immediately unless txn.Isolation.RetainsReadLock (spec.md
// §4.4). The caller owns releasing any retained lock via txn's eventual
// commit/rollback (lockmgr.Manager.UnlockAll).
func (t *Tree) GetTxn(ctx context.Context, txn *txncontext.Context, key []byte) ([]byte, bool, error) {
	if txn.Isolation.NeedsReadLock() {
		if _, err := t.db.locks.LockShared(ctx, txn, t.id, key); err != nil {
			return nil, false, err
		}
		if !txn.Isolation.RetainsReadLock() {
			defer t.db.locks.Unlock(txn, t.id, key)
		}
	}
	return t.Get(key)
}

// Put inserts or replaces key's value, splitting full nodes preemptively
// on the way down so no split ever has to propagate back up (spec.md §4.5
// Splits, simplified: see DESIGN.md for the preemptive-split rationale).
// A value too large to keep inline is written out to a fragment chain
// first (spec.md §4.5 FRAGMENTED entries), so the entry that actually
// lands in the leaf is bounded by chainDescriptorSize regardless of the
// caller's value size.
func (t *Tree) Put(key, value []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	storedValue, fragmented, err := t.storeValue(value)
	if err != nil {
		return err
	}
	extra := entryFootprint(key, storedValue)

	root, err := t.db.pool.fetch(t.root.Load())
	if err != nil {
		return err
	}
	root.latch.AcquireExclusive()
	if t.isFull(root.node, extra) && splittable(root.node) {
		if err := t.splitRoot(root); err != nil {
			root.latch.ReleaseExclusive()
			return err
		}
		root.latch.ReleaseExclusive()
		root, err = t.db.pool.fetch(t.root.Load())
		if err != nil {
			return err
		}
		root.latch.AcquireExclusive()
	}

	cur := root
	for !cur.node.isLeaf() {
		idx := cur.node.childIndex(key)
		childID := cur.node.children[idx]
		child, err := t.db.pool.fetch(childID)
		if err != nil {
			cur.latch.ReleaseExclusive()
			return err
		}
		child.latch.AcquireExclusive()

		if t.isFull(child.node, extra) && splittable(child.node) {
			if err := t.splitChild(cur, idx, child); err != nil {
				child.latch.ReleaseExclusive()
				cur.latch.ReleaseExclusive()
				return err
			}
			idx = cur.node.childIndex(key)
			newChildID := cur.node.children[idx]
			if newChildID != child.node.pageID {
				child.latch.ReleaseExclusive()
				child, err = t.db.pool.fetch(newChildID)
				if err != nil {
					cur.latch.ReleaseExclusive()
					return err
				}
				child.latch.AcquireExclusive()
			}
		}

		cur.latch.ReleaseExclusive()
		cur = child
	}

	idx, found := cur.node.find(key)
	if found {
		oldValue, oldFragmented := cur.node.values[idx], cur.node.fragmented[idx]
		cur.node.values[idx] = storedValue
		cur.node.fragmented[idx] = fragmented
		if oldFragmented {
			if err := t.freeFragmentChain(oldValue); err != nil {
				cur.latch.ReleaseExclusive()
				return err
			}
		}
	} else {
		cur.node.insertLeaf(idx, append([]byte(nil), key...), storedValue, fragmented)
	}
	t.db.pool.markDirty(cur)
	cur.latch.ReleaseExclusive()
	return nil
}

// PutTxn is Put gated by an exclusive lock on key held for txn's whole
// transaction lifetime (released by the caller's eventual UnlockAll),
// matching the write-lock-until-commit contract spec.md §4.4 describes.
func (t *Tree) PutTxn(ctx context.Context, txn *txncontext.Context, key, value []byte) error {
	if _, err := t.db.locks.LockExclusive(ctx, txn, t.id, key); err != nil {
		return err
	}
	return t.Put(key, value)
}

// Delete removes key, merging underfull children with a sibling on the way
// down (spec.md §4.5 Merges & root shrink).
func (t *Tree) Delete(key []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	root, err := t.db.pool.fetch(t.root.Load())
	if err != nil {
		return err
	}
	root.latch.AcquireExclusive()
	cur := root

	for !cur.node.isLeaf() {
		idx := cur.node.childIndex(key)
		childID := cur.node.children[idx]
		child, err := t.db.pool.fetch(childID)
		if err != nil {
			cur.latch.ReleaseExclusive()
			return err
		}

		// Peek under a shared latch to decide whether a merge is needed,
		// then release before tryMerge independently fetches and
		// exclusively latches the sibling pair — child may be one of
		// them, and the latch is non-reentrant.
		child.latch.AcquireShared()
		underfull := t.isUnderfull(child.node)
		child.latch.ReleaseShared()

		if underfull {
			t.tryMerge(cur, idx)
			idx = cur.node.childIndex(key)
			childID = cur.node.children[idx]
			child, err = t.db.pool.fetch(childID)
			if err != nil {
				cur.latch.ReleaseExclusive()
				return err
			}
		}

		child.latch.AcquireExclusive()
		cur.latch.ReleaseExclusive()
		cur = child
	}

	var freedValue []byte
	var freedFragmented bool
	if idx, found := cur.node.find(key); found {
		freedValue, freedFragmented = cur.node.removeLeaf(idx)
		t.db.pool.markDirty(cur)
	}
	cur.latch.ReleaseExclusive()

	if freedFragmented {
		if err := t.freeFragmentChain(freedValue); err != nil {
			return err
		}
	}
	return t.maybeShrinkRoot()
}

// DeleteTxn is Delete gated by an exclusive lock on key held for txn's
// whole transaction lifetime, released by the caller's eventual
// UnlockAll (spec.md §4.4).
func (t *Tree) DeleteTxn(ctx context.Context, txn *txncontext.Context, key []byte) error {
	if _, err := t.db.locks.LockExclusive(ctx, txn, t.id, key); err != nil {
		return err
	}
	return t.Delete(key)
}

// splitNode redistributes n's entries roughly in half, returning the newly
// allocated right sibling and the separator key promoted to the parent.
// n is mutated in place to become the left half.
func (t *Tree) splitNode(n *node) (*node, []byte, error) {
	if !splittable(n) {
		return nil, nil, dberr.IllegalState("btree.splitNode", fmt.Errorf("node %d has %d entries, too few to split", n.pageID, len(n.keys)))
	}
	rightID, err := t.db.pdb.AllocPage()
	if err != nil {
		return nil, nil, err
	}
	mid := len(n.keys) / 2

	if n.isLeaf() {
		right := newLeaf(rightID)
		right.keys = append([][]byte(nil), n.keys[mid:]...)
		right.values = append([][]byte(nil), n.values[mid:]...)
		right.fragmented = append([]bool(nil), n.fragmented[mid:]...)
		n.keys = n.keys[:mid]
		n.values = n.values[:mid]
		n.fragmented = n.fragmented[:mid]

		if n.typ.highExtremity() {
			right.typ |= typeHighExtremity
			n.typ &^= typeHighExtremity
		}

		sep := append([]byte(nil), right.keys[0]...)
		if t.db.metrics != nil {
			t.db.metrics.splits.Inc()
		}
		return right, sep, nil
	}

	sep := append([]byte(nil), n.keys[mid]...)
	right := newInternal(rightID)
	right.keys = append([][]byte(nil), n.keys[mid+1:]...)
	right.children = append([]uint64(nil), n.children[mid+1:]...)
	n.keys = n.keys[:mid]
	n.children = n.children[:mid+1]

	if t.db.metrics != nil {
		t.db.metrics.splits.Inc()
	}
	return right, sep, nil
}

func (t *Tree) splitRoot(root *frame) error {
	right, sep, err := t.splitNode(root.node)
	if err != nil {
		return err
	}
	rightFrame := t.db.pool.insert(right)
	rightFrame.dirty = true

	newRootID, err := t.db.pdb.AllocPage()
	if err != nil {
		return err
	}
	newRoot := newInternal(newRootID)
	newRoot.keys = [][]byte{sep}
	newRoot.children = []uint64{root.node.pageID, right.pageID}
	t.db.pool.insert(newRoot)

	t.db.pool.markDirty(root)
	t.root.Store(newRootID)
	return nil
}

func (t *Tree) splitChild(parent *frame, idx int, child *frame) error {
	right, sep, err := t.splitNode(child.node)
	if err != nil {
		return err
	}
	rightFrame := t.db.pool.insert(right)
	rightFrame.dirty = true

	parent.node.insertInternal(idx, sep, right.pageID)
	t.db.pool.markDirty(parent)
	t.db.pool.markDirty(child)
	return nil
}

// tryMerge attempts to fold parent's child at idx into a sibling, removing
// the separator between them. It is a best-effort rebalance: if neither
// sibling merge fits within one page, the child is left underfull rather
// than borrowed from, matching spec.md's "siblings together fit into one
// page" merge-only rebalance contract.
func (t *Tree) tryMerge(parent *frame, idx int) {
	if idx > 0 {
		if t.mergeSiblings(parent, idx-1) {
			return
		}
	}
	if idx < len(parent.node.children)-1 {
		t.mergeSiblings(parent, idx)
	}
}

// mergeSiblings merges children[leftIdx+1] into children[leftIdx], removing
// separator keys[leftIdx] from parent. Returns false without modifying
// anything if the combined node would not fit in one page.
func (t *Tree) mergeSiblings(parent *frame, leftIdx int) bool {
	leftID := parent.node.children[leftIdx]
	rightID := parent.node.children[leftIdx+1]

	left, err := t.db.pool.fetch(leftID)
	if err != nil {
		return false
	}
	right, err := t.db.pool.fetch(rightID)
	if err != nil {
		return false
	}
	left.latch.AcquireExclusive()
	defer left.latch.ReleaseExclusive()
	right.latch.AcquireExclusive()
	defer right.latch.ReleaseExclusive()

	if left.node.isLeaf() {
		combined := left.node.encodedSize() + right.node.encodedSize() - (1 + 2 + checksumSize)
		if combined > t.db.pdb.PageSize() {
			return false
		}
		left.node.keys = append(left.node.keys, right.node.keys...)
		left.node.values = append(left.node.values, right.node.values...)
		left.node.fragmented = append(left.node.fragmented, right.node.fragmented...)
		if right.node.typ.highExtremity() {
			left.node.typ |= typeHighExtremity
		}
	} else {
		sep := parent.node.keys[leftIdx]
		combined := left.node.encodedSize() + right.node.encodedSize() + len(sep) - (1 + 2 + checksumSize)
		if combined > t.db.pdb.PageSize() {
			return false
		}
		left.node.keys = append(append(left.node.keys, sep), right.node.keys...)
		left.node.children = append(left.node.children, right.node.children...)
	}

	parent.node.removeInternalAt(leftIdx)
	t.db.pool.markDirty(left)
	t.db.pool.markDirty(parent)
	t.db.pool.drop(rightID)
	t.db.pdb.DeletePage(rightID)
	if t.db.metrics != nil {
		t.db.metrics.merges.Inc()
	}
	return true
}

// maybeShrinkRoot replaces the root with its sole remaining child once a
// merge has left it with no separators and one child, leaving a stub behind
// for any cursor still bound to the old root (spec.md §4.5 root_delete).
// Callers must already hold t.writeMu.
func (t *Tree) maybeShrinkRoot() error {
	root, err := t.db.pool.fetch(t.root.Load())
	if err != nil {
		return err
	}
	if root.node.isLeaf() || len(root.node.children) != 1 {
		return nil
	}

	onlyChild := root.node.children[0]
	t.stubTailList = append(t.stubTailList, &stub{formerRootID: root.node.pageID})
	t.db.pool.drop(root.node.pageID)
	if err := t.db.pdb.DeletePage(root.node.pageID); err != nil {
		return err
	}
	t.root.Store(onlyChild)
	return nil
}

// rightmostLeaf and leftmostLeaf descend the extreme paths of a tree,
// dirtying nothing; used by Graft to relocate extremity bits.
func (db *Database) rightmostLeaf(t *Tree) (*frame, error) {
	f, err := db.pool.fetch(t.root.Load())
	if err != nil {
		return nil, err
	}
	for !f.node.isLeaf() {
		f, err = db.pool.fetch(f.node.children[len(f.node.children)-1])
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (db *Database) leftmostLeaf(t *Tree) (*frame, error) {
	f, err := db.pool.fetch(t.root.Load())
	if err != nil {
		return nil, err
	}
	for !f.node.isLeaf() {
		f, err = db.pool.fetch(f.node.children[0])
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}
