package btree

import (
	"bytes"

	"github.com/rivendb/rivendb/internal/dberr"
)

// GraftTempTree joins low and high into a single tree covering the union of
// their key ranges (spec.md §4.5 Graft), consuming high in the process: the
// caller must not use high again after this returns successfully. low's
// rightmost leaf loses HIGH_EXTREMITY and high's leftmost leaf loses
// LOW_EXTREMITY at the new internal boundary; if both roots happen to be
// leaves that together fit in one page they are merged directly rather than
// growing the tree a level, mirroring the opportunistic shrink Graft step 5
// describes.
func (db *Database) GraftTempTree(low, high *Tree) (*Tree, error) {
	lowRoot, err := db.pool.fetch(low.root.Load())
	if err != nil {
		return nil, err
	}
	highRoot, err := db.pool.fetch(high.root.Load())
	if err != nil {
		return nil, err
	}

	lowEdge, err := db.rightmostLeaf(low)
	if err != nil {
		return nil, err
	}
	highEdge, err := db.leftmostLeaf(high)
	if err != nil {
		return nil, err
	}
	lowEdge.latch.AcquireExclusive()
	lowEdge.node.typ &^= typeHighExtremity
	db.pool.markDirty(lowEdge)
	lowEdge.latch.ReleaseExclusive()

	highEdge.latch.AcquireExclusive()
	highEdge.node.typ &^= typeLowExtremity
	db.pool.markDirty(highEdge)
	highEdge.latch.ReleaseExclusive()

	if lowRoot.node.isLeaf() && highRoot.node.isLeaf() {
		combined := lowRoot.node.encodedSize() + highRoot.node.encodedSize() - (1 + 2 + checksumSize)
		if combined <= db.pdb.PageSize() {
			lowRoot.latch.AcquireExclusive()
			lowRoot.node.keys = append(lowRoot.node.keys, highRoot.node.keys...)
			lowRoot.node.values = append(lowRoot.node.values, highRoot.node.values...)
			lowRoot.node.fragmented = append(lowRoot.node.fragmented, highRoot.node.fragmented...)
			if highRoot.node.typ.highExtremity() {
				lowRoot.node.typ |= typeHighExtremity
			}
			db.pool.markDirty(lowRoot)
			lowRoot.latch.ReleaseExclusive()

			db.pool.drop(highRoot.node.pageID)
			if err := db.pdb.DeletePage(highRoot.node.pageID); err != nil {
				return nil, err
			}
			high.root.Store(invalidPageID)
			return low, nil
		}
	}

	sep, err := db.boundaryKey(highRoot)
	if err != nil {
		return nil, err
	}
	newRootID, err := db.pdb.AllocPage()
	if err != nil {
		return nil, err
	}
	newRoot := newInternal(newRootID)
	newRoot.keys = [][]byte{sep}
	newRoot.children = []uint64{lowRoot.node.pageID, highRoot.node.pageID}
	db.pool.insert(newRoot)

	low.root.Store(newRootID)
	high.root.Store(invalidPageID)
	return low, nil
}

// boundaryKey returns the smallest key reachable under n, used as the
// separator when grafting n in as a right subtree.
func (db *Database) boundaryKey(n *frame) ([]byte, error) {
	f := n
	for !f.node.isLeaf() {
		nf, err := db.pool.fetch(f.node.children[0])
		if err != nil {
			return nil, err
		}
		f = nf
	}
	if len(f.node.keys) == 0 {
		return nil, dberr.IllegalState("btree.GraftTempTree", nil)
	}
	return append([]byte(nil), f.node.keys[0]...), nil
}

// Target names a tree and the low key its range begins at, used to order
// TreeMerger's inputs (spec.md §4.5 TreeMerger).
type Target struct {
	Tree   *Tree
	LowKey []byte
}

// TreeMerger folds a sequence of disjoint-range trees into one, in low-key
// order. It is a sequential fold: the concurrent, externally-partitioned
// merge spec.md describes is out of scope here since nothing else in this
// module does partitioned parallel work (see DESIGN.md).
type TreeMerger struct {
	db      *Database
	targets []Target
	merged  func(*Tree)
	remainder func(*Tree)
}

// NewTreeMerger orders targets by LowKey (nil sorts first) and returns a
// merger ready to Run.
func NewTreeMerger(db *Database, targets []Target, merged, remainder func(*Tree)) *TreeMerger {
	ordered := append([]Target(nil), targets...)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && lowKeyLess(ordered[j].LowKey, ordered[j-1].LowKey); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	return &TreeMerger{db: db, targets: ordered, merged: merged, remainder: remainder}
}

func lowKeyLess(a, b []byte) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	return bytes.Compare(a, b) < 0
}

// Run folds every target into the first one, invoking merged after each
// successful graft and remainder for any target that could not be grafted.
func (m *TreeMerger) Run() (*Tree, error) {
	if len(m.targets) == 0 {
		return nil, nil
	}
	acc := m.targets[0].Tree
	for _, target := range m.targets[1:] {
		joined, err := m.db.GraftTempTree(acc, target.Tree)
		if err != nil {
			if m.remainder != nil {
				m.remainder(target.Tree)
			}
			continue
		}
		acc = joined
		if m.merged != nil {
			m.merged(acc)
		}
	}
	return acc, nil
}
