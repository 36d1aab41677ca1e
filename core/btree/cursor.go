package btree

import (
	"context"

	"github.com/rivendb/rivendb/core/txncontext"
	"github.com/rivendb/rivendb/internal/dberr"
)

// level is one entry in a Cursor's frame stack: the page it visited and
// the index (key index for a leaf, child index for an internal node) it
// followed (spec.md §4.5 CursorFrame, simplified to a plain stack since
// this package serializes writers and does not need the notFoundKey /
// cousin-linked bookkeeping a fully concurrent implementation would).
type level struct {
	pageID uint64
	index  int
}

// Cursor walks a Tree in key order. Every positioning method lock-couples
// down from the root the same way descendToLeafShared does, so a
// traversal never reads a node concurrently mutated by a Put/Delete
// exclusive latch; no latch is held between calls, so a cursor left
// positioned across an intervening structural mutation (split/merge/
// graft) may land on a stale index and should be re-Find'd (see
// DESIGN.md's Node-latch scoping note).
type Cursor struct {
	tree  *Tree
	stack []level
	valid bool

	// ctx/txn are set by NewCursorTxn; when txn is non-nil each positioning
	// method acquires (and, unless txn.Isolation.RetainsReadLock, releases)
	// a shared row lock on the key it lands on, the way descending a plain
	// Get/GetTxn does (spec.md §4.4). This is a transaction row lock, a
	// different synchronization domain from the per-frame latches every
	// descent below couples on. A cursor created via NewCursor never
	// touches the lock manager.
	ctx context.Context
	txn *txncontext.Context
}

// NewCursor returns an unpositioned Cursor over t that does not
// participate in row locking.
func (t *Tree) NewCursor() *Cursor {
	return &Cursor{tree: t}
}

// NewCursorTxn returns an unpositioned Cursor over t whose positioning
// methods acquire per-key locks through t's lock manager on txn's behalf.
func (t *Tree) NewCursorTxn(ctx context.Context, txn *txncontext.Context) *Cursor {
	return &Cursor{tree: t, ctx: ctx, txn: txn}
}

func (c *Cursor) Valid() bool { return c.valid }

// Key returns the key at the cursor's current position.
func (c *Cursor) Key() ([]byte, error) {
	f, idx, err := c.leaf()
	if err != nil {
		return nil, err
	}
	f.latch.AcquireShared()
	key := append([]byte(nil), f.node.keys[idx]...)
	f.latch.ReleaseShared()
	return key, nil
}

// Value returns the value at the cursor's current position, resolving a
// fragment chain transparently if the entry is one.
func (c *Cursor) Value() ([]byte, error) {
	f, idx, err := c.leaf()
	if err != nil {
		return nil, err
	}
	f.latch.AcquireShared()
	stored := append([]byte(nil), f.node.values[idx]...)
	fragmented := f.node.fragmented[idx]
	f.latch.ReleaseShared()
	return c.tree.resolveValue(stored, fragmented)
}

// lockCurrent acquires a shared lock on the cursor's current key on
// behalf of c.txn, releasing it immediately unless the isolation level
// retains read locks for the transaction's duration.
func (c *Cursor) lockCurrent() error {
	if c.txn == nil || !c.valid {
		return nil
	}
	key, err := c.Key()
	if err != nil {
		return err
	}
	if !c.txn.Isolation.NeedsReadLock() {
		return nil
	}
	if _, err := c.tree.db.locks.LockShared(c.ctx, c.txn, c.tree.id, key); err != nil {
		return err
	}
	if !c.txn.Isolation.RetainsReadLock() {
		c.tree.db.locks.Unlock(c.txn, c.tree.id, key)
	}
	return nil
}

// leaf returns the frame and index the cursor is currently positioned at,
// unlatched: callers acquire whatever latch mode they need before reading
// f.node, the same discipline every other reader in this package follows.
func (c *Cursor) leaf() (*frame, int, error) {
	if !c.valid || len(c.stack) == 0 {
		return nil, 0, dberr.IllegalState("btree.Cursor", nil)
	}
	top := c.stack[len(c.stack)-1]
	f, err := c.tree.db.pool.fetch(top.pageID)
	if err != nil {
		return nil, 0, err
	}
	return f, top.index, nil
}

// First positions the cursor at the smallest key.
func (c *Cursor) First() error {
	if err := c.descendEdge(false); err != nil {
		return err
	}
	return c.lockCurrent()
}

// Last positions the cursor at the largest key.
func (c *Cursor) Last() error {
	if err := c.descendEdge(true); err != nil {
		return err
	}
	return c.lockCurrent()
}

func (c *Cursor) descendEdge(rightmost bool) error {
	c.stack = c.stack[:0]
	c.valid = false

	pageID := c.tree.root.Load()
	f, err := c.tree.db.pool.fetch(pageID)
	if err != nil {
		return err
	}
	f.latch.AcquireShared()
	for {
		if f.node.isLeaf() {
			if len(f.node.keys) == 0 {
				c.stack = append(c.stack, level{pageID, 0})
				f.latch.ReleaseShared()
				return nil
			}
			idx := 0
			if rightmost {
				idx = len(f.node.keys) - 1
			}
			c.stack = append(c.stack, level{pageID, idx})
			c.valid = true
			f.latch.ReleaseShared()
			return nil
		}
		idx := 0
		if rightmost {
			idx = len(f.node.children) - 1
		}
		c.stack = append(c.stack, level{pageID, idx})
		childID := f.node.children[idx]
		child, err := c.tree.db.pool.fetch(childID)
		if err != nil {
			f.latch.ReleaseShared()
			return err
		}
		child.latch.AcquireShared()
		f.latch.ReleaseShared()
		pageID = childID
		f = child
	}
}

// Find positions the cursor at key, or at the next key greater than it if
// key is absent (spec.md §4.5 Cursors: find/find_nearby).
func (c *Cursor) Find(key []byte) error {
	if err := c.findImpl(key); err != nil {
		return err
	}
	return c.lockCurrent()
}

func (c *Cursor) findImpl(key []byte) error {
	c.stack = c.stack[:0]
	c.valid = false

	pageID := c.tree.root.Load()
	f, err := c.tree.db.pool.fetch(pageID)
	if err != nil {
		return err
	}
	f.latch.AcquireShared()
	for {
		if f.node.isLeaf() {
			idx, _ := f.node.find(key)
			c.stack = append(c.stack, level{pageID, idx})
			foundGE := idx < len(f.node.keys)
			f.latch.ReleaseShared()
			c.valid = true
			if foundGE {
				return nil
			}
			// No key >= target in this leaf; walk forward.
			return c.nextImpl()
		}
		idx := f.node.childIndex(key)
		c.stack = append(c.stack, level{pageID, idx})
		childID := f.node.children[idx]
		child, err := c.tree.db.pool.fetch(childID)
		if err != nil {
			f.latch.ReleaseShared()
			return err
		}
		child.latch.AcquireShared()
		f.latch.ReleaseShared()
		pageID = childID
		f = child
	}
}

// Next advances to the next key in order.
func (c *Cursor) Next() error {
	if err := c.nextImpl(); err != nil {
		return err
	}
	return c.lockCurrent()
}

func (c *Cursor) nextImpl() error {
	if !c.valid || len(c.stack) == 0 {
		return nil
	}
	top := len(c.stack) - 1
	leafFrame, err := c.tree.db.pool.fetch(c.stack[top].pageID)
	if err != nil {
		return err
	}
	leafFrame.latch.AcquireShared()
	if c.stack[top].index+1 < len(leafFrame.node.keys) {
		leafFrame.latch.ReleaseShared()
		c.stack[top].index++
		return nil
	}
	leafFrame.latch.ReleaseShared()

	// Pop until an ancestor has another child to its right.
	for top > 0 {
		c.stack = c.stack[:top]
		top--
		parentFrame, err := c.tree.db.pool.fetch(c.stack[top].pageID)
		if err != nil {
			return err
		}
		parentFrame.latch.AcquireShared()
		hasNext := c.stack[top].index+1 < len(parentFrame.node.children)
		parentFrame.latch.ReleaseShared()
		if hasNext {
			c.stack[top].index++
			return c.descendLeftFrom(top)
		}
	}
	c.stack = c.stack[:0]
	c.valid = false
	return nil
}

// Previous retreats to the previous key in order.
func (c *Cursor) Previous() error {
	if err := c.previousImpl(); err != nil {
		return err
	}
	return c.lockCurrent()
}

func (c *Cursor) previousImpl() error {
	if !c.valid || len(c.stack) == 0 {
		return nil
	}
	top := len(c.stack) - 1
	if c.stack[top].index > 0 {
		c.stack[top].index--
		return nil
	}

	for top > 0 {
		c.stack = c.stack[:top]
		top--
		if c.stack[top].index > 0 {
			c.stack[top].index--
			return c.descendRightFrom(top)
		}
	}
	c.stack = c.stack[:0]
	c.valid = false
	return nil
}

func (c *Cursor) descendLeftFrom(idx int) error {
	f, err := c.tree.db.pool.fetch(c.stack[idx].pageID)
	if err != nil {
		return err
	}
	f.latch.AcquireShared()
	childID := f.node.children[c.stack[idx].index]
	child, err := c.tree.db.pool.fetch(childID)
	if err != nil {
		f.latch.ReleaseShared()
		return err
	}
	child.latch.AcquireShared()
	f.latch.ReleaseShared()
	pageID := childID
	f = child
	for {
		if f.node.isLeaf() {
			c.stack = append(c.stack, level{pageID, 0})
			f.latch.ReleaseShared()
			return nil
		}
		c.stack = append(c.stack, level{pageID, 0})
		childID := f.node.children[0]
		next, err := c.tree.db.pool.fetch(childID)
		if err != nil {
			f.latch.ReleaseShared()
			return err
		}
		next.latch.AcquireShared()
		f.latch.ReleaseShared()
		pageID = childID
		f = next
	}
}

func (c *Cursor) descendRightFrom(idx int) error {
	f, err := c.tree.db.pool.fetch(c.stack[idx].pageID)
	if err != nil {
		return err
	}
	f.latch.AcquireShared()
	childID := f.node.children[c.stack[idx].index]
	child, err := c.tree.db.pool.fetch(childID)
	if err != nil {
		f.latch.ReleaseShared()
		return err
	}
	child.latch.AcquireShared()
	f.latch.ReleaseShared()
	pageID := childID
	f = child
	for {
		if f.node.isLeaf() {
			lastIdx := len(f.node.keys) - 1
			if lastIdx < 0 {
				lastIdx = 0
			}
			c.stack = append(c.stack, level{pageID, lastIdx})
			f.latch.ReleaseShared()
			return nil
		}
		lastIdx := len(f.node.children) - 1
		c.stack = append(c.stack, level{pageID, lastIdx})
		childID := f.node.children[lastIdx]
		next, err := c.tree.db.pool.fetch(childID)
		if err != nil {
			f.latch.ReleaseShared()
			return err
		}
		next.latch.AcquireShared()
		f.latch.ReleaseShared()
		pageID = childID
		f = next
	}
}
