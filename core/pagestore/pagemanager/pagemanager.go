// Package pagemanager implements the free-list allocator layered over a
// PageArray (spec.md §4.2, component C2): two logical free lists, regular
// (durable, subject to rollback — reusable only after the next commit) and
// recycle (immediately reusable, no rollback protection).
//
// Grounded on spec.md §4.2 together with the teacher's allocation
// bookkeeping in core/indexing/btree/btree_core/btree.go
// (allocateRawPageInternal/AllocatePage), generalized into the
// two-list, checkpoint-aware design DurablePageDb.java's PageManager
// collaborator requires.
package pagemanager

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/rivendb/rivendb/core/pagestore/pagearray"
	"github.com/rivendb/rivendb/internal/dberr"
)

// HeaderSize is the fixed size of the manager's snapshot embedded in the
// PageDb header at offset I_MANAGER_HEADER (spec.md §3: "page-manager
// header (96 B)").
const HeaderSize = 96

// firstDataPageID is the first id available for data pages; 0 and 1 are the
// two database headers (spec.md §3).
const firstDataPageID = 2

// freeListEntriesPerPage bounds how many uint64 entries a single free-list
// overflow page holds: 8 bytes next pointer + 4 bytes count, rest entries.
func freeListEntriesPerPage(pageSize int) int {
	return (pageSize - 8 - 4) / 8
}

// PageManager tracks allocation state above a PageArray. All exported
// methods are safe for concurrent use; callers are additionally expected to
// hold PageDb's commit lock read side while calling Alloc/Delete/Recycle,
// per spec.md §4.1/§4.2.
type PageManager struct {
	mu    sync.Mutex
	array pagearray.PageArray

	totalPageCount uint64

	reusable []uint64 // safe to allocate right now
	staged   []uint64 // snapshotted at the last CommitStart; activated at CommitEnd
	pending  []uint64 // deleted since the last CommitStart; not yet safe
	recycle  []uint64 // immediately reusable
}

// New creates a fresh PageManager over an empty array, with the total page
// count seeded to firstDataPageID (matching PageDb's "set total page count
// to 2" step on a freshly created database, spec.md §4.1).
func New(array pagearray.PageArray) *PageManager {
	return &PageManager{array: array, totalPageCount: firstDataPageID}
}

// Load reconstructs a PageManager's state from a previously committed
// manager header (the 96-byte slice at I_MANAGER_HEADER within a PageDb
// header page).
func Load(array pagearray.PageArray, header []byte) (*PageManager, error) {
	if len(header) < HeaderSize {
		return nil, dberr.Corrupt("pagemanager.Load", fmt.Errorf("manager header too short: %d bytes", len(header)))
	}
	pm := &PageManager{array: array}
	pm.totalPageCount = binary.LittleEndian.Uint64(header[0:8])
	reusableHead := binary.LittleEndian.Uint64(header[8:16])
	stagedHead := binary.LittleEndian.Uint64(header[16:24])
	recycleHead := binary.LittleEndian.Uint64(header[24:32])

	var err error
	if pm.reusable, err = pm.readChain(reusableHead); err != nil {
		return nil, err
	}
	if pm.staged, err = pm.readChain(stagedHead); err != nil {
		return nil, err
	}
	if pm.recycle, err = pm.readChain(recycleHead); err != nil {
		return nil, err
	}
	// The header belongs to a commit that completed, so the pages it staged
	// are reusable now, just as CommitEnd would have made them.
	pm.reusable = append(pm.reusable, pm.staged...)
	pm.staged = nil
	return pm, nil
}

// ReadTotalPageCount reads just the total page count out of a manager
// header without reconstructing free lists, used by PageDb.BeginSnapshot.
func ReadTotalPageCount(header []byte) (uint64, error) {
	if len(header) < 8 {
		return 0, dberr.Corrupt("pagemanager.ReadTotalPageCount", fmt.Errorf("manager header too short"))
	}
	return binary.LittleEndian.Uint64(header[0:8]), nil
}

// Alloc returns a page id for use, preferring recycle, then the reusable
// regular list, then extending the array (spec.md §4.2).
func (pm *PageManager) Alloc() (uint64, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if n := len(pm.recycle); n > 0 {
		id := pm.recycle[n-1]
		pm.recycle = pm.recycle[:n-1]
		return id, nil
	}
	if n := len(pm.reusable); n > 0 {
		id := pm.reusable[n-1]
		pm.reusable = pm.reusable[:n-1]
		return id, nil
	}

	id := pm.totalPageCount
	pm.totalPageCount++
	if err := pm.array.SetPageCount(pm.totalPageCount); err != nil {
		return 0, err
	}
	return id, nil
}

// Delete returns id to the regular free list: it is not reusable until the
// commit that is currently forming (or the next one, if none is in
// progress) has completed.
func (pm *PageManager) Delete(id uint64) error {
	if id < firstDataPageID {
		return dberr.IllegalArgument("pagemanager.Delete", fmt.Errorf("illegal page id %d", id))
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.pending = append(pm.pending, id)
	return nil
}

// Recycle returns id directly to the recycle list: it may be handed back
// out by the very next Alloc, with no rollback protection.
func (pm *PageManager) Recycle(id uint64) error {
	if id < firstDataPageID {
		return dberr.IllegalArgument("pagemanager.Recycle", fmt.Errorf("illegal page id %d", id))
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.recycle = append(pm.recycle, id)
	return nil
}

// TotalPageCount returns the current high-water page count.
func (pm *PageManager) TotalPageCount() uint64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.totalPageCount
}

// CommitStart snapshots pending deletions into the staged list (to be
// activated by the paired CommitEnd) and serializes the manager's state
// into header[offset:offset+HeaderSize], allocating overflow pages for any
// list that doesn't fit inline. PageDb calls it holding the read side of its
// commit lock, after taking the write side and downgrading (spec.md §4.1
// step 3).
func (pm *PageManager) CommitStart(header []byte, offset int) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.staged = append(pm.staged, pm.pending...)
	pm.pending = nil

	// TODO(freelist-durability): overflow chain pages allocated here are
	// never reclaimed across commits (no double-buffering the way the
	// header pages themselves alternate). Acceptable for now since a
	// leaked free-list page only wastes space, never correctness.
	reusableHead, err := pm.writeChain(pm.reusable)
	if err != nil {
		return err
	}
	stagedHead, err := pm.writeChain(pm.staged)
	if err != nil {
		return err
	}
	recycleHead, err := pm.writeChain(pm.recycle)
	if err != nil {
		return err
	}

	if len(header) < offset+HeaderSize {
		return dberr.IllegalState("pagemanager.CommitStart", fmt.Errorf("header buffer too small"))
	}
	buf := header[offset : offset+HeaderSize]
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint64(buf[0:8], pm.totalPageCount)
	binary.LittleEndian.PutUint64(buf[8:16], reusableHead)
	binary.LittleEndian.PutUint64(buf[16:24], stagedHead)
	binary.LittleEndian.PutUint64(buf[24:32], recycleHead)
	return nil
}

// CommitEnd activates the free-list snapshot taken by the paired
// CommitStart: pages deleted before that commit become reusable. Must be
// called only after the header written during CommitStart is durable on
// disk (spec.md §4.1 step 8).
func (pm *PageManager) CommitEnd(header []byte, offset int) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.reusable = append(pm.reusable, pm.staged...)
	pm.staged = nil
	return nil
}

func (pm *PageManager) writeChain(ids []uint64) (uint64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	perPage := freeListEntriesPerPage(pm.array.PageSize())
	var next uint64
	for start := 0; start < len(ids); start += perPage {
		end := start + perPage
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		pageID, err := pm.allocRaw()
		if err != nil {
			return 0, err
		}
		buf := make([]byte, pm.array.PageSize())
		binary.LittleEndian.PutUint64(buf[0:8], next)
		binary.LittleEndian.PutUint32(buf[8:12], uint32(len(chunk)))
		for i, id := range chunk {
			binary.LittleEndian.PutUint64(buf[12+i*8:20+i*8], id)
		}
		if err := pm.array.WritePage(pageID, buf); err != nil {
			return 0, err
		}
		next = pageID
	}
	return next, nil
}

func (pm *PageManager) readChain(head uint64) ([]uint64, error) {
	var ids []uint64
	buf := make([]byte, pm.array.PageSize())
	for head != 0 {
		if err := pm.array.ReadPage(head, buf); err != nil {
			return nil, err
		}
		next := binary.LittleEndian.Uint64(buf[0:8])
		count := binary.LittleEndian.Uint32(buf[8:12])
		for i := uint32(0); i < count; i++ {
			ids = append(ids, binary.LittleEndian.Uint64(buf[12+i*8:20+i*8]))
		}
		head = next
	}
	return ids, nil
}

// allocRaw hands out a fresh page id purely by growing the array, bypassing
// the free lists — used only for free-list overflow storage itself, to
// avoid the chain reallocating its own backing pages mid-write.
func (pm *PageManager) allocRaw() (uint64, error) {
	id := pm.totalPageCount
	pm.totalPageCount++
	if err := pm.array.SetPageCount(pm.totalPageCount); err != nil {
		return 0, err
	}
	return id, nil
}
