package btree

import (
	"container/list"
	"sync"

	"github.com/rivendb/rivendb/core/latch"
	"github.com/rivendb/rivendb/core/pagestore/pagedb"
	"github.com/rivendb/rivendb/internal/dberr"
)

// frame is one buffer pool slot: a decoded node plus the per-node latch
// lock-coupling descent acquires and releases (spec.md §4.5 Descent).
type frame struct {
	node       *node
	latch      *latch.Latch
	dirty      bool
	referenced bool // clock "used recently" bit, set by touch()
	elem       *list.Element
}

// bufferPool caches decoded nodes over a pagedb.PageDb, evicting via a
// clock sweep over a container/list ring — the teacher's
// btree_core/bufferpoolmanager.go LRU-via-list approach, adapted from
// strict LRU-on-fetch into the clock/"used recently" bit spec.md calls
// for instead.
type bufferPool struct {
	mu       sync.Mutex
	db       *pagedb.PageDb
	capacity int
	frames   map[uint64]*frame
	ring     *list.List // of *frame, clock hand walks this
	metrics  *Metrics
}

func newBufferPool(db *pagedb.PageDb, capacity int, metrics *Metrics) *bufferPool {
	if capacity < 4 {
		capacity = 4
	}
	return &bufferPool{
		db:       db,
		capacity: capacity,
		frames:   make(map[uint64]*frame),
		ring:     list.New(),
		metrics:  metrics,
	}
}

// fetch returns the frame for pageID, loading it from pagedb if not
// cached, evicting via the clock sweep if the pool is full.
func (p *bufferPool) fetch(pageID uint64) (*frame, error) {
	p.mu.Lock()
	if f, ok := p.frames[pageID]; ok {
		f.referenced = true
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.cacheHits.Inc()
		}
		return f, nil
	}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.cacheMisses.Inc()
	}

	buf := make([]byte, p.db.PageSize())
	if err := p.db.ReadPage(pageID, buf); err != nil {
		return nil, err
	}
	n, err := deserializeNode(pageID, buf)
	if err != nil {
		return nil, err
	}

	f := &frame{node: n, latch: latch.New(), referenced: true}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.frames[pageID]; ok {
		// lost a race with a concurrent fetch; keep the winner
		return existing, nil
	}
	if len(p.frames) >= p.capacity {
		p.evictLocked()
	}
	f.elem = p.ring.PushBack(f)
	p.frames[pageID] = f
	return f, nil
}

// insert registers a freshly allocated node (a split sibling or a new
// root, already holding its entries) without reading it back from disk.
func (p *bufferPool) insert(n *node) *frame {
	f := &frame{node: n, latch: latch.New(), dirty: true, referenced: true}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) >= p.capacity {
		p.evictLocked()
	}
	f.elem = p.ring.PushBack(f)
	p.frames[n.pageID] = f
	return f
}

// markDirty flags a frame for the next flush.
func (p *bufferPool) markDirty(f *frame) {
	p.mu.Lock()
	f.dirty = true
	p.mu.Unlock()
}

// drop removes a frame after its page has been freed (a merge victim).
func (p *bufferPool) drop(pageID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.frames[pageID]; ok {
		p.ring.Remove(f.elem)
		delete(p.frames, pageID)
	}
}

// evictLocked runs one clock sweep, evicting the first unreferenced frame
// and clearing the referenced bit on any frame it skips over. Called with
// p.mu held.
func (p *bufferPool) evictLocked() {
	for i := 0; i < 2*p.ring.Len()+1; i++ {
		elem := p.ring.Front()
		if elem == nil {
			return
		}
		p.ring.MoveToBack(elem)
		f := elem.Value.(*frame)
		if f.referenced {
			f.referenced = false
			continue
		}
		if f.dirty {
			buf, err := f.node.serialize(p.db.PageSize())
			if err == nil {
				p.db.WritePage(f.node.pageID, buf)
			}
		}
		p.ring.Remove(elem)
		delete(p.frames, f.node.pageID)
		return
	}
}

// flushAll writes every dirty frame back to pagedb, called before Commit.
func (p *bufferPool) flushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.frames {
		if !f.dirty {
			continue
		}
		buf, err := f.node.serialize(p.db.PageSize())
		if err != nil {
			return err
		}
		if err := p.db.WritePage(f.node.pageID, buf); err != nil {
			return dberr.IO("btree.flushAll", err)
		}
		f.dirty = false
	}
	return nil
}
