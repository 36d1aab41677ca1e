// Package pagedb implements the durable, two-header page database
// (spec.md §4.1, component C3): two-header commit protocol, checksums,
// snapshot/restore, and database identity. Pages are written where the
// caller says; PageDb itself does not copy a page before it is overwritten.
//
// Grounded directly on
// _examples/original_source/src/main/java/org/cojen/tupl/DurablePageDb.java:
// header field offsets, the magic number, modulo-32 commit-number
// comparison, the commit-lock write-then-downgrade-to-read choreography,
// the CRC-32-over-512-bytes-with-checksum-zeroed scheme, and header
// replication across the page. Snapshot restore has only the plain path:
// the page size is always read from the stream's first header.
package pagedb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rivendb/rivendb/core/latch"
	"github.com/rivendb/rivendb/core/pagestore/pagearray"
	"github.com/rivendb/rivendb/core/pagestore/pagemanager"
	"github.com/rivendb/rivendb/internal/dberr"
)

// magicNumber identifies a rivendb header page. Carried over verbatim from
// the reference implementation this format is grounded on, so files remain
// recognizable by the same constant a reader would expect.
const magicNumber uint64 = 6529720411368701212

// headerSize is the size of the header block duplicated at the front of
// pages 0 and 1 (spec.md §3), and also the minimum allowed page size.
const headerSize = 512

// Header field offsets, matching DurablePageDb's I_* constants.
const (
	offMagic         = 0
	offDatabaseID    = 8
	offPageSize      = 24
	offCommitNumber  = 28
	offChecksum      = 32
	offManagerHeader = 36
	offExtraData     = 256
)

// firstDataPageID: ids 0 and 1 are reserved for the two headers.
const firstDataPageID = 2

// Options bundles the collaborators PageDb needs beyond a PageArray.
type Options struct {
	Logger  *zap.Logger
	Metrics *Metrics
}

// PrepareFunc flushes dirty user pages and optionally returns opaque
// "extra" commit data (<=256 bytes) to embed in the header, per spec.md
// §4.1 step 4-5.
type PrepareFunc func() (extra []byte, err error)

// PageDb is a single-writer, checkpointed page database with two
// alternating header copies.
type PageDb struct {
	array       pagearray.PageArray
	manager     *pagemanager.PageManager
	commitLock  *latch.CommitLock
	headerLatch *latch.Latch

	databaseID [16]byte

	// commitNumber is only ever read/written while headerLatch is held,
	// per spec.md §5's header-latch contract.
	commitNumber uint32

	logger  *zap.Logger
	metrics *Metrics

	closed    atomic.Pointer[dberr.Error]
	closeOnce sync.Once
}

type parsedHeader struct {
	databaseID    [16]byte
	pageSize      uint32
	commitNumber  uint32
	managerHeader []byte
	extra         []byte
}

// Open opens a PageDb over array. If array is empty or destroy is true, a
// fresh database id is generated and two seed commits are made so both
// header copies are valid (spec.md §4.1). Otherwise both headers are read
// and the one with the higher commit number (modulo-32 comparison) wins.
func Open(array pagearray.PageArray, destroy bool, opts Options) (*PageDb, error) {
	db := &PageDb{
		array:       array,
		commitLock:  latch.NewCommitLock(),
		headerLatch: latch.New(),
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	if db.logger == nil {
		db.logger = zap.NewNop()
	}

	if destroy || array.IsEmpty() {
		db.manager = pagemanager.New(array)
		db.commitNumber = ^uint32(0) - 1 // two seed commits' +1 steps land on 0xFFFFFFFF, then 0
		id := uuid.New()
		copy(db.databaseID[:], id[:])

		if err := db.commitLocked(nil); err != nil {
			return nil, err
		}
		if err := db.commitLocked(nil); err != nil {
			return nil, err
		}
		if err := array.SetPageCount(firstDataPageID); err != nil {
			return nil, db.fail("pagedb.Open", err)
		}
		return db, nil
	}

	h0, err0 := db.readHeader(0)
	h1, err1 := db.readHeader(1)

	var chosen *parsedHeader
	var chosenID uint64
	switch {
	case err0 != nil && err1 != nil:
		return nil, dberr.Corrupt("pagedb.Open", fmt.Errorf("both headers unreadable: %v / %v", err0, err1))
	case err0 != nil:
		chosen, chosenID = h1, 1
	case err1 != nil:
		chosen, chosenID = h0, 0
	default:
		if h0.pageSize != h1.pageSize {
			return nil, dberr.Corrupt("pagedb.Open", fmt.Errorf("header page-size mismatch: %d vs %d", h0.pageSize, h1.pageSize))
		}
		diff := int32(h1.commitNumber - h0.commitNumber)
		switch {
		case diff > 0:
			chosen, chosenID = h1, 1
		case diff < 0:
			chosen, chosenID = h0, 0
		default:
			return nil, dberr.Corrupt("pagedb.Open", fmt.Errorf("both headers have the same commit number %d", h0.commitNumber))
		}
	}

	db.databaseID = chosen.databaseID
	db.commitNumber = chosen.commitNumber
	_ = chosenID

	manager, err := pagemanager.Load(array, chosen.managerHeader)
	if err != nil {
		return nil, db.fail("pagedb.Open", err)
	}
	db.manager = manager
	return db, nil
}

// DatabaseID returns the 128-bit random id generated when this database
// was first created.
func (db *PageDb) DatabaseID() [16]byte { return db.databaseID }

// PageSize returns the fixed page size of the backing array.
func (db *PageDb) PageSize() int { return db.array.PageSize() }

// CommitNumber returns the commit number of the most recently published
// header.
func (db *PageDb) CommitNumber() uint32 {
	db.headerLatch.AcquireShared()
	defer db.headerLatch.ReleaseShared()
	return db.commitNumber
}

// ExtraData returns the opaque bytes a PrepareFunc embedded in the most
// recently published header (spec.md §4.1 step 5), or a zero-filled slice
// if Commit has never been called with a non-nil PrepareFunc.
func (db *PageDb) ExtraData() ([]byte, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	db.headerLatch.AcquireShared()
	pageID := uint64(db.commitNumber & 1)
	db.headerLatch.ReleaseShared()

	h, err := db.readHeader(pageID)
	if err != nil {
		return nil, db.fail("pagedb.ExtraData", err)
	}
	return h.extra, nil
}

// AllocPage returns a fresh or reclaimed page id.
func (db *PageDb) AllocPage() (uint64, error) {
	if err := db.checkOpen(); err != nil {
		return 0, err
	}
	db.commitLock.AcquireShared()
	defer db.commitLock.ReleaseShared()
	id, err := db.manager.Alloc()
	if err != nil {
		return 0, db.fail("pagedb.AllocPage", err)
	}
	if db.metrics != nil {
		db.metrics.allocs.Inc()
	}
	return id, nil
}

// DeletePage returns id to the regular free list (reusable only after the
// next commit).
func (db *PageDb) DeletePage(id uint64) error {
	if err := db.checkID(id); err != nil {
		return err
	}
	if err := db.checkOpen(); err != nil {
		return err
	}
	db.commitLock.AcquireShared()
	defer db.commitLock.ReleaseShared()
	if err := db.manager.Delete(id); err != nil {
		return db.fail("pagedb.DeletePage", err)
	}
	return nil
}

// RecyclePage returns id to the recycle list, reusable immediately.
func (db *PageDb) RecyclePage(id uint64) error {
	if err := db.checkID(id); err != nil {
		return err
	}
	if err := db.checkOpen(); err != nil {
		return err
	}
	db.commitLock.AcquireShared()
	defer db.commitLock.ReleaseShared()
	if err := db.manager.Recycle(id); err != nil {
		return db.fail("pagedb.RecyclePage", err)
	}
	return nil
}

// ReadPage reads the full page id into buf.
func (db *PageDb) ReadPage(id uint64, buf []byte) error {
	if err := db.checkID(id); err != nil {
		return err
	}
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.array.ReadPage(id, buf); err != nil {
		return db.fail("pagedb.ReadPage", err)
	}
	return nil
}

// ReadPartial reads len(buf) bytes of page id starting at start.
func (db *PageDb) ReadPartial(id uint64, start int, buf []byte) error {
	if err := db.checkID(id); err != nil {
		return err
	}
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.array.ReadPartial(id, start, buf); err != nil {
		return db.fail("pagedb.ReadPartial", err)
	}
	return nil
}

// WritePage writes buf as the full contents of page id.
func (db *PageDb) WritePage(id uint64, buf []byte) error {
	if err := db.checkID(id); err != nil {
		return err
	}
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.array.WritePage(id, buf); err != nil {
		return db.fail("pagedb.WritePage", err)
	}
	return nil
}

func (db *PageDb) checkID(id uint64) error {
	if id < firstDataPageID {
		return dberr.IllegalArgument("pagedb", fmt.Errorf("illegal page id %d", id))
	}
	return nil
}

// Commit performs a full checkpoint: downgrade-protected free-list
// snapshot, an optional caller-supplied flush via prepare, header
// publication, and free-list activation (spec.md §4.1 step-by-step).
func (db *PageDb) Commit(prepare PrepareFunc) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.commitLocked(prepare)
}

func (db *PageDb) commitLocked(prepare PrepareFunc) error {
	db.commitLock.AcquireExclusive()
	db.commitLock.Downgrade()
	defer db.commitLock.ReleaseShared()

	db.headerLatch.AcquireShared()
	nextCommit := db.commitNumber + 1
	db.headerLatch.ReleaseShared()

	pageSize := db.array.PageSize()
	if pageSize < headerSize {
		pageSize = headerSize
	}
	header := make([]byte, pageSize)

	if err := db.manager.CommitStart(header, offManagerHeader); err != nil {
		return db.fail("pagedb.Commit", err)
	}

	var extra []byte
	if prepare != nil {
		var err error
		extra, err = prepare()
		if err != nil {
			return db.fail("pagedb.Commit", err)
		}
	}

	db.commitHeader(header, nextCommit, extra)

	if err := db.array.Sync(true); err != nil {
		return db.fail("pagedb.Commit", err)
	}

	pageID := uint64(nextCommit & 1)
	db.headerLatch.AcquireExclusive()
	if err := db.array.WritePageDurably(pageID, header); err != nil {
		db.headerLatch.ReleaseExclusive()
		return db.fail("pagedb.Commit", err)
	}
	db.commitNumber = nextCommit
	db.headerLatch.ReleaseExclusive()

	if err := db.manager.CommitEnd(header, offManagerHeader); err != nil {
		return db.fail("pagedb.Commit", err)
	}
	if db.metrics != nil {
		db.metrics.commits.Inc()
	}
	return nil
}

func (db *PageDb) commitHeader(header []byte, commitNumber uint32, extra []byte) {
	binary.LittleEndian.PutUint64(header[offMagic:offMagic+8], magicNumber)
	copy(header[offDatabaseID:offDatabaseID+16], db.databaseID[:])
	binary.LittleEndian.PutUint32(header[offPageSize:offPageSize+4], uint32(len(header)))
	binary.LittleEndian.PutUint32(header[offCommitNumber:offCommitNumber+4], commitNumber)
	if extra != nil {
		n := copy(header[offExtraData:], extra)
		for i := offExtraData + n; i < headerSize; i++ {
			header[i] = 0
		}
	}
	setChecksum(header)

	// Duplicate the 512-byte header block across the rest of the page for
	// forensic recovery (spec.md §3).
	for off := headerSize; off+headerSize <= len(header); off += headerSize {
		copy(header[off:off+headerSize], header[:headerSize])
	}
}

func setChecksum(header []byte) {
	zero := make([]byte, 4)
	copy(header[offChecksum:offChecksum+4], zero)
	sum := crc32.ChecksumIEEE(header[:headerSize])
	binary.LittleEndian.PutUint32(header[offChecksum:offChecksum+4], sum)
}

func (db *PageDb) readHeader(id uint64) (*parsedHeader, error) {
	buf := make([]byte, headerSize)
	if err := db.array.ReadPartial(id, 0, buf); err != nil {
		return nil, dberr.Corrupt("pagedb.readHeader", fmt.Errorf("page %d: %w", id, err))
	}
	magic := binary.LittleEndian.Uint64(buf[offMagic : offMagic+8])
	if magic != magicNumber {
		return nil, dberr.Corrupt("pagedb.readHeader", fmt.Errorf("page %d: bad magic number", id))
	}
	stored := binary.LittleEndian.Uint32(buf[offChecksum : offChecksum+4])
	check := make([]byte, headerSize)
	copy(check, buf)
	setChecksum(check)
	if binary.LittleEndian.Uint32(check[offChecksum:offChecksum+4]) != stored {
		return nil, dberr.Corrupt("pagedb.readHeader", fmt.Errorf("page %d: checksum mismatch", id))
	}

	h := &parsedHeader{}
	copy(h.databaseID[:], buf[offDatabaseID:offDatabaseID+16])
	h.pageSize = binary.LittleEndian.Uint32(buf[offPageSize : offPageSize+4])
	h.commitNumber = binary.LittleEndian.Uint32(buf[offCommitNumber : offCommitNumber+4])
	h.managerHeader = append([]byte(nil), buf[offManagerHeader:offManagerHeader+pagemanager.HeaderSize]...)
	h.extra = append([]byte(nil), buf[offExtraData:headerSize]...)
	return h, nil
}

// BeginSnapshot streams every live page (0 through the committed total
// page count, in ascending order) to w — the inverse of RestoreFromSnapshot
// (spec.md §6).
func (db *PageDb) BeginSnapshot(w io.Writer) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	db.headerLatch.AcquireShared()
	pageID := uint64(db.commitNumber & 1)
	db.headerLatch.ReleaseShared()

	header, err := db.readHeader(pageID)
	if err != nil {
		return db.fail("pagedb.BeginSnapshot", err)
	}
	total, err := pagemanager.ReadTotalPageCount(header.managerHeader)
	if err != nil {
		return db.fail("pagedb.BeginSnapshot", err)
	}

	pageSize := db.array.PageSize()
	buf := make([]byte, pageSize)
	for id := uint64(0); id < total; id++ {
		if id <= 1 {
			if err := db.array.ReadPage(id, buf); err != nil {
				return db.fail("pagedb.BeginSnapshot", err)
			}
		} else if err := db.array.ReadPage(id, buf); err != nil {
			return db.fail("pagedb.BeginSnapshot", err)
		}
		if _, err := w.Write(buf); err != nil {
			return dberr.IO("pagedb.BeginSnapshot", err)
		}
	}
	return nil
}

// RestoreFromSnapshot is the inverse of BeginSnapshot: it detects the page
// size from the first page's header and streams the remaining pages into a
// fresh array opened at newArrayPath, then reopens that array and opens a
// PageDb over it. The page size always comes from the stream: Options has
// no page-size setting and there is no crypto-configured restore path.
func RestoreFromSnapshot(r io.Reader, newArrayPath string, opts Options) (*PageDb, error) {
	head := make([]byte, headerSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, dberr.Corrupt("pagedb.RestoreFromSnapshot", fmt.Errorf("reading first header: %w", err))
	}
	magic := binary.LittleEndian.Uint64(head[offMagic : offMagic+8])
	if magic != magicNumber {
		return nil, dberr.Corrupt("pagedb.RestoreFromSnapshot", fmt.Errorf("bad magic number in snapshot stream"))
	}
	pageSize := int(binary.LittleEndian.Uint32(head[offPageSize : offPageSize+4]))

	array, err := pagearray.Open(newArrayPath, pageSize)
	if err != nil {
		return nil, err
	}
	if !array.IsEmpty() {
		return nil, dberr.IllegalState("pagedb.RestoreFromSnapshot", fmt.Errorf("destination %s is not empty", newArrayPath))
	}

	page0 := make([]byte, pageSize)
	copy(page0, head)
	if pageSize > headerSize {
		if _, err := io.ReadFull(r, page0[headerSize:]); err != nil {
			return nil, dberr.Corrupt("pagedb.RestoreFromSnapshot", fmt.Errorf("reading rest of page 0: %w", err))
		}
	}
	if err := array.SetPageCount(1); err != nil {
		return nil, err
	}
	if err := array.WritePage(0, page0); err != nil {
		return nil, err
	}

	pageBuf := make([]byte, pageSize)
	nextID := uint64(1)
	for {
		n, err := io.ReadFull(r, pageBuf)
		if err == io.EOF {
			break
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, dberr.IO("pagedb.RestoreFromSnapshot", err)
		}
		if n == 0 {
			break
		}
		if err := array.SetPageCount(nextID + 1); err != nil {
			return nil, err
		}
		if err := array.WritePage(nextID, pageBuf); err != nil {
			return nil, err
		}
		nextID++
		if n < pageSize {
			break
		}
	}

	// The array still reports itself empty from when it was opened, which
	// would make Open re-seed it; reopen it so Open reads the restored headers.
	if err := array.Close(); err != nil {
		return nil, err
	}
	restored, err := pagearray.Open(newArrayPath, pageSize)
	if err != nil {
		return nil, err
	}
	return Open(restored, false, opts)
}

// Close closes the database and the underlying array. Safe to call more
// than once.
func (db *PageDb) Close(cause error) error {
	if cause == nil {
		cause = fmt.Errorf("closed explicitly")
	}
	db.closeOnce.Do(func() {
		db.closed.Store(dberr.ClosedIndex("pagedb.Close"))
		_ = db.array.Close()
	})
	return nil
}

func (db *PageDb) checkOpen() error {
	if e := db.closed.Load(); e != nil {
		return dberr.New(dberr.KindClosedIndex, "pagedb", e)
	}
	return nil
}

// fail classifies err, marks the database closed with it (spec.md §7:
// "any exception ... closes the affected PageDb; further calls fail"), and
// returns the classified error.
func (db *PageDb) fail(op string, err error) error {
	var e *dberr.Error
	if !errors.As(err, &e) {
		e = dberr.IO(op, err)
	}
	db.closed.Store(e)
	_ = db.array.Close()
	if db.logger != nil {
		db.logger.Error("pagedb operation failed, closing database", zap.String("op", op), zap.Error(err))
	}
	return e
}
