// Package pagearray provides the fixed-size page read/write/sync surface
// that PageManager and PageDb build on. Per spec.md §1/§2, PageArray, file
// striping, and crypto wrapping are treated as external collaborators; this
// package supplies the minimal concrete implementation (a single backing
// file) needed to exercise the rest of the stack, plus the Decorator seam
// striping/crypto would hook into. Grounded on the teacher's DiskManager
// (core/indexing/btree/btree_core/btree.go: OpenOrCreateFile, ReadPage,
// WritePage, Sync) and core/write_engine/page_manager/page.go.
package pagearray

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rivendb/rivendb/internal/dberr"
)

// PageArray is the fixed-size page I/O surface PageManager and PageDb
// depend on. A real deployment might layer striping across several files
// or transparent encryption on top of a PageArray; those are decorators
// (see Decorator) and are not implemented here, matching spec.md's
// "collaborator" framing for C1.
type PageArray interface {
	PageSize() int
	IsEmpty() bool
	PageCount() (uint64, error)
	SetPageCount(count uint64) error
	ReadPage(id uint64, buf []byte) error
	ReadPartial(id uint64, start int, buf []byte) error
	WritePage(id uint64, buf []byte) error
	// WritePageDurably writes buf and ensures it is fsynced before
	// returning, used for the two header pages during commit.
	WritePageDurably(id uint64, buf []byte) error
	Sync(metadata bool) error
	Close() error
}

// Decorator is the seam a striping or crypto layer would implement: wrap an
// inner PageArray and present the same interface. Not implemented — see
// SPEC_FULL.md MODULE MAP / DESIGN.md for why this stays a documented
// interface rather than a built decorator.
type Decorator interface {
	PageArray
	Inner() PageArray
}

// FilePageArray is a single-file PageArray backed by *os.File.
type FilePageArray struct {
	mu       sync.Mutex
	file     *os.File
	pageSize int
	wasEmpty bool
}

// Open opens (or creates) path as a single-file PageArray with the given
// page size. wasEmpty reports true when the file did not exist or was
// zero-length before this call, mirroring the teacher's
// OpenOrCreateFile split between O_EXCL-create and open-existing paths.
func Open(path string, pageSize int) (*FilePageArray, error) {
	if pageSize < 512 {
		return nil, dberr.IllegalArgument("pagearray.Open", fmt.Errorf("page size %d below minimum 512", pageSize))
	}

	info, statErr := os.Stat(path)
	wasEmpty := statErr != nil || info.Size() == 0

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, dberr.IO("pagearray.Open", err)
	}

	return &FilePageArray{file: f, pageSize: pageSize, wasEmpty: wasEmpty}, nil
}

func (a *FilePageArray) PageSize() int { return a.pageSize }

func (a *FilePageArray) IsEmpty() bool { return a.wasEmpty }

func (a *FilePageArray) PageCount() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	info, err := a.file.Stat()
	if err != nil {
		return 0, dberr.IO("pagearray.PageCount", err)
	}
	return uint64(info.Size()) / uint64(a.pageSize), nil
}

func (a *FilePageArray) SetPageCount(count uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.file.Truncate(int64(count) * int64(a.pageSize)); err != nil {
		return dberr.IO("pagearray.SetPageCount", err)
	}
	return nil
}

func (a *FilePageArray) ReadPage(id uint64, buf []byte) error {
	return a.ReadPartial(id, 0, buf)
}

func (a *FilePageArray) ReadPartial(id uint64, start int, buf []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	off := int64(id)*int64(a.pageSize) + int64(start)
	n, err := a.file.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return dberr.IO("pagearray.ReadPartial", err)
	}
	if n < len(buf) {
		return dberr.Corrupt("pagearray.ReadPartial", fmt.Errorf("short read at page %d: got %d of %d bytes", id, n, len(buf)))
	}
	return nil
}

func (a *FilePageArray) WritePage(id uint64, buf []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writeLocked(id, buf)
}

func (a *FilePageArray) writeLocked(id uint64, buf []byte) error {
	off := int64(id) * int64(a.pageSize)
	if _, err := a.file.WriteAt(buf, off); err != nil {
		return dberr.IO("pagearray.WritePage", err)
	}
	return nil
}

func (a *FilePageArray) WritePageDurably(id uint64, buf []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.writeLocked(id, buf); err != nil {
		return err
	}
	if err := a.file.Sync(); err != nil {
		return dberr.IO("pagearray.WritePageDurably", err)
	}
	return nil
}

func (a *FilePageArray) Sync(metadata bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.file.Sync(); err != nil {
		return dberr.IO("pagearray.Sync", err)
	}
	return nil
}

func (a *FilePageArray) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.file.Close(); err != nil {
		return dberr.IO("pagearray.Close", err)
	}
	return nil
}
