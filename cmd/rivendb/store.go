package main

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/rivendb/rivendb/core/btree"
	"github.com/rivendb/rivendb/core/pagestore/pagearray"
	"github.com/rivendb/rivendb/core/pagestore/pagedb"
)

// defaultTreeID is the single tree this CLI operates on. A real deployment
// would keep a registry tree mapping names to root page ids (spec.md §9
// Non-goals excludes schemas, but a single default tree is enough surface
// for put/get/delete/scan/verify).
const defaultTreeID = 1

// Store bundles the paged file, the btree database over it, and the one
// tree the CLI operates on. The tree's root page id rides in the pagedb
// header's extra commit data (pagedb.PageDb.ExtraData/Commit's PrepareFunc)
// so it survives a restart without a separate metadata file.
type Store struct {
	array pagearray.PageArray
	pdb   *pagedb.PageDb
	bdb   *btree.Database
	tree  *btree.Tree

	logger *zap.Logger
}

// OpenStore opens (or creates) a database file at path.
func OpenStore(path string, pageSize int, logger *zap.Logger) (*Store, error) {
	array, err := pagearray.Open(path, pageSize)
	if err != nil {
		return nil, fmt.Errorf("open page array: %w", err)
	}
	fresh := array.IsEmpty()

	pdb, err := pagedb.Open(array, false, pagedb.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open page db: %w", err)
	}

	bdb := btree.Open(pdb, btree.Options{Logger: logger})

	s := &Store{array: array, pdb: pdb, bdb: bdb, logger: logger}

	if fresh {
		tree, err := bdb.CreateTree(defaultTreeID, "default")
		if err != nil {
			return nil, fmt.Errorf("create default tree: %w", err)
		}
		s.tree = tree
		if err := s.Commit(); err != nil {
			return nil, fmt.Errorf("seed commit: %w", err)
		}
		return s, nil
	}

	extra, err := pdb.ExtraData()
	if err != nil {
		return nil, fmt.Errorf("read root page id: %w", err)
	}
	if len(extra) < 8 {
		return nil, fmt.Errorf("database header carries no tree root; was it created by rivendb?")
	}
	rootID := binary.LittleEndian.Uint64(extra[:8])
	s.tree = bdb.OpenTree(defaultTreeID, "default", rootID)
	return s, nil
}

// Commit checkpoints the database, embedding the tree's current root page
// id in the header's extra data via pagedb's PrepareFunc hook.
func (s *Store) Commit() error {
	return s.pdb.Commit(func() ([]byte, error) {
		extra := make([]byte, 8)
		binary.LittleEndian.PutUint64(extra, s.tree.RootPageID())
		return extra, nil
	})
}

func (s *Store) Close() error {
	return s.pdb.Close(nil)
}

func (s *Store) Put(key, value []byte) error {
	if err := s.tree.Put(key, value); err != nil {
		return err
	}
	return s.Commit()
}

func (s *Store) Get(key []byte) ([]byte, bool, error) {
	return s.tree.Get(key)
}

func (s *Store) Delete(key []byte) error {
	if err := s.tree.Delete(key); err != nil {
		return err
	}
	return s.Commit()
}

// Scan visits every key/value pair in order starting at (or after) from; a
// nil from starts at the smallest key. It stops if visit returns false.
func (s *Store) Scan(from []byte, visit func(key, value []byte) bool) error {
	c := s.tree.NewCursor()
	var err error
	if from == nil {
		err = c.First()
	} else {
		err = c.Find(from)
	}
	if err != nil {
		return err
	}
	for c.Valid() {
		key, err := c.Key()
		if err != nil {
			return err
		}
		value, err := c.Value()
		if err != nil {
			return err
		}
		if !visit(key, value) {
			return nil
		}
		if err := c.Next(); err != nil {
			return err
		}
	}
	return nil
}

// Verify walks every entry in the default tree, reporting the count and any
// error surfaced along the way (a decode failure, a broken checksum). It is
// a read-only integrity pass, not a repair tool.
func (s *Store) Verify() (int, error) {
	count := 0
	err := s.Scan(nil, func(key, value []byte) bool {
		count++
		return true
	})
	return count, err
}
