// Package btree implements the ordered B+ tree that sits on top of
// core/pagestore/pagedb (spec.md §4.5, components C6 Node, C7
// BTree/Cursor, C8 TreeMerger). A dirty node is written back to its own
// page id; pages are updated in place, not copied on write.
//
// Grounded on the teacher's core/indexing/btree/node.go
// (length-prefixed key/value serialization, trailing crc32 checksum,
// flags-byte-then-count header) generalized from typed generics to raw
// []byte keys/values compared unsigned-lexicographically, and on
// core/indexing/btree/btree_core/bufferpoolmanager.go's commented-out
// container/list LRU design for the buffer pool in bufferpool.go.
package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/rivendb/rivendb/internal/dberr"
)

// nodeType occupies the first byte of every serialized page. The low bit
// marks a leaf; the extremity bits are valid only at a tree's outer edges
// (spec.md §4.5 Graft step 4).
type nodeType byte

const (
	typeLeaf         nodeType = 1 << 0
	typeLowExtremity nodeType = 1 << 1
	typeHighExtremity nodeType = 1 << 2
)

func (t nodeType) isLeaf() bool         { return t&typeLeaf != 0 }
func (t nodeType) lowExtremity() bool   { return t&typeLowExtremity != 0 }
func (t nodeType) highExtremity() bool  { return t&typeHighExtremity != 0 }

const checksumSize = 4

// invalidPageID marks the absence of a child/sibling pointer.
const invalidPageID = uint64(0)

// entryFlag tags a leaf's stored value as either the literal value bytes
// or a fragmentChainDescriptor pointing at a side chain of indirect pages
// (spec.md §4.5 "a FRAGMENTED flag when the key or value is stored in a
// side chain"). Grounded on original_source's Tree.java referencing
// Node.ENTRY_FRAGMENTED; no surviving Node.java carried the bit's exact
// on-page position, so it is stored as its own byte rather than packed
// into nodeType, which describes the page, not a single entry.
type entryFlag byte

const (
	entryInline     entryFlag = 0
	entryFragmented entryFlag = 1
)

// node is the in-memory, deserialized form of one tree page. Leaves carry
// keys and values in parallel slices; internal nodes carry len(keys)+1
// children, keys[i] separating children[i] and children[i+1].
type node struct {
	pageID uint64
	typ    nodeType

	keys       [][]byte
	values     [][]byte    // leaves only
	fragmented []bool      // leaves only, parallel to values
	children   []uint64    // internal only
}

func newLeaf(pageID uint64) *node {
	return &node{pageID: pageID, typ: typeLeaf}
}

func newInternal(pageID uint64) *node {
	return &node{pageID: pageID, typ: 0}
}

func (n *node) isLeaf() bool { return n.typ.isLeaf() }

// find returns the index of key if present (found=true) or the insertion
// point / child index otherwise, via unsigned-lexicographic comparison
// (spec.md §4.5 "Key comparison is unsigned-lexicographic on raw bytes").
func (n *node) find(key []byte) (index int, found bool) {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		switch bytes.Compare(n.keys[mid], key) {
		case 0:
			return mid, true
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// childIndex maps a key to the child that must contain it, per spec.md's
// "internal_pos(x) rounds a negative not-found result up to the correct
// child": with idx keys separating idx+1 children, a not-found position p
// (p keys strictly less than key) means children[p] is the right subtree.
func (n *node) childIndex(key []byte) int {
	idx, found := n.find(key)
	if found {
		return idx + 1
	}
	return idx
}

// insertLeaf inserts key/value at idx. fragmented marks value as a
// fragmentChainDescriptor rather than literal value bytes.
func (n *node) insertLeaf(idx int, key, value []byte, fragmented bool) {
	n.keys = append(n.keys, nil)
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = key

	n.values = append(n.values, nil)
	copy(n.values[idx+1:], n.values[idx:])
	n.values[idx] = value

	n.fragmented = append(n.fragmented, false)
	copy(n.fragmented[idx+1:], n.fragmented[idx:])
	n.fragmented[idx] = fragmented
}

// removeLeaf drops the entry at idx, returning its value and whether that
// value was a fragment chain descriptor so the caller can free the chain.
func (n *node) removeLeaf(idx int) (value []byte, fragmented bool) {
	value, fragmented = n.values[idx], n.fragmented[idx]
	n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
	n.values = append(n.values[:idx], n.values[idx+1:]...)
	n.fragmented = append(n.fragmented[:idx], n.fragmented[idx+1:]...)
	return value, fragmented
}

func (n *node) insertInternal(idx int, sep []byte, rightChild uint64) {
	n.keys = append(n.keys, nil)
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = sep

	n.children = append(n.children, 0)
	copy(n.children[idx+2:], n.children[idx+1:])
	n.children[idx+1] = rightChild
}

// removeInternalAt drops separator keys[idx] and the child to its right
// (children[idx+1]), used when a right sibling has been merged away.
func (n *node) removeInternalAt(idx int) {
	n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
	n.children = append(n.children[:idx+1], n.children[idx+2:]...)
}

// encodedSize estimates the serialized footprint, used to decide whether a
// node needs to split before a mutation would overflow the page.
func (n *node) encodedSize() int {
	size := 1 + 2 // type byte + count
	for _, k := range n.keys {
		size += 2 + len(k)
	}
	if n.isLeaf() {
		for _, v := range n.values {
			size += 1 + 2 + len(v)
		}
	} else {
		size += 2 + 8*len(n.children)
	}
	return size + checksumSize
}

// serialize writes n into a pageSize buffer, computing the trailing crc32
// checksum the way the teacher's node.go does.
func (n *node) serialize(pageSize int) ([]byte, error) {
	buf := make([]byte, pageSize)
	w := buf

	w[0] = byte(n.typ)
	binary.LittleEndian.PutUint16(w[1:3], uint16(len(n.keys)))
	pos := 3

	for _, k := range n.keys {
		if pos+2+len(k) > pageSize-checksumSize {
			return nil, dberr.IllegalState("btree.serialize", fmt.Errorf("node overflows page size %d", pageSize))
		}
		binary.LittleEndian.PutUint16(w[pos:pos+2], uint16(len(k)))
		pos += 2
		copy(w[pos:], k)
		pos += len(k)
	}

	if n.isLeaf() {
		for i, v := range n.values {
			if pos+1+2+len(v) > pageSize-checksumSize {
				return nil, dberr.IllegalState("btree.serialize", fmt.Errorf("node overflows page size %d", pageSize))
			}
			w[pos] = byte(entryInline)
			if n.fragmented[i] {
				w[pos] = byte(entryFragmented)
			}
			pos++
			binary.LittleEndian.PutUint16(w[pos:pos+2], uint16(len(v)))
			pos += 2
			copy(w[pos:], v)
			pos += len(v)
		}
	} else {
		binary.LittleEndian.PutUint16(w[pos:pos+2], uint16(len(n.children)))
		pos += 2
		for _, c := range n.children {
			binary.LittleEndian.PutUint64(w[pos:pos+8], c)
			pos += 8
		}
	}

	for i := pos; i < pageSize-checksumSize; i++ {
		w[i] = 0
	}
	checksum := crc32.ChecksumIEEE(w[:pageSize-checksumSize])
	binary.LittleEndian.PutUint32(w[pageSize-checksumSize:], checksum)
	return buf, nil
}

// deserialize reconstructs a node from a page previously written by
// serialize, verifying its checksum first.
func deserializeNode(pageID uint64, buf []byte) (*node, error) {
	pageSize := len(buf)
	stored := binary.LittleEndian.Uint32(buf[pageSize-checksumSize:])
	calculated := crc32.ChecksumIEEE(buf[:pageSize-checksumSize])
	if stored != calculated {
		return nil, dberr.Corrupt("btree.deserialize", fmt.Errorf("page %d: checksum mismatch stored=0x%x calculated=0x%x", pageID, stored, calculated))
	}

	n := &node{pageID: pageID, typ: nodeType(buf[0])}
	numKeys := int(binary.LittleEndian.Uint16(buf[1:3]))
	pos := 3

	n.keys = make([][]byte, numKeys)
	for i := 0; i < numKeys; i++ {
		l := int(binary.LittleEndian.Uint16(buf[pos : pos+2]))
		pos += 2
		n.keys[i] = append([]byte(nil), buf[pos:pos+l]...)
		pos += l
	}

	if n.isLeaf() {
		n.values = make([][]byte, numKeys)
		n.fragmented = make([]bool, numKeys)
		for i := 0; i < numKeys; i++ {
			flag := entryFlag(buf[pos])
			pos++
			l := int(binary.LittleEndian.Uint16(buf[pos : pos+2]))
			pos += 2
			n.values[i] = append([]byte(nil), buf[pos:pos+l]...)
			n.fragmented[i] = flag == entryFragmented
			pos += l
		}
	} else {
		numChildren := int(binary.LittleEndian.Uint16(buf[pos : pos+2]))
		pos += 2
		n.children = make([]uint64, numChildren)
		for i := 0; i < numChildren; i++ {
			n.children[i] = binary.LittleEndian.Uint64(buf[pos : pos+8])
			pos += 8
		}
	}
	return n, nil
}
