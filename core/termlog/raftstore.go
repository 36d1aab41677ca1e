package termlog

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/rivendb/rivendb/internal/dberr"
)

// frameHeaderSize is the length of the big-endian uint32 record length
// prefixing every gob-encoded raft.Log written to the term log, so a
// restart can scan the durable byte stream back into discrete entries
// without a separate offset index.
const frameHeaderSize = 4

// RaftStore adapts a single-term TermLog into hashicorp/raft's LogStore and
// StableStore, so the same durable, gap-tracked segment used for rivendb's
// own replication (spec.md §4.6) backs raft's log when raft is chosen as
// the consensus driver.
//
// A production multi-term deployment would route StoreLog/GetLog across
// one TermLog per term; this adapter keeps a single current TermLog and
// assumes the caller rolls it over (via NewRaftStore) on a term change,
// which is sufficient for the single-leader-lifetime scope this package
// targets. DeleteRange only prunes the in-memory index, not the
// underlying bytes; reclaiming log space after a raft snapshot happens by
// rolling to a fresh term, the same as any other term boundary.
type RaftStore struct {
	mu          sync.Mutex
	log         *TermLog
	entries     map[uint64]*raft.Log
	first       uint64
	last        uint64
	writeCursor int64

	stablePath string
	stable     map[string][]byte
}

// NewRaftStore builds a RaftStore over log, loading any previously
// persisted stable keys from stableDir and replaying log's already
// durable bytes back into entries/first/last/writeCursor, so a restart
// doesn't lose everything raft already believes was stored.
func NewRaftStore(log *TermLog, stableDir string) (*RaftStore, error) {
	if err := os.MkdirAll(stableDir, 0755); err != nil {
		return nil, dberr.IO("termlog.NewRaftStore", err)
	}
	s := &RaftStore{
		log:        log,
		entries:    make(map[uint64]*raft.Log),
		stablePath: filepath.Join(stableDir, "stable.gob"),
		stable:     make(map[string][]byte),
	}
	if data, err := os.ReadFile(s.stablePath); err == nil {
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s.stable); err != nil {
			return nil, dberr.Corrupt("termlog.NewRaftStore", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, dberr.IO("termlog.NewRaftStore", err)
	}
	if err := s.replayLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// replayLocked scans log from its start, decoding length-prefixed raft.Log
// frames until it runs out of durably written bytes, rebuilding entries,
// first, last, and the cursor StoreLogs resumes appending at. It is safe
// to call on an empty log: ReadAny returns 0 immediately and the store
// starts fresh at writeCursor 0.
func (s *RaftStore) replayLocked() error {
	reader := s.log.OpenReader(s.log.StartIndex())
	var buf []byte
	chunk := make([]byte, 32*1024)
	for {
		n, err := reader.ReadAny(chunk)
		if err != nil {
			return dberr.IO("termlog.replay", err)
		}
		if n == 0 {
			break
		}
		buf = append(buf, chunk[:n]...)
	}

	consumed := int64(0)
	for len(buf) >= frameHeaderSize {
		length := binary.BigEndian.Uint32(buf[:frameHeaderSize])
		if uint64(len(buf)-frameHeaderSize) < uint64(length) {
			// A partial trailing frame means the last StoreLogs call never
			// finished landing durably; stop before it rather than decode
			// garbage, leaving writeCursor at the last complete frame so
			// the next StoreLogs overwrites the torn tail.
			break
		}
		record := buf[frameHeaderSize : frameHeaderSize+int(length)]
		var entry raft.Log
		if err := gob.NewDecoder(bytes.NewReader(record)).Decode(&entry); err != nil {
			return dberr.Corrupt("termlog.replay", err)
		}
		cp := entry
		s.entries[entry.Index] = &cp
		if s.first == 0 || entry.Index < s.first {
			s.first = entry.Index
		}
		if entry.Index > s.last {
			s.last = entry.Index
		}
		frameLen := int64(frameHeaderSize) + int64(length)
		buf = buf[frameLen:]
		consumed += frameLen
	}
	s.writeCursor = s.log.StartIndex() + consumed
	return nil
}

func (s *RaftStore) FirstIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first, nil
}

func (s *RaftStore) LastIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

func (s *RaftStore) GetLog(index uint64, out *raft.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[index]
	if !ok {
		return raft.ErrLogNotFound
	}
	*out = *entry
	return nil
}

func (s *RaftStore) StoreLog(entry *raft.Log) error {
	return s.StoreLogs([]*raft.Log{entry})
}

// StoreLogs appends each entry as a length-prefixed gob frame at the
// store's running write cursor (not at entry.Index, which is a raft log
// index and not a byte offset into the segment), so entries longer than
// one byte apart don't clobber each other and a later replayLocked can
// recover them without any side index.
func (s *RaftStore) StoreLogs(logs []*raft.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range logs {
		var payload bytes.Buffer
		if err := gob.NewEncoder(&payload).Encode(entry); err != nil {
			return dberr.Corrupt("termlog.StoreLogs", err)
		}
		frame := make([]byte, frameHeaderSize+payload.Len())
		binary.BigEndian.PutUint32(frame[:frameHeaderSize], uint32(payload.Len()))
		copy(frame[frameHeaderSize:], payload.Bytes())

		w := s.log.OpenWriter(s.writeCursor)
		n, err := w.Write(frame, s.writeCursor+int64(len(frame)))
		if err != nil {
			return err
		}
		if n != len(frame) {
			return dberr.IO("termlog.StoreLogs", fmt.Errorf("short write: wrote %d of %d bytes", n, len(frame)))
		}
		s.writeCursor += int64(n)

		cp := *entry
		s.entries[entry.Index] = &cp
		if s.first == 0 || entry.Index < s.first {
			s.first = entry.Index
		}
		if entry.Index > s.last {
			s.last = entry.Index
		}
	}
	return s.log.Sync()
}

func (s *RaftStore) DeleteRange(min, max uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := min; i <= max; i++ {
		delete(s.entries, i)
	}
	if min <= s.first {
		s.first = max + 1
	}
	return nil
}

func (s *RaftStore) Set(key []byte, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stable[string(key)] = append([]byte(nil), val...)
	return s.persistLocked()
}

func (s *RaftStore) Get(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.stable[string(key)]
	if !ok {
		return nil, dberr.New(dberr.KindIllegalArgument, "termlog.Get", nil)
	}
	return v, nil
}

func (s *RaftStore) SetUint64(key []byte, val uint64) error {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(val >> (8 * i))
	}
	return s.Set(key, buf)
}

func (s *RaftStore) GetUint64(key []byte) (uint64, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	var val uint64
	for i := 0; i < 8 && i < len(v); i++ {
		val |= uint64(v[i]) << (8 * i)
	}
	return val, nil
}

func (s *RaftStore) persistLocked() error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.stable); err != nil {
		return dberr.Corrupt("termlog.persist", err)
	}
	if err := os.WriteFile(s.stablePath, buf.Bytes(), 0644); err != nil {
		return dberr.IO("termlog.persist", err)
	}
	return nil
}
