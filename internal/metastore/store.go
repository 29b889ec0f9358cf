// Package metastore provides the durable per-message metadata store: an
// append-only, binary-encoded record log with one record per logical change.
// Tag mutations append a new version record rather than rewriting in place;
// reads resolve to the most recent version through an in-memory offset index
// rebuilt at startup by a full scan. A truncated trailing record (crash
// mid-write) is discarded during the recovery scan, not treated as
// corruption.
package metastore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"sync"
)

// ErrStorageIO wraps write failures. Once a write fails the store halts
// ingestion for this shard; read-only access continues to serve from the
// last-good state.
var ErrStorageIO = errors.New("metastore: storage I/O failure")

// ErrNotFound is returned by Get for an id with no record.
var ErrNotFound = errors.New("metastore: message not found")

// ErrWriterHalted is returned for mutations attempted after a storage
// failure.
var ErrWriterHalted = errors.New("metastore: writer halted after storage failure")

// Store is the append-only metadata log. Mutations are serialized through a
// single logical writer; reads may run concurrently.
type Store struct {
	mu      sync.RWMutex
	f       *os.File
	path    string
	tail    int64            // append offset
	offsets map[uint32]int64 // message id -> offset of latest version
	maxID   uint32
	halted  bool
}

// Open opens or creates the log at path and rebuilds the offset index with a
// full recovery scan.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open metadata log: %w", err)
	}
	s := &Store{f: f, path: path, offsets: make(map[uint32]int64)}
	if err := s.recover(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// recover scans the whole log, indexing the latest version of every record
// and truncating a garbled tail.
func (s *Store) recover() error {
	var off int64
	for {
		rec, next, err := s.readAt(off)
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, errBadRecord) {
				// Crash mid-write: drop the partial tail.
				break
			}
			return fmt.Errorf("recovery scan: %w", err)
		}
		s.offsets[rec.ID] = off
		if rec.ID > s.maxID {
			s.maxID = rec.ID
		}
		off = next
	}
	if err := s.f.Truncate(off); err != nil {
		return fmt.Errorf("truncate metadata log: %w", err)
	}
	s.tail = off
	return nil
}

// readAt reads one framed record at off, returning it and the offset of the
// next record.
func (s *Store) readAt(off int64) (*Record, int64, error) {
	var frame [frameLen]byte
	if _, err := s.f.ReadAt(frame[:], off); err != nil {
		return nil, 0, err
	}
	bodyLen := binary.LittleEndian.Uint32(frame[0:])
	sum := binary.LittleEndian.Uint32(frame[4:])
	if bodyLen == 0 || bodyLen > maxBodyLen {
		return nil, 0, errBadRecord
	}
	body := make([]byte, bodyLen)
	if _, err := s.f.ReadAt(body, off+frameLen); err != nil {
		return nil, 0, err
	}
	if crc32.ChecksumIEEE(body) != sum {
		return nil, 0, errBadRecord
	}
	rec, err := decodeBody(body)
	if err != nil {
		return nil, 0, err
	}
	return rec, off + frameLen + int64(bodyLen), nil
}

// NextID returns the id the next Append will assign.
func (s *Store) NextID() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxID + 1
}

// MaxID returns the highest assigned message id (0 when empty).
func (s *Store) MaxID() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxID
}

// Count returns the number of distinct messages in the store.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.offsets)
}

// Append writes a new message record and returns its assigned id. The
// record's ID field is ignored; ids are assigned from a monotonic counter
// and never reused. Tag and term ids are stored sorted.
func (s *Store) Append(rec *Record) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return 0, ErrWriterHalted
	}
	rec.ID = s.maxID + 1
	sortTags(rec.TagIDs)
	sortTags(rec.TermIDs)
	if err := s.appendLocked(rec); err != nil {
		return 0, err
	}
	s.maxID = rec.ID
	return rec.ID, nil
}

func (s *Store) appendLocked(rec *Record) error {
	buf, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if _, err := s.f.WriteAt(buf, s.tail); err != nil {
		s.halted = true
		return fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	s.offsets[rec.ID] = s.tail
	s.tail += int64(len(buf))
	return nil
}

// Get returns the most recent version of the record for id.
func (s *Store) Get(id uint32) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id uint32) (*Record, error) {
	off, ok := s.offsets[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	rec, _, err := s.readAt(off)
	if err != nil {
		return nil, fmt.Errorf("read record %d: %w", id, err)
	}
	return rec, nil
}

// UpdateTags appends a new version of the record for id with the add set
// applied and the remove set dropped. It returns the previous and the new
// tag sets so the caller can adjust the inverted index.
func (s *Store) UpdateTags(id uint32, add, remove []uint32) (oldTags, newTags []uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return nil, nil, ErrWriterHalted
	}
	rec, err := s.getLocked(id)
	if err != nil {
		return nil, nil, err
	}
	oldTags = rec.TagIDs

	set := make(map[uint32]bool, len(oldTags)+len(add))
	for _, t := range oldTags {
		set[t] = true
	}
	for _, t := range add {
		set[t] = true
	}
	for _, t := range remove {
		delete(set, t)
	}
	newTags = make([]uint32, 0, len(set))
	for t := range set {
		newTags = append(newTags, t)
	}
	sortTags(newTags)

	rec.TagIDs = newTags
	if err := s.appendLocked(rec); err != nil {
		return nil, nil, err
	}
	return oldTags, newTags, nil
}

// Halted reports whether the writer has halted after a storage failure.
func (s *Store) Halted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halted
}

// Scanner iterates the log sequentially. It yields every version in append
// order; callers that only want current state should consult Latest.
type Scanner struct {
	s   *Store
	off int64
	rec *Record
	err error
}

// Scan returns a scanner positioned at offset from (0 = start of log).
// The scan is finite: it covers records present when Next is called and
// stops at the tail.
func (s *Store) Scan(from int64) *Scanner {
	return &Scanner{s: s, off: from}
}

// Next advances to the next record, returning false at the tail or on error.
func (sc *Scanner) Next() bool {
	sc.s.mu.RLock()
	defer sc.s.mu.RUnlock()
	if sc.off >= sc.s.tail {
		return false
	}
	rec, next, err := sc.s.readAt(sc.off)
	if err != nil {
		sc.err = err
		return false
	}
	sc.rec = rec
	sc.off = next
	return true
}

// Record returns the record at the scanner's current position.
func (sc *Scanner) Record() *Record { return sc.rec }

// Offset returns the offset of the next unread record; a new Scan can be
// restarted from it.
func (sc *Scanner) Offset() int64 { return sc.off }

// Err returns the first error encountered while scanning.
func (sc *Scanner) Err() error { return sc.err }

// Latest reports whether rec is the most recent version of its message.
func (s *Store) Latest(rec *Record, atOffset int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offsets[rec.ID] == atOffset
}

// IDs returns all message ids in ascending order.
func (s *Store) IDs() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint32, 0, len(s.offsets))
	for id := range s.offsets {
		out = append(out, id)
	}
	sortTags(out)
	return out
}

// Compact rewrites the log keeping only the latest version of each record,
// then atomically swaps the new log in. Superseded versions and stale tag
// ids become unreferenced, reclaiming the "dead weight" the append-only
// discipline accumulates.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return ErrWriterHalted
	}

	tmpPath := s.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	defer os.Remove(tmpPath)

	ids := make([]uint32, 0, len(s.offsets))
	for id := range s.offsets {
		ids = append(ids, id)
	}
	sortTags(ids)

	newOffsets := make(map[uint32]int64, len(ids))
	var tail int64
	for _, id := range ids {
		rec, _, err := s.readAt(s.offsets[id])
		if err != nil {
			tmp.Close()
			return fmt.Errorf("compact read %d: %w", id, err)
		}
		buf, err := encodeRecord(rec)
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := tmp.WriteAt(buf, tail); err != nil {
			tmp.Close()
			return fmt.Errorf("%w: %v", ErrStorageIO, err)
		}
		newOffsets[id] = tail
		tail += int64(len(buf))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	s.f.Close()
	s.f = tmp
	s.offsets = newOffsets
	s.tail = tail
	return nil
}

// Sync flushes the log to stable storage.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	return nil
}

// Close syncs and closes the log.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	syncErr := s.f.Sync()
	closeErr := s.f.Close()
	s.f = nil
	if syncErr != nil {
		return fmt.Errorf("%w: %v", ErrStorageIO, syncErr)
	}
	return closeErr
}

func sortTags(ids []uint32) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
