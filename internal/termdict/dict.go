// Package termdict interns tag and term strings to stable small integer
// identifiers. Ids are assigned from a monotonically increasing counter and
// are never recycled, so postings for a term that falls out of use are
// simply dead weight until compaction. Entries are persisted in insertion
// order in an append-only dictionary log, making the mapping rebuildable by
// replaying the log from the start.
package termdict

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Kind classifies a dictionary entry.
type Kind uint8

const (
	// KindTag is a user-visible tag (inbox, spam, ...).
	KindTag Kind = iota
	// KindTerm is a free-text term extracted from message content.
	KindTerm
	// KindStructural is a derived term such as from:addr or date:2022-1-1.
	KindStructural
)

// ErrUnknownTerm is returned by Resolve for an id that was never assigned.
var ErrUnknownTerm = errors.New("termdict: unknown term id")

// Entry is one interned string. Two identical strings in different
// namespaces are distinct entries.
type Entry struct {
	ID        uint32
	Kind      Kind
	Namespace string
	Text      string
}

// Key returns the qualified lookup key for the entry. Namespaced entries use
// the text@namespace form so the same bare name can exist per namespace.
func (e Entry) Key() string { return Key(e.Text, e.Namespace) }

// Key builds the qualified dictionary key for a text + namespace pair.
func Key(text, namespace string) string {
	if namespace == "" {
		return text
	}
	return text + "@" + namespace
}

// Dict is the in-memory dictionary with an optional append-only backing log.
// Safe for concurrent use; interning is serialized, resolution is not
// blocked by it.
type Dict struct {
	mu      sync.RWMutex
	byKey   map[string]uint32
	entries []Entry // index = id - 1; insertion order

	w *bufio.Writer
	f *os.File
}

// New creates an empty in-memory dictionary with no backing log.
func New() *Dict {
	return &Dict{byKey: make(map[string]uint32)}
}

// Open loads the dictionary log at path, creating it if absent. A truncated
// trailing entry (crash mid-write) is discarded, mirroring the metadata
// store's recovery behavior.
func Open(path string) (*Dict, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open dictionary log: %w", err)
	}
	d := New()
	good, err := d.replay(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("replay dictionary log: %w", err)
	}
	if err := f.Truncate(good); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate dictionary log: %w", err)
	}
	if _, err := f.Seek(good, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek dictionary log: %w", err)
	}
	d.f = f
	d.w = bufio.NewWriter(f)
	return d, nil
}

// replay reads entries until EOF or a short/garbled tail, returning the
// offset of the last complete entry.
func (d *Dict) replay(f *os.File) (int64, error) {
	r := bufio.NewReader(f)
	var good int64
	for {
		ent, n, err := readEntry(r)
		if err == io.EOF {
			return good, nil
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, errBadEntry) {
				return good, nil
			}
			return good, err
		}
		ent.ID = uint32(len(d.entries) + 1)
		d.entries = append(d.entries, ent)
		d.byKey[ent.Key()] = ent.ID
		good += int64(n)
	}
}

// Intern returns the id for the given text + namespace, assigning a new id
// on first use. Interning the same pair twice returns the same id; the kind
// recorded is the one supplied on first intern.
func (d *Dict) Intern(text, namespace string, kind Kind) (uint32, error) {
	key := Key(text, namespace)

	d.mu.RLock()
	id, ok := d.byKey[key]
	d.mu.RUnlock()
	if ok {
		return id, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.byKey[key]; ok {
		return id, nil
	}

	ent := Entry{
		ID:        uint32(len(d.entries) + 1),
		Kind:      kind,
		Namespace: namespace,
		Text:      text,
	}
	if d.w != nil {
		if err := writeEntry(d.w, ent); err != nil {
			return 0, fmt.Errorf("append dictionary entry: %w", err)
		}
	}
	d.entries = append(d.entries, ent)
	d.byKey[key] = ent.ID
	return ent.ID, nil
}

// Lookup returns the id for text + namespace without assigning one.
// The second result is false if the pair was never interned — callers treat
// that as an always-empty match, not an error.
func (d *Dict) Lookup(text, namespace string) (uint32, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byKey[Key(text, namespace)]
	return id, ok
}

// Resolve returns the entry for id, or ErrUnknownTerm if the id was never
// assigned.
func (d *Dict) Resolve(id uint32) (Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id == 0 || int(id) > len(d.entries) {
		return Entry{}, fmt.Errorf("%w: %d", ErrUnknownTerm, id)
	}
	return d.entries[id-1], nil
}

// Len returns the number of interned entries.
func (d *Dict) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Tags returns all entries of KindTag in insertion order, optionally
// filtered to one namespace.
func (d *Dict) Tags(namespace string) []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Entry
	for _, e := range d.entries {
		if e.Kind != KindTag {
			continue
		}
		if namespace != "" && e.Namespace != namespace {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Flush forces buffered entries to the backing log.
func (d *Dict) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.w == nil {
		return nil
	}
	if err := d.w.Flush(); err != nil {
		return fmt.Errorf("flush dictionary log: %w", err)
	}
	return d.f.Sync()
}

// Close flushes and closes the backing log.
func (d *Dict) Close() error {
	if err := d.Flush(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	d.w = nil
	return err
}

var errBadEntry = errors.New("termdict: malformed entry")

// Log entry layout: kind byte, uvarint namespace length + bytes,
// uvarint text length + bytes. Ids are implicit in entry order.
func writeEntry(w *bufio.Writer, e Entry) error {
	if strings.ContainsRune(e.Text, 0) {
		return fmt.Errorf("%w: NUL in term", errBadEntry)
	}
	var buf [binary.MaxVarintLen64]byte
	if err := w.WriteByte(byte(e.Kind)); err != nil {
		return err
	}
	n := binary.PutUvarint(buf[:], uint64(len(e.Namespace)))
	if _, err := w.Write(buf[:n]); err != nil {
		return err
	}
	if _, err := w.WriteString(e.Namespace); err != nil {
		return err
	}
	n = binary.PutUvarint(buf[:], uint64(len(e.Text)))
	if _, err := w.Write(buf[:n]); err != nil {
		return err
	}
	_, err := w.WriteString(e.Text)
	return err
}

const maxEntryLen = 1 << 16

func readEntry(r *bufio.Reader) (Entry, int, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return Entry{}, 0, err
	}
	if kind > byte(KindStructural) {
		return Entry{}, 0, errBadEntry
	}
	read := 1

	ns, n, err := readString(r)
	read += n
	if err != nil {
		return Entry{}, read, unexpectedEOF(err)
	}
	text, n, err := readString(r)
	read += n
	if err != nil {
		return Entry{}, read, unexpectedEOF(err)
	}
	return Entry{Kind: Kind(kind), Namespace: ns, Text: text}, read, nil
}

func readString(r *bufio.Reader) (string, int, error) {
	var peeked countingReader
	peeked.r = r
	ln, err := binary.ReadUvarint(&peeked)
	if err != nil {
		return "", peeked.n, err
	}
	if ln > maxEntryLen {
		return "", peeked.n, errBadEntry
	}
	buf := make([]byte, ln)
	m, err := io.ReadFull(r, buf)
	return string(buf[:m]), peeked.n + m, err
}

type countingReader struct {
	r io.ByteReader
	n int
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
