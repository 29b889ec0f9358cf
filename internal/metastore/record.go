package metastore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Flag bits recorded per message. The core only records that a message is
// encrypted or signed; the crypto itself lives elsewhere.
const (
	FlagEncrypted uint32 = 1 << iota
	FlagSigned
	FlagHasAttachments
	FlagDraft
)

// Record is one version of a message's metadata. A message may have several
// versions in the log (tag mutations append rather than rewrite); readers
// always resolve to the latest.
type Record struct {
	ID        uint32
	ThreadID  uint32 // 0 means the message roots its own thread
	Timestamp int64  // unix seconds
	Size      uint32 // raw message size in bytes
	Flags     uint32
	Locator   string   // opaque pointer into external storage
	TagIDs    []uint32 // term-dictionary ids, sorted
	TermIDs   []uint32 // free-text term ids indexed for the message, sorted
}

// Thread returns the effective thread id: explicit linkage, or the message's
// own id when it roots a thread.
func (r *Record) Thread() uint32 {
	if r.ThreadID != 0 {
		return r.ThreadID
	}
	return r.ID
}

// HasTag reports whether id is in the record's tag set.
func (r *Record) HasTag(id uint32) bool {
	for _, t := range r.TagIDs {
		if t == id {
			return true
		}
	}
	return false
}

// On-disk framing: u32 body length, u32 CRC-32 (IEEE) of the body, body.
// Body: fixed 24-byte header (id, thread, timestamp, size, flags), u16
// locator length + bytes, uvarint tag count + uvarint tag ids, uvarint
// term count + uvarint term ids. Persisting the term ids is what lets a
// rebuild restore free-text postings from the log alone.
const (
	frameLen   = 8
	headerLen  = 24
	maxBodyLen = 1 << 20
)

var errBadRecord = errors.New("metastore: malformed record")

func encodeRecord(r *Record) ([]byte, error) {
	if len(r.Locator) > 0xffff {
		return nil, fmt.Errorf("%w: locator too long (%d bytes)", errBadRecord, len(r.Locator))
	}
	body := make([]byte, headerLen, headerLen+2+len(r.Locator)+
		binary.MaxVarintLen32*(len(r.TagIDs)+len(r.TermIDs)+2))
	binary.LittleEndian.PutUint32(body[0:], r.ID)
	binary.LittleEndian.PutUint32(body[4:], r.ThreadID)
	binary.LittleEndian.PutUint64(body[8:], uint64(r.Timestamp))
	binary.LittleEndian.PutUint32(body[16:], r.Size)
	binary.LittleEndian.PutUint32(body[20:], r.Flags)

	body = binary.LittleEndian.AppendUint16(body, uint16(len(r.Locator)))
	body = append(body, r.Locator...)

	body = binary.AppendUvarint(body, uint64(len(r.TagIDs)))
	for _, t := range r.TagIDs {
		body = binary.AppendUvarint(body, uint64(t))
	}
	body = binary.AppendUvarint(body, uint64(len(r.TermIDs)))
	for _, t := range r.TermIDs {
		body = binary.AppendUvarint(body, uint64(t))
	}

	out := make([]byte, frameLen+len(body))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(body)))
	binary.LittleEndian.PutUint32(out[4:], crc32.ChecksumIEEE(body))
	copy(out[frameLen:], body)
	return out, nil
}

// decodeBody decodes a record body whose frame has already been verified.
func decodeBody(body []byte) (*Record, error) {
	if len(body) < headerLen+2 {
		return nil, fmt.Errorf("%w: body too short (%d bytes)", errBadRecord, len(body))
	}
	r := &Record{
		ID:        binary.LittleEndian.Uint32(body[0:]),
		ThreadID:  binary.LittleEndian.Uint32(body[4:]),
		Timestamp: int64(binary.LittleEndian.Uint64(body[8:])),
		Size:      binary.LittleEndian.Uint32(body[16:]),
		Flags:     binary.LittleEndian.Uint32(body[20:]),
	}
	rest := body[headerLen:]
	locLen := int(binary.LittleEndian.Uint16(rest))
	rest = rest[2:]
	if len(rest) < locLen {
		return nil, fmt.Errorf("%w: locator overruns body", errBadRecord)
	}
	r.Locator = string(rest[:locLen])
	rest = rest[locLen:]

	var err error
	if r.TagIDs, rest, err = decodeIDList(rest); err != nil {
		return nil, err
	}
	if r.TermIDs, _, err = decodeIDList(rest); err != nil {
		return nil, err
	}
	return r, nil
}

func decodeIDList(rest []byte) ([]uint32, []byte, error) {
	count, n := binary.Uvarint(rest)
	if n <= 0 || count > uint64(len(rest)) {
		return nil, nil, fmt.Errorf("%w: bad id count", errBadRecord)
	}
	rest = rest[n:]
	if count == 0 {
		return nil, rest, nil
	}
	out := make([]uint32, 0, count)
	for i := uint64(0); i < count; i++ {
		v, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, nil, fmt.Errorf("%w: truncated id list", errBadRecord)
		}
		rest = rest[n:]
		out = append(out, uint32(v))
	}
	return out, rest, nil
}
