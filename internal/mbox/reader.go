// Package mbox implements a streaming reader for mbox files.
//
// Messages are separated by Unix "From " lines. A separator is only
// recognized at the start of the file or after a blank line, which keeps
// unescaped "From " body lines in sloppy mboxo exports from splitting a
// message. Body lines matching ^>+From  have one leading '>' removed
// (mboxrd unquoting).
package mbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

const maxLineBytes = 1 << 20

// ErrMessageTooLarge is returned for a message exceeding the reader's cap.
var ErrMessageTooLarge = errors.New("mbox: message exceeds max size")

// Message is one message from an mbox stream.
type Message struct {
	// FromLine is the separator line without its trailing newline.
	FromLine string
	// Offset is the stream offset of the separator line, usable as a
	// stable locator into the source file.
	Offset int64
	// Raw is the RFC 5322 message (headers + body), separator excluded.
	Raw []byte
}

// Reader reads messages from an mbox stream one at a time.
type Reader struct {
	br  *bufio.Reader
	off int64

	sep    string // buffered separator for the next message
	sepOff int64
	hasSep bool
	eof    bool

	prevBlank bool
	maxBytes  int64
}

// NewReader creates a Reader. maxBytes caps each message's size; zero or
// negative means no cap.
func NewReader(r io.Reader, maxBytes int64) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64<<10), prevBlank: true, maxBytes: maxBytes}
}

var fromPrefix = []byte("From ")

// Next returns the next message, or io.EOF when the stream is exhausted.
func (r *Reader) Next() (*Message, error) {
	if r.eof && !r.hasSep {
		return nil, io.EOF
	}

	if !r.hasSep {
		if err := r.seekSeparator(); err != nil {
			return nil, err
		}
	}

	msg := &Message{FromLine: r.sep, Offset: r.sepOff}
	r.hasSep = false
	r.prevBlank = false

	var raw bytes.Buffer
	for {
		lineOff := r.off
		line, err := r.readLine()
		if len(line) > 0 {
			if r.prevBlank && isSeparator(line) {
				r.sep = string(bytes.TrimRight(line, "\r\n"))
				r.sepOff = lineOff
				r.hasSep = true
				break
			}
			b := unescapeFrom(line)
			if r.maxBytes > 0 && int64(raw.Len()+len(b)) > r.maxBytes {
				return nil, fmt.Errorf("%w: limit %d bytes", ErrMessageTooLarge, r.maxBytes)
			}
			raw.Write(b)
			r.prevBlank = isBlank(line)
		}
		if err != nil {
			if err == io.EOF {
				r.eof = true
				break
			}
			return nil, err
		}
	}

	// A separator directly followed by EOF still yields the (empty)
	// message it announced.
	msg.Raw = raw.Bytes()
	return msg, nil
}

// seekSeparator advances to the first separator line, tolerating leading
// junk such as ">From" headers some exporters emit.
func (r *Reader) seekSeparator() error {
	for {
		lineOff := r.off
		line, err := r.readLine()
		if r.prevBlank && isSeparator(line) {
			r.sep = string(bytes.TrimRight(line, "\r\n"))
			r.sepOff = lineOff
			r.hasSep = true
			return nil
		}
		r.prevBlank = isBlank(line)
		if err != nil {
			if err == io.EOF {
				r.eof = true
				return io.EOF
			}
			return err
		}
	}
}

// readLine reads one line including its newline, assembling lines longer
// than the buffer from ReadSlice fragments up to maxLineBytes.
func (r *Reader) readLine() ([]byte, error) {
	var out []byte
	for {
		b, err := r.br.ReadSlice('\n')
		r.off += int64(len(b))
		out = append(out, b...)
		if errors.Is(err, bufio.ErrBufferFull) {
			if len(out) > maxLineBytes {
				return nil, fmt.Errorf("mbox: line exceeds %d bytes", maxLineBytes)
			}
			continue
		}
		return out, err
	}
}

func isSeparator(line []byte) bool {
	return bytes.HasPrefix(line, fromPrefix)
}

func isBlank(line []byte) bool {
	return len(bytes.TrimRight(line, "\r\n")) == 0
}

// unescapeFrom removes a single leading '>' from ^>+From  lines.
func unescapeFrom(line []byte) []byte {
	i := 0
	for i < len(line) && line[i] == '>' {
		i++
	}
	if i > 0 && bytes.HasPrefix(line[i:], fromPrefix) {
		return line[1:]
	}
	return line
}
