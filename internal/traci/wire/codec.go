package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MaxMessage bounds a single inbound message.
const MaxMessage = 64 << 20

// ErrShort is returned when a reader runs out of bytes mid-value.
var ErrShort = errors.New("wire: short buffer")

// Buffer accumulates big-endian TraCI values.
type Buffer struct {
	b bytes.Buffer
}

func (w *Buffer) PutUbyte(v byte) { w.b.WriteByte(v) }
func (w *Buffer) PutInt(v int32)  { w.b.Write(binary.BigEndian.AppendUint32(nil, uint32(v))) }
func (w *Buffer) PutDouble(v float64) {
	w.b.Write(binary.BigEndian.AppendUint64(nil, math.Float64bits(v)))
}

func (w *Buffer) PutString(v string) {
	w.PutInt(int32(len(v)))
	w.b.WriteString(v)
}

func (w *Buffer) PutStringList(v []string) {
	w.PutInt(int32(len(v)))
	for _, s := range v {
		w.PutString(s)
	}
}

// PutRaw appends pre-encoded bytes.
func (w *Buffer) PutRaw(p []byte) { w.b.Write(p) }

func (w *Buffer) Bytes() []byte { return w.b.Bytes() }
func (w *Buffer) Len() int      { return w.b.Len() }

// Command appends one command with its length prefix. Contents longer than
// 253 bytes use the extended form: a zero byte followed by an int32 length.
func (w *Buffer) Command(id byte, content []byte) {
	if n := len(content) + 2; n <= 255 {
		w.PutUbyte(byte(n))
	} else {
		w.PutUbyte(0)
		w.PutInt(int32(len(content) + 6))
	}
	w.PutUbyte(id)
	w.PutRaw(content)
}

// Reader decodes big-endian TraCI values from a message body. The first
// decoding failure sticks; callers check Err once after a sequence of reads.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader wraps a message body (without its 4-byte length header).
func NewReader(p []byte) *Reader { return &Reader{buf: p} }

func (r *Reader) Err() error     { return r.err }
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShort, n, r.off, len(r.buf)-r.off)
		return nil
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p
}

func (r *Reader) Ubyte() byte {
	p := r.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (r *Reader) Int() int32 {
	p := r.take(4)
	if p == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(p))
}

func (r *Reader) Double() float64 {
	p := r.take(8)
	if p == nil {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(p))
}

func (r *Reader) Str() string {
	n := r.Int()
	p := r.take(int(n))
	if p == nil {
		return ""
	}
	return string(p)
}

func (r *Reader) StrList() []string {
	n := r.Int()
	if r.err != nil {
		return nil
	}
	if n < 0 || int(n) > r.Remaining()/4 {
		r.err = fmt.Errorf("%w: string list of %d entries", ErrShort, n)
		return nil
	}
	out := make([]string, 0, n)
	for range n {
		out = append(out, r.Str())
	}
	if r.err != nil {
		return nil
	}
	return out
}

// CommandLength reads a command length prefix in either form and returns the
// number of bytes the command occupies, prefix included.
func (r *Reader) CommandLength() int {
	n := int(r.Ubyte())
	if n == 0 && r.err == nil {
		return int(r.Int())
	}
	return n
}

// Skip advances n bytes.
func (r *Reader) Skip(n int) { r.take(n) }

// Next returns the next n raw bytes.
func (r *Reader) Next(n int) []byte { return r.take(n) }

// WriteMessage frames payload with its 4-byte total length and writes it.
func WriteMessage(w io.Writer, payload []byte) error {
	msg := make([]byte, 0, 4+len(payload))
	msg = binary.BigEndian.AppendUint32(msg, uint32(4+len(payload)))
	msg = append(msg, payload...)
	_, err := w.Write(msg)
	return err
}

// ReadMessage reads one framed message and returns its body.
func ReadMessage(rd io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(rd, hdr[:]); err != nil {
		return nil, err
	}
	total := int(binary.BigEndian.Uint32(hdr[:]))
	if total < 4 || total > MaxMessage {
		return nil, fmt.Errorf("wire: bad message length %d", total)
	}
	body := make([]byte, total-4)
	if _, err := io.ReadFull(rd, body); err != nil {
		return nil, err
	}
	return body, nil
}
