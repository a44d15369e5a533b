package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Writer accumulates a payload body using the same varint encoding protobuf
// uses for its own length-delimited fields, so seqno deltas and collection
// lengths stay compact without hand-rolling varint math.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{buf: make([]byte, 0, 64)} }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) PutByte(b byte) { w.buf = append(w.buf, b) }

func (w *Writer) PutUint16(v uint16) {
	w.buf = append(w.buf, byte(v>>8), byte(v))
}

func (w *Writer) PutVarint(v uint64) {
	w.buf = protowire.AppendVarint(w.buf, v)
}

// PutString length-prefixes s with a varint length.
func (w *Writer) PutString(s string) {
	w.PutVarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// PutBytes length-prefixes b with a varint length.
func (w *Writer) PutBytes(b []byte) {
	w.PutVarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// Reader consumes a payload body written by Writer.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(b []byte) *Reader { return &Reader{buf: b} }

func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) GetByte() (byte, error) {
	if r.Remaining() < 1 {
		return 0, fmt.Errorf("wire: short read for byte")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *Reader) GetUint16() (uint16, error) {
	if r.Remaining() < 2 {
		return 0, fmt.Errorf("wire: short read for uint16")
	}
	v := uint16(r.buf[r.pos])<<8 | uint16(r.buf[r.pos+1])
	r.pos += 2
	return v, nil
}

func (r *Reader) GetVarint() (uint64, error) {
	v, n := protowire.ConsumeVarint(r.buf[r.pos:])
	if n < 0 {
		return 0, fmt.Errorf("wire: malformed varint")
	}
	r.pos += n
	return v, nil
}

func (r *Reader) GetString() (string, error) {
	n, err := r.GetVarint()
	if err != nil {
		return "", err
	}
	if r.Remaining() < int(n) {
		return "", fmt.Errorf("wire: short read for string of length %d", n)
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *Reader) GetBytes() ([]byte, error) {
	n, err := r.GetVarint()
	if err != nil {
		return nil, err
	}
	if r.Remaining() < int(n) {
		return nil, fmt.Errorf("wire: short read for bytes of length %d", n)
	}
	b := append([]byte(nil), r.buf[r.pos:r.pos+int(n)]...)
	r.pos += int(n)
	return b, nil
}

// AtEOF reports whether all bytes have been consumed; trailing-field
// backward compatibility (REDESIGN FLAG b) relies on checking this before
// attempting to read an optional field.
func (r *Reader) AtEOF() bool { return r.Remaining() == 0 }
