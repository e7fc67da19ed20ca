// Package bcs implements the subset of Binary Canonical Serialization used
// to build Aptos and Sui transactions: little-endian integers, ULEB128
// lengths, and length-prefixed byte sequences.
package bcs

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrShortBuffer = errors.New("bcs: unexpected end of input")

type Writer struct {
	buf []byte
}

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) U8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) U16(v uint16) *Writer {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
	return w
}

func (w *Writer) U32(v uint32) *Writer {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	return w
}

func (w *Writer) U64(v uint64) *Writer {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	return w
}

func (w *Writer) Bool(v bool) *Writer {
	if v {
		return w.U8(1)
	}
	return w.U8(0)
}

// Uleb128 writes a sequence length or enum variant index.
func (w *Writer) Uleb128(v uint64) *Writer {
	for v >= 0x80 {
		w.buf = append(w.buf, byte(v)|0x80)
		v >>= 7
	}
	w.buf = append(w.buf, byte(v))
	return w
}

// Fixed writes b without a length prefix.
func (w *Writer) Fixed(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

// Vec writes a length-prefixed byte vector.
func (w *Writer) Vec(b []byte) *Writer {
	return w.Uleb128(uint64(len(b))).Fixed(b)
}

func (w *Writer) Str(s string) *Writer {
	return w.Vec([]byte(s))
}

type Reader struct {
	buf []byte
	off int
}

func NewReader(b []byte) *Reader { return &Reader{buf: b} }

// Remaining reports the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) Fixed(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, ErrShortBuffer
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *Reader) U8() (uint8, error) {
	b, err := r.Fixed(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) U16() (uint16, error) {
	b, err := r.Fixed(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) U64() (uint64, error) {
	b, err := r.Fixed(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) Uleb128() (uint64, error) {
	var v uint64
	for shift := 0; shift < 64; shift += 7 {
		b, err := r.U8()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, fmt.Errorf("bcs: uleb128 overflows u64")
}

func (r *Reader) Vec() ([]byte, error) {
	n, err := r.Uleb128()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()) {
		return nil, ErrShortBuffer
	}
	return r.Fixed(int(n))
}
