// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package packet provides the binary encoding primitives shared by the chord
// wire formats.
//
// A [Builder] appends values to a growing buffer, and a [Scanner] consumes
// them again in the same order. Variable-length fields are prefixed with a
// [Vint30] length.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/creachadair/mds/value"
)

// ErrTruncated is reported (wrapped) by a [Scanner] when the input ends before
// a complete value could be read.
var ErrTruncated = errors.New("input truncated")

// A Builder accumulates encoded values. The zero value is an empty builder
// ready for use.
type Builder struct {
	buf []byte
}

// NewBuilder returns an empty builder with capacity for at least n bytes.
func NewBuilder(n int) *Builder { return &Builder{buf: make([]byte, 0, n)} }

// Byte appends a single byte.
func (b *Builder) Byte(v byte) *Builder { b.buf = append(b.buf, v); return b }

// Bool appends a Boolean as a single byte, 1 for true and 0 for false.
func (b *Builder) Bool(ok bool) *Builder { return b.Byte(value.Cond[byte](ok, 1, 0)) }

// Raw appends data without a length prefix.
func (b *Builder) Raw(data []byte) *Builder { b.buf = append(b.buf, data...); return b }

// Text appends s without a length prefix.
func (b *Builder) Text(s string) *Builder { b.buf = append(b.buf, s...); return b }

// Uint32 appends v in big-endian order.
func (b *Builder) Uint32(v uint32) *Builder {
	b.buf = binary.BigEndian.AppendUint32(b.buf, v)
	return b
}

// Vint30 appends v in [Vint30] encoding. It panics if v > [MaxVint30].
func (b *Builder) Vint30(v int) *Builder {
	b.buf = Vint30(v).Append(b.buf)
	return b
}

// Field appends data prefixed by its [Vint30] length.
func (b *Builder) Field(data []byte) *Builder {
	b.grow(FieldLen(len(data)))
	return b.Vint30(len(data)).Raw(data)
}

// Len reports the number of bytes accumulated so far.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes returns the accumulated contents. The slice aliases the buffer of b,
// and is only valid until the next modification of b.
func (b *Builder) Bytes() []byte { return b.buf }

func (b *Builder) grow(n int) {
	if need := len(b.buf) + n; need > cap(b.buf) {
		next := make([]byte, len(b.buf), max(need, 2*cap(b.buf)))
		copy(next, b.buf)
		b.buf = next
	}
}

// FieldLen reports the encoded size of an n-byte value with its [Vint30]
// length prefix.
func FieldLen(n int) int { return Vint30(n).Size() + n }

// A Scanner consumes encoded values from an input buffer. Results that are
// slices alias the input, so the caller must not modify the input while the
// scanner or its results are in use.
type Scanner struct {
	data []byte
	pos  int
}

// NewScanner returns a scanner positioned at the start of data.
func NewScanner(data []byte) *Scanner { return &Scanner{data: data} }

func (s *Scanner) take(n int, what string) ([]byte, error) {
	if n < 0 || len(s.data)-s.pos < n {
		return nil, fmt.Errorf("%s at offset %d: want %d bytes, have %d: %w",
			what, s.pos, n, len(s.data)-s.pos, ErrTruncated)
	}
	out := s.data[s.pos : s.pos+n : s.pos+n]
	s.pos += n
	return out, nil
}

// Byte consumes one byte.
func (s *Scanner) Byte() (byte, error) {
	v, err := s.take(1, "byte")
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// Bool consumes one byte and reports whether it is non-zero.
func (s *Scanner) Bool() (bool, error) {
	v, err := s.Byte()
	return v != 0, err
}

// Uint32 consumes a big-endian 32-bit value.
func (s *Scanner) Uint32() (uint32, error) {
	v, err := s.take(4, "uint32")
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(v), nil
}

// Vint30 consumes a [Vint30] value.
func (s *Scanner) Vint30() (int, error) {
	if s.pos >= len(s.data) {
		return 0, fmt.Errorf("vint30 at offset %d: %w", s.pos, ErrTruncated)
	}
	v, err := s.take(int(s.data[s.pos]&3)+1, "vint30")
	if err != nil {
		return 0, err
	}
	var tmp [4]byte
	copy(tmp[:], v)
	return int(binary.LittleEndian.Uint32(tmp[:]) >> 2), nil
}

// Raw consumes exactly n bytes.
func (s *Scanner) Raw(n int) ([]byte, error) { return s.take(n, "raw") }

// Field consumes a [Vint30]-prefixed value.
func (s *Scanner) Field() ([]byte, error) {
	n, err := s.Vint30()
	if err != nil {
		return nil, err
	}
	return s.take(n, "field")
}

// Rest consumes and returns all the remaining input.
func (s *Scanner) Rest() []byte {
	out := s.data[s.pos:]
	s.pos = len(s.data)
	return out
}

// Len reports the number of unconsumed input bytes.
func (s *Scanner) Len() int { return len(s.data) - s.pos }

// Done reports an error if any input remains unconsumed.
func (s *Scanner) Done() error {
	if n := s.Len(); n != 0 {
		return fmt.Errorf("%d unexpected trailing bytes at offset %d", n, s.pos)
	}
	return nil
}

// Vint30 is an unsigned integer less than 2^30 with a self-framing encoding of
// 1 to 4 bytes. The value is shifted left two bits, the low two bits record
// the number of bytes following the first, and the result is written in
// little-endian order:
//
//	v < 2^6   1 byte
//	v < 2^14  2 bytes
//	v < 2^22  3 bytes
//	v < 2^30  4 bytes
type Vint30 uint32

// MaxVint30 is the largest value representable as a [Vint30].
const MaxVint30 = 1<<30 - 1

// Size reports the encoded length of v in bytes, or -1 if v is out of range.
func (v Vint30) Size() int {
	for n, lim := 1, Vint30(1<<6); n <= 4; n, lim = n+1, lim<<8 {
		if v < lim {
			return n
		}
	}
	return -1
}

// Append appends the encoding of v to buf. It panics if v is out of range.
func (v Vint30) Append(buf []byte) []byte {
	n := v.Size()
	if n < 0 {
		panic(fmt.Sprintf("vint30 value %d out of range", uint32(v)))
	}
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v)<<2|uint32(n-1))
	return append(buf, tmp[:n]...)
}
