// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package key implements fixed-width identity keys for a chord overlay.
//
// A [Key] is an immutable value holding Size bytes, interpreted as a
// big-endian unsigned integer modulo 2^(8·Size). All arithmetic wraps around
// the keyspace. Keys are comparable with ==, and may be used as map keys.
//
// Binary operations require both operands to have the same size, and panic if
// they do not. Bits are numbered from 1 (the least-significant bit) to
// 8·Size (the most-significant bit).
package key

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"strings"

	"lukechampine.com/blake3"
)

// DefaultSize is the default key size in bytes (160 bits).
const DefaultSize = 20

// A Key is a fixed-width big-endian unsigned integer. The zero value is an
// empty key of size 0, which is not valid for arithmetic.
type Key struct{ b string }

// New returns a key whose value is the big-endian contents of data. The key
// has size len(data). New copies data.
func New(data []byte) Key { return Key{b: string(data)} }

// Zero returns the zero key of the given size in bytes.
func Zero(size int) Key { return Key{b: strings.Repeat("\x00", size)} }

// FromUint64 returns a key of the given size with value v mod 2^(8·size).
func FromUint64(v uint64, size int) Key {
	buf := make([]byte, size)
	for i := size - 1; i >= 0 && v != 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return Key{b: string(buf)}
}

// Generate returns a cryptographically random key of the given size.
func Generate(size int) (Key, error) {
	if size <= 0 {
		return Key{}, fmt.Errorf("invalid key size %d", size)
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return Key{}, fmt.Errorf("generate key: %w", err)
	}
	return Key{b: string(buf)}, nil
}

// Hash returns a key of the given size derived from data by BLAKE3 in
// extendable-output mode. Equal inputs always map to equal keys.
func Hash(data []byte, size int) (Key, error) {
	if size <= 0 {
		return Key{}, fmt.Errorf("invalid key size %d", size)
	}
	h := blake3.New(size, nil)
	h.Write(data)
	return Key{b: string(h.Sum(nil))}, nil
}

// Parse parses a key from its hexadecimal encoding. The size of the key is
// half the length of s.
func Parse(s string) (Key, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("invalid key: %w", err)
	} else if len(data) == 0 {
		return Key{}, errors.New("invalid key: empty")
	}
	return New(data), nil
}

// MustParse is as [Parse], but panics on error. It is intended for tests and
// static initialization.
func MustParse(s string) Key {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return k
}

// Size reports the size of k in bytes.
func (k Key) Size() int { return len(k.b) }

// Bits reports the size of k in bits.
func (k Key) Bits() int { return 8 * len(k.b) }

// IsZero reports whether k has value zero. An empty key is zero.
func (k Key) IsZero() bool { return strings.Trim(k.b, "\x00") == "" }

// Bytes returns a copy of the big-endian contents of k.
func (k Key) Bytes() []byte { return []byte(k.b) }

// Append appends the big-endian contents of k to buf.
func (k Key) Append(buf []byte) []byte { return append(buf, k.b...) }

// String encodes k as lower-case hexadecimal.
func (k Key) String() string { return hex.EncodeToString([]byte(k.b)) }

// Short returns an abbreviated hex encoding of k for logs.
func (k Key) Short() string {
	s := k.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

func (k Key) check(o Key) {
	if len(k.b) != len(o.b) {
		panic(fmt.Sprintf("key size mismatch: %d != %d", len(k.b), len(o.b)))
	}
}

// Add returns k + o mod 2^(8·Size).
func (k Key) Add(o Key) Key {
	k.check(o)
	out := make([]byte, len(k.b))
	var carry uint
	for i := len(k.b) - 1; i >= 0; i-- {
		s := uint(k.b[i]) + uint(o.b[i]) + carry
		out[i] = byte(s)
		carry = s >> 8
	}
	return Key{b: string(out)}
}

// Sub returns k − o mod 2^(8·Size).
func (k Key) Sub(o Key) Key {
	k.check(o)
	out := make([]byte, len(k.b))
	var borrow int
	for i := len(k.b) - 1; i >= 0; i-- {
		d := int(k.b[i]) - int(o.b[i]) - borrow
		borrow = 0
		if d < 0 {
			d += 256
			borrow = 1
		}
		out[i] = byte(d)
	}
	return Key{b: string(out)}
}

// Distance returns the clockwise distance from k to o, that is o − k.
func (k Key) Distance(o Key) Key { return o.Sub(k) }

func (k Key) combine(o Key, f func(a, b byte) byte) Key {
	k.check(o)
	out := make([]byte, len(k.b))
	for i := range out {
		out[i] = f(k.b[i], o.b[i])
	}
	return Key{b: string(out)}
}

// And returns the bitwise AND of k and o.
func (k Key) And(o Key) Key { return k.combine(o, func(a, b byte) byte { return a & b }) }

// Or returns the bitwise OR of k and o.
func (k Key) Or(o Key) Key { return k.combine(o, func(a, b byte) byte { return a | b }) }

// Xor returns the bitwise exclusive OR of k and o.
func (k Key) Xor(o Key) Key { return k.combine(o, func(a, b byte) byte { return a ^ b }) }

// Not returns the bitwise complement of k.
func (k Key) Not() Key {
	out := make([]byte, len(k.b))
	for i := range out {
		out[i] = ^k.b[i]
	}
	return Key{b: string(out)}
}

// Compare returns -1, 0, or +1 depending on whether k is numerically less
// than, equal to, or greater than o.
func (k Key) Compare(o Key) int {
	k.check(o)
	return strings.Compare(k.b, o.b) // big-endian, equal length
}

// Less reports whether k < o numerically.
func (k Key) Less(o Key) bool { return k.Compare(o) < 0 }

// Equal reports whether k and o have the same size and value.
func (k Key) Equal(o Key) bool { return k.b == o.b }

// locate returns the byte offset and mask of bit n in k.
func (k Key) locate(n int) (int, byte) {
	if n < 1 || n > 8*len(k.b) {
		panic(fmt.Sprintf("bit %d out of range for %d-bit key", n, 8*len(k.b)))
	}
	return len(k.b) - 1 - (n-1)/8, 1 << ((n - 1) % 8)
}

// Bit reports whether bit n of k is set.
func (k Key) Bit(n int) bool {
	i, m := k.locate(n)
	return k.b[i]&m != 0
}

// Set returns a copy of k with bit n set.
func (k Key) Set(n int) Key {
	i, m := k.locate(n)
	out := []byte(k.b)
	out[i] |= m
	return Key{b: string(out)}
}

// Reset returns a copy of k with bit n cleared.
func (k Key) Reset(n int) Key {
	i, m := k.locate(n)
	out := []byte(k.b)
	out[i] &^= m
	return Key{b: string(out)}
}

// MSNB returns the index of the most significant set bit of k, or 0 if k is
// zero.
func (k Key) MSNB() int {
	for i := 0; i < len(k.b); i++ {
		if c := k.b[i]; c != 0 {
			return 8*(len(k.b)-1-i) + bits.Len8(c)
		}
	}
	return 0
}

// Neighbor returns k + 2^(n-1), for 1 ≤ n ≤ 8·Size.
func (k Key) Neighbor(n int) Key { return k.Add(Zero(len(k.b)).Set(n)) }

// Critical returns the index n in [1, 8·Size] for which Neighbor(n) is
// numerically largest. It returns 0 for an empty key.
func (k Key) Critical() int {
	best, bestN := Key{}, 0
	for n := 1; n <= 8*len(k.b); n++ {
		if v := k.Neighbor(n); bestN == 0 || best.Less(v) {
			best, bestN = v, n
		}
	}
	return bestN
}
