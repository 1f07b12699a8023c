// Package keycodec encodes bounded index tuples as single unsigned keys and
// selects minimal-width integer types for stored indices.
//
// A key is the mixed-radix number Σ index_i * weight_i where
// weight_i = Π_{j<i} card_j, so the first position varies fastest.
package keycodec

import (
	"fmt"
	"math"
	"math/bits"
	"strings"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
)

// IntType identifies a fixed-width integer representation.
type IntType uint8

const (
	Uint8 IntType = iota + 1
	Uint16
	Uint32
	Uint64
	Int8
	Int16
	Int32
	Int64
)

var typeNames = map[IntType]string{
	Uint8:  "uint8",
	Uint16: "uint16",
	Uint32: "uint32",
	Uint64: "uint64",
	Int8:   "int8",
	Int16:  "int16",
	Int32:  "int32",
	Int64:  "int64",
}

// String returns the Go name of the type.
func (t IntType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("IntType(%d)", uint8(t))
}

// Bits returns the width of the type in bits.
func (t IntType) Bits() int {
	switch t {
	case Uint8, Int8:
		return 8
	case Uint16, Int16:
		return 16
	case Uint32, Int32:
		return 32
	case Uint64, Int64:
		return 64
	default:
		return 0
	}
}

// Bytes returns the width of the type in bytes.
func (t IntType) Bytes() int { return t.Bits() / 8 }

// Signed reports whether t is a signed type.
func (t IntType) Signed() bool { return t >= Int8 && t <= Int64 }

// Valid reports whether t names a known type.
func (t IntType) Valid() bool { return t >= Uint8 && t <= Int64 }

// Max returns the largest value representable by t.
func (t IntType) Max() uint64 {
	b := t.Bits()
	if b == 0 {
		return 0
	}
	if t.Signed() {
		return 1<<(b-1) - 1
	}
	if b == 64 {
		return math.MaxUint64
	}
	return 1<<b - 1
}

// ParseIntType resolves a type name as produced by String.
func ParseIntType(name string) (IntType, error) {
	for t, s := range typeNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return 0, abxerrors.Newf(abxerrors.ErrorTypeData, "unknown integer type %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (t IntType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid integer type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *IntType) UnmarshalText(b []byte) error {
	v, err := ParseIntType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// FitMinimalType returns the narrowest 8, 16, 32 or 64-bit type able to
// hold every value in [0, max]. Signed types reserve their sign bit.
func FitMinimalType(max uint64, signed bool) (IntType, error) {
	types := [4]IntType{Uint8, Uint16, Uint32, Uint64}
	shift := 0
	if signed {
		types = [4]IntType{Int8, Int16, Int32, Int64}
		shift = 1
	}
	for i, width := range [4]int{8, 16, 32, 64} {
		if width-shift == 64 || max < uint64(1)<<(width-shift) {
			return types[i], nil
		}
	}
	return 0, abxerrors.Capacity("value %d cannot be represented by a 64-bit signed integer", max)
}

// FitProduct returns the minimal unsigned type for Π factors - 1, failing
// with a capacity error when that value exceeds 64 bits. An empty product
// fits in Uint8.
func FitProduct(factors ...uint64) (IntType, error) {
	max, err := productMinusOne(factors)
	if err != nil {
		return 0, err
	}
	return FitMinimalType(max, false)
}

// productMinusOne returns Π factors - 1, allowing the product to be exactly
// 2^64.
func productMinusOne(factors []uint64) (uint64, error) {
	hi, lo := uint64(0), uint64(1)
	for _, f := range factors {
		if f == 0 {
			return 0, nil
		}
		if hi != 0 {
			if f == 1 {
				continue
			}
			return 0, capacityErr(factors)
		}
		hi, lo = bits.Mul64(lo, f)
		if hi > 1 || (hi == 1 && lo != 0) {
			return 0, capacityErr(factors)
		}
	}
	if hi == 1 {
		return math.MaxUint64, nil
	}
	return lo - 1, nil
}

func capacityErr(cards []uint64) *abxerrors.Error {
	return abxerrors.Capacity("key space of cardinalities %v exceeds 64 bits", cards).
		WithDetail("cardinalities", cards)
}

// Codec is a mixed-radix bijection between index tuples and keys for a fixed
// list of cardinalities. A Codec is immutable and safe for concurrent use.
type Codec struct {
	cards   []uint64
	weights []uint64
	maxKey  uint64
	typ     IntType
}

// NewCodec builds a codec for the given cardinalities. Every cardinality must
// be at least 1. It fails with a capacity error when Π cards - 1 does not fit
// in 64 bits.
func NewCodec(cards []uint64) (*Codec, error) {
	for i, c := range cards {
		if c == 0 {
			return nil, abxerrors.Newf(abxerrors.ErrorTypeConfiguration,
				"cardinality %d at position %d must be positive", c, i)
		}
	}
	maxKey, err := productMinusOne(cards)
	if err != nil {
		return nil, err
	}
	typ, err := FitMinimalType(maxKey, false)
	if err != nil {
		return nil, err
	}

	weights := make([]uint64, len(cards))
	w := uint64(1)
	for i, c := range cards {
		weights[i] = w
		// the last multiplication may wrap when the product is 2^64
		w *= c
	}

	return &Codec{
		cards:   append([]uint64(nil), cards...),
		weights: weights,
		maxKey:  maxKey,
		typ:     typ,
	}, nil
}

// Len returns the tuple length.
func (c *Codec) Len() int { return len(c.cards) }

// Cardinalities returns a copy of the cardinalities.
func (c *Codec) Cardinalities() []uint64 { return append([]uint64(nil), c.cards...) }

// MaxKey returns the largest key the codec can produce.
func (c *Codec) MaxKey() uint64 { return c.maxKey }

// Type returns the minimal unsigned type holding every key.
func (c *Codec) Type() IntType { return c.typ }

// Encode maps an index tuple to its key.
func (c *Codec) Encode(indices []uint64) (uint64, error) {
	if len(indices) != len(c.cards) {
		return 0, abxerrors.Newf(abxerrors.ErrorTypeData,
			"expected %d indices, got %d", len(c.cards), len(indices))
	}
	var key uint64
	for i, idx := range indices {
		if idx >= c.cards[i] {
			return 0, abxerrors.Newf(abxerrors.ErrorTypeData,
				"index %d at position %d out of range [0,%d)", idx, i, c.cards[i])
		}
		key += idx * c.weights[i]
	}
	return key, nil
}

// Decode maps a key back to its index tuple, appending to dst.
func (c *Codec) Decode(key uint64, dst []uint64) ([]uint64, error) {
	if key > c.maxKey {
		return dst, abxerrors.Newf(abxerrors.ErrorTypeData, "key %d exceeds maximum %d", key, c.maxKey)
	}
	for _, card := range c.cards {
		dst = append(dst, key%card)
		key /= card
	}
	return dst, nil
}

// EncodeColumns encodes row-aligned index columns, one per position, into
// dst and returns it. All columns must have the same length.
func (c *Codec) EncodeColumns(columns [][]uint64, dst []uint64) ([]uint64, error) {
	if len(columns) != len(c.cards) {
		return dst, abxerrors.Newf(abxerrors.ErrorTypeData,
			"expected %d columns, got %d", len(c.cards), len(columns))
	}
	if len(columns) == 0 {
		return dst, nil
	}
	n := len(columns[0])
	for i, col := range columns {
		if len(col) != n {
			return dst, abxerrors.Newf(abxerrors.ErrorTypeData,
				"column %d has %d rows, expected %d", i, len(col), n)
		}
	}

	start := len(dst)
	dst = append(dst, make([]uint64, n)...)
	out := dst[start:]
	for i, col := range columns {
		w, card := c.weights[i], c.cards[i]
		for r, idx := range col {
			if idx >= card {
				return dst[:start], abxerrors.Newf(abxerrors.ErrorTypeData,
					"index %d in column %d out of range [0,%d)", idx, i, card)
			}
			out[r] += idx * w
		}
	}
	return dst, nil
}
