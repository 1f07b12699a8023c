package colstore

import (
	"encoding/binary"
	"math"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/keycodec"
)

// Kind is the fixed item type of a dataset. Integer kinds reuse the names
// of keycodec.IntType; Float64 stores IEEE-754 bits.
type Kind string

const (
	Uint8   Kind = "uint8"
	Uint16  Kind = "uint16"
	Uint32  Kind = "uint32"
	Uint64  Kind = "uint64"
	Int8    Kind = "int8"
	Int16   Kind = "int16"
	Int32   Kind = "int32"
	Int64   Kind = "int64"
	Float64 Kind = "float64"
)

// IntKind returns the dataset kind storing values of type t.
func IntKind(t keycodec.IntType) Kind {
	return Kind(t.String())
}

// Width returns the stored size of one item in bytes.
func (k Kind) Width() int {
	switch k {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32:
		return 4
	case Uint64, Int64, Float64:
		return 8
	default:
		return 0
	}
}

// Signed reports whether k is a signed integer kind.
func (k Kind) Signed() bool {
	return k == Int8 || k == Int16 || k == Int32 || k == Int64
}

func (k Kind) validate() error {
	if k.Width() == 0 {
		return abxerrors.Newf(abxerrors.ErrorTypeConfiguration, "unknown item kind %q", string(k))
	}
	return nil
}

// Less returns the ordering of values of kind k as carried in uint64 slots.
func (k Kind) Less() func(a, b uint64) bool {
	switch {
	case k == Float64:
		return func(a, b uint64) bool { return math.Float64frombits(a) < math.Float64frombits(b) }
	case k.Signed():
		return func(a, b uint64) bool { return int64(a) < int64(b) }
	default:
		return func(a, b uint64) bool { return a < b }
	}
}

// FloatValue packs f in a uint64 slot.
func FloatValue(f float64) uint64 { return math.Float64bits(f) }

// IntValue packs i in a uint64 slot.
func IntValue(i int64) uint64 { return uint64(i) }

// encode appends the packed representation of values to dst.
func (k Kind) encode(dst []byte, values []uint64) []byte {
	w := k.Width()
	start := len(dst)
	dst = append(dst, make([]byte, w*len(values))...)
	buf := dst[start:]
	switch w {
	case 1:
		for i, v := range values {
			buf[i] = byte(v)
		}
	case 2:
		for i, v := range values {
			binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
		}
	case 4:
		for i, v := range values {
			binary.LittleEndian.PutUint32(buf[4*i:], uint32(v))
		}
	default:
		for i, v := range values {
			binary.LittleEndian.PutUint64(buf[8*i:], v)
		}
	}
	return dst
}

// decode appends the values stored in src to dst, sign-extending signed
// kinds.
func (k Kind) decode(dst []uint64, src []byte) ([]uint64, error) {
	w := k.Width()
	if w == 0 || len(src)%w != 0 {
		return dst, abxerrors.IO("frame of %d bytes is not a multiple of %d", len(src), w)
	}
	n := len(src) / w
	for i := 0; i < n; i++ {
		var v uint64
		switch k {
		case Uint8:
			v = uint64(src[i])
		case Int8:
			v = uint64(int64(int8(src[i])))
		case Uint16:
			v = uint64(binary.LittleEndian.Uint16(src[2*i:]))
		case Int16:
			v = uint64(int64(int16(binary.LittleEndian.Uint16(src[2*i:]))))
		case Uint32:
			v = uint64(binary.LittleEndian.Uint32(src[4*i:]))
		case Int32:
			v = uint64(int64(int32(binary.LittleEndian.Uint32(src[4*i:]))))
		default:
			v = binary.LittleEndian.Uint64(src[8*i:])
		}
		dst = append(dst, v)
	}
	return dst, nil
}
