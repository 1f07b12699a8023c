package columnar

import (
	"math"
	"slices"
	"sort"
	"strconv"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
)

// Column is an immutable dictionary-encoded column of text values. The
// dictionary is sorted, numerically when every value parses as a number
// and lexically otherwise, so codes compare like the values they stand for.
type Column struct {
	dict    []string
	floats  []float64
	codes   []uint32
	numeric bool
}

// Len returns the number of rows.
func (c *Column) Len() int { return len(c.codes) }

// Code returns the dictionary code of a row.
func (c *Column) Code(row int) uint32 { return c.codes[row] }

// Codes returns the per-row codes. The slice must not be modified.
func (c *Column) Codes() []uint32 { return c.codes }

// Value returns the text value of a row.
func (c *Column) Value(row int) string { return c.dict[c.codes[row]] }

// Dictionary returns the sorted distinct values. The slice must not be
// modified.
func (c *Column) Dictionary() []string { return c.dict }

// Cardinality returns the number of distinct values.
func (c *Column) Cardinality() int { return len(c.dict) }

// Numeric reports whether every value parses as a number.
func (c *Column) Numeric() bool { return c.numeric }

// Float returns the numeric value of a row, NaN if it is not a number.
func (c *Column) Float(row int) float64 { return c.floats[c.codes[row]] }

// DictFloat returns the numeric value of a dictionary entry.
func (c *Column) DictFloat(code uint32) float64 { return c.floats[code] }

// Lookup returns the code of value.
func (c *Column) Lookup(value string) (uint32, bool) {
	if c.numeric {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, false
		}
		// numerically equal spellings such as "1" and "1.0" are adjacent
		for j := sort.SearchFloat64s(c.floats, f); j < len(c.floats) && c.floats[j] == f; j++ {
			if c.dict[j] == value {
				return uint32(j), true
			}
		}
		return 0, false
	}
	i := sort.SearchStrings(c.dict, value)
	if i < len(c.dict) && c.dict[i] == value {
		return uint32(i), true
	}
	return 0, false
}

// Take returns the column restricted to rows, in that order. The
// dictionary is shared.
func (c *Column) Take(rows []int) *Column {
	codes := make([]uint32, len(rows))
	for i, r := range rows {
		codes[i] = c.codes[r]
	}
	return &Column{dict: c.dict, floats: c.floats, codes: codes, numeric: c.numeric}
}

// MemoryUsage estimates the bytes held by the column.
func (c *Column) MemoryUsage() int64 {
	total := int64(len(c.codes))*4 + int64(len(c.floats))*8
	for _, v := range c.dict {
		total += int64(len(v)) + 16
	}
	return total
}

// Builder accumulates text values and produces a Column.
type Builder struct {
	index  map[string]uint32
	values []string
	codes  []uint32
}

// NewBuilder returns a builder sized for capacity rows.
func NewBuilder(capacity int) *Builder {
	return &Builder{
		index: make(map[string]uint32),
		codes: make([]uint32, 0, capacity),
	}
}

// Append adds one value.
func (b *Builder) Append(v string) {
	code, ok := b.index[v]
	if !ok {
		code = uint32(len(b.values))
		b.index[v] = code
		b.values = append(b.values, v)
	}
	b.codes = append(b.codes, code)
}

// Len returns the number of rows appended.
func (b *Builder) Len() int { return len(b.codes) }

// Build sorts the dictionary and returns the column. The builder must not
// be reused.
func (b *Builder) Build() *Column {
	n := len(b.values)
	floats := make([]float64, n)
	numeric := n > 0
	for i, v := range b.values {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) {
			numeric = false
			f = math.NaN()
		}
		floats[i] = f
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if numeric {
		sort.SliceStable(order, func(i, j int) bool {
			fa, fb := floats[order[i]], floats[order[j]]
			if fa != fb {
				return fa < fb
			}
			return b.values[order[i]] < b.values[order[j]]
		})
	} else {
		sort.Slice(order, func(i, j int) bool { return b.values[order[i]] < b.values[order[j]] })
	}

	remap := make([]uint32, n)
	dict := make([]string, n)
	sortedFloats := make([]float64, n)
	for newCode, old := range order {
		remap[old] = uint32(newCode)
		dict[newCode] = b.values[old]
		sortedFloats[newCode] = floats[old]
	}
	codes := b.codes
	for i, c := range codes {
		codes[i] = remap[c]
	}
	b.codes, b.values, b.index = nil, nil, nil
	return &Column{dict: dict, floats: sortedFloats, codes: codes, numeric: numeric}
}

// FromStrings builds a column from values.
func FromStrings(values []string) *Column {
	b := NewBuilder(len(values))
	for _, v := range values {
		b.Append(v)
	}
	return b.Build()
}

// FromInts builds a column holding the decimal form of values.
func FromInts(values []int) *Column {
	b := NewBuilder(len(values))
	for _, v := range values {
		b.Append(strconv.Itoa(v))
	}
	return b.Build()
}

// Constant builds a column of n copies of value.
func Constant(value string, n int) *Column {
	col := FromStrings([]string{value})
	col.codes = make([]uint32, n)
	return col
}

// Equal reports whether two columns hold the same values row by row.
func Equal(a, b *Column) bool {
	if a.Len() != b.Len() {
		return false
	}
	if slices.Equal(a.dict, b.dict) {
		return slices.Equal(a.codes, b.codes)
	}
	for i := range a.codes {
		if a.Value(i) != b.Value(i) {
			return false
		}
	}
	return true
}

func checkRows(name string, got, want int) error {
	if got != want {
		return abxerrors.Newf(abxerrors.ErrorTypeData,
			"column %q has %d rows, table has %d", name, got, want)
	}
	return nil
}
