package columnar

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderSortsDictionary(t *testing.T) {
	c := FromStrings([]string{"b", "a", "c", "a"})
	assert.Equal(t, []string{"a", "b", "c"}, c.Dictionary())
	assert.Equal(t, []uint32{1, 0, 2, 0}, c.Codes())
	assert.Equal(t, "b", c.Value(0))
	assert.False(t, c.Numeric())
	assert.True(t, math.IsNaN(c.Float(0)))
}

func TestNumericColumn(t *testing.T) {
	c := FromStrings([]string{"10", "2", "2.5", "-1"})
	require.True(t, c.Numeric())
	assert.Equal(t, []string{"-1", "2", "2.5", "10"}, c.Dictionary())
	assert.Equal(t, 10.0, c.Float(0))

	code, ok := c.Lookup("2.5")
	require.True(t, ok)
	assert.Equal(t, uint32(2), code)
	_, ok = c.Lookup("3")
	assert.False(t, ok)
	_, ok = c.Lookup("x")
	assert.False(t, ok)
}

func TestLookupText(t *testing.T) {
	c := FromStrings([]string{"s01", "s02"})
	code, ok := c.Lookup("s02")
	assert.True(t, ok)
	assert.Equal(t, uint32(1), code)
	_, ok = c.Lookup("s03")
	assert.False(t, ok)
}

func TestTakeAndConstant(t *testing.T) {
	c := FromInts([]int{5, 6, 7})
	sub := c.Take([]int{2, 0})
	assert.Equal(t, 2, sub.Len())
	assert.Equal(t, "7", sub.Value(0))
	assert.Equal(t, "5", sub.Value(1))
	assert.Equal(t, 3, sub.Cardinality())

	k := Constant("0", 4)
	assert.Equal(t, 4, k.Len())
	assert.Equal(t, 1, k.Cardinality())
	assert.Equal(t, "0", k.Value(3))
	assert.True(t, Equal(k, FromStrings([]string{"0", "0", "0", "0"})))
	assert.False(t, Equal(k, c))
}

func TestTable(t *testing.T) {
	tbl := NewTable(3)
	require.NoError(t, tbl.Add("phone", FromStrings([]string{"a", "b", "a"})))
	require.NoError(t, tbl.Add("talker", FromStrings([]string{"t1", "t1", "t2"})))
	assert.Error(t, tbl.Add("phone", FromStrings([]string{"a", "b", "a"})))
	assert.Error(t, tbl.Add("short", FromStrings([]string{"a"})))

	assert.Equal(t, []string{"phone", "talker"}, tbl.Names())
	assert.True(t, tbl.Has("talker"))

	sub := tbl.Take([]int{2})
	assert.Equal(t, 1, sub.Rows())
	talker, ok := sub.Column("talker")
	require.True(t, ok)
	assert.Equal(t, "t2", talker.Value(0))
	assert.Positive(t, tbl.MemoryUsage())
}

func TestTableWith(t *testing.T) {
	tbl := NewTable(2)
	require.NoError(t, tbl.Add("phone", FromStrings([]string{"a", "b"})))
	ext, err := tbl.With("#by", Constant("0", 2))
	require.NoError(t, err)
	assert.Equal(t, []string{"phone", "#by"}, ext.Names())
	assert.False(t, tbl.Has("#by"))
	_, err = tbl.With("phone", Constant("0", 2))
	assert.Error(t, err)
}

func TestDictFloat(t *testing.T) {
	c := FromStrings([]string{"3", "1", "2"})
	for row := 0; row < 3; row++ {
		assert.Equal(t, c.Float(row), c.DictFloat(c.Codes()[row]))
	}
}
