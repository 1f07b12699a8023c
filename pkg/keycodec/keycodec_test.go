package keycodec

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
)

func TestFitMinimalType(t *testing.T) {
	tests := []struct {
		max    uint64
		signed bool
		want   IntType
	}{
		{0, false, Uint8},
		{255, false, Uint8},
		{256, false, Uint16},
		{65535, false, Uint16},
		{65536, false, Uint32},
		{math.MaxUint32, false, Uint32},
		{math.MaxUint32 + 1, false, Uint64},
		{math.MaxUint64, false, Uint64},
		{127, true, Int8},
		{128, true, Int16},
		{32768, true, Int32},
		{math.MaxInt64, true, Int64},
	}

	for _, tt := range tests {
		got, err := FitMinimalType(tt.max, tt.signed)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "max=%d signed=%v", tt.max, tt.signed)
	}

	_, err := FitMinimalType(math.MaxInt64+1, true)
	require.Error(t, err)
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeCapacity))
}

func TestFitMinimalTypeMonotonic(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 2000; i++ {
		a := rng.Uint64() >> rng.UintN(64)
		b := a + rng.Uint64N(1<<20)
		if b < a {
			continue
		}
		ta, err := FitMinimalType(a, false)
		require.NoError(t, err)
		tb, err := FitMinimalType(b, false)
		require.NoError(t, err)
		assert.LessOrEqual(t, ta.Bits(), tb.Bits())
	}
}

func TestCodecRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	cards := []uint64{3, 1, 7, 256, 2}
	c, err := NewCodec(cards)
	require.NoError(t, err)
	assert.Equal(t, uint64(3*7*256*2-1), c.MaxKey())
	assert.Equal(t, Uint16, c.Type())

	for i := 0; i < 500; i++ {
		idx := make([]uint64, len(cards))
		for j, card := range cards {
			idx[j] = rng.Uint64N(card)
		}
		key, err := c.Encode(idx)
		require.NoError(t, err)
		back, err := c.Decode(key, nil)
		require.NoError(t, err)
		assert.Equal(t, idx, back)
	}
}

func TestCodecFirstPositionFastest(t *testing.T) {
	c, err := NewCodec([]uint64{2, 3})
	require.NoError(t, err)

	var keys []uint64
	for j := uint64(0); j < 3; j++ {
		for i := uint64(0); i < 2; i++ {
			k, err := c.Encode([]uint64{i, j})
			require.NoError(t, err)
			keys = append(keys, k)
		}
	}
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5}, keys)
}

func TestCodecCapacity(t *testing.T) {
	// exactly 2^64 keys fits
	c, err := NewCodec([]uint64{1 << 32, 1 << 32})
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), c.MaxKey())
	key, err := c.Encode([]uint64{1<<32 - 1, 1<<32 - 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), key)

	_, err = NewCodec([]uint64{1 << 32, 1<<32 + 1})
	require.Error(t, err)
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeCapacity))

	_, err = NewCodec([]uint64{1 << 40, 1 << 40, 2})
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeCapacity))

	_, err = FitProduct(1<<33, 1<<33)
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeCapacity))

	typ, err := FitProduct(16, 16)
	require.NoError(t, err)
	assert.Equal(t, Uint8, typ)
}

func TestCodecRejectsBadInput(t *testing.T) {
	_, err := NewCodec([]uint64{2, 0})
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeConfiguration))

	c, err := NewCodec([]uint64{2, 2})
	require.NoError(t, err)
	_, err = c.Encode([]uint64{2, 0})
	assert.Error(t, err)
	_, err = c.Encode([]uint64{1})
	assert.Error(t, err)
	_, err = c.Decode(4, nil)
	assert.Error(t, err)
}

func TestEncodeColumns(t *testing.T) {
	c, err := NewCodec([]uint64{4, 3})
	require.NoError(t, err)

	keys, err := c.EncodeColumns([][]uint64{{0, 3, 1}, {0, 2, 1}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 11, 5}, keys)

	_, err = c.EncodeColumns([][]uint64{{0}, {0, 1}}, nil)
	assert.Error(t, err)
}

func TestEmptyCodec(t *testing.T) {
	c, err := NewCodec(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.MaxKey())
	key, err := c.Encode(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), key)
}

func TestIntTypeText(t *testing.T) {
	for typ := Uint8; typ <= Int64; typ++ {
		b, err := typ.MarshalText()
		require.NoError(t, err)
		var back IntType
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, typ, back)
	}
	assert.Equal(t, uint64(255), Uint8.Max())
	assert.Equal(t, uint64(127), Int8.Max())
	assert.Equal(t, uint64(math.MaxUint64), Uint64.Max())
}

func TestParseIntType(t *testing.T) {
	typ, err := ParseIntType("UINT16")
	require.NoError(t, err)
	assert.Equal(t, Uint16, typ)
	assert.True(t, typ.Valid())
	assert.False(t, IntType(0).Valid())

	_, err = ParseIntType("uint128")
	assert.Error(t, err)
}

func TestCardinalitiesCopy(t *testing.T) {
	c, err := NewCodec([]uint64{4, 3})
	require.NoError(t, err)
	cards := c.Cardinalities()
	cards[0] = 99
	assert.Equal(t, []uint64{4, 3}, c.Cardinalities())
}
