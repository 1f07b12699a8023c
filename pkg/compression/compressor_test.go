package compression

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(rows int) []byte {
	b := make([]byte, 8*rows)
	for i := 0; i < rows; i++ {
		binary.LittleEndian.PutUint64(b[8*i:], uint64(i%17))
	}
	return b
}

func TestRoundTrip(t *testing.T) {
	inputs := map[string][]byte{
		"empty":  {},
		"small":  []byte("abx"),
		"frame":  frame(4096),
		"single": frame(1),
	}

	for _, algo := range Algorithms {
		for _, level := range []Level{Fastest, Default, Best} {
			comp, err := NewCompressor(&Config{Algorithm: algo, Level: level})
			require.NoError(t, err)
			assert.Equal(t, algo, comp.Algorithm())
			assert.Equal(t, level, comp.Level())

			for name, in := range inputs {
				t.Run(string(algo)+"/"+name, func(t *testing.T) {
					c, err := comp.Compress(in)
					require.NoError(t, err)
					out, err := comp.Decompress(c)
					require.NoError(t, err)
					assert.Equal(t, len(in), len(out))
					if len(in) > 0 {
						assert.Equal(t, in, out)
					}
				})
			}
		}
	}
}

func TestRepetitiveFramesShrink(t *testing.T) {
	in := frame(1 << 14)
	for _, algo := range []Algorithm{Snappy, Zstd, LZ4, S2, Gzip, Deflate} {
		comp, err := NewCompressor(&Config{Algorithm: algo, Level: Default})
		require.NoError(t, err)
		c, err := comp.Compress(in)
		require.NoError(t, err)
		assert.Less(t, len(c), len(in), string(algo))
	}
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, Snappy, a)

	a, err = ParseAlgorithm("ZSTD")
	require.NoError(t, err)
	assert.Equal(t, Zstd, a)

	_, err = ParseAlgorithm("brotli")
	assert.Error(t, err)

	_, err = NewCompressor(&Config{Algorithm: "brotli"})
	assert.Error(t, err)
}

func TestNilConfigUsesDefault(t *testing.T) {
	comp, err := NewCompressor(nil)
	require.NoError(t, err)
	assert.Equal(t, Snappy, comp.Algorithm())
}
