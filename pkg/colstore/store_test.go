package colstore

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/compression"
)

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithBufferRows(4)}, opts...)
	s, err := Create(filepath.Join(t.TempDir(), "store"), opts...)
	require.NoError(t, err)
	return s
}

func writeDataset(t *testing.T, s *Store, name string, kind Kind, cols int, values []uint64) {
	t.Helper()
	w, err := s.Create(name, kind, cols)
	require.NoError(t, err)
	require.NoError(t, w.Write(values))
	require.NoError(t, w.Close())
}

func readAll(t *testing.T, s *Store, name string, opts ...ReaderOption) []uint64 {
	t.Helper()
	r, err := s.Open(name, opts...)
	require.NoError(t, err)
	defer r.Close()
	values, err := r.ReadAll()
	require.NoError(t, err)
	return values
}

func sequence(n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = uint64(i)
	}
	return out
}

func TestWriteReadAllKinds(t *testing.T) {
	kinds := []struct {
		kind   Kind
		values []uint64
	}{
		{Uint8, []uint64{0, 1, 255, 7}},
		{Uint16, []uint64{0, 65535, 300}},
		{Uint32, []uint64{1 << 31, 5}},
		{Uint64, []uint64{1 << 63, 1}},
		{Int8, []uint64{IntValue(-1), IntValue(127), IntValue(-128)}},
		{Int16, []uint64{IntValue(-300), IntValue(300)}},
		{Int32, []uint64{IntValue(-1 << 31)}},
		{Int64, []uint64{IntValue(-5)}},
		{Float64, []uint64{FloatValue(1.5), FloatValue(-2.25)}},
	}

	for _, algo := range []compression.Algorithm{compression.None, compression.Snappy, compression.Zstd} {
		s := newStore(t, WithCompression(compression.Config{Algorithm: algo, Level: compression.Default}))
		for _, k := range kinds {
			name := string(k.kind)
			writeDataset(t, s, name, k.kind, 1, k.values)
			assert.Equal(t, k.values, readAll(t, s, name), "%s/%s", algo, name)
		}
	}
}

func TestManifestPersists(t *testing.T) {
	s := newStore(t)
	writeDataset(t, s, "triplets/data", Uint8, 3, sequence(30))
	require.NoError(t, s.SetAttr("unique_pairs/data", "0", []uint64{4, 0, 8}))

	reopened, err := Open(s.Dir(), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	assert.Equal(t, []string{"triplets/data"}, reopened.Datasets())

	info, ok := reopened.Info("triplets/data")
	require.True(t, ok)
	assert.Equal(t, uint64(10), info.Rows)
	assert.Equal(t, 3, info.Columns)
	assert.Len(t, info.Frames, 3)

	var attr []uint64
	require.NoError(t, reopened.Attr("unique_pairs/data", "0", &attr))
	assert.Equal(t, []uint64{4, 0, 8}, attr)
	assert.Equal(t, []string{"0"}, reopened.AttrKeys("unique_pairs/data"))

	err = reopened.Attr("unique_pairs/data", "1", &attr)
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeIO))

	_, err = Create(s.Dir())
	assert.Error(t, err)
}

func TestWriterFixedRows(t *testing.T) {
	s := newStore(t)
	w, err := s.Create("x", Uint32, 1, WithFixedRows(5))
	require.NoError(t, err)
	require.NoError(t, w.Write(sequence(4)))
	err = w.Close()
	require.Error(t, err)
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeIO))
	assert.False(t, s.Has("x"))

	w, err = s.Create("x", Uint32, 1, WithFixedRows(5))
	require.NoError(t, err)
	require.NoError(t, w.Write(sequence(5)))
	require.NoError(t, w.Close())
	assert.Equal(t, sequence(5), readAll(t, s, "x"))
}

func TestWriterRejects(t *testing.T) {
	s := newStore(t)
	w, err := s.Create("x", Uint8, 2)
	require.NoError(t, err)
	assert.Error(t, w.Write([]uint64{1, 2, 3}))
	assert.Error(t, w.WriteRow(1))

	_, err = s.Create("x", Uint8, 1)
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeIO), "name reserved by open writer")

	w.Abort()
	assert.False(t, s.Has("x"))
	_, err = s.Create("y", Kind("int128"), 1)
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeConfiguration))
}

func TestWriteColumns(t *testing.T) {
	s := newStore(t)
	w, err := s.Create("pairs", Uint16, 2)
	require.NoError(t, err)
	require.NoError(t, w.WriteColumns([]uint64{1, 2, 3}, []uint64{10, 20, 30}))
	require.NoError(t, w.Close())
	assert.Equal(t, []uint64{1, 10, 2, 20, 3, 30}, readAll(t, s, "pairs"))
}

func TestReaderEOF(t *testing.T) {
	s := newStore(t)
	writeDataset(t, s, "x", Uint16, 1, sequence(10))

	r, err := s.Open("x", WithReadBufferRows(3))
	require.NoError(t, err)
	defer r.Close()

	var got []uint64
	for {
		rows, err := r.Read(4)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.LessOrEqual(t, len(rows), 4)
		got = append(got, rows...)
	}
	assert.Equal(t, sequence(10), got)
	assert.True(t, r.Exhausted())

	_, err = r.Read(1)
	assert.Equal(t, io.EOF, err)
}

func TestReaderRange(t *testing.T) {
	s := newStore(t)
	writeDataset(t, s, "x", Uint64, 2, sequence(40))

	assert.Equal(t, sequence(40)[10:30], readAll(t, s, "x", WithRange(5, 15), WithReadBufferRows(3)))
	assert.Empty(t, readAll(t, s, "x", WithRange(20, 20)))

	_, err := s.Open("x", WithRange(5, 21))
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeIO))
	_, err = s.Open("missing")
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeIO))
}

func TestReaderReadFull(t *testing.T) {
	s := newStore(t)
	writeDataset(t, s, "x", Uint8, 1, sequence(10))

	r, err := s.Open("x", WithReadBufferRows(2))
	require.NoError(t, err)
	defer r.Close()

	rows, err := r.ReadFull(7)
	require.NoError(t, err)
	assert.Equal(t, sequence(7), rows)
	rows, err = r.ReadFull(7)
	require.NoError(t, err)
	assert.Equal(t, []uint64{7, 8, 9}, rows)
	_, err = r.ReadFull(7)
	assert.Equal(t, io.EOF, err)
}

func TestReaderPeekAndCount(t *testing.T) {
	s := newStore(t)
	writeDataset(t, s, "sorted", Uint32, 1, []uint64{1, 2, 2, 3, 5, 8, 8, 9})

	r, err := s.Open("sorted", WithReadBufferRows(4), WithMinOccupancy(0))
	require.NoError(t, err)
	defer r.Close()

	tail, err := r.PeekTail()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), tail)
	assert.Equal(t, 0, r.CountAtMost(0))
	assert.Equal(t, 3, r.CountAtMost(2))
	assert.Equal(t, 4, r.CountAtMost(3))
	assert.False(t, r.DatasetEmpty())

	_, err = r.Read(4)
	require.NoError(t, err)
	assert.True(t, r.BufferEmpty())
	tail, err = r.PeekTail()
	require.NoError(t, err)
	assert.Equal(t, uint64(9), tail)
	assert.True(t, r.DatasetEmpty())

	wide := newStore(t)
	writeDataset(t, wide, "pairs", Uint8, 2, sequence(4))
	wr, err := wide.Open("pairs")
	require.NoError(t, err)
	defer wr.Close()
	_, err = wr.PeekTail()
	assert.Error(t, err)
}

func TestSignedOrdering(t *testing.T) {
	less := Int32.Less()
	assert.True(t, less(IntValue(-3), IntValue(2)))
	assert.False(t, Uint32.Less()(IntValue(-3), IntValue(2)))
	assert.True(t, Float64.Less()(FloatValue(-1.5), FloatValue(0.25)))
}

func TestRemoveAndReplace(t *testing.T) {
	s := newStore(t)
	writeDataset(t, s, "a", Uint8, 1, []uint64{1})
	writeDataset(t, s, "b", Uint8, 1, []uint64{2})

	require.NoError(t, s.Replace(map[string]string{"b": "a"}))
	assert.Equal(t, []string{"a"}, s.Datasets())
	assert.Equal(t, []uint64{2}, readAll(t, s, "a"))

	require.NoError(t, s.Remove("a"))
	assert.Empty(t, s.Datasets())
	assert.Error(t, s.Remove("a"))
	assert.Error(t, s.Replace(map[string]string{"nope": "a"}))
}

func TestCopy(t *testing.T) {
	src := newStore(t)
	writeDataset(t, src, "x", Uint16, 3, sequence(21))

	dst := newStore(t)
	w, err := dst.Create("y", Uint16, 3)
	require.NoError(t, err)
	r, err := src.Open("x", WithRange(2, 7))
	require.NoError(t, err)
	n, err := Copy(w, r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, w.Close())

	assert.Equal(t, uint64(5), n)
	assert.Equal(t, sequence(21)[6:21], readAll(t, dst, "y"))
}

func TestWriteBufferRowsSplitsFrames(t *testing.T) {
	s := newStore(t)
	w, err := s.Create("x", Uint16, 1, WithWriteBufferRows(3))
	require.NoError(t, err)
	require.NoError(t, w.Write(sequence(10)))
	require.NoError(t, w.Close())

	info, ok := s.Info("x")
	require.True(t, ok)
	assert.Len(t, info.Frames, 4)
	assert.Equal(t, sequence(10), readAll(t, s, "x"))
}
