package export

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/linkedin/goavro/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/compression"
	"github.com/ajitpratap0/abxtask/pkg/config"
	"github.com/ajitpratap0/abxtask/pkg/task"
	"github.com/ajitpratap0/abxtask/pkg/testutil"
)

func toyArtifact(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.Database = testutil.ToyItems(t, t.TempDir())
	cfg.Output = filepath.Join(t.TempDir(), "toy.abx")
	cfg.Storage.TempDir = t.TempDir()
	cfg.On = "phone"
	cfg.Across = []string{"talker"}
	tk, err := task.Load(cfg, task.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	res, err := tk.Generate(context.Background())
	require.NoError(t, err)
	return res.Path
}

func TestExportArrow(t *testing.T) {
	dir := toyArtifact(t)
	var buf bytes.Buffer
	stats, err := Export(context.Background(), dir, &buf, Options{
		Format:    Arrow,
		BatchRows: 3,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), stats.Rows)
	assert.Equal(t, 2, stats.Batches)

	r, err := ipc.NewFileReader(bytes.NewReader(buf.Bytes()), ipc.WithAllocator(memory.NewGoAllocator()))
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, []string{"by", "A", "B", "X", "phone_1", "talker_1", "phone_2", "talker_2"},
		fieldNames(r.Schema().Fields()))
	md := r.Schema().Metadata()
	require.GreaterOrEqual(t, md.FindKey("on"), 0)
	assert.Equal(t, "phone", md.Values()[md.FindKey("on")])

	var a, b, x []uint64
	var phoneB []string
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		require.NoError(t, err)
		a = append(a, rec.Column(1).(*array.Uint64).Uint64Values()...)
		b = append(b, rec.Column(2).(*array.Uint64).Uint64Values()...)
		x = append(x, rec.Column(3).(*array.Uint64).Uint64Values()...)
		col := rec.Column(6).(*array.String)
		for k := 0; k < col.Len(); k++ {
			phoneB = append(phoneB, col.Value(k))
		}
	}
	assert.Equal(t, []uint64{0, 2, 1, 3}, a)
	assert.Equal(t, []uint64{1, 3, 0, 2}, b)
	assert.Equal(t, []uint64{2, 0, 3, 1}, x)
	assert.Equal(t, []string{"on1", "on1", "on0", "on0"}, phoneB)
}

func TestExportParquet(t *testing.T) {
	dir := toyArtifact(t)
	var buf bytes.Buffer
	stats, err := Export(context.Background(), dir, &buf, Options{
		Format:      Parquet,
		Compression: compression.Zstd,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), stats.Rows)

	pr, err := file.NewParquetReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer pr.Close()
	assert.Equal(t, int64(4), pr.NumRows())
	assert.Equal(t, 8, pr.MetaData().Schema.NumColumns())
}

func TestExportAvro(t *testing.T) {
	dir := toyArtifact(t)
	var buf bytes.Buffer
	stats, err := Export(context.Background(), dir, &buf, Options{
		Format:    Avro,
		BatchRows: 3,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), stats.Rows)

	r, err := goavro.NewOCFReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	var x []int64
	var talkerX []string
	for r.Scan() {
		datum, err := r.Read()
		require.NoError(t, err)
		row := datum.(map[string]interface{})
		x = append(x, row["X"].(int64))
		talkerX = append(talkerX, row["talker_2"].(string))
	}
	require.NoError(t, r.Err())
	assert.Equal(t, []int64{2, 0, 3, 1}, x)
	assert.Equal(t, []string{"ac1", "ac0", "ac1", "ac0"}, talkerX)
}

func TestExportLeavesFileOpen(t *testing.T) {
	dir := toyArtifact(t)
	for _, f := range []Format{Arrow, Parquet, Avro} {
		t.Run(string(f), func(t *testing.T) {
			out, err := os.Create(filepath.Join(t.TempDir(), "toy."+string(f)))
			require.NoError(t, err)
			stats, err := Export(context.Background(), dir, out, Options{Format: f, Logger: zaptest.NewLogger(t)})
			require.NoError(t, err)
			assert.Equal(t, uint64(4), stats.Rows)
			_, err = out.Write(nil)
			assert.NoError(t, err, "export must not close the destination")
			require.NoError(t, out.Close())

			info, err := os.Stat(out.Name())
			require.NoError(t, err)
			assert.Positive(t, info.Size())
		})
	}
}

func TestAvroName(t *testing.T) {
	assert.Equal(t, "phone_1", avroName("phone_1", 4))
	assert.Equal(t, "_1st", avroName("1st", 4))
	assert.Equal(t, "a__b", avroName("a==b", 4))
	assert.Equal(t, "col_5", avroName("==", 5))
}

func TestExportNotAnArtifact(t *testing.T) {
	var buf bytes.Buffer
	_, err := Export(context.Background(), t.TempDir(), &buf, Options{Format: Arrow, Logger: zaptest.NewLogger(t)})
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeIO))
}

func TestParseFormat(t *testing.T) {
	for name, want := range map[string]Format{"arrow": Arrow, ".feather": Arrow, "Parquet": Parquet, "pq": Parquet, ".avro": Avro} {
		got, err := ParseFormat(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("csv")
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeConfiguration))
}

func fieldNames(fields []arrow.Field) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Name
	}
	return out
}
