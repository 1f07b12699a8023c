// Package export converts a task artifact into a flat table of triplets,
// written as an Arrow IPC file, a Parquet file or an Avro object container
// file. Every row holds the by key, the database rows of A, B and X and
// the value of every regressor: text for indexed regressors, float64
// otherwise.
package export

import (
	"context"
	"io"
	"math"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"go.uber.org/zap"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/colstore"
	"github.com/ajitpratap0/abxtask/pkg/compression"
	"github.com/ajitpratap0/abxtask/pkg/logger"
	"github.com/ajitpratap0/abxtask/pkg/task"
)

// Format is an output file format.
type Format string

const (
	Arrow   Format = "arrow"
	Parquet Format = "parquet"
	Avro    Format = "avro"
)

// ParseFormat parses a format name, also accepting file extensions.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(name, ".")) {
	case "arrow", "ipc", "feather":
		return Arrow, nil
	case "parquet", "pq":
		return Parquet, nil
	case "avro":
		return Avro, nil
	default:
		return "", abxerrors.Configuration("unsupported export format %q", name)
	}
}

// Options configures an export.
type Options struct {
	Format Format
	// BatchRows is the number of triplets per record batch.
	BatchRows int
	// Compression applies to Parquet column chunks and Avro blocks.
	Compression compression.Algorithm
	Logger      *zap.Logger
}

func (o *Options) batchRows() int {
	if o.BatchRows > 0 {
		return o.BatchRows
	}
	return 1 << 16
}

// recordWriter receives record batches.
type recordWriter interface {
	Write(rec arrow.Record) error
	Close() error
}

type parquetWriter struct{ fw *pqarrow.FileWriter }

func (p *parquetWriter) Write(rec arrow.Record) error { return p.fw.WriteBuffered(rec) }
func (p *parquetWriter) Close() error                 { return p.fw.Close() }

// sink hides the Close method of the destination, which stays owned by
// the caller. pqarrow closes its sink when it is an io.Closer.
type sink struct{ io.Writer }

func newWriter(w io.Writer, schema *arrow.Schema, opts *Options, mem memory.Allocator) (recordWriter, error) {
	w = sink{w}
	switch opts.Format {
	case Arrow:
		fw, err := ipc.NewFileWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
		if err != nil {
			return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to create Arrow writer")
		}
		return fw, nil
	case Parquet:
		props := parquet.NewWriterProperties(
			parquet.WithCompression(parquetCodec(opts.Compression)),
			parquet.WithDictionaryDefault(true),
		)
		fw, err := pqarrow.NewFileWriter(schema, w, props,
			pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(mem)))
		if err != nil {
			return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to create Parquet writer")
		}
		return &parquetWriter{fw: fw}, nil
	case Avro:
		aw, err := newAvroWriter(w, schema, opts.Compression)
		if err != nil {
			return nil, err
		}
		return aw, nil
	default:
		return nil, abxerrors.Configuration("unsupported export format %q", opts.Format)
	}
}

func parquetCodec(a compression.Algorithm) compress.Compression {
	switch a {
	case compression.None:
		return compress.Codecs.Uncompressed
	case compression.Gzip, compression.Deflate:
		return compress.Codecs.Gzip
	case compression.Zstd:
		return compress.Codecs.Zstd
	case compression.LZ4:
		return compress.Codecs.Lz4Raw
	default:
		return compress.Codecs.Snappy
	}
}

// Stats reports what an export wrote.
type Stats struct {
	Rows    uint64
	Batches int
}

// Export writes the triplets of the artifact in dir to w.
func Export(ctx context.Context, dir string, w io.Writer, opts Options) (*Stats, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Get()
	}
	a, err := task.OpenArtifact(dir, colstore.WithLogger(log))
	if err != nil {
		return nil, err
	}
	defer a.Close()

	schema := Schema(a)
	mem := memory.NewGoAllocator()
	rw, err := newWriter(w, schema, &opts, mem)
	if err != nil {
		return nil, err
	}
	ex := &exporter{a: a, rw: rw, builder: array.NewRecordBuilder(mem, schema), batch: opts.batchRows()}
	defer ex.builder.Release()

	for i := range a.Bys {
		if err := ctx.Err(); err != nil {
			rw.Close()
			return nil, err
		}
		if err := ex.by(i); err != nil {
			rw.Close()
			return nil, err
		}
	}
	if err := rw.Close(); err != nil {
		return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to finish export")
	}
	log.Info("artifact exported",
		zap.String("artifact", dir),
		zap.String("format", string(opts.Format)),
		zap.Uint64("rows", ex.stats.Rows),
		zap.Int("batches", ex.stats.Batches))
	return &ex.stats, nil
}

// Schema returns the schema of the exported table of a.
func Schema(a *task.Artifact) *arrow.Schema {
	fields := []arrow.Field{
		{Name: "by", Type: arrow.BinaryTypes.String},
		{Name: "A", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "B", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "X", Type: arrow.PrimitiveTypes.Uint64},
	}
	for _, name := range a.Regressors {
		typ := arrow.DataType(arrow.PrimitiveTypes.Float64)
		if _, ok := a.Indexes[name]; ok {
			typ = arrow.BinaryTypes.String
		}
		fields = append(fields, arrow.Field{Name: name, Type: typ})
	}
	md := arrow.NewMetadata([]string{"on", "across", "by"},
		[]string{a.Meta.On, strings.Join(a.Meta.Across, ","), strings.Join(a.Meta.By, ",")})
	return arrow.NewSchema(fields, &md)
}

type exporter struct {
	a       *task.Artifact
	rw      recordWriter
	builder *array.RecordBuilder
	batch   int
	stats   Stats
}

// by exports the triplets of the i-th by-block.
func (e *exporter) by(i int) error {
	items, err := e.a.Items(i)
	if err != nil {
		return err
	}
	triplets, err := e.a.Triplets(i)
	if err != nil {
		return err
	}
	defer triplets.Close()
	regs := make([]*colstore.Reader, len(e.a.Regressors))
	defer func() {
		for _, r := range regs {
			if r != nil {
				r.Close()
			}
		}
	}()
	for j, name := range e.a.Regressors {
		if regs[j], err = e.a.Regressor(i, name); err != nil {
			return err
		}
	}

	key := e.a.Bys[i]
	for {
		flat, err := triplets.Read(e.batch)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		n := len(flat) / 3
		byB := e.builder.Field(0).(*array.StringBuilder)
		for k := 0; k < n; k++ {
			byB.Append(key)
		}
		for c := 0; c < 3; c++ {
			b := e.builder.Field(1 + c).(*array.Uint64Builder)
			for k := 0; k < n; k++ {
				b.Append(items[flat[3*k+c]])
			}
		}
		for j, name := range e.a.Regressors {
			values, err := regs[j].ReadFull(n)
			if err != nil {
				return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "regressor "+name+" is shorter than the triplets")
			}
			if err := e.appendRegressor(4+j, name, values); err != nil {
				return err
			}
		}
		rec := e.builder.NewRecord()
		err = e.rw.Write(rec)
		rec.Release()
		if err != nil {
			return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to write record batch")
		}
		e.stats.Rows += uint64(n)
		e.stats.Batches++
	}
}

func (e *exporter) appendRegressor(field int, name string, values []uint64) error {
	index, indexed := e.a.Indexes[name]
	if !indexed {
		b := e.builder.Field(field).(*array.Float64Builder)
		for _, v := range values {
			b.Append(math.Float64frombits(v))
		}
		return nil
	}
	b := e.builder.Field(field).(*array.StringBuilder)
	for _, v := range values {
		if v >= uint64(len(index)) {
			return abxerrors.Newf(abxerrors.ErrorTypeData, "regressor %s holds position %d outside its index", name, v)
		}
		b.Append(index[v])
	}
	return nil
}
