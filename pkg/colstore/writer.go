package colstore

import (
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/pool"
)

// Writer appends rows to a dataset. Rows are flat row-major slices of
// values carried in uint64 slots. A Writer is not safe for concurrent use.
type Writer struct {
	store   *Store
	info    *DatasetInfo
	file    *os.File
	buf     []uint64
	bufRows int
	fixed   bool
	want    uint64
	offset  int64
	done    bool
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithFixedRows declares the final row count. Close fails when a different
// number of rows was written.
func WithFixedRows(n uint64) WriterOption {
	return func(w *Writer) {
		w.fixed = true
		w.want = n
	}
}

// WithWriteBufferRows sets how many rows are buffered per frame.
func WithWriteBufferRows(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.bufRows = n
		}
	}
}

// Create opens a new dataset for writing. The dataset becomes visible when
// the writer is closed.
func (s *Store) Create(name string, kind Kind, columns int, opts ...WriterOption) (*Writer, error) {
	if err := kind.validate(); err != nil {
		return nil, err
	}
	if columns < 1 {
		return nil, abxerrors.Newf(abxerrors.ErrorTypeConfiguration,
			"dataset %q needs at least one column", name)
	}
	file, err := s.reserve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.framePath(file), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		s.release(name)
		return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to create dataset file").
			WithDetail("dataset", name)
	}

	w := &Writer{
		store:   s,
		info:    &DatasetInfo{Name: name, File: file, Kind: kind, Columns: columns},
		file:    f,
		bufRows: s.bufferRows,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.buf = make([]uint64, 0, w.bufRows*columns)
	return w, nil
}

// Name returns the dataset name.
func (w *Writer) Name() string { return w.info.Name }

// Columns returns the column count.
func (w *Writer) Columns() int { return w.info.Columns }

// Rows returns the number of rows written so far.
func (w *Writer) Rows() uint64 {
	return w.info.Rows + uint64(len(w.buf)/w.info.Columns)
}

// Write appends rows. len(rows) must be a multiple of the column count.
func (w *Writer) Write(rows []uint64) error {
	if w.done {
		return abxerrors.IO("write to closed dataset %q", w.info.Name)
	}
	cols := w.info.Columns
	if len(rows)%cols != 0 {
		return abxerrors.Newf(abxerrors.ErrorTypeData,
			"%d values do not form rows of %d columns", len(rows), cols)
	}
	limit := w.bufRows * cols
	for len(rows) > 0 {
		n := min(limit-len(w.buf), len(rows))
		w.buf = append(w.buf, rows[:n]...)
		rows = rows[n:]
		if len(w.buf) == limit {
			if err := w.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteRow appends a single row.
func (w *Writer) WriteRow(values ...uint64) error {
	if len(values) != w.info.Columns {
		return abxerrors.Newf(abxerrors.ErrorTypeData,
			"row has %d values, dataset %q has %d columns", len(values), w.info.Name, w.info.Columns)
	}
	return w.Write(values)
}

// WriteColumns appends rows given column by column.
func (w *Writer) WriteColumns(columns ...[]uint64) error {
	if len(columns) != w.info.Columns {
		return abxerrors.Newf(abxerrors.ErrorTypeData,
			"got %d columns, dataset %q has %d", len(columns), w.info.Name, w.info.Columns)
	}
	n := len(columns[0])
	for _, c := range columns[1:] {
		if len(c) != n {
			return abxerrors.Newf(abxerrors.ErrorTypeData, "columns of unequal length")
		}
	}
	row := make([]uint64, len(columns))
	for i := 0; i < n; i++ {
		for j, c := range columns {
			row[j] = c[i]
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	rows := uint64(len(w.buf) / w.info.Columns)
	rawSize := len(w.buf) * w.info.Kind.Width()
	raw := w.info.Kind.encode(pool.GetBytes(rawSize)[:0], w.buf)
	compressed, err := w.store.comp.Compress(raw)
	pool.PutBytes(raw)
	if err != nil {
		return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to compress frame").
			WithDetail("dataset", w.info.Name)
	}
	if _, err := w.file.Write(compressed); err != nil {
		return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to write frame").
			WithDetail("dataset", w.info.Name)
	}
	w.info.Frames = append(w.info.Frames, Frame{
		Offset: w.offset,
		Size:   int64(len(compressed)),
		Rows:   rows,
	})
	w.offset += int64(len(compressed))
	w.info.Rows += rows
	w.buf = w.buf[:0]
	w.store.metrics.FrameWritten(string(w.store.comp.Algorithm()), rawSize, len(compressed))
	return nil
}

// Close flushes buffered rows and commits the dataset to the manifest.
func (w *Writer) Close() error {
	if w.done {
		return nil
	}
	if err := w.flush(); err != nil {
		w.Abort()
		return err
	}
	if w.fixed && w.info.Rows != w.want {
		rows := w.info.Rows
		w.Abort()
		return abxerrors.IO("dataset %q declared %d rows, got %d", w.info.Name, w.want, rows).
			WithDetail("dataset", w.info.Name)
	}
	if err := w.file.Sync(); err != nil {
		w.Abort()
		return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to sync dataset")
	}
	if err := w.file.Close(); err != nil {
		w.Abort()
		return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to close dataset")
	}
	w.done = true
	if err := w.store.commit(w.info); err != nil {
		w.store.release(w.info.Name)
		os.Remove(w.store.framePath(w.info.File))
		return err
	}
	w.store.logger.Debug("dataset committed",
		zap.String("dataset", w.info.Name),
		zap.Uint64("rows", w.info.Rows),
		zap.Int("frames", len(w.info.Frames)))
	return nil
}

// Abort discards the dataset. It is a no-op after a successful Close.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.file.Close()
	if err := os.Remove(w.store.framePath(w.info.File)); err != nil && !os.IsNotExist(err) {
		w.store.logger.Warn("failed to remove aborted dataset",
			zap.String("dataset", w.info.Name), zap.Error(err))
	}
	w.store.release(w.info.Name)
}

// Copy appends every remaining row of r to w and returns the number of rows
// copied.
func Copy(w *Writer, r *Reader) (uint64, error) {
	if r.Columns() != w.Columns() {
		return 0, abxerrors.Newf(abxerrors.ErrorTypeData,
			"cannot copy %d columns into dataset %q of %d", r.Columns(), w.Name(), w.Columns())
	}
	var n uint64
	for {
		rows, err := r.Read(w.bufRows)
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := w.Write(rows); err != nil {
			return n, err
		}
		n += uint64(len(rows) / w.Columns())
	}
}
