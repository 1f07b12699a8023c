package colstore

import (
	"io"
	"os"
	"sort"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/compression"
)

// DefaultMinOccupancy is the buffer fill ratio below which a reader refills
// after a read.
const DefaultMinOccupancy = 0.25

// Reader streams the rows of a dataset, or of a row range of it, through a
// bounded buffer. New rows are only ever appended behind the rows already
// buffered, so the buffer of a sorted dataset stays sorted. A Reader is not
// safe for concurrent use.
type Reader struct {
	info         DatasetInfo
	file         *os.File
	comp         compression.Compressor
	cols         int
	less         func(a, b uint64) bool
	capRows      int
	minOccupancy float64

	start, end uint64
	frame      int    // next frame to decode
	skip       uint64 // rows to drop from the next decoded frame
	toDecode   uint64 // rows of the range not decoded yet
	pending    []uint64
	buf        []uint64
	pos        int // first unread row in buf
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithRange restricts the reader to rows [start, end).
func WithRange(start, end uint64) ReaderOption {
	return func(r *Reader) {
		r.start, r.end = start, end
	}
}

// WithReadBufferRows sets the buffer capacity in rows.
func WithReadBufferRows(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.capRows = n
		}
	}
}

// WithMinOccupancy sets the refill threshold as a fraction of the buffer.
func WithMinOccupancy(f float64) ReaderOption {
	return func(r *Reader) {
		if f >= 0 && f <= 1 {
			r.minOccupancy = f
		}
	}
}

// Open returns a reader over a committed dataset.
func (s *Store) Open(name string, opts ...ReaderOption) (*Reader, error) {
	info, ok := s.Info(name)
	if !ok {
		return nil, abxerrors.IO("dataset %q does not exist", name).WithDetail("store", s.dir)
	}
	r := &Reader{
		info:         info,
		comp:         s.comp,
		cols:         info.Columns,
		less:         info.Kind.Less(),
		capRows:      s.bufferRows,
		minOccupancy: DefaultMinOccupancy,
		end:          info.Rows,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.start > r.end || r.end > info.Rows {
		return nil, abxerrors.IO("range [%d,%d) outside dataset %q of %d rows",
			r.start, r.end, name, info.Rows)
	}

	f, err := os.Open(s.framePath(info.File))
	if err != nil {
		return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to open dataset").
			WithDetail("dataset", name)
	}
	r.file = f

	r.toDecode = r.end - r.start
	var seen uint64
	for i, fr := range info.Frames {
		if seen+fr.Rows > r.start {
			r.frame = i
			r.skip = r.start - seen
			break
		}
		seen += fr.Rows
		r.frame = i + 1
	}
	r.buf = make([]uint64, 0, r.capRows*r.cols)
	return r, nil
}

// Info returns the description of the underlying dataset.
func (r *Reader) Info() DatasetInfo { return r.info }

// Rows returns the number of rows in the reader's range.
func (r *Reader) Rows() uint64 { return r.end - r.start }

// Columns returns the row width.
func (r *Reader) Columns() int { return r.cols }

// Buffered returns the number of rows in the buffer.
func (r *Reader) Buffered() int { return len(r.buf)/r.cols - r.pos }

// BufferEmpty reports whether no rows are buffered.
func (r *Reader) BufferEmpty() bool { return r.Buffered() == 0 }

// DatasetEmpty reports whether every remaining row is already buffered.
func (r *Reader) DatasetEmpty() bool { return r.toDecode == 0 && len(r.pending) == 0 }

// Exhausted reports whether every row has been read.
func (r *Reader) Exhausted() bool { return r.BufferEmpty() && r.DatasetEmpty() }

// Read returns up to n rows, or io.EOF once the range is exhausted. The
// returned slice is owned by the caller.
func (r *Reader) Read(n int) ([]uint64, error) {
	if n <= 0 {
		return nil, nil
	}
	if r.BufferEmpty() {
		if err := r.fill(); err != nil {
			return nil, err
		}
		if r.BufferEmpty() {
			return nil, io.EOF
		}
	}
	m := min(n, r.Buffered())
	lo := r.pos * r.cols
	out := make([]uint64, m*r.cols)
	copy(out, r.buf[lo:lo+m*r.cols])
	r.pos += m

	if float64(r.Buffered()) < r.minOccupancy*float64(r.capRows) && !r.DatasetEmpty() {
		if err := r.fill(); err != nil {
			return out, err
		}
	}
	return out, nil
}

// ReadFull reads n rows, or fewer only when the range ends first. It
// returns io.EOF when no row is left.
func (r *Reader) ReadFull(n int) ([]uint64, error) {
	var out []uint64
	for len(out)/r.cols < n {
		rows, err := r.Read(n - len(out)/r.cols)
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, rows...)
	}
	if len(out) == 0 && n > 0 {
		return nil, io.EOF
	}
	return out, nil
}

// ReadAll reads the rest of the range.
func (r *Reader) ReadAll() ([]uint64, error) {
	out := make([]uint64, 0, (r.end-r.start)*uint64(r.cols))
	for {
		rows, err := r.Read(r.capRows)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rows...)
	}
}

// PeekTail returns the last buffered value of a single-column dataset,
// filling the buffer first when it is empty.
func (r *Reader) PeekTail() (uint64, error) {
	if r.cols != 1 {
		return 0, abxerrors.Newf(abxerrors.ErrorTypeInternal,
			"PeekTail on dataset %q with %d columns", r.info.Name, r.cols)
	}
	if r.BufferEmpty() {
		if err := r.fill(); err != nil {
			return 0, err
		}
		if r.BufferEmpty() {
			return 0, io.EOF
		}
	}
	return r.buf[len(r.buf)-1], nil
}

// CountAtMost returns how many buffered rows of a single-column sorted
// dataset are not greater than x.
func (r *Reader) CountAtMost(x uint64) int {
	rows := r.buf[r.pos:]
	return sort.Search(len(rows), func(i int) bool { return r.less(x, rows[i]) })
}

// Close releases the dataset file.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	if err != nil {
		return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to close dataset")
	}
	return nil
}

// fill compacts the buffer and tops it up from decoded frames.
func (r *Reader) fill() error {
	if r.pos > 0 {
		n := copy(r.buf, r.buf[r.pos*r.cols:])
		r.buf = r.buf[:n]
		r.pos = 0
	}
	for r.Buffered() < r.capRows {
		if len(r.pending) == 0 {
			if r.toDecode == 0 {
				return nil
			}
			if err := r.decodeFrame(); err != nil {
				return err
			}
		}
		take := min(r.capRows-r.Buffered(), len(r.pending)/r.cols) * r.cols
		r.buf = append(r.buf, r.pending[:take]...)
		r.pending = r.pending[take:]
	}
	return nil
}

func (r *Reader) decodeFrame() error {
	if r.frame >= len(r.info.Frames) {
		return abxerrors.IO("dataset %q ends before its recorded size", r.info.Name)
	}
	fr := r.info.Frames[r.frame]
	r.frame++

	compressed := make([]byte, fr.Size)
	if _, err := r.file.ReadAt(compressed, fr.Offset); err != nil {
		return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to read frame").
			WithDetail("dataset", r.info.Name).WithDetail("offset", fr.Offset)
	}
	raw, err := r.comp.Decompress(compressed)
	if err != nil {
		return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to decompress frame").
			WithDetail("dataset", r.info.Name).WithDetail("offset", fr.Offset)
	}
	values, err := r.info.Kind.decode(r.pending[:0], raw)
	if err != nil {
		return err
	}
	if uint64(len(values)) != fr.Rows*uint64(r.cols) {
		return abxerrors.IO("frame at offset %d of %q holds %d values, expected %d",
			fr.Offset, r.info.Name, len(values), fr.Rows*uint64(r.cols))
	}

	rows := fr.Rows - r.skip
	values = values[r.skip*uint64(r.cols):]
	r.skip = 0
	if rows > r.toDecode {
		rows = r.toDecode
		values = values[:rows*uint64(r.cols)]
	}
	r.toDecode -= rows
	r.pending = values
	return nil
}
