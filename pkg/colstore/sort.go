package colstore

import (
	"context"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/compression"
	"github.com/ajitpratap0/abxtask/pkg/metrics"
)

const stagingPrefix = "~sorting/"

// BudgetFor returns the sort buffer size, in bytes, for sorting amount
// bytes with memory bytes available: everything at once when it fits in
// three quarters of memory, otherwise about thirty chunks, otherwise three
// quarters of memory.
func BudgetFor(amount, memory int64) int64 {
	limit := memory / 4 * 3
	switch {
	case amount <= limit:
		return amount
	case amount/30 <= limit:
		return amount / 30
	default:
		return limit
	}
}

// Sorter reorders datasets of a store by the values of a key dataset,
// spilling sorted runs to a temporary store when the data exceeds the
// memory budget.
type Sorter struct {
	store   *Store
	logger  *zap.Logger
	metrics *metrics.Collector
	tempDir string
}

// SortOption configures a Sorter.
type SortOption func(*Sorter)

// WithSortLogger sets the sorter logger.
func WithSortLogger(l *zap.Logger) SortOption {
	return func(s *Sorter) { s.logger = l }
}

// WithSortMetrics reports sort durations and run counts to c.
func WithSortMetrics(c *metrics.Collector) SortOption {
	return func(s *Sorter) { s.metrics = c }
}

// WithTempDir sets where temporary run stores are created. The default is
// the system temporary directory.
func WithTempDir(dir string) SortOption {
	return func(s *Sorter) { s.tempDir = dir }
}

// NewSorter returns a sorter over store.
func NewSorter(store *Store, opts ...SortOption) *Sorter {
	s := &Sorter{store: store, logger: store.logger, metrics: store.metrics}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// sortSet holds the rows of the key dataset and its payloads for one batch.
type sortSet struct {
	key     []uint64
	payload [][]uint64
}

// Sort reorders the single-column dataset key into ascending order and
// applies the same permutation to every payload dataset. The sort is
// stable when the data fits in a single run. Output is staged and swapped
// in at the end; on error the original datasets are left untouched.
func (s *Sorter) Sort(ctx context.Context, key string, payload []string, budgetBytes int64) error {
	timer := metrics.NewTimer("sort")
	keyInfo, ok := s.store.Info(key)
	if !ok {
		return abxerrors.IO("dataset %q does not exist", key)
	}
	if keyInfo.Columns != 1 {
		return abxerrors.Newf(abxerrors.ErrorTypeConfiguration,
			"sort key %q must have one column, has %d", key, keyInfo.Columns)
	}
	infos := make([]DatasetInfo, len(payload))
	weight := keyInfo.RowBytes() + 8
	for i, name := range payload {
		info, ok := s.store.Info(name)
		if !ok {
			return abxerrors.IO("dataset %q does not exist", name)
		}
		if info.Rows != keyInfo.Rows {
			return abxerrors.IO("dataset %q has %d rows, sort key %q has %d",
				name, info.Rows, key, keyInfo.Rows).
				WithDetail("dataset", name).WithDetail("key", key)
		}
		infos[i] = info
		weight += info.RowBytes()
	}

	rows := keyInfo.Rows
	if rows == 0 {
		return nil
	}
	bufRows := uint64(max(budgetBytes/weight, 1))
	chunks := int((rows + bufRows - 1) / bufRows)

	out, err := s.createStaging(keyInfo, infos)
	if err != nil {
		return err
	}
	swapped := false
	defer func() {
		if !swapped {
			out.discard(s.store)
		}
	}()

	if chunks == 1 {
		if err := s.sortInMemory(keyInfo, infos, out); err != nil {
			return err
		}
	} else {
		if err := s.sortExternal(ctx, keyInfo, infos, out, bufRows, chunks); err != nil {
			return err
		}
	}

	if err := out.close(); err != nil {
		return err
	}
	renames := make(map[string]string, len(infos)+1)
	renames[out.key.Name()] = key
	for i, w := range out.payload {
		renames[w.Name()] = infos[i].Name
	}
	if err := s.store.Replace(renames); err != nil {
		return err
	}
	swapped = true

	d := timer.Stop()
	s.metrics.ObserveSort(d, chunks, rows)
	s.logger.Debug("dataset sorted",
		zap.String("key", key),
		zap.Strings("payload", payload),
		zap.Uint64("rows", rows),
		zap.Int("chunks", chunks),
		zap.Duration("duration", d))
	return nil
}

type stagingWriters struct {
	key     *Writer
	payload []*Writer
}

func (s *Sorter) createStaging(keyInfo DatasetInfo, infos []DatasetInfo) (*stagingWriters, error) {
	out := &stagingWriters{}
	open := func(info DatasetInfo) (*Writer, error) {
		name := stagingPrefix + info.Name
		if s.store.Has(name) {
			if err := s.store.Remove(name); err != nil {
				return nil, err
			}
		}
		return s.store.Create(name, info.Kind, info.Columns, WithFixedRows(info.Rows))
	}
	w, err := open(keyInfo)
	if err != nil {
		return nil, err
	}
	out.key = w
	for _, info := range infos {
		w, err := open(info)
		if err != nil {
			out.abort()
			return nil, err
		}
		out.payload = append(out.payload, w)
	}
	return out, nil
}

func (o *stagingWriters) write(set sortSet) error {
	if err := o.key.Write(set.key); err != nil {
		return err
	}
	for i, w := range o.payload {
		if err := w.Write(set.payload[i]); err != nil {
			return err
		}
	}
	return nil
}

func (o *stagingWriters) close() error {
	if err := o.key.Close(); err != nil {
		return err
	}
	for _, w := range o.payload {
		if err := w.Close(); err != nil {
			return err
		}
	}
	return nil
}

// abort discards every writer not yet committed.
func (o *stagingWriters) abort() {
	if o.key != nil {
		o.key.Abort()
	}
	for _, w := range o.payload {
		w.Abort()
	}
}

// discard aborts open writers and removes staged datasets already committed.
func (o *stagingWriters) discard(store *Store) {
	o.abort()
	for _, w := range append([]*Writer{o.key}, o.payload...) {
		if store.Has(w.Name()) {
			_ = store.Remove(w.Name())
		}
	}
}

func (s *Sorter) sortInMemory(keyInfo DatasetInfo, infos []DatasetInfo, out *stagingWriters) error {
	set, err := readRange(s.store, keyInfo, infos, 0, keyInfo.Rows)
	if err != nil {
		return err
	}
	sortStable(&set, keyInfo.Kind.Less(), infos)
	return out.write(set)
}

func (s *Sorter) sortExternal(ctx context.Context, keyInfo DatasetInfo, infos []DatasetInfo,
	out *stagingWriters, bufRows uint64, chunks int) error {
	dir, err := os.MkdirTemp(s.tempDir, "abx-sort-*")
	if err != nil {
		return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to create sort directory")
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("failed to remove sort directory", zap.String("dir", dir), zap.Error(err))
		}
	}()
	runs, err := Create(dir,
		WithCompression(compression.Config{Algorithm: compression.Snappy, Level: compression.Fastest}),
		WithLogger(s.logger))
	if err != nil {
		return err
	}

	less := keyInfo.Kind.Less()
	for c := 0; c < chunks; c++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lo := uint64(c) * bufRows
		hi := min(lo+bufRows, keyInfo.Rows)
		set, err := readRange(s.store, keyInfo, infos, lo, hi)
		if err != nil {
			return err
		}
		sortStable(&set, less, infos)
		if err := writeRun(runs, c, keyInfo, infos, set); err != nil {
			return err
		}
	}
	s.logger.Debug("sort runs written", zap.Int("chunks", chunks), zap.String("dir", dir))

	return s.merge(ctx, runs, keyInfo, infos, out, bufRows, chunks)
}

func runName(chunk int, part int) string {
	return fmt.Sprintf("run-%d/%d", chunk, part)
}

func writeRun(runs *Store, chunk int, keyInfo DatasetInfo, infos []DatasetInfo, set sortSet) error {
	write := func(part int, info DatasetInfo, values []uint64) error {
		w, err := runs.Create(runName(chunk, part), info.Kind, info.Columns)
		if err != nil {
			return err
		}
		if err := w.Write(values); err != nil {
			w.Abort()
			return err
		}
		return w.Close()
	}
	if err := write(0, keyInfo, set.key); err != nil {
		return err
	}
	for i, info := range infos {
		if err := write(i+1, info, set.payload[i]); err != nil {
			return err
		}
	}
	return nil
}

// run is the set of readers over one sorted chunk.
type run struct {
	key     *Reader
	payload []*Reader
}

func (r *run) close() {
	r.key.Close()
	for _, p := range r.payload {
		p.Close()
	}
}

func (s *Sorter) merge(ctx context.Context, runs *Store, keyInfo DatasetInfo, infos []DatasetInfo,
	out *stagingWriters, bufRows uint64, chunks int) error {
	perRun := max(int(bufRows)/chunks, 1)
	readers := make([]*run, 0, chunks)
	defer func() {
		for _, r := range readers {
			r.close()
		}
	}()
	for c := 0; c < chunks; c++ {
		k, err := runs.Open(runName(c, 0), WithReadBufferRows(perRun))
		if err != nil {
			return err
		}
		r := &run{key: k}
		readers = append(readers, r)
		for i := range infos {
			p, err := runs.Open(runName(c, i+1), WithReadBufferRows(perRun))
			if err != nil {
				return err
			}
			r.payload = append(r.payload, p)
		}
	}

	less := keyInfo.Kind.Less()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// pivot on the smallest buffered tail; once every run is fully
		// buffered, the largest tail flushes everything
		var pivot uint64
		found, allBuffered := false, true
		for _, r := range readers {
			if r.key.Exhausted() {
				continue
			}
			tail, err := r.key.PeekTail()
			if err != nil {
				return err
			}
			if !r.key.DatasetEmpty() {
				allBuffered = false
			}
			if !found || less(tail, pivot) {
				pivot = tail
			}
			found = true
		}
		if !found {
			return nil
		}
		if allBuffered {
			for _, r := range readers {
				if !r.key.Exhausted() {
					if tail, _ := r.key.PeekTail(); less(pivot, tail) {
						pivot = tail
					}
				}
			}
		}

		set := sortSet{payload: make([][]uint64, len(infos))}
		for _, r := range readers {
			if r.key.BufferEmpty() {
				continue
			}
			n := r.key.CountAtMost(pivot)
			if n == 0 {
				continue
			}
			keys, err := r.key.Read(n)
			if err != nil {
				return err
			}
			set.key = append(set.key, keys...)
			for i, p := range r.payload {
				rows, err := p.ReadFull(n)
				if err != nil {
					return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "sort run payload ended early")
				}
				set.payload[i] = append(set.payload[i], rows...)
			}
		}
		sortStable(&set, less, infos)
		if err := out.write(set); err != nil {
			return err
		}
	}
}

func readRange(store *Store, keyInfo DatasetInfo, infos []DatasetInfo, lo, hi uint64) (sortSet, error) {
	read := func(name string) ([]uint64, error) {
		r, err := store.Open(name, WithRange(lo, hi))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return r.ReadAll()
	}
	set := sortSet{payload: make([][]uint64, len(infos))}
	var err error
	if set.key, err = read(keyInfo.Name); err != nil {
		return set, err
	}
	for i, info := range infos {
		if set.payload[i], err = read(info.Name); err != nil {
			return set, err
		}
	}
	return set, nil
}

// sortStable orders set by key, keeping equal keys in their current order.
func sortStable(set *sortSet, less func(a, b uint64) bool, infos []DatasetInfo) {
	keys := set.key
	perm := make([]int, len(keys))
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(i, j int) bool { return less(keys[perm[i]], keys[perm[j]]) })
	set.key = permute(keys, 1, perm)
	for i, info := range infos {
		set.payload[i] = permute(set.payload[i], info.Columns, perm)
	}
}

func permute(values []uint64, cols int, perm []int) []uint64 {
	out := make([]uint64, len(values))
	for dst, src := range perm {
		copy(out[dst*cols:(dst+1)*cols], values[src*cols:(src+1)*cols])
	}
	return out
}
