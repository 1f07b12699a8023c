package task

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/colstore"
	"github.com/ajitpratap0/abxtask/pkg/sampling"
)

// blockBuffer holds the triplets of one block until they are grouped by
// regressor key.
type blockBuffer struct {
	t        *Task
	store    *colstore.Store
	keys     *colstore.Writer
	triplets *colstore.Writer
	regs     []*colstore.Writer
	digits   [][]uint64
	scratch  []uint64
}

func (t *Task) newBlockBuffer(store *colstore.Store) (*blockBuffer, error) {
	b := &blockBuffer{t: t, store: store, digits: make([][]uint64, len(t.keyRegs))}
	var err error
	if b.keys, err = store.Create(bufKey, colstore.IntKind(t.threshold.Type()), 1); err != nil {
		return nil, err
	}
	if b.triplets, err = store.Create(bufTriplets, colstore.IntKind(t.indexType), 3); err != nil {
		b.abort()
		return nil, err
	}
	for j, kind := range t.regKinds {
		w, err := store.Create(bufRegName(j), kind, 1)
		if err != nil {
			b.abort()
			return nil, err
		}
		b.regs = append(b.regs, w)
	}
	return b, nil
}

func bufRegName(j int) string { return fmt.Sprintf("%s%d", bufRegs, j) }

func (b *blockBuffer) writers() []*colstore.Writer {
	var ws []*colstore.Writer
	for _, w := range append([]*colstore.Writer{b.keys, b.triplets}, b.regs...) {
		if w != nil {
			ws = append(ws, w)
		}
	}
	return ws
}

func (b *blockBuffer) abort() {
	for _, w := range b.writers() {
		w.Abort()
	}
}

func (b *blockBuffer) write(tb *tripletBatch, regs [][]uint64) error {
	// the first key regressor is the most significant digit
	n := len(b.digits)
	for i, j := range b.t.keyRegs {
		b.digits[n-1-i] = regs[j]
	}
	var err error
	if b.scratch, err = b.t.threshold.EncodeColumns(b.digits, b.scratch[:0]); err != nil {
		return err
	}
	if len(b.digits) == 0 {
		b.scratch = append(b.scratch, make([]uint64, tb.len())...)
	}
	if err := b.keys.Write(b.scratch); err != nil {
		return err
	}
	flat := make([]uint64, 0, 3*tb.len())
	for k := range tb.a {
		flat = append(flat, uint64(tb.a[k]), uint64(tb.b[k]), uint64(tb.x[k]))
	}
	if err := b.triplets.Write(flat); err != nil {
		return err
	}
	for j, w := range b.regs {
		if err := w.Write(regs[j]); err != nil {
			return err
		}
	}
	return nil
}

func (b *blockBuffer) close() error {
	for _, w := range b.writers() {
		if err := w.Close(); err != nil {
			b.abort()
			return err
		}
	}
	return nil
}

func (b *blockBuffer) payload() []string {
	names := []string{bufTriplets}
	for j := range b.regs {
		names = append(names, bufRegName(j))
	}
	return names
}

// discard removes the buffered datasets.
func (b *blockBuffer) discard() error {
	for _, name := range append([]string{bufKey}, b.payload()...) {
		if b.store.Has(name) {
			if err := b.store.Remove(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// thresholdBlock sorts a buffered block by regressor key and appends it to
// out, keeping at most the threshold number of triplets of every group.
// Groups are subsampled uniformly without replacement.
func (t *Task) thresholdBlock(ctx context.Context, b *blockBuffer, out *partOutput, rng *rand.Rand) error {
	if err := b.close(); err != nil {
		return err
	}
	defer b.discard()

	info, _ := b.store.Info(bufKey)
	amount := int64(info.Rows) * info.RowBytes()
	for _, name := range b.payload() {
		pi, _ := b.store.Info(name)
		amount += int64(pi.Rows) * pi.RowBytes()
	}
	sorter := colstore.NewSorter(b.store,
		colstore.WithSortLogger(t.logger),
		colstore.WithSortMetrics(t.metrics),
		colstore.WithTempDir(b.store.Dir()))
	if err := sorter.Sort(ctx, bufKey, b.payload(), colstore.BudgetFor(amount, t.sortMemory())); err != nil {
		return err
	}

	sizes, err := groupSizes(b.store, int(t.batchSize()))
	if err != nil {
		return err
	}

	readers := make([]*colstore.Reader, 0, len(b.regs)+1)
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()
	for _, name := range b.payload() {
		r, err := b.store.Open(name)
		if err != nil {
			return err
		}
		readers = append(readers, r)
	}

	limit := t.cfg.Threshold
	batch := t.batchSize()
	for _, n := range sizes {
		first := out.rows
		sampled := n > limit
		var keep []uint64
		if sampled {
			keep = sampling.WithoutReplacement(rng, limit, n)
		}
		for lo := uint64(0); lo < n; lo += batch {
			m := min(batch, n-lo)
			chunks := make([][]uint64, len(readers))
			for i, r := range readers {
				if chunks[i], err = r.ReadFull(int(m)); err != nil {
					return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "sorted block ended early")
				}
			}
			var sel []int
			for len(keep) > 0 && keep[0] < lo+m {
				sel = append(sel, int(keep[0]-lo))
				keep = keep[1:]
			}
			if err := appendSelected(out, chunks, sel, !sampled); err != nil {
				return err
			}
		}
		if err := out.groups.WriteRow(first, out.rows); err != nil {
			return err
		}
	}
	return nil
}

// appendSelected writes rows of sorted chunks to out: every row when all
// is set, the rows at sel otherwise. chunks[0] holds triplets, the others
// regressors.
func appendSelected(out *partOutput, chunks [][]uint64, sel []int, all bool) error {
	if !all {
		for i, c := range chunks {
			width := 1
			if i == 0 {
				width = 3
			}
			picked := make([]uint64, 0, len(sel)*width)
			for _, r := range sel {
				picked = append(picked, c[r*width:(r+1)*width]...)
			}
			chunks[i] = picked
		}
	}
	if err := out.triplets.Write(chunks[0]); err != nil {
		return err
	}
	for j, w := range out.regs {
		if err := w.Write(chunks[j+1]); err != nil {
			return err
		}
	}
	out.rows += uint64(len(chunks[0]) / 3)
	return nil
}

// groupSizes returns the lengths of the runs of equal keys of the sorted
// key dataset.
func groupSizes(store *colstore.Store, batch int) ([]uint64, error) {
	r, err := store.Open(bufKey)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var sizes []uint64
	var prev uint64
	for {
		keys, err := r.Read(batch)
		if err == io.EOF {
			return sizes, nil
		}
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if len(sizes) > 0 && k == prev {
				sizes[len(sizes)-1]++
				continue
			}
			sizes = append(sizes, 1)
			prev = k
		}
	}
}
