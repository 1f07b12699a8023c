package task

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ajitpratap0/abxtask/pkg/colstore"
	"github.com/ajitpratap0/abxtask/pkg/keycodec"
	"github.com/ajitpratap0/abxtask/pkg/logger"
)

// dedupPairs writes the sorted unique (A,X) and (B,X) pairs of every
// non-empty by-block to the artifact. A pair of by-local indices (i, x) is
// keyed i + base·x where base is one more than the largest index of the
// by-block.
func (t *Task) dedupPairs(ctx context.Context, store *colstore.Store, bys []byRange, scratch string) (uint64, error) {
	ctx, span := t.tracer.Start(ctx, "task.pairs")
	defer span.End()
	log := logger.WithContext(ctx)

	var maxBase uint64 = 1
	for _, b := range bys {
		maxBase = max(maxBase, uint64(b.part.maxIndex)+1)
	}
	typ, err := keycodec.FitProduct(maxBase, maxBase)
	if err != nil {
		return 0, err
	}
	out, err := store.Create(PairsData, colstore.IntKind(typ), 1)
	if err != nil {
		return 0, err
	}
	defer out.Abort()

	tmp, err := colstore.Create(filepath.Join(scratch, "pairs"), t.storeOptions()...)
	if err != nil {
		return 0, err
	}
	sorter := colstore.NewSorter(tmp,
		colstore.WithSortLogger(t.logger),
		colstore.WithSortMetrics(t.metrics),
		colstore.WithTempDir(scratch))

	var total uint64
	ranges := make(map[string]PairRange, len(bys))
	for i, b := range bys {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		base := uint64(b.part.maxIndex) + 1
		name := fmt.Sprintf("by/%d", i)
		if err := t.writePairKeys(store, tmp, name, b, base, typ); err != nil {
			return 0, err
		}
		info, _ := tmp.Info(name)
		amount := int64(info.Rows) * info.RowBytes()
		if err := sorter.Sort(ctx, name, nil, colstore.BudgetFor(amount, t.sortMemory())); err != nil {
			return 0, err
		}
		n, err := uniqueSorted(tmp, name, out, int(t.batchSize()))
		if err != nil {
			return 0, err
		}
		if err := tmp.Remove(name); err != nil {
			return 0, err
		}
		ranges[b.part.key] = PairRange{Base: base, Start: total, End: total + n}
		total += n
		log.Debug("unique pairs", zap.String("by", b.part.key), zap.Uint64("pairs", n))
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	for by, pr := range ranges {
		if err := store.SetAttr(PairsData, by, pr); err != nil {
			return 0, err
		}
	}
	t.metrics.UniquePairs(total)
	return total, nil
}

// writePairKeys writes the AX and BX keys of the triplets of b to dataset
// name of tmp.
func (t *Task) writePairKeys(store, tmp *colstore.Store, name string, b byRange, base uint64,
	typ keycodec.IntType) error {
	r, err := store.Open(TripletsData, colstore.WithRange(b.start, b.end))
	if err != nil {
		return err
	}
	defer r.Close()
	w, err := tmp.Create(name, colstore.IntKind(typ), 1, colstore.WithFixedRows(2*(b.end-b.start)))
	if err != nil {
		return err
	}
	defer w.Abort()
	batch := int(t.batchSize())
	keys := make([]uint64, 0, 2*batch)
	for {
		rows, err := r.Read(batch)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		keys = keys[:0]
		for k := 0; k+2 < len(rows); k += 3 {
			a, bi, x := rows[k], rows[k+1], rows[k+2]
			keys = append(keys, a+base*x, bi+base*x)
		}
		if err := w.Write(keys); err != nil {
			return err
		}
	}
	return w.Close()
}

// uniqueSorted appends the distinct values of the sorted dataset name to
// out and returns their number.
func uniqueSorted(store *colstore.Store, name string, out *colstore.Writer, batch int) (uint64, error) {
	r, err := store.Open(name)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	var (
		n     uint64
		prev  uint64
		first = true
		uniq  []uint64
	)
	for {
		keys, err := r.Read(batch)
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return 0, err
		}
		uniq = uniq[:0]
		for _, k := range keys {
			if !first && k == prev {
				continue
			}
			uniq = append(uniq, k)
			prev, first = k, false
		}
		if err := out.Write(uniq); err != nil {
			return 0, err
		}
		n += uint64(len(uniq))
	}
}
