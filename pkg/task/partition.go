package task

import (
	"math/bits"

	"github.com/RoaringBitmap/roaring"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/columnar"
	"github.com/ajitpratap0/abxtask/pkg/sideop"
)

// partition is one by-block. Item indices are by-local: positions inside
// the by-block before generic filtering.
type partition struct {
	ordinal int
	key     string
	values  []string
	// rows maps by-local indices to database rows.
	rows  []int
	table *columnar.Table

	// items holds the by-local indices kept by generic filters.
	items      *roaring.Bitmap
	maxIndex   int
	blocks     []*block
	onSets     map[uint32]*roaring.Bitmap
	acrossSets map[uint64]*roaring.Bitmap
	// antiAcross maps an across key to the items differing from it on
	// every across column. Only set for multi-column across.
	antiAcross map[uint64]*roaring.Bitmap
}

// block is an on-across block of a partition.
type block struct {
	// key ranks the block among the blocks of its partition in on-across
	// order; tuple holds the on and across codes it is sorted by.
	key    uint64
	tuple  string
	rep    int
	on     uint32
	across uint64
	rows   *roaring.Bitmap
}

// candidates are the filtered items of one on-across block.
type candidates struct {
	scope   sideop.Scope
	a, b, x []int
}

// size returns |A|·|B|·|X|, failing when it does not fit 64 bits.
func (c *candidates) size() (uint64, error) {
	return product(uint64(len(c.a)), uint64(len(c.b)), uint64(len(c.x)))
}

// product returns the number of triplets of an on-across block with nA, nB
// and nX candidates.
func product(nA, nB, nX uint64) (uint64, error) {
	hi, ab := bits.Mul64(nA, nB)
	if hi == 0 {
		var n uint64
		if hi, n = bits.Mul64(ab, nX); hi == 0 {
			return n, nil
		}
	}
	return 0, abxerrors.Capacity("on-across block with %d A, %d B and %d X candidates has more than 2^64 triplets",
		nA, nB, nX)
}

// at decodes a linear cross-product index into positions in a, b and x.
func (c *candidates) at(i uint64) (ia, ib, ix int) {
	nx, nb := uint64(len(c.x)), uint64(len(c.b))
	ix = int(i % nx)
	ib = int(i / nx % nb)
	ia = int(i / (nx * nb))
	return ia, ib, ix
}

func toInts(bm *roaring.Bitmap) []int {
	out := make([]int, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, int(it.Next()))
	}
	return out
}

// sets returns the unfiltered A, B and X candidate sets of b.
func (t *Task) sets(p *partition, b *block) (a, bs, x *roaring.Bitmap) {
	a = b.rows
	on := p.onSets[b.on]
	if t.noAcross() {
		bs = roaring.AndNot(p.items, on)
	} else {
		bs = roaring.AndNot(p.acrossSets[b.across], a)
	}
	if t.multiAcross() {
		x = roaring.And(p.antiAcross[b.across], on)
	} else {
		x = roaring.AndNot(on, a)
	}
	return a, bs, x
}

// candidates applies the on_across_by filters and the A, B and X filters
// to block b. It returns nil when the block is filtered out.
func (t *Task) candidates(p *partition, b *block) (*candidates, error) {
	sc := sideop.Scope{Table: p.table, Rep: b.rep}
	keep, err := t.filters.OnAcrossByFilter(sc)
	if err != nil || !keep {
		return nil, err
	}
	sa, sb, sx := t.sets(p, b)
	c := &candidates{scope: sc}
	if c.a, err = t.filters.AFilter(sc, toInts(sa)); err != nil {
		return nil, err
	}
	if c.b, err = t.filters.BFilter(sc, toInts(sb)); err != nil {
		return nil, err
	}
	if c.x, err = t.filters.XFilter(sc, toInts(sx)); err != nil {
		return nil, err
	}
	return c, nil
}

// tripletBatch is a batch of triplets of one block.
type tripletBatch struct {
	a, b, x    []int
	ia, ib, ix []int
}

func newTripletBatch(capacity int) *tripletBatch {
	return &tripletBatch{
		a:  make([]int, 0, capacity),
		b:  make([]int, 0, capacity),
		x:  make([]int, 0, capacity),
		ia: make([]int, 0, capacity),
		ib: make([]int, 0, capacity),
		ix: make([]int, 0, capacity),
	}
}

func (tb *tripletBatch) reset() {
	tb.a, tb.b, tb.x = tb.a[:0], tb.b[:0], tb.x[:0]
	tb.ia, tb.ib, tb.ix = tb.ia[:0], tb.ib[:0], tb.ix[:0]
}

func (tb *tripletBatch) len() int { return len(tb.a) }

func (tb *tripletBatch) add(c *candidates, i uint64) {
	ia, ib, ix := c.at(i)
	tb.ia = append(tb.ia, ia)
	tb.ib = append(tb.ib, ib)
	tb.ix = append(tb.ix, ix)
	tb.a = append(tb.a, c.a[ia])
	tb.b = append(tb.b, c.b[ib])
	tb.x = append(tb.x, c.x[ix])
}

// keep restricts the batch to the given positions, in order.
func (tb *tripletBatch) keep(positions []int) {
	for i, p := range positions {
		tb.a[i], tb.b[i], tb.x[i] = tb.a[p], tb.b[p], tb.x[p]
		tb.ia[i], tb.ib[i], tb.ix[i] = tb.ia[p], tb.ib[p], tb.ix[p]
	}
	n := len(positions)
	tb.a, tb.b, tb.x = tb.a[:n], tb.b[:n], tb.x[:n]
	tb.ia, tb.ib, tb.ix = tb.ia[:n], tb.ib[:n], tb.ix[:n]
}

// filter applies ABX filters to the batch.
func (t *Task) filterBatch(c *candidates, tb *tripletBatch) error {
	if !t.filters.Has(sideop.StageABX) || tb.len() == 0 {
		return nil
	}
	kept, err := t.filters.ABXFilter(c.scope, tb.a, tb.b, tb.x)
	if err != nil {
		return err
	}
	tb.keep(kept)
	return nil
}

// countFiltered counts the triplets of a block passing ABX filters by
// enumerating its cross product.
func (t *Task) countFiltered(c *candidates) (uint64, error) {
	size, err := c.size()
	if err != nil {
		return 0, err
	}
	if !t.filters.Has(sideop.StageABX) {
		return size, nil
	}
	batch := t.batchSize()
	tb := newTripletBatch(int(min(batch, size)))
	var n uint64
	for lo := uint64(0); lo < size; lo += batch {
		tb.reset()
		for i := lo; i < min(lo+batch, size); i++ {
			tb.add(c, i)
		}
		if err := t.filterBatch(c, tb); err != nil {
			return 0, err
		}
		n += uint64(tb.len())
	}
	return n, nil
}
