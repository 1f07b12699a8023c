package task

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/ajitpratap0/abxtask/pkg/colstore"
	"github.com/ajitpratap0/abxtask/pkg/pool"
	"github.com/ajitpratap0/abxtask/pkg/sampling"
	"github.com/ajitpratap0/abxtask/pkg/sideop"
)

// Datasets of a partition-local store.
const (
	partTriplets = "triplets"
	partBlocks   = "blocks"
	partGroups   = "groups"
	partRegs     = "regressors/"

	bufKey      = "block/key"
	bufTriplets = "block/triplets"
	bufRegs     = "block/regressors/"
)

// partOutput receives the triplets of one partition. Block and group
// offsets are relative to the partition.
type partOutput struct {
	store    *colstore.Store
	triplets *colstore.Writer
	blocks   *colstore.Writer
	groups   *colstore.Writer
	regs     []*colstore.Writer
	rows     uint64
}

func (t *Task) createPartOutput(dir string) (*partOutput, error) {
	store, err := colstore.Create(dir, t.storeOptions()...)
	if err != nil {
		return nil, err
	}
	o := &partOutput{store: store}
	if o.triplets, err = store.Create(partTriplets, colstore.IntKind(t.indexType), 3); err != nil {
		return nil, err
	}
	if o.blocks, err = store.Create(partBlocks, colstore.Uint64, 2); err != nil {
		o.abort()
		return nil, err
	}
	if t.threshold != nil {
		if o.groups, err = store.Create(partGroups, colstore.Uint64, 2); err != nil {
			o.abort()
			return nil, err
		}
	}
	for j, kind := range t.regKinds {
		w, err := store.Create(fmt.Sprintf("%s%d", partRegs, j), kind, 1)
		if err != nil {
			o.abort()
			return nil, err
		}
		o.regs = append(o.regs, w)
	}
	return o, nil
}

func (o *partOutput) writers() []*colstore.Writer {
	var ws []*colstore.Writer
	for _, w := range append([]*colstore.Writer{o.triplets, o.blocks, o.groups}, o.regs...) {
		if w != nil {
			ws = append(ws, w)
		}
	}
	return ws
}

func (o *partOutput) abort() {
	for _, w := range o.writers() {
		w.Abort()
	}
}

func (o *partOutput) close() error {
	for _, w := range o.writers() {
		if err := w.Close(); err != nil {
			o.abort()
			return err
		}
	}
	return o.store.Close()
}

// write appends a batch of triplets with their encoded regressors.
func (o *partOutput) write(tb *tripletBatch, regs [][]uint64) error {
	n := tb.len()
	flat := pool.GetRows(3 * n)
	defer pool.PutRows(flat)
	for k := 0; k < n; k++ {
		flat[3*k], flat[3*k+1], flat[3*k+2] = uint64(tb.a[k]), uint64(tb.b[k]), uint64(tb.x[k])
	}
	if err := o.triplets.Write(flat); err != nil {
		return err
	}
	for j, w := range o.regs {
		if err := w.Write(regs[j]); err != nil {
			return err
		}
	}
	o.rows += uint64(n)
	return nil
}

// stageValues holds the regressor values of one block, per stage.
type stageValues [][]sideop.Vector

// generatePartition writes the triplets of p to a partition-local store in
// dir. k is the number of triplets to sample from p when sampled is set.
func (t *Task) generatePartition(ctx context.Context, p *partition, sampled bool, k uint64,
	dir string) (_ *partOutput, err error) {
	start := time.Now()
	ctx, span := t.tracer.Start(ctx, "task.partition")
	span.SetAttributes(attribute.String("by", p.key), attribute.Int("ordinal", p.ordinal))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	log := t.logger.With(zap.String("by", p.key))

	rng := sampling.PartitionRand(t.cfg.Seed, p.ordinal)
	var sampler *sampling.Sampler
	if sampled {
		if sampler, err = sampling.New(t.stats.By[p.ordinal].NbTriplets, k, rng); err != nil {
			return nil, err
		}
	}

	po, err := t.createPartOutput(dir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			po.abort()
		}
	}()

	vals := make(stageValues, len(sideop.Stages))
	if vals[sideop.StageBy], err = t.regs.Values(sideop.StageBy, sideop.Scope{Table: p.table}); err != nil {
		return nil, err
	}
	var buf *blockBuffer
	for _, b := range p.blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := t.candidates(p, b)
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue
		}
		size, err := c.size()
		if err != nil {
			return nil, err
		}
		first := po.rows
		if size > 0 {
			t.metrics.TripletsConsidered(int(min(size, 1<<62)))
			if err := t.blockValues(c, vals); err != nil {
				return nil, err
			}
			sink := po.write
			if t.threshold != nil {
				if buf, err = t.newBlockBuffer(po.store); err != nil {
					return nil, err
				}
				sink = buf.write
			}
			if err := t.enumerate(ctx, c, size, sampler, vals, sink); err != nil {
				if buf != nil {
					buf.abort()
				}
				return nil, err
			}
			if buf != nil {
				if err := t.thresholdBlock(ctx, buf, po, rng); err != nil {
					return nil, err
				}
			}
		}
		if err := po.blocks.WriteRow(first, po.rows); err != nil {
			return nil, err
		}
	}
	if err := po.close(); err != nil {
		return nil, err
	}

	d := time.Since(start)
	t.metrics.TripletsEmitted(int(po.rows))
	t.metrics.PartitionDone(d, po.rows == 0)
	t.instr.PartitionDone(ctx, t.cfg.Name, po.rows, d)
	span.SetAttributes(attribute.Int64("triplets", int64(po.rows)))
	log.Debug("partition generated",
		zap.Uint64("triplets", po.rows),
		zap.Int("blocks", len(p.blocks)),
		zap.Duration("duration", d))
	return po, nil
}

// blockValues computes the regressors of the on_across_by, A, B and X
// stages of a block.
func (t *Task) blockValues(c *candidates, vals stageValues) error {
	var err error
	if vals[sideop.StageOnAcrossBy], err = t.regs.Values(sideop.StageOnAcrossBy, c.scope); err != nil {
		return err
	}
	for _, s := range []struct {
		stage sideop.Stage
		idx   []int
	}{{sideop.StageA, c.a}, {sideop.StageB, c.b}, {sideop.StageX, c.x}} {
		if vals[s.stage], err = t.regs.Values(s.stage, c.scope, s.idx); err != nil {
			return err
		}
	}
	return nil
}

// enumerate streams the triplets of a block to sink in batches. Without
// ABX filters the sampler draws from the cross product directly, otherwise
// from the triplets passing the filters.
func (t *Task) enumerate(ctx context.Context, c *candidates, size uint64, sampler *sampling.Sampler,
	vals stageValues, sink func(*tripletBatch, [][]uint64) error) error {
	batch := t.batchSize()
	tb := newTripletBatch(int(min(batch, size)))
	regs := make([][]uint64, len(t.regList))
	emit := func() error {
		if tb.len() == 0 {
			return nil
		}
		if err := t.regressorColumns(c, tb, vals, regs); err != nil {
			return err
		}
		return sink(tb, regs)
	}

	if sampler != nil && !t.filters.Has(sideop.StageABX) {
		for lo := uint64(0); lo < size; {
			if err := ctx.Err(); err != nil {
				return err
			}
			step := sampleStep(sampler, batch, size-lo)
			keep, err := sampler.Sample(step)
			if err != nil {
				return err
			}
			for len(keep) > 0 {
				tb.reset()
				n := min(int(batch), len(keep))
				for _, i := range keep[:n] {
					tb.add(c, lo+i)
				}
				keep = keep[n:]
				if err := emit(); err != nil {
					return err
				}
			}
			lo += step
		}
		return nil
	}

	for lo := uint64(0); lo < size; lo += batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		tb.reset()
		for i := lo; i < min(lo+batch, size); i++ {
			tb.add(c, i)
		}
		if err := t.filterBatch(c, tb); err != nil {
			return err
		}
		if sampler != nil {
			keep, err := sampler.Sample(uint64(tb.len()))
			if err != nil {
				return err
			}
			positions := make([]int, len(keep))
			for i, v := range keep {
				positions[i] = int(v)
			}
			tb.keep(positions)
		}
		if err := emit(); err != nil {
			return err
		}
	}
	return nil
}

// sampleStep returns how many of the next rest triplets to hand to the
// sampler so that about batch of them are kept.
func sampleStep(s *sampling.Sampler, batch, rest uint64) uint64 {
	n, k := s.Remaining()
	if k == 0 {
		return rest
	}
	step := float64(batch) * float64(n) / float64(k)
	if step >= float64(rest) {
		return rest
	}
	return max(uint64(step), min(batch, rest))
}

// regressorColumns encodes the regressors of a batch into dst, one column
// per regressor.
func (t *Task) regressorColumns(c *candidates, tb *tripletBatch, vals stageValues, dst [][]uint64) error {
	var abx []sideop.Vector
	if t.regs.Has(sideop.StageABX) {
		var err error
		if abx, err = t.regs.Values(sideop.StageABX, c.scope, tb.a, tb.b, tb.x); err != nil {
			return err
		}
	}
	n := tb.len()
	for j, slot := range t.slots {
		col := dst[j][:0]
		var values sideop.Vector
		var positions []int
		switch slot.stage {
		case sideop.StageA:
			values, positions = vals[sideop.StageA][slot.pos], tb.ia
		case sideop.StageB:
			values, positions = vals[sideop.StageB][slot.pos], tb.ib
		case sideop.StageX:
			values, positions = vals[sideop.StageX][slot.pos], tb.ix
		case sideop.StageABX:
			values = abx[slot.pos]
		default:
			v, err := t.encodeRegressor(j, vals[slot.stage][slot.pos][0])
			if err != nil {
				return err
			}
			for k := 0; k < n; k++ {
				col = append(col, v)
			}
			dst[j] = col
			continue
		}
		for k := 0; k < n; k++ {
			row := k
			if positions != nil {
				row = positions[k]
			}
			v, err := t.encodeRegressor(j, values[row])
			if err != nil {
				return err
			}
			col = append(col, v)
		}
		dst[j] = col
	}
	return nil
}

// partitionRand is the generator of the coordinator splitting the sample
// over partitions.
func partitionRand(seed uint64) *rand.Rand {
	return sampling.PartitionRand(seed, -1)
}
