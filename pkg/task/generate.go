package task

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/colstore"
	"github.com/ajitpratap0/abxtask/pkg/keycodec"
	"github.com/ajitpratap0/abxtask/pkg/logger"
	"github.com/ajitpratap0/abxtask/pkg/metrics"
	"github.com/ajitpratap0/abxtask/pkg/sampling"
)

// Result summarises a generation run.
type Result struct {
	// Path is the artifact directory, empty when nothing was written.
	Path        string
	Triplets    uint64
	UniquePairs uint64
	// Bys is the number of by-blocks with at least one triplet.
	Bys      int
	Duration time.Duration
}

// Generate writes the triplets, regressors and unique pairs of the task to
// the output directory. The artifact is assembled in a sibling temporary
// directory and renamed into place once complete; on failure any existing
// artifact is left untouched. A task without triplets writes nothing.
func (t *Task) Generate(ctx context.Context) (res *Result, err error) {
	start := time.Now()
	ctx = context.WithValue(ctx, logger.TaskIDKey, t.cfg.Name)
	ctx = context.WithValue(ctx, logger.PhaseKey, "generate")
	ctx, span := t.tracer.Start(ctx, "task.generate")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if t.stats.NbTriplets == 0 {
		t.logger.Warn("there are no triplets in this task, no output will be written")
		return &Result{}, nil
	}

	output := t.cfg.OutputPath()
	if _, err := os.Stat(output); err == nil && !t.cfg.Overwrite {
		return nil, abxerrors.IO("output %s already exists", output).WithDetail("output", output)
	}

	sampled, shares, err := t.sampleShares()
	if err != nil {
		return nil, err
	}

	parent := filepath.Dir(output)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to create output directory")
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(output)+".tmp-")
	if err != nil {
		return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to create staging directory")
	}
	defer os.RemoveAll(staging)
	scratch, err := os.MkdirTemp(t.cfg.Storage.TempDir, "abx-partitions-")
	if err != nil {
		return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to create temporary directory")
	}
	defer os.RemoveAll(scratch)

	store, err := colstore.Create(staging, t.storeOptions()...)
	if err != nil {
		return nil, err
	}
	a, err := t.newAssembler(store)
	if err != nil {
		return nil, err
	}
	defer a.abort()

	if err := t.runPartitions(ctx, sampled, shares, scratch, a); err != nil {
		return nil, err
	}
	if err := a.finish(); err != nil {
		return nil, err
	}

	pairs, err := t.dedupPairs(ctx, store, a.bys, scratch)
	if err != nil {
		return nil, err
	}
	if err := t.writeAttributes(store, a); err != nil {
		return nil, err
	}
	if err := store.Close(); err != nil {
		return nil, err
	}

	if t.cfg.Overwrite {
		if err := os.RemoveAll(output); err != nil {
			return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to remove previous output")
		}
	}
	if err := os.Rename(staging, output); err != nil {
		return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to move artifact into place").
			WithDetail("output", output)
	}

	res = &Result{
		Path:        output,
		Triplets:    a.rows,
		UniquePairs: pairs,
		Bys:         len(a.bys),
		Duration:    time.Since(start),
	}
	span.SetAttributes(
		attribute.Int64("triplets", int64(res.Triplets)),
		attribute.Int64("unique_pairs", int64(res.UniquePairs)))
	logger.WithContext(ctx).Info("task generated",
		zap.String("output", output),
		zap.Uint64("triplets", res.Triplets),
		zap.Uint64("unique_pairs", res.UniquePairs),
		zap.Int("bys", res.Bys),
		zap.Float64("triplets_per_sec", a.throughput.GetAndReset()),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// sampleShares splits the requested sample over partitions.
func (t *Task) sampleShares() (bool, []uint64, error) {
	k, ok := t.cfg.SampleSize(t.stats.NbTriplets)
	if !ok {
		return false, nil, nil
	}
	if t.stats.ApproximateNbTriplets {
		return false, nil, abxerrors.Sampling("cannot sample exactly when the number of triplets is approximate")
	}
	sizes := make([]uint64, len(t.stats.By))
	for i, bs := range t.stats.By {
		sizes[i] = bs.NbTriplets
	}
	shares, err := sampling.Split(partitionRand(t.cfg.Seed), sizes, k)
	if err != nil {
		return false, nil, err
	}
	t.logger.Info("sampling triplets", zap.Uint64("sample", k), zap.Uint64("population", t.stats.NbTriplets))
	return true, shares, nil
}

// runPartitions generates partitions in parallel and hands them to the
// assembler in by order.
func (t *Task) runPartitions(ctx context.Context, sampled bool, shares []uint64, scratch string,
	a *assembler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Performance.GetWorkers())

	done := make([]chan *partOutput, len(t.parts))
	for i := range done {
		done[i] = make(chan *partOutput, 1)
	}
	launched := make(chan struct{})
	go func() {
		defer close(launched)
		for i, p := range t.parts {
			if gctx.Err() != nil {
				return
			}
			var k uint64
			if sampled {
				k = shares[i]
			}
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				dir := filepath.Join(scratch, fmt.Sprintf("part-%06d", p.ordinal))
				out, err := t.generatePartition(gctx, p, sampled, k, dir)
				if err != nil {
					return err
				}
				done[i] <- out
				return nil
			})
		}
	}()

	var appendErr error
	for i, p := range t.parts {
		var out *partOutput
		select {
		case out = <-done[i]:
		case <-gctx.Done():
		}
		if out == nil {
			break
		}
		err := a.append(p, out)
		os.RemoveAll(out.store.Dir())
		if err != nil {
			appendErr = err
			cancel()
			break
		}
	}
	<-launched
	if err := g.Wait(); err != nil {
		return err
	}
	if appendErr != nil {
		return appendErr
	}
	return ctx.Err()
}

// byRange locates the triplets of a non-empty by-block in the artifact.
type byRange struct {
	part       *partition
	start, end uint64
}

// assembler appends partition outputs to the artifact.
type assembler struct {
	t        *Task
	store    *colstore.Store
	triplets *colstore.Writer
	blocks   *colstore.Writer
	groups   *colstore.Writer
	byIndex  *colstore.Writer
	rows     uint64
	bys      []byRange
	itemKind colstore.Kind
	// throughput counts appended triplets since the assembler was created
	throughput *metrics.ThroughputTracker
}

func (t *Task) newAssembler(store *colstore.Store) (*assembler, error) {
	a := &assembler{t: t, store: store, throughput: metrics.NewThroughputTracker(t.metrics)}
	var err error
	typ, err := keycodec.FitMinimalType(uint64(max(t.db.Rows(), 1)-1), false)
	if err != nil {
		return nil, err
	}
	a.itemKind = colstore.IntKind(typ)
	if a.triplets, err = store.Create(TripletsData, colstore.IntKind(t.indexType), 3); err != nil {
		return nil, err
	}
	if a.blocks, err = store.Create(BlockIndex, colstore.Uint64, 2); err != nil {
		return nil, err
	}
	if t.threshold != nil {
		if a.groups, err = store.Create(GroupIndex, colstore.Uint64, 2); err != nil {
			return nil, err
		}
	}
	if a.byIndex, err = store.Create(ByIndex, colstore.Uint64, 2); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *assembler) writers() []*colstore.Writer {
	var ws []*colstore.Writer
	for _, w := range []*colstore.Writer{a.triplets, a.blocks, a.groups, a.byIndex} {
		if w != nil {
			ws = append(ws, w)
		}
	}
	return ws
}

func (a *assembler) abort() {
	for _, w := range a.writers() {
		w.Abort()
	}
}

func (a *assembler) finish() error {
	for _, w := range a.writers() {
		if err := w.Close(); err != nil {
			return err
		}
	}
	return nil
}

// append copies the datasets of a partition store, shifting block and
// group offsets by the rows already written.
func (a *assembler) append(p *partition, out *partOutput) error {
	if out.rows == 0 {
		return nil
	}
	src := out.store
	by := len(a.bys)
	start := a.rows

	if err := copyDataset(a.triplets, src, partTriplets, 0); err != nil {
		return err
	}
	if err := copyDataset(a.blocks, src, partBlocks, start); err != nil {
		return err
	}
	if a.groups != nil {
		if err := copyDataset(a.groups, src, partGroups, start); err != nil {
			return err
		}
	}
	for j, reg := range a.t.regList {
		w, err := a.store.Create(RegressorDataset(by, reg.Name), a.t.regKinds[j], 1)
		if err != nil {
			return err
		}
		if err := copyDataset(w, src, fmt.Sprintf("%s%d", partRegs, j), 0); err != nil {
			w.Abort()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}

	items, err := a.store.Create(ItemsDataset(by), a.itemKind, 1, colstore.WithFixedRows(uint64(len(p.rows))))
	if err != nil {
		return err
	}
	rows := make([]uint64, len(p.rows))
	for i, r := range p.rows {
		rows[i] = uint64(r)
	}
	if err := items.Write(rows); err != nil {
		items.Abort()
		return err
	}
	if err := items.Close(); err != nil {
		return err
	}

	a.rows += out.rows
	a.throughput.Increment(int64(out.rows))
	if err := a.byIndex.WriteRow(start, a.rows); err != nil {
		return err
	}
	a.bys = append(a.bys, byRange{part: p, start: start, end: a.rows})
	return nil
}

// copyDataset appends dataset name of src to w, adding offset to every
// value.
func copyDataset(w *colstore.Writer, src *colstore.Store, name string, offset uint64) error {
	r, err := src.Open(name)
	if err != nil {
		return err
	}
	defer r.Close()
	if offset == 0 {
		_, err := colstore.Copy(w, r)
		return err
	}
	for {
		rows, err := r.Read(colstore.DefaultBufferRows)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		for i := range rows {
			rows[i] += offset
		}
		if err := w.Write(rows); err != nil {
			return err
		}
	}
}

func (t *Task) writeAttributes(store *colstore.Store, a *assembler) error {
	bys := make([]string, len(a.bys))
	for i, b := range a.bys {
		bys[i] = b.part.key
	}
	meta := Metadata{
		On:        t.on,
		Across:    t.across,
		By:        t.by,
		Filters:   t.cfg.Filters,
		Sample:    t.cfg.Sample,
		Threshold: t.cfg.Threshold,
		Seed:      t.cfg.Seed,
		IndexType: t.indexType.String(),
	}
	attrs := []struct {
		path, key string
		value     interface{}
	}{
		{"", attrTask, meta},
		{TripletsGroup, attrBys, bys},
		{RegressorsGroup, attrNames, t.regs.Names()},
		{RegressorsGroup, attrIndexes, t.regs.Indexes()},
	}
	for _, at := range attrs {
		if err := store.SetAttr(at.path, at.key, at.value); err != nil {
			return err
		}
	}
	return nil
}
