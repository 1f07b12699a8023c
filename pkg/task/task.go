// Package task builds ABX tasks from an item database: it groups items by
// the by, on and across columns, counts the triplets each by-block yields
// and generates them, with their regressors and the unique AX/BX pairs,
// into a column store artifact.
//
// A triplet (A, B, X) is a triple of items where A and X share the on
// value, A and B share the across values and all three share the by
// values. A and B differ on on, and A and X differ on across.
//
//	cfg, _ := config.LoadTask("task.yaml")
//	t, _ := task.Load(cfg)
//	res, _ := t.Generate(ctx)
package task

import (
	"context"
	"encoding/binary"
	"slices"
	"strings"

	"github.com/RoaringBitmap/roaring"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/colstore"
	"github.com/ajitpratap0/abxtask/pkg/columnar"
	"github.com/ajitpratap0/abxtask/pkg/config"
	"github.com/ajitpratap0/abxtask/pkg/database"
	"github.com/ajitpratap0/abxtask/pkg/keycodec"
	"github.com/ajitpratap0/abxtask/pkg/logger"
	"github.com/ajitpratap0/abxtask/pkg/metrics"
	"github.com/ajitpratap0/abxtask/pkg/observability"
	"github.com/ajitpratap0/abxtask/pkg/sideop"
)

const (
	// DummyBy is the constant column used when a task has no by.
	DummyBy = "#by"
	// DummyAcross is the column, unique per item, used when a task has no
	// across.
	DummyAcross = "#across"
)

// Task is an ABX task ready to be generated. Generate may be called more
// than once.
type Task struct {
	cfg     *config.TaskConfig
	db      *database.Database
	on      string
	across  []string
	by      []string
	filters *sideop.FilterSet
	regs    *sideop.RegressorSet

	// regList, regKinds and slots are aligned with the regressor outputs.
	regList   []*sideop.Regressor
	regKinds  []colstore.Kind
	slots     []regSlot
	threshold *keycodec.Codec
	// keyRegs lists the regressors encoded into threshold keys.
	keyRegs []int

	parts     []*partition
	indexType keycodec.IntType
	stats     *Stats

	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
	instr   *observability.TaskInstruments
}

type regSlot struct {
	stage sideop.Stage
	pos   int
}

// Option configures a Task.
type Option func(*Task)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Task) { t.logger = l }
}

// WithMetrics reports generation progress to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(t *Task) { t.metrics = c }
}

// WithTracer sets the tracer spans are started on.
func WithTracer(tr trace.Tracer) Option {
	return func(t *Task) { t.tracer = tr }
}

// WithInstruments records partitions on the given OpenTelemetry
// instruments instead of ones from the global meter provider.
func WithInstruments(ti *observability.TaskInstruments) Option {
	return func(t *Task) { t.instr = ti }
}

// Load reads the database named by cfg and builds the task.
func Load(cfg *config.TaskConfig, opts ...Option) (*Task, error) {
	pre := &Task{logger: logger.Get()}
	for _, opt := range opts {
		opt(pre)
	}
	db, err := database.Load(cfg.Database, database.WithLogger(pre.logger))
	if err != nil {
		return nil, err
	}
	return New(cfg, db, opts...)
}

// New builds a task over db. It checks the task columns, compiles and
// places filters and regressors, groups items by by-values and counts the
// triplets of every by-block.
func New(cfg *config.TaskConfig, db *database.Database, opts ...Option) (*Task, error) {
	t := &Task{
		cfg:    cfg,
		on:     strings.TrimSpace(cfg.On),
		across: slices.Clone(cfg.Across),
		by:     slices.Clone(cfg.By),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logger.Get()
	}
	if t.tracer == nil {
		t.tracer = otel.Tracer("github.com/ajitpratap0/abxtask/pkg/task")
	}
	if t.instr == nil {
		var err error
		if t.instr, err = observability.NewTaskInstruments(nil); err != nil {
			return nil, err
		}
	}
	t.logger = t.logger.With(zap.String("task", cfg.Name))

	if err := t.checkColumns(db); err != nil {
		return nil, err
	}
	var err error
	if t.db, err = t.withDummies(db); err != nil {
		return nil, err
	}

	layout := sideop.Layout{DB: t.db, On: t.on, Across: t.across, By: t.by}
	lookups := make([]*sideop.LookupOp, 0, len(cfg.LookupTables))
	for _, path := range cfg.LookupTables {
		op, err := sideop.LoadLookup(path)
		if err != nil {
			return nil, err
		}
		lookups = append(lookups, op)
	}
	if t.filters, err = sideop.NewFilterSet(layout, cfg.Filters, lookups...); err != nil {
		return nil, err
	}
	defs := append(slices.Clone(cfg.Regressors), sideop.DefaultRegressors(layout, DummyAcross)...)
	if t.regs, err = sideop.NewRegressorSet(layout, defs, lookups...); err != nil {
		return nil, err
	}
	if err := t.locateRegressors(); err != nil {
		return nil, err
	}
	if cfg.Threshold > 0 {
		if err := t.buildThresholdCodec(); err != nil {
			return nil, err
		}
	}

	if err := t.partition(); err != nil {
		return nil, err
	}
	if t.stats, err = t.computeStats(context.Background()); err != nil {
		return nil, err
	}
	t.logger.Info("task built",
		zap.String("on", t.on),
		zap.Strings("across", t.across),
		zap.Strings("by", t.by),
		zap.Int("by_levels", len(t.parts)),
		zap.Uint64("triplets", t.stats.NbTriplets),
		zap.Bool("approximate", t.stats.Approximate))
	return t, nil
}

func (t *Task) checkColumns(db *database.Database) error {
	if len(strings.Fields(t.on)) != 1 {
		return abxerrors.Configuration("on must name exactly one column, got %q", t.on)
	}
	if err := db.ValidateNames(); err != nil {
		return err
	}
	check := func(role string, cols ...string) error {
		for _, c := range cols {
			if !db.Attributes.Has(c) {
				return abxerrors.Configuration("%s column %q is not a column of the database", role, c).
					WithDetail("columns", db.Attributes.Names())
			}
		}
		return nil
	}
	if err := check("on", t.on); err != nil {
		return err
	}
	if err := check("across", t.across...); err != nil {
		return err
	}
	if err := check("by", t.by...); err != nil {
		return err
	}
	used := map[string]string{t.on: "on"}
	for _, group := range []struct {
		role string
		cols []string
	}{{"across", t.across}, {"by", t.by}} {
		for _, c := range group.cols {
			if prev, ok := used[c]; ok {
				return abxerrors.Configuration("column %q is used both as %s and %s", c, prev, group.role)
			}
			used[c] = group.role
		}
	}
	return nil
}

// withDummies adds the constant by column and the unique across column of
// tasks declaring none.
func (t *Task) withDummies(db *database.Database) (*database.Database, error) {
	var err error
	if len(t.by) == 0 {
		if db, err = db.WithColumn(DummyBy, columnar.Constant("0", db.Rows())); err != nil {
			return nil, err
		}
		t.by = []string{DummyBy}
	}
	if len(t.across) == 0 {
		ids := make([]int, db.Rows())
		for i := range ids {
			ids[i] = i
		}
		if db, err = db.WithColumn(DummyAcross, columnar.FromInts(ids)); err != nil {
			return nil, err
		}
		t.across = []string{DummyAcross}
	}
	return db, nil
}

func (t *Task) noAcross() bool { return len(t.across) == 1 && t.across[0] == DummyAcross }

func (t *Task) multiAcross() bool { return len(t.across) > 1 }

func (t *Task) locateRegressors() error {
	t.regList = t.regs.Regressors()
	t.regKinds = make([]colstore.Kind, len(t.regList))
	for j, reg := range t.regList {
		if !reg.Indexed() {
			t.regKinds[j] = colstore.Float64
			continue
		}
		typ, err := keycodec.FitMinimalType(uint64(max(len(reg.Index), 1)-1), false)
		if err != nil {
			return err
		}
		t.regKinds[j] = colstore.IntKind(typ)
	}
	t.slots = make([]regSlot, len(t.regList))
	for _, stage := range sideop.Stages {
		for pos, j := range t.regs.StageRegressors(stage) {
			t.slots[j] = regSlot{stage: stage, pos: pos}
		}
	}
	return nil
}

// encodeRegressor converts a regressor value to its stored form: the
// position in the index for indexed regressors, float64 bits otherwise.
func (t *Task) encodeRegressor(j int, v sideop.Value) (uint64, error) {
	reg := t.regList[j]
	if reg.Indexed() {
		pos, ok := reg.Position(v)
		if !ok {
			return 0, abxerrors.Newf(abxerrors.ErrorTypeData,
				"value %q of regressor %s is not in its index", v.String(), reg.Name)
		}
		return pos, nil
	}
	f, ok := v.Float()
	if !ok {
		return 0, abxerrors.Newf(abxerrors.ErrorTypeData,
			"regressor %s produced the non-numeric value %q", reg.Name, v.String())
	}
	return colstore.FloatValue(f), nil
}

func (t *Task) batchSize() uint64 {
	if n := t.cfg.Performance.BatchSize; n > 0 {
		return uint64(n)
	}
	return 1 << 16
}

// sortMemory returns the sort memory of one worker.
func (t *Task) sortMemory() int64 {
	total := t.cfg.Performance.SortBudgetBytes()
	if total <= 0 {
		total = int64(config.DefaultSortMemoryMB) << 20
	}
	return max(total/int64(t.cfg.Performance.GetWorkers()), 1<<20)
}

func (t *Task) storeOptions() []colstore.Option {
	opts := []colstore.Option{
		colstore.WithLogger(t.logger),
		colstore.WithMetrics(t.metrics),
		colstore.WithBufferRows(t.cfg.Performance.BufferRows),
	}
	if t.cfg.Storage.Compression.Algorithm != "" {
		opts = append(opts, colstore.WithCompression(t.cfg.Storage.Compression))
	}
	return opts
}

// buildThresholdCodec prepares the keys grouping triplets by their indexed
// B and X regressors, B first.
func (t *Task) buildThresholdCodec() error {
	regs := t.regs.Regressors()
	for _, stage := range []sideop.Stage{sideop.StageB, sideop.StageX} {
		for _, j := range t.regs.StageRegressors(stage) {
			if regs[j].Indexed() {
				t.keyRegs = append(t.keyRegs, j)
			}
		}
	}
	// the first regressor is the most significant digit of the key
	cards := make([]uint64, len(t.keyRegs))
	for i, j := range t.keyRegs {
		cards[len(cards)-1-i] = uint64(max(len(regs[j].Index), 1))
	}
	codec, err := keycodec.NewCodec(cards)
	if err != nil {
		return abxerrors.Wrap(err, abxerrors.ErrorTypeCapacity, "too many regressor combinations to threshold")
	}
	t.threshold = codec
	return nil
}

// tupleKey appends the dictionary codes of row in cols to buf. Codes are
// fixed-width big-endian, so keys order rows lexicographically, cols[0]
// first, with no bound on the number of levels.
func tupleKey(buf []byte, cols []*columnar.Column, row int) []byte {
	for _, c := range cols {
		buf = binary.BigEndian.AppendUint32(buf, c.Code(row))
	}
	return buf
}

func (t *Task) columns(names []string) []*columnar.Column {
	cols := make([]*columnar.Column, len(names))
	for i, n := range names {
		cols[i], _ = t.db.Column(n)
	}
	return cols
}

// partition groups items into by-blocks, applies by and generic filters
// and indexes the on and across groups of every remaining block.
func (t *Task) partition() error {
	byCols := t.columns(t.by)
	groups := make(map[string][]int)
	var buf []byte
	for row := 0; row < t.db.Rows(); row++ {
		buf = tupleKey(buf[:0], byCols, row)
		groups[string(buf)] = append(groups[string(buf)], row)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	ix := newIndexer(t)
	var maxIndex uint64
	for _, k := range keys {
		rows := groups[k]
		table := t.db.Attributes.Take(rows)
		sc := sideop.Scope{Table: table, Rep: 0}
		keep, err := t.filters.ByFilter(sc)
		if err != nil {
			return err
		}
		if !keep {
			continue
		}
		local := make([]int, len(rows))
		for i := range local {
			local[i] = i
		}
		kept, err := t.filters.GenericFilter(sc, local)
		if err != nil {
			return err
		}

		values := make([]string, len(byCols))
		for i, c := range byCols {
			values[i] = c.Value(rows[0])
		}
		p := &partition{
			ordinal: len(t.parts),
			key:     strings.Join(values, ","),
			values:  values,
			rows:    rows,
			table:   table,
		}
		ix.index(p, kept)
		if len(kept) > 0 {
			maxIndex = max(maxIndex, uint64(p.maxIndex))
		}
		t.parts = append(t.parts, p)
	}

	var err error
	t.indexType, err = keycodec.FitMinimalType(maxIndex, false)
	return err
}

// indexer computes the block structure of by-blocks.
type indexer struct {
	onCol      *columnar.Column
	acrossCols []*columnar.Column
	multi      bool
}

func newIndexer(t *Task) *indexer {
	onCol, _ := t.db.Column(t.on)
	acrossCols := t.columns(t.across)
	return &indexer{
		onCol:      onCol,
		acrossCols: acrossCols,
		multi:      len(acrossCols) > 1,
	}
}

// index fills the bitmaps of p over the by-local rows kept by generic
// filters.
func (ix *indexer) index(p *partition, kept []int) {
	p.items = roaring.New()
	p.onSets = make(map[uint32]*roaring.Bitmap)
	p.acrossSets = make(map[uint64]*roaring.Bitmap)
	blocks := make(map[string]*block)
	acrossIDs := make(map[string]uint64)

	var colSets []map[uint32]*roaring.Bitmap
	if ix.multi {
		colSets = make([]map[uint32]*roaring.Bitmap, len(ix.acrossCols))
		for i := range colSets {
			colSets[i] = make(map[uint32]*roaring.Bitmap)
		}
	}

	var buf []byte
	for _, local := range kept {
		row := p.rows[local]
		r := uint32(local)
		p.items.Add(r)
		p.maxIndex = max(p.maxIndex, local)

		on := ix.onCol.Code(row)
		addTo(p.onSets, on, r)
		buf = binary.BigEndian.AppendUint32(buf[:0], on)
		buf = tupleKey(buf, ix.acrossCols, row)
		acrossKey, ok := acrossIDs[string(buf[4:])]
		if !ok {
			acrossKey = uint64(len(acrossIDs))
			acrossIDs[string(buf[4:])] = acrossKey
		}
		addTo(p.acrossSets, acrossKey, r)
		for i, c := range colSets {
			addTo(c, ix.acrossCols[i].Code(row), r)
		}

		b, ok := blocks[string(buf)]
		if !ok {
			b = &block{tuple: string(buf), rep: local, on: on, across: acrossKey, rows: roaring.New()}
			blocks[b.tuple] = b
		}
		b.rows.Add(r)
	}

	p.blocks = make([]*block, 0, len(blocks))
	for _, b := range blocks {
		p.blocks = append(p.blocks, b)
	}
	slices.SortFunc(p.blocks, func(a, b *block) int { return strings.Compare(a.tuple, b.tuple) })
	for i, b := range p.blocks {
		b.key = uint64(i)
	}

	if ix.multi {
		p.antiAcross = make(map[uint64]*roaring.Bitmap, len(p.acrossSets))
		for key, set := range p.acrossSets {
			row := p.rows[int(set.Minimum())]
			shared := roaring.New()
			for i, c := range ix.acrossCols {
				shared.Or(colSets[i][c.Code(row)])
			}
			p.antiAcross[key] = roaring.AndNot(p.items, shared)
		}
	}
}

func addTo[K comparable](sets map[K]*roaring.Bitmap, key K, r uint32) {
	s, ok := sets[key]
	if !ok {
		s = roaring.New()
		sets[key] = s
	}
	s.Add(r)
}

// Config returns the task configuration.
func (t *Task) Config() *config.TaskConfig { return t.cfg }

// Database returns the item database, including dummy columns.
func (t *Task) Database() *database.Database { return t.db }

// Regressors returns the regressor set.
func (t *Task) Regressors() *sideop.RegressorSet { return t.regs }

// Stats returns the statistics computed when the task was built.
func (t *Task) Stats() *Stats { return t.stats }

// IndexType returns the type of by-local item indices in triplets.
func (t *Task) IndexType() keycodec.IntType { return t.indexType }

// Bys returns the by keys of the partitions kept by by filters, in order.
func (t *Task) Bys() []string {
	keys := make([]string, len(t.parts))
	for i, p := range t.parts {
		keys[i] = p.key
	}
	return keys
}
