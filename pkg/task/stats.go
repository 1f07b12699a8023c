package task

import (
	"context"
	"io"
	"math/bits"
	"strings"

	"github.com/RoaringBitmap/roaring"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/sideop"
)

// Summary holds the task-wide statistics.
type Summary struct {
	NbByLevels int    `yaml:"nb_by_levels"`
	NbBlocks   int    `yaml:"nb_blocks"`
	NbTriplets uint64 `yaml:"nb_triplets"`
	// Approximate is set when A, B, X or ABX filters make the level and
	// pair counts upper bounds.
	Approximate bool `yaml:"approximate"`
	// ApproximateNbTriplets is set when NbTriplets is an upper bound.
	ApproximateNbTriplets bool `yaml:"approximate_nb_triplets"`
	// NbLevels is only known after ComputeLevels.
	NbLevels *uint64 `yaml:"nb_levels,omitempty"`
}

// Stats summarises the triplets of a task.
type Stats struct {
	Summary `yaml:",inline"`
	By      []*ByStats `yaml:"by"`
}

// ByStats describes one by-block.
type ByStats struct {
	By               string         `yaml:"by"`
	NbItems          int            `yaml:"nb_items"`
	OnLevels         map[string]int `yaml:"on_levels,omitempty"`
	NbOnLevels       int            `yaml:"nb_on_levels"`
	AcrossLevels     map[string]int `yaml:"across_levels,omitempty"`
	NbAcrossLevels   int            `yaml:"nb_across_levels"`
	OnAcrossLevels   map[string]int `yaml:"on_across_levels,omitempty"`
	NbOnAcrossLevels int            `yaml:"nb_on_across_levels"`
	NbTriplets       uint64         `yaml:"nb_triplets"`
	NbAcrossPairs    uint64         `yaml:"nb_across_pairs"`
	NbOnPairs        uint64         `yaml:"nb_on_pairs"`
	NbLevels         *uint64        `yaml:"nb_levels,omitempty"`
	// BlockSizes holds the triplet count of every on-across block, in
	// generation order.
	BlockSizes []uint64 `yaml:"block_sizes,omitempty,flow"`
}

func (t *Task) hasItemFilters() bool {
	for _, s := range []sideop.Stage{sideop.StageA, sideop.StageB, sideop.StageX, sideop.StageABX} {
		if t.filters.Has(s) {
			return true
		}
	}
	return false
}

// computeStats counts levels, pairs and triplets of every partition, in
// parallel.
func (t *Task) computeStats(ctx context.Context) (*Stats, error) {
	filtered := t.hasItemFilters()
	exact := (filtered || t.multiAcross()) && !(t.cfg.ApproximateStats && !t.multiAcross())
	s := &Stats{
		Summary: Summary{
			NbByLevels:            len(t.parts),
			Approximate:           filtered,
			ApproximateNbTriplets: filtered && !exact,
		},
		By: make([]*ByStats, len(t.parts)),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Performance.GetWorkers())
	for i, p := range t.parts {
		g.Go(func() error {
			bs, err := t.partitionStats(ctx, p, exact)
			if err != nil {
				return err
			}
			s.By[i] = bs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, bs := range s.By {
		s.NbBlocks += bs.NbOnAcrossLevels
		n, carry := bits.Add64(s.NbTriplets, bs.NbTriplets, 0)
		if carry != 0 {
			return nil, abxerrors.Capacity("task has more than 2^64 triplets")
		}
		s.NbTriplets = n
	}
	return s, nil
}

func (t *Task) partitionStats(ctx context.Context, p *partition, exact bool) (*ByStats, error) {
	bs := &ByStats{
		By:             p.key,
		NbItems:        int(p.items.GetCardinality()),
		OnLevels:       make(map[string]int, len(p.onSets)),
		AcrossLevels:   make(map[string]int, len(p.acrossSets)),
		OnAcrossLevels: make(map[string]int, len(p.blocks)),
		BlockSizes:     make([]uint64, len(p.blocks)),
	}
	for _, set := range p.onSets {
		bs.OnLevels[t.onValue(p, int(set.Minimum()))] = int(set.GetCardinality())
	}
	for _, set := range p.acrossSets {
		bs.AcrossLevels[t.acrossValue(p, int(set.Minimum()))] = int(set.GetCardinality())
	}
	for _, b := range p.blocks {
		bs.OnAcrossLevels[t.onValue(p, b.rep)+","+t.acrossValue(p, b.rep)] = int(b.rows.GetCardinality())
	}
	bs.NbOnLevels = len(bs.OnLevels)
	bs.NbAcrossLevels = len(bs.AcrossLevels)
	bs.NbOnAcrossLevels = len(bs.OnAcrossLevels)

	for i, b := range p.blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		keep, err := t.filters.OnAcrossByFilter(sideop.Scope{Table: p.table, Rep: b.rep})
		if err != nil {
			return nil, err
		}
		if !keep {
			continue
		}
		nA := b.rows.GetCardinality()
		nOn := p.onSets[b.on].GetCardinality()
		var nB uint64
		if t.noAcross() {
			nB = uint64(bs.NbItems) - nOn
		} else {
			nB = p.acrossSets[b.across].GetCardinality() - nA
		}
		nX := nOn - nA
		bs.NbAcrossPairs += nA * nB
		bs.NbOnPairs += nA * nX

		var size uint64
		if exact {
			c, err := t.candidates(p, b)
			if err != nil {
				return nil, err
			}
			if c != nil {
				if size, err = t.countFiltered(c); err != nil {
					return nil, err
				}
			}
		} else if size, err = product(nA, nB, nX); err != nil {
			return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeCapacity, "by block "+p.key)
		}
		bs.BlockSizes[i] = size
		n, carry := bits.Add64(bs.NbTriplets, size, 0)
		if carry != 0 {
			return nil, abxerrors.Capacity("by block %q has more than 2^64 triplets", p.key)
		}
		bs.NbTriplets = n
	}
	return bs, nil
}

func (t *Task) onValue(p *partition, local int) string {
	c, _ := p.table.Column(t.on)
	return c.Value(local)
}

func (t *Task) acrossValue(p *partition, local int) string {
	values := make([]string, len(t.across))
	for i, name := range t.across {
		c, _ := p.table.Column(name)
		values[i] = c.Value(local)
	}
	return strings.Join(values, ",")
}

// ComputeLevels counts, for every by-block, the pairs of on-across levels
// of B and X candidates, summed over blocks. It cannot be computed in the
// presence of A, B, X or ABX filters.
func (t *Task) ComputeLevels() error {
	if t.hasItemFilters() {
		return abxerrors.Configuration("nb_levels cannot be computed in the presence of A, B, X or ABX filters")
	}
	var total uint64
	for i, p := range t.parts {
		blockOf := make(map[uint32]uint64, p.items.GetCardinality())
		for _, b := range p.blocks {
			it := b.rows.Iterator()
			for it.HasNext() {
				blockOf[it.Next()] = b.key
			}
		}
		levels := func(set *roaring.Bitmap) uint64 {
			seen := make(map[uint64]bool)
			it := set.Iterator()
			for it.HasNext() {
				seen[blockOf[it.Next()]] = true
			}
			return uint64(len(seen))
		}

		var n uint64
		for _, b := range p.blocks {
			keep, err := t.filters.OnAcrossByFilter(sideop.Scope{Table: p.table, Rep: b.rep})
			if err != nil {
				return err
			}
			if !keep {
				continue
			}
			_, sb, sx := t.sets(p, b)
			if sb.IsEmpty() || sx.IsEmpty() {
				continue
			}
			n += levels(sb) * levels(sx)
		}
		t.stats.By[i].NbLevels = &n
		total += n
	}
	t.stats.NbLevels = &total
	return nil
}

// WriteStats writes the statistics as YAML. The summary lists global
// statistics and every by-block in full; the detailed form computes
// nb_levels when possible and lists the counts of every by-block.
func (t *Task) WriteStats(w io.Writer, summarized bool) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	if summarized {
		return encodeStats(enc, t.stats)
	}

	if err := t.ComputeLevels(); err != nil {
		t.logger.Warn("filters not fully supported, nb_levels per by block will not be computed",
			zap.Error(err))
	}
	type byCounts struct {
		By               string  `yaml:"by"`
		NbTriplets       uint64  `yaml:"nb_triplets"`
		NbLevels         *uint64 `yaml:"nb_levels,omitempty"`
		NbAcrossPairs    uint64  `yaml:"nb_across_pairs"`
		NbOnPairs        uint64  `yaml:"nb_on_pairs"`
		NbOnLevels       int     `yaml:"nb_on_levels"`
		NbAcrossLevels   int     `yaml:"nb_across_levels"`
		NbOnAcrossLevels int     `yaml:"nb_on_across_levels"`
	}
	out := struct {
		Summary `yaml:",inline"`
		By      []byCounts `yaml:"by"`
	}{Summary: t.stats.Summary}
	for _, bs := range t.stats.By {
		out.By = append(out.By, byCounts{
			By:               bs.By,
			NbTriplets:       bs.NbTriplets,
			NbLevels:         bs.NbLevels,
			NbAcrossPairs:    bs.NbAcrossPairs,
			NbOnPairs:        bs.NbOnPairs,
			NbOnLevels:       bs.NbOnLevels,
			NbAcrossLevels:   bs.NbAcrossLevels,
			NbOnAcrossLevels: bs.NbOnAcrossLevels,
		})
	}
	return encodeStats(enc, out)
}

func encodeStats(enc *yaml.Encoder, v interface{}) error {
	if err := enc.Encode(v); err != nil {
		return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to write statistics")
	}
	return nil
}
