package task

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/colstore"
	"github.com/ajitpratap0/abxtask/pkg/config"
	"github.com/ajitpratap0/abxtask/pkg/keycodec"
	"github.com/ajitpratap0/abxtask/pkg/observability"
	"github.com/ajitpratap0/abxtask/pkg/sampling"
	"github.com/ajitpratap0/abxtask/pkg/testutil"
)

func TestGenerateToy(t *testing.T) {
	cfg := toyConfig(t)
	tk := newTask(t, cfg)
	assert.Equal(t, uint64(4), tk.Stats().NbTriplets)
	assert.Equal(t, keycodec.Uint8, tk.IndexType())

	res := generate(t, tk)
	assert.Equal(t, cfg.Output, res.Path)
	assert.Equal(t, uint64(4), res.Triplets)
	assert.Equal(t, uint64(8), res.UniquePairs)
	assert.Equal(t, 1, res.Bys)

	assert.Equal(t, []triplet{{0, 1, 2}, {2, 3, 0}, {1, 0, 3}, {3, 2, 1}}, artifactTriplets(t, res.Path))

	a, err := OpenArtifact(res.Path)
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, []string{"0"}, a.Bys)
	assert.Equal(t, [][2]uint64{{0, 4}}, a.ByRanges)
	assert.Equal(t, "phone", a.Meta.On)
	assert.Equal(t, []string{"#by"}, a.Meta.By)
	assert.Equal(t, uint64(42), a.Meta.Seed)
	assert.Equal(t, []string{"phone_1", "talker_1", "phone_2", "talker_2"}, a.Regressors)
	assert.Equal(t, []string{"on0", "on1"}, a.Indexes["phone_2"])

	pairs, err := a.UniquePairs(0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3, 6, 7, 8, 9, 12, 13}, pairs)
	assert.Equal(t, PairRange{Base: 4, Start: 0, End: 8}, a.Pairs["0"])

	// one block per item, one triplet per block
	r, err := a.Store().Open(BlockIndex)
	require.NoError(t, err)
	blocks, err := r.ReadAll()
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, []uint64{0, 1, 1, 2, 2, 3, 3, 4}, blocks)
	assert.False(t, a.Store().Has(GroupIndex))

	// phone_2 is the on value of B, talker_2 the across value of X
	readReg := func(name string) []uint64 {
		r, err := a.Regressor(0, name)
		require.NoError(t, err)
		defer r.Close()
		v, err := r.ReadAll()
		require.NoError(t, err)
		return v
	}
	assert.Equal(t, []uint64{1, 1, 0, 0}, readReg("phone_2"))
	assert.Equal(t, []uint64{1, 0, 1, 0}, readReg("talker_2"))
	assert.Equal(t, []uint64{0, 0, 1, 1}, readReg("phone_1"))

	items, err := a.Items(0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1, 2, 3}, items)
}

func TestGenerateMatchesBruteForce(t *testing.T) {
	tests := []struct {
		name   string
		across []string
		by     []string
	}{
		{"single across", []string{"talker"}, []string{"ctx"}},
		{"multi across", []string{"talker", "sex"}, []string{"ctx"}},
		{"no across", nil, []string{"ctx"}},
		{"no by", []string{"talker"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := randomConfig(t, 40, 7)
			cfg.Across = tt.across
			cfg.By = tt.by
			tk := newTask(t, cfg)
			want := bruteForce(t, tk.Database(), "phone", tt.across, tt.by, nil)
			require.Equal(t, uint64(len(want)), tk.Stats().NbTriplets)

			res := generate(t, tk)
			got := asSet(t, artifactTriplets(t, res.Path))
			assert.Equal(t, want, got)
		})
	}
}

func TestGenerateFilters(t *testing.T) {
	cfg := randomConfig(t, 40, 11)
	cfg.Filters = []string{`phone_A != "phone0"`, `sex_B == sex_X`}
	tk := newTask(t, cfg)
	assert.True(t, tk.Stats().Approximate)
	assert.False(t, tk.Stats().ApproximateNbTriplets)

	db := tk.Database()
	phone, _ := db.Column("phone")
	sex, _ := db.Column("sex")
	want := bruteForce(t, db, "phone", cfg.Across, cfg.By, func(a, b, x int) bool {
		return phone.Value(a) != "phone0" && sex.Value(b) == sex.Value(x)
	})
	assert.Equal(t, uint64(len(want)), tk.Stats().NbTriplets)

	res := generate(t, tk)
	assert.Equal(t, want, asSet(t, artifactTriplets(t, res.Path)))
}

func TestGenerateSampling(t *testing.T) {
	run := func(t *testing.T, workers int) []triplet {
		cfg := randomConfig(t, 40, 3)
		cfg.Sample = 25
		cfg.Performance.Workers = workers
		tk := newTask(t, cfg)
		res := generate(t, tk)
		assert.Equal(t, uint64(25), res.Triplets)
		return artifactTriplets(t, res.Path)
	}
	got := run(t, 1)
	all := func() map[triplet]bool {
		cfg := randomConfig(t, 40, 3)
		tk := newTask(t, cfg)
		return bruteForce(t, tk.Database(), "phone", cfg.Across, cfg.By, nil)
	}()
	for tr := range asSet(t, got) {
		assert.True(t, all[tr], "sampled triplet %v is not a triplet of the task", tr)
	}
	assert.Equal(t, got, run(t, 4), "sampling depends on the seed only")
}

func TestGenerateSamplingProportion(t *testing.T) {
	cfg := randomConfig(t, 30, 5)
	cfg.Filters = []string{`sex_A != sex_X`}
	cfg.Sample = 0.5
	tk := newTask(t, cfg)
	total := tk.Stats().NbTriplets
	require.NotZero(t, total)
	k, _ := cfg.SampleSize(total)
	res := generate(t, tk)
	assert.Equal(t, k, res.Triplets)
}

func TestGenerateSamplingApproximateFails(t *testing.T) {
	cfg := randomConfig(t, 30, 5)
	cfg.Filters = []string{`sex_A != "sex0"`}
	cfg.ApproximateStats = true
	cfg.Sample = 10
	tk := newTask(t, cfg)
	require.True(t, tk.Stats().ApproximateNbTriplets)

	_, err := tk.Generate(context.Background())
	require.Error(t, err)
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeSampling))
	_, statErr := os.Stat(cfg.Output)
	assert.True(t, os.IsNotExist(statErr))
}

func TestGeneratePartitionErrorsAreReturned(t *testing.T) {
	toy := toyConfig(t)
	toy.Regressors = []string{"num(phone_A)"}
	random := randomConfig(t, 40, 3)
	random.Performance.Workers = 4
	random.Regressors = []string{"num(sex_X) + 1"}

	for name, cfg := range map[string]*config.TaskConfig{"toy": toy, "random": random} {
		t.Run(name, func(t *testing.T) {
			tk := newTask(t, cfg)
			require.NotZero(t, tk.Stats().NbTriplets)
			var err error
			require.NotPanics(t, func() { _, err = tk.Generate(context.Background()) })
			require.Error(t, err)
			assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeData), "%v", err)
			_, statErr := os.Stat(cfg.Output)
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestGenerateThreshold(t *testing.T) {
	cfg := randomConfig(t, 60, 9)
	cfg.Threshold = 1
	tk := newTask(t, cfg)
	res := generate(t, tk)
	require.NotZero(t, res.Triplets)
	assert.Less(t, res.Triplets, tk.Stats().NbTriplets)

	a, err := OpenArtifact(res.Path)
	require.NoError(t, err)
	defer a.Close()
	readAll := func(name string, opts ...colstore.ReaderOption) []uint64 {
		r, err := a.Store().Open(name, opts...)
		require.NoError(t, err)
		defer r.Close()
		v, err := r.ReadAll()
		require.NoError(t, err)
		return v
	}
	groups := readAll(GroupIndex)
	blocks := readAll(BlockIndex)
	for i := 0; i < len(groups); i += 2 {
		assert.Equal(t, uint64(1), groups[i+1]-groups[i], "group %d exceeds the threshold", i/2)
	}
	assert.Equal(t, res.Triplets, groups[len(groups)-1])

	// within a block every (phone_2, talker_2) combination appears once
	for i := range a.Bys {
		phones := readAll(RegressorDataset(i, "phone_2"))
		talkers := readAll(RegressorDataset(i, "talker_2"))
		base := a.ByRanges[i][0]
		for k := 0; k < len(blocks); k += 2 {
			lo, hi := blocks[k], blocks[k+1]
			if lo < base || hi > a.ByRanges[i][1] {
				continue
			}
			seen := make(map[[2]uint64]bool)
			for r := lo - base; r < hi-base; r++ {
				key := [2]uint64{phones[r], talkers[r]}
				assert.False(t, seen[key], "block [%d,%d) repeats %v", lo, hi, key)
				seen[key] = true
			}
		}
	}
}

func TestGenerateEmptyTask(t *testing.T) {
	cfg := testConfig(t, testutil.WriteFile(t, t.TempDir(), "single.item",
		"#file onset offset #phone talker",
		"f 0 1 on0 ac0",
		"f 1 2 on1 ac0",
		"f 2 3 on0 ac0",
	))
	cfg.On = "phone"
	cfg.Across = []string{"talker"}
	tk := newTask(t, cfg)
	assert.Zero(t, tk.Stats().NbTriplets)

	res := generate(t, tk)
	assert.Empty(t, res.Path)
	_, err := os.Stat(cfg.Output)
	assert.True(t, os.IsNotExist(err))
}

func TestGenerateOverwrite(t *testing.T) {
	cfg := toyConfig(t)
	tk := newTask(t, cfg)
	generate(t, tk)

	_, err := tk.Generate(context.Background())
	require.Error(t, err)
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeIO))

	cfg.Overwrite = true
	res := generate(t, tk)
	assert.Equal(t, uint64(4), res.Triplets)
	assert.Len(t, artifactTriplets(t, res.Path), 4)

	entries, err := os.ReadDir(filepath.Dir(cfg.Output))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "staging directories are removed")
}

func TestGenerateCancelled(t *testing.T) {
	cfg := randomConfig(t, 40, 1)
	tk := newTask(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tk.Generate(ctx)
	require.Error(t, err)
	_, statErr := os.Stat(cfg.Output)
	assert.True(t, os.IsNotExist(statErr))
}

func TestUniqueSortedIsIdempotent(t *testing.T) {
	store, err := colstore.Create(t.TempDir())
	require.NoError(t, err)
	w, err := store.Create("keys", colstore.Uint16, 1)
	require.NoError(t, err)
	require.NoError(t, w.Write([]uint64{1, 1, 2, 5, 5, 5, 9, 9, 12}))
	require.NoError(t, w.Close())

	dedup := func(in, out string) uint64 {
		w, err := store.Create(out, colstore.Uint16, 1)
		require.NoError(t, err)
		n, err := uniqueSorted(store, in, w, 2)
		require.NoError(t, err)
		require.NoError(t, w.Close())
		return n
	}
	assert.Equal(t, uint64(5), dedup("keys", "once"))
	assert.Equal(t, uint64(5), dedup("once", "twice"))

	r, err := store.Open("twice")
	require.NoError(t, err)
	defer r.Close()
	got, err := r.ReadAll()
	require.NoError(t, err)
	assert.True(t, slices.IsSorted(got))
	assert.Equal(t, []uint64{1, 2, 5, 9, 12}, got)
}

func TestGenerateRecordsInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	ti, err := observability.NewTaskInstruments(mp.Meter(observability.MeterName))
	require.NoError(t, err)

	cfg := randomConfig(t, 40, 3)
	tk, err := Load(cfg, WithLogger(testutil.TestLogger(t)), WithInstruments(ti))
	require.NoError(t, err)
	res := generate(t, tk)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if s, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(res.Triplets), sums["abx.triplets"])
	assert.Equal(t, int64(len(tk.parts)), sums["abx.partitions"])
}

func TestSampleStep(t *testing.T) {
	newSampler := func(n, k uint64) *sampling.Sampler {
		s, err := sampling.New(n, k, sampling.PartitionRand(1, 0))
		require.NoError(t, err)
		return s
	}
	tests := []struct {
		name         string
		n, k        uint64
		batch, rest uint64
		want        uint64
	}{
		{"sparse", 1000, 10, 4, 1000, 400},
		{"dense", 100, 100, 8, 100, 8},
		{"past the end", 1000, 1, 4, 1000, 1000},
		{"nothing left to keep", 1000, 0, 4, 1000, 1000},
		{"short tail", 100, 100, 8, 5, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sampleStep(newSampler(tt.n, tt.k), tt.batch, tt.rest))
		})
	}
}
