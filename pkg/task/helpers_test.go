package task

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/abxtask/pkg/config"
	"github.com/ajitpratap0/abxtask/pkg/database"
	"github.com/ajitpratap0/abxtask/pkg/testutil"
)

type triplet [3]int

func testConfig(t *testing.T, dbPath string) *config.TaskConfig {
	t.Helper()
	cfg := config.Default()
	cfg.Name = t.Name()
	cfg.Database = dbPath
	cfg.Output = filepath.Join(t.TempDir(), "out.abx")
	cfg.Performance.Workers = 2
	cfg.Performance.BatchSize = 7
	cfg.Performance.BufferRows = 16
	cfg.Performance.SortMemoryMB = 1
	cfg.Storage.TempDir = t.TempDir()
	cfg.Seed = 42
	return cfg
}

func toyConfig(t *testing.T) *config.TaskConfig {
	cfg := testConfig(t, testutil.ToyItems(t, t.TempDir()))
	cfg.On = "phone"
	cfg.Across = []string{"talker"}
	return cfg
}

func randomConfig(t *testing.T, items int, seed uint64) *config.TaskConfig {
	path := testutil.RandomItems(t, t.TempDir(), "random.item", testutil.ItemSpec{
		Items:   items,
		Columns: map[string]int{"phone": 3, "talker": 3, "ctx": 2, "sex": 2},
		Seed:    seed,
	})
	cfg := testConfig(t, path)
	cfg.On = "phone"
	cfg.Across = []string{"talker"}
	cfg.By = []string{"ctx"}
	return cfg
}

func newTask(t *testing.T, cfg *config.TaskConfig) *Task {
	t.Helper()
	tk, err := Load(cfg, WithLogger(testutil.TestLogger(t)))
	require.NoError(t, err)
	return tk
}

func generate(t *testing.T, tk *Task) *Result {
	t.Helper()
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	res, err := tk.Generate(ctx)
	require.NoError(t, err)
	return res
}

// artifactTriplets reads every triplet of an artifact as database rows,
// in storage order.
func artifactTriplets(t *testing.T, dir string) []triplet {
	t.Helper()
	a, err := OpenArtifact(dir)
	require.NoError(t, err)
	defer a.Close()
	var out []triplet
	for i := range a.Bys {
		items, err := a.Items(i)
		require.NoError(t, err)
		r, err := a.Triplets(i)
		require.NoError(t, err)
		flat, err := r.ReadAll()
		require.NoError(t, err)
		require.NoError(t, r.Close())
		for k := 0; k < len(flat); k += 3 {
			out = append(out, triplet{int(items[flat[k]]), int(items[flat[k+1]]), int(items[flat[k+2]])})
		}
	}
	return out
}

// bruteForce lists the triplets of db by testing every combination of
// items. keep, when set, further restricts the triplets.
func bruteForce(t *testing.T, db *database.Database, on string, across, by []string,
	keep func(a, b, x int) bool) map[triplet]bool {
	t.Helper()
	value := func(col string, row int) string {
		c, ok := db.Column(col)
		require.True(t, ok, col)
		return c.Value(row)
	}
	same := func(cols []string, i, j int) bool {
		for _, c := range cols {
			if value(c, i) != value(c, j) {
				return false
			}
		}
		return true
	}
	differ := func(cols []string, i, j int) bool {
		for _, c := range cols {
			if value(c, i) == value(c, j) {
				return false
			}
		}
		return true
	}
	out := make(map[triplet]bool)
	n := db.Rows()
	for a := 0; a < n; a++ {
		for b := 0; b < n; b++ {
			for x := 0; x < n; x++ {
				if a == b || a == x || b == x {
					continue
				}
				if !same(by, a, b) || !same(by, a, x) {
					continue
				}
				if value(on, a) != value(on, x) || value(on, a) == value(on, b) {
					continue
				}
				if len(across) > 0 && (!same(across, a, b) || !differ(across, a, x)) {
					continue
				}
				if keep != nil && !keep(a, b, x) {
					continue
				}
				out[triplet{a, b, x}] = true
			}
		}
	}
	return out
}

func asSet(t *testing.T, ts []triplet) map[triplet]bool {
	t.Helper()
	out := make(map[triplet]bool, len(ts))
	for _, tr := range ts {
		require.False(t, out[tr], "duplicate triplet %v", tr)
		out[tr] = true
	}
	return out
}
