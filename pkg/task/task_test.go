package task

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/database"
	"github.com/ajitpratap0/abxtask/pkg/testutil"
)

func TestNewRejectsBadColumns(t *testing.T) {
	tests := []struct {
		name   string
		on     string
		across []string
		by     []string
	}{
		{"two on columns", "phone talker", nil, nil},
		{"unknown on", "vowel", nil, nil},
		{"unknown across", "phone", []string{"speaker"}, nil},
		{"unknown by", "phone", nil, []string{"context"}},
		{"on reused as by", "phone", nil, []string{"phone"}},
		{"across reused as by", "phone", []string{"talker"}, []string{"talker"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := toyConfig(t)
			cfg.On, cfg.Across, cfg.By = tt.on, tt.across, tt.by
			_, err := Load(cfg, WithLogger(zaptest.NewLogger(t)))
			require.Error(t, err)
			assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeConfiguration), err.Error())
		})
	}
}

func TestLoadMissingDatabase(t *testing.T) {
	cfg := testConfig(t, "/nonexistent/items.item")
	cfg.On = "phone"
	_, err := Load(cfg, WithLogger(zaptest.NewLogger(t)))
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeIO))
}

func TestDummyColumns(t *testing.T) {
	cfg := toyConfig(t)
	cfg.Across = nil
	tk := newTask(t, cfg)
	db := tk.Database()
	assert.True(t, db.Attributes.Has(DummyBy))
	assert.True(t, db.Attributes.Has(DummyAcross))
	c, _ := db.Column(DummyAcross)
	assert.Equal(t, 4, c.Cardinality())
	assert.Equal(t, []string{"0"}, tk.Bys())

	// without across, B is any item with another on value and X any other
	// item with the same on value
	assert.Equal(t, uint64(8), tk.Stats().NbTriplets)
}

func TestStatsToy(t *testing.T) {
	tk := newTask(t, toyConfig(t))
	s := tk.Stats()
	assert.Equal(t, 1, s.NbByLevels)
	assert.Equal(t, 4, s.NbBlocks)
	assert.Equal(t, uint64(4), s.NbTriplets)
	assert.False(t, s.Approximate)
	assert.Nil(t, s.NbLevels)

	require.Len(t, s.By, 1)
	bs := s.By[0]
	assert.Equal(t, "0", bs.By)
	assert.Equal(t, 4, bs.NbItems)
	assert.Equal(t, map[string]int{"on0": 2, "on1": 2}, bs.OnLevels)
	assert.Equal(t, map[string]int{"ac0": 2, "ac1": 2}, bs.AcrossLevels)
	assert.Equal(t, 4, bs.NbOnAcrossLevels)
	assert.Equal(t, 1, bs.OnAcrossLevels["on0,ac1"])
	assert.Equal(t, uint64(4), bs.NbAcrossPairs)
	assert.Equal(t, uint64(4), bs.NbOnPairs)
	assert.Equal(t, []uint64{1, 1, 1, 1}, bs.BlockSizes)
}

func TestStatsByFilter(t *testing.T) {
	cfg := randomConfig(t, 40, 2)
	all := newTask(t, cfg)
	require.Len(t, all.Bys(), 2)

	cfg.Filters = []string{`ctx == "ctx1"`}
	tk := newTask(t, cfg)
	assert.Equal(t, []string{"ctx1"}, tk.Bys())
	assert.False(t, tk.Stats().Approximate, "by filters keep counts exact")
	assert.Equal(t, all.Stats().By[1].NbTriplets, tk.Stats().NbTriplets)
}

func TestApproximateStats(t *testing.T) {
	cfg := randomConfig(t, 40, 4)
	exact := newTask(t, cfg).Stats().NbTriplets

	cfg.Filters = []string{`sex_A != "sex0"`}
	cfg.ApproximateStats = true
	s := newTask(t, cfg).Stats()
	assert.True(t, s.Approximate)
	assert.True(t, s.ApproximateNbTriplets)
	assert.Equal(t, exact, s.NbTriplets, "approximate counts ignore item filters")

	// multi-column across is always counted exactly
	cfg.Across = []string{"talker", "sex"}
	s = newTask(t, cfg).Stats()
	assert.False(t, s.ApproximateNbTriplets)
}

func TestComputeLevels(t *testing.T) {
	tk := newTask(t, toyConfig(t))
	require.NoError(t, tk.ComputeLevels())
	require.NotNil(t, tk.Stats().NbLevels)
	assert.Equal(t, uint64(4), *tk.Stats().NbLevels)

	cfg := toyConfig(t)
	cfg.Filters = []string{`talker_X == "ac0"`}
	err := newTask(t, cfg).ComputeLevels()
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeConfiguration))
}

func TestWriteStats(t *testing.T) {
	tk := newTask(t, toyConfig(t))

	var buf bytes.Buffer
	require.NoError(t, tk.WriteStats(&buf, true))
	var summary map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &summary))
	assert.Equal(t, 4, summary["nb_triplets"])
	assert.NotContains(t, summary, "nb_levels")
	by := summary["by"].([]interface{})[0].(map[string]interface{})
	assert.Contains(t, by, "on_levels")
	assert.Contains(t, by, "block_sizes")

	buf.Reset()
	require.NoError(t, tk.WriteStats(&buf, false))
	var detailed map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &detailed))
	assert.Equal(t, 4, detailed["nb_levels"])
	by = detailed["by"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, 4, by["nb_levels"])
	assert.NotContains(t, by, "on_levels")
}

func TestNewFromDatabase(t *testing.T) {
	cfg := toyConfig(t)
	db, err := database.Load(cfg.Database, database.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	tk, err := New(cfg, db, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	assert.Same(t, cfg, tk.Config())
	assert.False(t, db.Attributes.Has(DummyBy), "the caller's database is not modified")
	assert.Equal(t, []string{"phone_1", "talker_1", "phone_2", "talker_2"}, tk.Regressors().Names())
}

func TestManyByLevels(t *testing.T) {
	// 20 by columns of 10 levels each: 10^20 combinations exceed 64 bits
	const groups, byCols = 10, 20
	header := "#file onset offset #phone talker"
	by := make([]string, byCols)
	for c := range by {
		by[c] = fmt.Sprintf("b%02d", c)
		header += " " + by[c]
	}
	lines := []string{header}
	items := [][2]string{{"on0", "ac0"}, {"on1", "ac0"}, {"on0", "ac1"}, {"on1", "ac1"}}
	for g := 0; g < groups; g++ {
		values := strings.TrimSpace(strings.Repeat(fmt.Sprintf("g%d ", g), byCols))
		for i, it := range items {
			row := 4*g + i
			lines = append(lines, fmt.Sprintf("f %d %d %s %s %s", row, row+1, it[0], it[1], values))
		}
	}
	cfg := testConfig(t, testutil.WriteFile(t, t.TempDir(), "wide.item", lines...))
	cfg.On = "phone"
	cfg.Across = []string{"talker"}
	cfg.By = by

	tk := newTask(t, cfg)
	require.Len(t, tk.Bys(), groups)
	assert.Equal(t, uint64(4*groups), tk.Stats().NbTriplets)
	assert.Equal(t, strings.TrimSuffix(strings.Repeat("g0,", byCols), ","), tk.Bys()[0])

	res := generate(t, tk)
	assert.Equal(t, uint64(4*groups), res.Triplets)
}
