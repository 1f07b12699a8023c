package config_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/compression"
	"github.com/ajitpratap0/abxtask/pkg/config"
)

// ExampleDefault demonstrates the resource defaults of a task.
func ExampleDefault() {
	cfg := config.Default()

	fmt.Printf("Batch Size: %d\n", cfg.Performance.BatchSize)
	fmt.Printf("Compression: %s\n", cfg.Storage.Compression.Algorithm)

	// Output:
	// Batch Size: 65536
	// Compression: snappy
}

// ExampleTaskConfig_OutputPath shows how the artifact path is derived.
func ExampleTaskConfig_OutputPath() {
	cfg := config.Default()
	cfg.Database = "data/corpus.item"
	fmt.Println(cfg.OutputPath())

	// Output:
	// data/corpus.abx
}

func TestLoadTask(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.yaml")
	t.Setenv("ABX_DATA", "/corpus")

	yaml := `
database: ${ABX_DATA}/items.item
on: phone
across: [talker]
by: [context]
filters: ["phone_A != 'a'"]
sample: 0.5
threshold: 3
storage:
  compression:
    algorithm: zstd
    level: 9
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := config.LoadTask(path)
	require.NoError(t, err)
	assert.Equal(t, "/corpus/items.item", cfg.Database)
	assert.Equal(t, []string{"talker"}, cfg.Across)
	assert.Equal(t, uint64(3), cfg.Threshold)
	assert.Equal(t, compression.Zstd, cfg.Storage.Compression.Algorithm)
	assert.Equal(t, 1<<16, cfg.Performance.BufferRows)
	assert.Positive(t, cfg.Performance.SortMemoryMB)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.TaskConfig)
	}{
		{"missing database", func(c *config.TaskConfig) { c.Database = "" }},
		{"two on columns", func(c *config.TaskConfig) { c.On = "phone talker" }},
		{"empty on", func(c *config.TaskConfig) { c.On = "" }},
		{"negative sample", func(c *config.TaskConfig) { c.Sample = -1 }},
		{"zero batch", func(c *config.TaskConfig) { c.Performance.BatchSize = 0 }},
		{"bad compression", func(c *config.TaskConfig) { c.Storage.Compression.Algorithm = "rar" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Database = "items.item"
			cfg.On = "phone"
			require.NoError(t, cfg.Validate())

			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeConfiguration))
		})
	}
}

func TestSampleSize(t *testing.T) {
	cfg := config.Default()

	_, ok := cfg.SampleSize(100)
	assert.False(t, ok)

	cfg.Sample = 0.25
	n, ok := cfg.SampleSize(10)
	assert.True(t, ok)
	assert.Equal(t, uint64(3), n)

	cfg.Sample = 40
	n, _ = cfg.SampleSize(10)
	assert.Equal(t, uint64(10), n)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.yaml")
	cfg := config.Default()
	cfg.Database = "items.item"
	cfg.On = "phone"
	cfg.By = []string{"context"}
	require.NoError(t, config.Save(path, cfg))

	back, err := config.LoadTask(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Database, back.Database)
	assert.Equal(t, cfg.By, back.By)
	assert.Equal(t, cfg.Performance.SortMemoryMB, back.Performance.SortMemoryMB)
	assert.Equal(t, cfg.Storage.Compression, back.Storage.Compression)
}
