package config

import (
	"math"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/compression"
)

// DefaultSortMemoryMB is the sort budget used when available memory cannot
// be determined.
const DefaultSortMemoryMB = 1000

// TaskConfig describes one ABX task: the item database, the grouping
// columns, side operations, sampling and the resources used to generate
// the artifact.
type TaskConfig struct {
	// Name identifies the task in logs and metrics
	Name string `yaml:"name" json:"name"`
	// Database is the path of the item file
	Database string `yaml:"database" json:"database"`
	// Output is the artifact directory; defaults to <database base>.abx
	Output string `yaml:"output" json:"output"`
	// Overwrite allows replacing an existing artifact
	Overwrite bool `yaml:"overwrite" json:"overwrite"`

	// On is the single column shared by A and X
	On string `yaml:"on" json:"on"`
	// Across lists the columns shared by A and B
	Across []string `yaml:"across" json:"across"`
	// By lists the columns shared by A, B and X
	By []string `yaml:"by" json:"by"`

	// Filters are expressions or column names that must hold for a triplet
	Filters []string `yaml:"filters" json:"filters"`
	// Regressors are expressions or column names recorded per triplet
	Regressors []string `yaml:"regressors" json:"regressors"`
	// LookupTables are lookup files callable by name from expressions
	LookupTables []string `yaml:"lookup_tables" json:"lookup_tables"`

	// Sample is a proportion of triplets when below 1, an absolute
	// count otherwise; 0 disables sampling
	Sample float64 `yaml:"sample" json:"sample"`
	// Threshold caps the triplets kept per regressor group; 0 disables it
	Threshold uint64 `yaml:"threshold" json:"threshold"`
	// Seed drives every random draw of the task
	Seed uint64 `yaml:"seed" json:"seed"`
	// ApproximateStats skips exact triplet counting when A, B, X or ABX
	// filters exist
	ApproximateStats bool `yaml:"approximate_stats" json:"approximate_stats"`

	Performance   PerformanceConfig   `yaml:"performance" json:"performance"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// PerformanceConfig controls parallelism and memory use.
type PerformanceConfig struct {
	// Workers bounds the number of by-partitions generated concurrently
	Workers int `yaml:"workers" json:"workers"`
	// BatchSize is the number of cross-product indexes enumerated at once
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// BufferRows is the number of rows buffered by store writers and readers
	BufferRows int `yaml:"buffer_rows" json:"buffer_rows"`
	// SortMemoryMB is the memory available to external sorts
	SortMemoryMB int `yaml:"sort_memory_mb" json:"sort_memory_mb"`
}

// StorageConfig controls the on-disk column store.
type StorageConfig struct {
	Compression compression.Config `yaml:"compression" json:"compression"`
	// TempDir holds transient sort chunks; defaults to the system temp dir
	TempDir string `yaml:"temp_dir" json:"temp_dir"`
}

// ObservabilityConfig controls logging, tracing and metrics output.
type ObservabilityConfig struct {
	LogLevel      string `yaml:"log_level" json:"log_level"`
	LogEncoding   string `yaml:"log_encoding" json:"log_encoding"`
	EnableTracing bool   `yaml:"enable_tracing" json:"enable_tracing"`
	// MetricsFile receives the prometheus text exposition after a run
	MetricsFile string `yaml:"metrics_file" json:"metrics_file"`
}

// Default returns a task configuration with every resource setting filled.
func Default() *TaskConfig {
	return &TaskConfig{
		Name: "abx",
		Performance: PerformanceConfig{
			Workers:      runtime.NumCPU(),
			BatchSize:    1 << 16,
			BufferRows:   1 << 16,
			SortMemoryMB: AvailableSortMemoryMB(),
		},
		Storage: StorageConfig{
			Compression: *compression.DefaultConfig(),
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogEncoding: "console",
		},
	}
}

// AvailableSortMemoryMB returns the smaller of DefaultSortMemoryMB and half
// of the currently available memory.
func AvailableSortMemoryMB() int {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Available == 0 {
		return DefaultSortMemoryMB
	}
	half := vm.Available / 2 / (1 << 20)
	if half < 16 {
		return 16
	}
	if half > DefaultSortMemoryMB {
		return DefaultSortMemoryMB
	}
	return int(half)
}

// SortBudgetBytes returns the sort memory in bytes.
func (p *PerformanceConfig) SortBudgetBytes() int64 {
	return int64(p.SortMemoryMB) << 20
}

// GetWorkers returns the number of workers, ensuring it's at least 1
func (p *PerformanceConfig) GetWorkers() int {
	if p.Workers <= 0 {
		return runtime.NumCPU()
	}
	return p.Workers
}

// OutputPath returns the artifact path, deriving it from the database path
// when unset.
func (c *TaskConfig) OutputPath() string {
	if c.Output != "" {
		return c.Output
	}
	base := c.Database
	if i := strings.LastIndex(base, "."); i > strings.LastIndex(base, "/") {
		base = base[:i]
	}
	return base + ".abx"
}

// SampleSize converts Sample into an absolute count for a population of
// total triplets. ok is false when sampling is disabled.
func (c *TaskConfig) SampleSize(total uint64) (size uint64, ok bool) {
	switch {
	case c.Sample <= 0:
		return 0, false
	case c.Sample < 1:
		return uint64(math.Round(c.Sample * float64(total))), true
	default:
		n := uint64(c.Sample)
		if n > total {
			n = total
		}
		return n, true
	}
}

// Validate checks required fields and value ranges.
func (c *TaskConfig) Validate() error {
	if c.Database == "" {
		return abxerrors.Configuration("database is required")
	}
	if len(strings.Fields(c.On)) != 1 {
		return abxerrors.Configuration("on must name a single column, got %q", c.On).
			WithDetail("on", c.On)
	}
	if c.Sample < 0 || math.IsNaN(c.Sample) {
		return abxerrors.Configuration("sample must be non-negative")
	}
	if c.Performance.BatchSize <= 0 {
		return abxerrors.Configuration("batch_size must be positive")
	}
	if c.Performance.BufferRows <= 0 {
		return abxerrors.Configuration("buffer_rows must be positive")
	}
	if c.Performance.SortMemoryMB <= 0 {
		return abxerrors.Configuration("sort_memory_mb must be positive")
	}
	if c.Performance.Workers < 0 {
		return abxerrors.Configuration("workers cannot be negative")
	}
	if _, err := compression.ParseAlgorithm(string(c.Storage.Compression.Algorithm)); err != nil {
		return abxerrors.Wrap(err, abxerrors.ErrorTypeConfiguration, "invalid storage compression")
	}
	return nil
}
