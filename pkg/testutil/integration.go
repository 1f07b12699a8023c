package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// IntegrationTestSuite provides a context and a scratch directory shared by
// the tests of a suite.
type IntegrationTestSuite struct {
	suite.Suite
	ctx       context.Context
	cancel    context.CancelFunc
	tempDir   string
	startTime time.Time
}

// SetupSuite runs before all tests in the suite
func (s *IntegrationTestSuite) SetupSuite() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 5*time.Minute)
	s.startTime = time.Now()

	tempDir, err := os.MkdirTemp("", "abxtask-test-*")
	require.NoError(s.T(), err)
	s.tempDir = tempDir
}

// TearDownSuite runs after all tests in the suite
func (s *IntegrationTestSuite) TearDownSuite() {
	s.cancel()
	if s.tempDir != "" {
		os.RemoveAll(s.tempDir)
	}
	s.T().Logf("integration suite completed in %v", time.Since(s.startTime))
}

// Context returns the suite context
func (s *IntegrationTestSuite) Context() context.Context {
	return s.ctx
}

// TempDir returns the suite scratch directory
func (s *IntegrationTestSuite) TempDir() string {
	return s.tempDir
}

// Path returns a path inside the scratch directory.
func (s *IntegrationTestSuite) Path(name string) string {
	return filepath.Join(s.tempDir, name)
}

// IntegrationTest skips the calling test in short mode.
func IntegrationTest(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// PerformanceTest checks the throughput and memory of a generation run.
type PerformanceTest struct {
	t         *testing.T
	name      string
	threshold struct {
		minThroughput float64 // triplets/sec
		maxMemory     int64   // bytes
	}
}

// NewPerformanceTest creates a new performance test
func NewPerformanceTest(t *testing.T, name string) *PerformanceTest {
	return &PerformanceTest{t: t, name: name}
}

// WithThroughputTarget sets the minimum number of triplets per second.
func (p *PerformanceTest) WithThroughputTarget(tripletsPerSec float64) *PerformanceTest {
	p.threshold.minThroughput = tripletsPerSec
	return p
}

// WithMemoryTarget sets the maximum heap growth.
func (p *PerformanceTest) WithMemoryTarget(maxBytes int64) *PerformanceTest {
	p.threshold.maxMemory = maxBytes
	return p
}

// Run executes fn and checks the targets against the triplets it reports.
func (p *PerformanceTest) Run(fn func() (triplets uint64, duration time.Duration)) {
	p.t.Helper()
	initial := CaptureMemoryProfile()
	triplets, duration := fn()
	final := CaptureMemoryProfile()

	throughput := float64(triplets) / max(duration.Seconds(), 1e-9)
	memoryUsed := int64(final.HeapAlloc) - int64(initial.HeapAlloc)

	p.t.Logf("%s: %d triplets in %v (%.0f/sec, heap %s)",
		p.name, triplets, duration, throughput, formatBytes(memoryUsed))

	if p.threshold.minThroughput > 0 && throughput < p.threshold.minThroughput {
		p.t.Errorf("throughput %.0f triplets/sec below target %.0f", throughput, p.threshold.minThroughput)
	}
	if p.threshold.maxMemory > 0 && memoryUsed > p.threshold.maxMemory {
		p.t.Errorf("heap growth %s exceeds target %s", formatBytes(memoryUsed), formatBytes(p.threshold.maxMemory))
	}
}

// MemoryProfile captures memory statistics
type MemoryProfile struct {
	HeapAlloc  uint64
	TotalAlloc uint64
	Sys        uint64
}

// CaptureMemoryProfile captures current memory profile
func CaptureMemoryProfile() *MemoryProfile {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return &MemoryProfile{HeapAlloc: m.HeapAlloc, TotalAlloc: m.TotalAlloc, Sys: m.Sys}
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < 0 {
		return "-" + formatBytes(-bytes)
	}
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
