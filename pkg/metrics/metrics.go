// Package metrics tracks task generation, storage and sorting with
// Prometheus metrics.
//
// # Overview
//
// Every Collector owns a private registry so that several tasks (or tests)
// can run in one process without duplicate registration. The CLI writes
// the registry to a text file after a run.
//
// # Basic Usage
//
//	collector := metrics.NewCollector("corpus")
//	collector.TripletsEmitted(len(batch) / 3)
//
//	timer := metrics.NewTimer("sort")
//	sortChunks()
//	collector.ObserveSort(timer.Stop(), nChunks, nRows)
//
//	_ = collector.WriteTextfile("abx.prom")
//
// All recording methods are safe to call on a nil *Collector, which makes
// metrics optional for every component.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector records the metrics of one task.
type Collector struct {
	name      string
	registry  *prometheus.Registry
	startTime time.Time

	triplets          *prometheus.CounterVec
	partitions        *prometheus.CounterVec
	partitionDuration prometheus.Histogram
	uniquePairs       prometheus.Counter
	framesWritten     *prometheus.CounterVec
	bytesWritten      *prometheus.CounterVec
	sortChunks        prometheus.Counter
	sortRows          prometheus.Counter
	sortDuration      prometheus.Histogram
	throughput        prometheus.Gauge
}

// NewCollector creates a collector labelled with the task name.
func NewCollector(name string) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	constLabels := prometheus.Labels{"task": name}

	durationBuckets := prometheus.ExponentialBuckets(0.001, 4, 10)

	return &Collector{
		name:      name,
		registry:  reg,
		startTime: time.Now(),
		triplets: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "abx_triplets_total",
			Help:        "Triplets handled by the generator",
			ConstLabels: constLabels,
		}, []string{"status"}),
		partitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "abx_partitions_total",
			Help:        "By-partitions processed",
			ConstLabels: constLabels,
		}, []string{"status"}),
		partitionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "abx_partition_duration_seconds",
			Help:        "Time spent generating one by-partition",
			ConstLabels: constLabels,
			Buckets:     durationBuckets,
		}),
		uniquePairs: factory.NewCounter(prometheus.CounterOpts{
			Name:        "abx_unique_pairs_total",
			Help:        "Unique AX/BX pairs emitted",
			ConstLabels: constLabels,
		}),
		framesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "abx_store_frames_total",
			Help:        "Column store frames written",
			ConstLabels: constLabels,
		}, []string{"algorithm"}),
		bytesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "abx_store_bytes_total",
			Help:        "Column store bytes written before and after compression",
			ConstLabels: constLabels,
		}, []string{"stage"}),
		sortChunks: factory.NewCounter(prometheus.CounterOpts{
			Name:        "abx_sort_chunks_total",
			Help:        "Sorted runs written by external sorts",
			ConstLabels: constLabels,
		}),
		sortRows: factory.NewCounter(prometheus.CounterOpts{
			Name:        "abx_sort_rows_total",
			Help:        "Rows passed through external sorts",
			ConstLabels: constLabels,
		}),
		sortDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "abx_sort_duration_seconds",
			Help:        "External sort duration",
			ConstLabels: constLabels,
			Buckets:     durationBuckets,
		}),
		throughput: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "abx_throughput_triplets_per_second",
			Help:        "Emitted triplets per second over the last window",
			ConstLabels: constLabels,
		}),
	}
}

// Name returns the task name.
func (c *Collector) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

// Registry exposes the private registry for gathering.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// StartTime returns when the collector was created
func (c *Collector) StartTime() time.Time {
	return c.startTime
}

// TripletsConsidered counts cross-product candidates before sampling.
func (c *Collector) TripletsConsidered(n int) {
	if c == nil || n == 0 {
		return
	}
	c.triplets.WithLabelValues("considered").Add(float64(n))
}

// TripletsEmitted counts triplets written to the artifact.
func (c *Collector) TripletsEmitted(n int) {
	if c == nil || n == 0 {
		return
	}
	c.triplets.WithLabelValues("emitted").Add(float64(n))
}

// PartitionDone records a finished by-partition.
func (c *Collector) PartitionDone(d time.Duration, empty bool) {
	if c == nil {
		return
	}
	status := "written"
	if empty {
		status = "empty"
	}
	c.partitions.WithLabelValues(status).Inc()
	c.partitionDuration.Observe(d.Seconds())
}

// UniquePairs counts unique pairs emitted for one partition.
func (c *Collector) UniquePairs(n uint64) {
	if c == nil {
		return
	}
	c.uniquePairs.Add(float64(n))
}

// FrameWritten records one stored frame.
func (c *Collector) FrameWritten(algorithm string, raw, compressed int) {
	if c == nil {
		return
	}
	c.framesWritten.WithLabelValues(algorithm).Inc()
	c.bytesWritten.WithLabelValues("raw").Add(float64(raw))
	c.bytesWritten.WithLabelValues("compressed").Add(float64(compressed))
}

// ObserveSort records one external sort.
func (c *Collector) ObserveSort(d time.Duration, chunks int, rows uint64) {
	if c == nil {
		return
	}
	c.sortChunks.Add(float64(chunks))
	c.sortRows.Add(float64(rows))
	c.sortDuration.Observe(d.Seconds())
}

// WriteTextfile writes every metric of the collector in the text
// exposition format.
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Name returns the timer name.
func (t *Timer) Name() string { return t.name }

// Stop returns the elapsed duration since creation. It may be called
// several times.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker tracks emitted triplets per second over time windows.
// Thread-safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	collector *Collector
}

// NewThroughputTracker creates a tracker reporting to c, which may be nil.
func NewThroughputTracker(c *Collector) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		collector: c,
	}
}

// Increment adds n to the count. Safe for concurrent use.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset returns the throughput since the last reset, publishes it
// and starts a new window.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	throughput := float64(t.count) / elapsed
	t.count = 0
	t.lastReset = time.Now()

	if t.collector != nil {
		t.collector.throughput.Set(throughput)
	}
	return throughput
}
