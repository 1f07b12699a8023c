package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestTaskInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	ti, err := NewTaskInstruments(mp.Meter(MeterName))
	require.NoError(t, err)
	ctx := context.Background()
	ti.PartitionDone(ctx, "toy", 12, 2*time.Second)
	ti.PartitionDone(ctx, "toy", 0, time.Second)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	got := make(map[string]metricdata.Aggregation)
	for _, m := range rm.ScopeMetrics[0].Metrics {
		got[m.Name] = m.Data
	}

	parts, ok := got["abx.partitions"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, parts.DataPoints, 1)
	assert.Equal(t, int64(2), parts.DataPoints[0].Value)
	task, _ := parts.DataPoints[0].Attributes.Value("task")
	assert.Equal(t, "toy", task.AsString())

	triplets, ok := got["abx.triplets"].(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Equal(t, int64(12), triplets.DataPoints[0].Value)

	dur, ok := got["abx.partition.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	assert.Equal(t, uint64(2), dur.DataPoints[0].Count)
	assert.InDelta(t, 3.0, dur.DataPoints[0].Sum, 1e-9)
}

func TestTaskInstrumentsGlobalMeter(t *testing.T) {
	ti, err := NewTaskInstruments(nil)
	require.NoError(t, err)
	assert.NotPanics(t, func() { ti.PartitionDone(context.Background(), "toy", 1, time.Millisecond) })
}
