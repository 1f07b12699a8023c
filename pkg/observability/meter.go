package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the task instruments.
const MeterName = "github.com/ajitpratap0/abxtask/pkg/task"

// TaskInstruments are the OpenTelemetry instruments a task run records on.
type TaskInstruments struct {
	partitions metric.Int64Counter
	triplets   metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewTaskInstruments creates the task instruments on m, or on the global
// meter provider when m is nil.
func NewTaskInstruments(m metric.Meter) (*TaskInstruments, error) {
	if m == nil {
		m = otel.Meter(MeterName)
	}
	var (
		ti  TaskInstruments
		err error
	)
	if ti.partitions, err = m.Int64Counter("abx.partitions",
		metric.WithDescription("By-partitions generated"),
		metric.WithUnit("{partition}")); err != nil {
		return nil, fmt.Errorf("failed to create partition counter: %w", err)
	}
	if ti.triplets, err = m.Int64Counter("abx.triplets",
		metric.WithDescription("Triplets written"),
		metric.WithUnit("{triplet}")); err != nil {
		return nil, fmt.Errorf("failed to create triplet counter: %w", err)
	}
	if ti.duration, err = m.Float64Histogram("abx.partition.duration",
		metric.WithDescription("Time spent generating one by-partition"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	return &ti, nil
}

// PartitionDone records a generated partition of the task.
func (ti *TaskInstruments) PartitionDone(ctx context.Context, task string, triplets uint64, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("task", task))
	ti.partitions.Add(ctx, 1, attrs)
	ti.triplets.Add(ctx, int64(triplets), attrs)
	ti.duration.Record(ctx, d.Seconds(), attrs)
}
