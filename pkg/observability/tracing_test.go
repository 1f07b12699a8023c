package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestInitTracingExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultTracingConfig("test")
	cfg.Enabled = true
	cfg.Output = &buf
	tr, err := InitTracing(cfg)
	require.NoError(t, err)

	err = Trace(context.Background(), tr.Tracer("test"), "task.generate", func(ctx context.Context) error {
		return Trace(ctx, tr.Tracer("test"), "task.partition", func(context.Context) error {
			return errors.New("boom")
		}, attribute.String("by", "ctx0"))
	})
	assert.EqualError(t, err, "boom")
	require.NoError(t, tr.Shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `"Name":"task.generate"`)
	assert.Contains(t, out, `"Name":"task.partition"`)
	assert.Contains(t, out, "ctx0")
	assert.Contains(t, out, "boom")
}

func TestInitTracingDisabled(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultTracingConfig("test")
	cfg.Output = &buf
	tr, err := InitTracing(cfg)
	require.NoError(t, err)

	require.NoError(t, Trace(context.Background(), tr.Tracer("test"), "noop", func(context.Context) error {
		return nil
	}))
	require.NoError(t, tr.Shutdown(context.Background()))
	assert.Empty(t, buf.String())
}
