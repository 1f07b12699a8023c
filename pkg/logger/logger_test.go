package logger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	l, err := New(Config{Level: "debug", Encoding: "json",
		OutputPaths: []string{filepath.Join(t.TempDir(), "abx.log")}})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	_, err = New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestWithContextFields(t *testing.T) {
	prev := Get()
	defer Set(prev)
	core, logs := observer.New(zapcore.InfoLevel)
	Set(zap.New(core))

	ctx := context.WithValue(context.Background(), TaskIDKey, "toy")
	ctx = context.WithValue(ctx, ByKey, "ctx=c")
	ctx = context.WithValue(ctx, PhaseKey, "generate")
	WithContext(ctx).Info("partition done")
	Debug("hidden")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "toy", fields["task_id"])
	assert.Equal(t, "ctx=c", fields["by"])
	assert.Equal(t, "generate", fields["phase"])
}

func TestInitOnce(t *testing.T) {
	prev := Get()
	defer Set(prev)
	require.NoError(t, Init(Config{Level: "error"}))
	first := Get()
	require.NoError(t, Init(Config{Level: "debug"}))
	assert.Same(t, first, Get())
	// syncing stderr fails on terminals and pipes, so only the call matters
	_ = Sync()
}
