package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/testutil"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--log-level", "error"))
	err := root.Execute()
	return out.String(), err
}

func TestTaskCommand(t *testing.T) {
	db := testutil.ToyItems(t, t.TempDir())
	out := filepath.Join(t.TempDir(), "toy.abx")
	stats := filepath.Join(t.TempDir(), "stats.yaml")
	metricsFile := filepath.Join(t.TempDir(), "abx.prom")

	stdout, err := run(t, "task", db, out, "-o", "phone", "-a", "talker",
		"--tempdir", t.TempDir(), "--stats", stats, "--metrics-file", metricsFile)
	require.NoError(t, err)
	assert.Contains(t, stdout, "4 triplets, 8 unique pairs")
	assert.DirExists(t, out)
	assert.FileExists(t, metricsFile)

	data, err := os.ReadFile(stats)
	require.NoError(t, err)
	var parsed map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &parsed))
	assert.Contains(t, parsed, "nb_triplets")

	_, err = run(t, "task", db, out, "-o", "phone", "-a", "talker", "--tempdir", t.TempDir())
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeIO), "existing output without --overwrite")

	_, err = run(t, "task", db, out, "-o", "phone", "-a", "talker", "--tempdir", t.TempDir(), "--overwrite")
	assert.NoError(t, err)
}

func TestTaskCommandConfigFile(t *testing.T) {
	dir := t.TempDir()
	db := testutil.ToyItems(t, dir)
	cfgFile := testutil.WriteFile(t, dir, "task.yaml",
		"on: phone",
		"across: [talker]",
		"seed: 3",
	)
	out := filepath.Join(dir, "cfg.abx")

	// -a overrides the file and drops the across column.
	stdout, err := run(t, "task", db, out, "--config", cfgFile, "-a", "", "--tempdir", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, stdout, "8 triplets")
}

func TestTaskCommandErrors(t *testing.T) {
	db := testutil.ToyItems(t, t.TempDir())

	_, err := run(t, "task")
	assert.Error(t, err, "missing database argument")

	_, err = run(t, "task", filepath.Join(t.TempDir(), "missing.item"), "-o", "phone")
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeIO))

	_, err = run(t, "task", db, "-o", "nope")
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeConfiguration))

	_, err = run(t, "task", db)
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeConfiguration), "missing on column")

	_, err = run(t, "task", db, "-o", "phone", "--compression", "rar")
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeConfiguration))
}

func TestStatsCommand(t *testing.T) {
	db := testutil.ToyItems(t, t.TempDir())
	stdout, err := run(t, "stats", db, "-o", "phone", "-a", "talker")
	require.NoError(t, err)

	var parsed map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &parsed))
	assert.EqualValues(t, 4, parsed["nb_triplets"])
}

func TestExportCommand(t *testing.T) {
	db := testutil.ToyItems(t, t.TempDir())
	artifact := filepath.Join(t.TempDir(), "toy.abx")
	_, err := run(t, "task", db, artifact, "-o", "phone", "-a", "talker", "--tempdir", t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"toy.arrow", "toy.parquet", "toy.avro"} {
		dst := filepath.Join(t.TempDir(), name)
		stdout, err := run(t, "export", artifact, dst)
		require.NoError(t, err, name)
		assert.Contains(t, stdout, "4 rows")
		info, err := os.Stat(dst)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}

	dst := filepath.Join(t.TempDir(), "toy.csv")
	_, err = run(t, "export", artifact, dst)
	assert.True(t, abxerrors.IsType(err, abxerrors.ErrorTypeConfiguration))
	assert.NoFileExists(t, dst)
}

func TestVersionCommand(t *testing.T) {
	stdout, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, stdout, "abx v"+version)
}
