// Package testutil provides fixtures shared by the abxtask tests: loggers,
// contexts and item database files.
package testutil

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// TestLogger creates a test logger that writes to the test output.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout.
// The caller must call the returned cancel function to avoid leaks.
func TestContext(_ *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// WriteFile writes lines to dir/name and returns the path.
func WriteFile(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
	return path
}

// ToyItems writes the four-item database used across the task tests:
//
//	item  phone  talker
//	0     on0    ac0
//	1     on1    ac0
//	2     on0    ac1
//	3     on1    ac1
func ToyItems(t *testing.T, dir string) string {
	t.Helper()
	return WriteFile(t, dir, "toy.item",
		"#file onset offset #phone talker",
		"f 0 1 on0 ac0",
		"f 1 2 on1 ac0",
		"f 2 3 on0 ac1",
		"f 3 4 on1 ac1",
	)
}

// ItemSpec describes a random item database.
type ItemSpec struct {
	Items int
	// Columns maps attribute names to their number of levels.
	Columns map[string]int
	Seed    uint64
}

// RandomItems writes a random item database. Attribute values are
// <column><level>; attribute columns are written in name order.
func RandomItems(t *testing.T, dir, name string, spec ItemSpec) string {
	t.Helper()
	rng := rand.New(rand.NewPCG(spec.Seed, spec.Seed^0x9e3779b97f4a7c15))
	names := make([]string, 0, len(spec.Columns))
	for c := range spec.Columns {
		names = append(names, c)
	}
	slices.Sort(names)

	lines := []string{"#file onset offset #" + strings.Join(names, " ")}
	for i := 0; i < spec.Items; i++ {
		fields := []string{"f", fmt.Sprint(i), fmt.Sprint(i + 1)}
		for _, c := range names {
			fields = append(fields, fmt.Sprintf("%s%d", c, rng.IntN(spec.Columns[c])))
		}
		lines = append(lines, strings.Join(fields, " "))
	}
	return WriteFile(t, dir, name, lines...)
}
