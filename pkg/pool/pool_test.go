package pool_test

import (
	"fmt"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/abxtask/pkg/pool"
)

// Example demonstrates borrowing a row buffer for a batch of triplets.
func Example() {
	rows := pool.GetRows(6)
	defer pool.PutRows(rows)

	copy(rows, []uint64{0, 1, 2, 1, 0, 3})
	fmt.Println(len(rows), rows[3])

	// Output:
	// 6 1
}

func TestPoolReset(t *testing.T) {
	type batch struct{ rows []uint64 }

	p := pool.New(
		func() *batch { return &batch{rows: make([]uint64, 0, 16)} },
		func(b *batch) { b.rows = b.rows[:0] },
	)

	b := p.Get()
	b.rows = append(b.rows, 1, 2, 3)
	p.Put(b)

	allocated, inUse, hits := p.Stats()
	assert.GreaterOrEqual(t, allocated, int64(1))
	assert.Equal(t, int64(0), inUse)
	assert.Equal(t, int64(1), hits)

	again := p.Get()
	assert.Empty(t, again.rows)
}

func TestBucketSizes(t *testing.T) {
	tests := []struct {
		name string
		n    int
	}{
		{"small", 10},
		{"exact bucket", 1 << 12},
		{"between buckets", 5000},
		{"larger than any bucket", 1<<22 + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := pool.GetBytes(tt.n)
			require.Len(t, b, tt.n)
			assert.GreaterOrEqual(t, cap(b), tt.n)
			pool.PutBytes(b)

			r := pool.GetRows(tt.n)
			require.Len(t, r, tt.n)
			pool.PutRows(r)
		})
	}
}

func TestInterner(t *testing.T) {
	in := pool.NewInterner(2)
	line := "on0 ac0 on0"
	a := in.Intern(line[0:3])
	b := in.Intern(line[8:11])
	assert.Equal(t, "on0", b)
	assert.Same(t, unsafeData(a), unsafeData(b))

	in.Intern("ac0")
	assert.Equal(t, "ac1", in.Intern("ac1"), "full interner returns its input")

	size, hits, misses := in.Stats()
	assert.Equal(t, int64(2), size)
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(3), misses)
}

func unsafeData(s string) *byte { return unsafe.StringData(s) }
