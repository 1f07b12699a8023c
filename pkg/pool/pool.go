// Package pool provides typed object pooling for the buffers that move
// rows and frames between the column store, the sorter and the generator.
//
// The package provides:
//   - Generic type-safe object pooling with Pool[T]
//   - Byte buffer pooling with size-based buckets for frame payloads
//   - Row buffer pooling for []uint64 column batches
//
// Example usage:
//
//	rows := pool.GetRows(4096)
//	defer pool.PutRows(rows)
package pool

import (
	"sync"
	"sync/atomic"
)

// Pool represents a generic object pool with type safety.
// It wraps sync.Pool with statistics tracking and an optional reset
// function. The pool is safe for concurrent use.
type Pool[T any] struct {
	pool  sync.Pool
	new   func() T
	reset func(T)
	stats struct {
		allocated int64
		inUse     int64
		hits      int64
	}
}

// New creates a new typed pool with custom allocation and reset functions.
// The reset function is called before an object goes back to the pool.
func New[T any](new func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{
		new:   new,
		reset: reset,
	}
	p.pool.New = func() interface{} {
		atomic.AddInt64(&p.stats.allocated, 1)
		return new()
	}
	return p
}

// Get retrieves an object from the pool, allocating one if empty.
func (p *Pool[T]) Get() T {
	atomic.AddInt64(&p.stats.inUse, 1)
	obj := p.pool.Get().(T)
	atomic.AddInt64(&p.stats.hits, 1)
	return obj
}

// Put returns an object to the pool for reuse.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	atomic.AddInt64(&p.stats.inUse, -1)
	p.pool.Put(obj)
}

// Stats returns the allocation count, objects currently checked out and
// the number of Get calls served.
func (p *Pool[T]) Stats() (allocated, inUse, hits int64) {
	return atomic.LoadInt64(&p.stats.allocated),
		atomic.LoadInt64(&p.stats.inUse),
		atomic.LoadInt64(&p.stats.hits)
}

// bucketPool serves slices from power-of-4 size buckets.
type bucketPool[E any] struct {
	pools []*Pool[*[]E]
	sizes []int
}

func newBucketPool[E any](sizes []int) *bucketPool[E] {
	pools := make([]*Pool[*[]E], len(sizes))
	for i, size := range sizes {
		pools[i] = New(
			func() *[]E {
				s := make([]E, size)
				return &s
			},
			nil,
		)
	}
	return &bucketPool[E]{pools: pools, sizes: sizes}
}

func (p *bucketPool[E]) get(n int) []E {
	for i, s := range p.sizes {
		if s >= n {
			buf := *p.pools[i].Get()
			return buf[:n]
		}
	}
	return make([]E, n)
}

func (p *bucketPool[E]) put(buf []E) {
	size := cap(buf)
	for i, s := range p.sizes {
		if s == size {
			buf = buf[:size]
			p.pools[i].Put(&buf)
			return
		}
	}
}

var bucketSizes = []int{
	1 << 10,
	1 << 12,
	1 << 14,
	1 << 16,
	1 << 18,
	1 << 20,
	1 << 22,
}

var (
	bytePool = newBucketPool[byte](bucketSizes)
	rowPool  = newBucketPool[uint64](bucketSizes)
)

// GetBytes returns a byte slice of length n. Its contents are undefined.
func GetBytes(n int) []byte { return bytePool.get(n) }

// PutBytes returns a slice obtained from GetBytes.
func PutBytes(b []byte) { bytePool.put(b) }

// GetRows returns a uint64 slice of length n. Its contents are undefined.
func GetRows(n int) []uint64 { return rowPool.get(n) }

// PutRows returns a slice obtained from GetRows.
func PutRows(r []uint64) { rowPool.put(r) }
