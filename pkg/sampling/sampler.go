// Package sampling draws uniform samples without replacement from virtual
// populations too large to materialise.
//
// A Sampler is asked, chunk after chunk, which of the next n items to keep.
// The concatenation of all answers until exhaustion is a uniform sample of
// exactly K items out of N.
//
//	s, _ := sampling.New(1_000_000_000_000, 1_000_000, rng)
//	for !s.Exhausted() {
//	    keep, _ := s.Next()
//	    ...
//	}
package sampling

import (
	"math"
	"math/rand/v2"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
)

// maxExpectedPerDraw bounds the expected number of kept items per draw.
const maxExpectedPerDraw = 100_000

// defaultKeptPerStep is the expected number of kept items per Next call.
const defaultKeptPerStep = 10_000

// Sampler incrementally samples K items without replacement out of N.
// A Sampler is not safe for concurrent use.
type Sampler struct {
	rng      *rand.Rand
	initialN uint64
	n        uint64
	k        uint64
	step     uint64
	absolute bool
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithAbsoluteIndexes makes Sample return positions relative to the start
// of the population rather than to the start of the chunk.
func WithAbsoluteIndexes() Option {
	return func(s *Sampler) { s.absolute = true }
}

// WithStep sets the chunk size used by Next.
func WithStep(step uint64) Option {
	return func(s *Sampler) {
		if step > 0 {
			s.step = step
		}
	}
}

// New creates a sampler drawing K out of N with rng.
func New(N, K uint64, rng *rand.Rand, opts ...Option) (*Sampler, error) {
	if K > N {
		return nil, abxerrors.Sampling("cannot sample %d items out of %d", K, N)
	}
	if rng == nil {
		return nil, abxerrors.New(abxerrors.ErrorTypeConfiguration, "sampler requires a random source")
	}
	s := &Sampler{
		rng:      rng,
		initialN: N,
		n:        N,
		k:        K,
	}
	switch {
	case K == 0:
		s.step = N
	default:
		s.step = scale(defaultKeptPerStep, N, K)
	}
	if s.step == 0 {
		s.step = 1
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// scale returns floor(m * N / K) saturated to the uint64 range.
func scale(m, N, K uint64) uint64 {
	v := math.Floor(float64(m) * float64(N) / float64(K))
	if v >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(v)
}

// Remaining returns the population and sample sizes still to be consumed.
func (s *Sampler) Remaining() (N, K uint64) { return s.n, s.k }

// Position returns how many population items have been consumed.
func (s *Sampler) Position() uint64 { return s.initialN - s.n }

// Exhausted reports whether the whole population has been consumed.
func (s *Sampler) Exhausted() bool { return s.n == 0 }

// Next samples the next step items.
func (s *Sampler) Next() ([]uint64, error) {
	return s.Sample(s.step)
}

// Sample returns, in increasing order, the indexes to keep among the next n
// population items. n is clipped to the remaining population.
func (s *Sampler) Sample(n uint64) ([]uint64, error) {
	if s.n == 0 {
		if n == 0 {
			return nil, nil
		}
		return nil, abxerrors.Sampling("sampler exhausted after %d items", s.initialN)
	}
	position := s.initialN - s.n
	if n > s.n {
		n = s.n
	}

	var out []uint64
	expected := float64(n) * float64(s.k) / float64(s.n)
	if expected > maxExpectedPerDraw {
		chunk := scale(maxExpectedPerDraw, s.n, s.k)
		var offset uint64
		for n > 0 {
			amount := min(chunk, n)
			for _, idx := range s.draw(amount) {
				out = append(out, idx+offset)
			}
			offset += amount
			n -= amount
		}
	} else {
		out = s.draw(n)
	}

	if s.absolute {
		for i := range out {
			out[i] += position
		}
	}
	return out, nil
}

func (s *Sampler) draw(n uint64) []uint64 {
	k := Hypergeometric(s.rng, s.n, s.k, n)
	out := WithoutReplacement(s.rng, k, n)
	s.n -= n
	s.k -= k
	return out
}

// Split divides a sample of K items over partitions of the given sizes so
// that the union of per-partition uniform samples is a uniform sample of K
// out of Σ sizes. It draws sequential hypergeometric counts.
func Split(rng *rand.Rand, sizes []uint64, K uint64) ([]uint64, error) {
	var N uint64
	for _, sz := range sizes {
		N += sz
	}
	if K > N {
		return nil, abxerrors.Sampling("cannot sample %d items out of %d", K, N)
	}
	out := make([]uint64, len(sizes))
	for i, sz := range sizes {
		k := Hypergeometric(rng, N, K, sz)
		out[i] = k
		N -= sz
		K -= k
	}
	return out, nil
}

// PartitionRand derives an independent generator for one partition from a
// task seed.
func PartitionRand(seed uint64, partition int) *rand.Rand {
	return rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15^uint64(partition)))
}
