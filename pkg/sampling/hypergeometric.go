package sampling

import (
	"math"
	"math/rand/v2"
	"slices"
)

// Hypergeometric draws how many of the next n items of a population of size
// N holding K marked items are marked. It uses Stadlober's ratio-of-uniforms
// algorithm (HRUA), reduced by the K <-> N-K and n <-> N-n symmetries.
func Hypergeometric(rng *rand.Rand, N, K, n uint64) uint64 {
	switch {
	case n == 0 || K == 0:
		return 0
	case n >= N:
		return K
	case K >= N:
		return n
	case N <= 1:
		return K
	}

	kEff := min(K, N-K)
	nEff := min(n, N-n)
	k := hrua(rng, float64(N), float64(kEff), float64(nEff))

	if kEff < K {
		k = nEff - k
	}
	if nEff < n {
		k = K - k
	}
	return k
}

var (
	hruaC1 = 2 * math.Sqrt(2/math.E)
	hruaC2 = 3 - 2*math.Sqrt(3/math.E)
)

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}

func hrua(rng *rand.Rand, N, K, n float64) uint64 {
	mean := n * (K / N)
	mode := math.Floor((n + 1) * ((K + 1) / (N + 2)))
	variance := mean * ((N - K) / N) * ((N - n) / (N - 1))
	a := mean + 0.5
	b := hruaC1*math.Sqrt(variance+0.5) + hruaC2
	pMode := lgamma(mode+1) + lgamma(K-mode+1) + lgamma(n-mode+1) + lgamma(N-K-n+mode+1)
	upper := math.Min(math.Min(n, K)+1, math.Floor(a+16*math.Sqrt(variance+0.5)))

	for {
		u := rng.Float64()
		v := rng.Float64()
		if u == 0 {
			continue
		}
		k := math.Floor(a + b*(v-0.5)/u)
		if k < 0 || k >= upper {
			continue
		}
		pk := lgamma(k+1) + lgamma(K-k+1) + lgamma(n-k+1) + lgamma(N-K-n+k+1)
		d := pMode - pk
		if u*(4-u)-3 <= d {
			return uint64(k)
		}
		if u*(u-d) >= 1 {
			continue
		}
		if 2*math.Log(u) <= d {
			return uint64(k)
		}
	}
}

// WithoutReplacement returns k distinct values drawn uniformly from [0, n),
// in increasing order. Knuth's Algorithm S is used when k is a large share
// of n; otherwise rejection sampling over a growing set.
func WithoutReplacement(rng *rand.Rand, k, n uint64) []uint64 {
	if k > n {
		k = n
	}
	if n > 100 && float64(k)/float64(n) < 0.6 {
		return rejection(rng, k, n)
	}
	return knuth(rng, k, n)
}

func knuth(rng *rand.Rand, k, n uint64) []uint64 {
	out := make([]uint64, 0, k)
	var t uint64
	for uint64(len(out)) < k {
		remaining := k - uint64(len(out))
		if float64(n-t)*rng.Float64() < float64(remaining) {
			out = append(out, t)
		}
		t++
	}
	return out
}

func rejection(rng *rand.Rand, k, n uint64) []uint64 {
	seen := make(map[uint64]struct{}, k)
	for uint64(len(seen)) < k {
		seen[rng.Uint64N(n)] = struct{}{}
	}
	out := make([]uint64, 0, k)
	for v := range seen {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}
