package workload

import (
	"math"
	"math/rand/v2"
)

// Zipf draws skewed offsets in [0, n) using the Gray et al. "Quickly
// Generating Billion-Record Synthetic Databases" method. Unlike
// math/rand.Zipf it accepts 0 < theta < 1, the range storage benchmarks use.
//
// A Zipf is not safe for concurrent use.
type Zipf struct {
	rng       *rand.Rand
	n         uint64
	theta     float64
	alpha     float64
	eta       float64
	zetan     float64
	val1Limit float64
}

// NewZipf builds a sampler over [0, n). Building is O(n) because the
// generalized harmonic number has no closed form.
func NewZipf(n uint64, theta float64, seed uint64) *Zipf {
	if n == 0 {
		n = 1
	}
	z := &Zipf{
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), // #nosec G404 -- workload sampling only
		n:     n,
		theta: theta,
		alpha: 1 / (1 - theta),
		zetan: zeta(n, theta),
	}
	z.eta = (1 - math.Pow(2/float64(n), 1-theta)) / (1 - zeta(2, theta)/z.zetan)
	z.val1Limit = 1 + math.Pow(0.5, theta)
	return z
}

// Next returns the next offset.
func (z *Zipf) Next() uint64 {
	u := z.rng.Float64()
	uz := u * z.zetan

	if uz < 1 {
		return 0
	}
	if uz < z.val1Limit {
		return min(1, z.n-1)
	}

	v := uint64(float64(z.n) * math.Pow(z.eta*u-z.eta+1, z.alpha))
	return min(v, z.n-1)
}

// N returns the size of the sampled range.
func (z *Zipf) N() uint64 {
	return z.n
}

func zeta(n uint64, theta float64) float64 {
	sum := 0.0
	for i := uint64(0); i < n; i++ {
		sum += math.Pow(1/float64(i+1), theta)
	}
	return sum
}
