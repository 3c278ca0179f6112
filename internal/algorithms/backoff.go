// Package algorithms holds small reusable timing algorithms.
package algorithms

import (
	"math/rand/v2"
	"sync"
	"time"
)

const (
	maxShift = 62 // 1<<62 still fits in int64
)

// BackoffType selects how retry delays grow.
type BackoffType int

const (
	// BackoffExponential doubles the delay on every attempt.
	BackoffExponential BackoffType = iota
	// BackoffJittered spreads each exponential delay by ±jitterFactor.
	BackoffJittered
)

// Backoff computes retry delays. It is safe for concurrent use.
//
// Delay formula: min(maxDelay, initialDelay * 2^attempt) for exponential,
// scaled by a random factor in [1-jitter, 1+jitter] for jittered.
type Backoff struct {
	kind         BackoffType
	initialDelay time.Duration
	maxDelay     time.Duration
	jitterFactor float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBackoff creates a backoff policy. jitterFactor is clamped to [0,1] and
// ignored for exponential backoff.
func NewBackoff(kind BackoffType, initialDelay, maxDelay time.Duration, jitterFactor float64) *Backoff {
	if maxDelay < initialDelay {
		maxDelay = initialDelay
	}
	seed := uint64(time.Now().UnixNano()) // #nosec G115 -- seed only
	return &Backoff{
		kind:         kind,
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		jitterFactor: clamp(jitterFactor, 0, 1),
		rng:          rand.New(rand.NewPCG(seed, seed>>1)), // #nosec G404 -- jitter only
	}
}

// Next returns the delay before retry number attempt (0-indexed).
func (b *Backoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		return 0
	}

	delay := exponentialDelay(attempt, b.initialDelay, b.maxDelay)
	if b.kind != BackoffJittered || b.jitterFactor == 0 {
		return delay
	}

	b.mu.Lock()
	mult := 1.0 + (b.rng.Float64()*2-1)*b.jitterFactor
	b.mu.Unlock()

	return clamp(time.Duration(float64(delay)*mult), 0, b.maxDelay)
}

func exponentialDelay(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	if attempt >= maxShift {
		return maxDelay
	}
	delay := time.Duration(int64(1)<<uint(attempt)) * initialDelay
	if delay > maxDelay || delay < 0 {
		return maxDelay
	}
	return delay
}

func clamp[T int | int64 | float64 | time.Duration](v, lo, hi T) T {
	return max(lo, min(v, hi))
}
