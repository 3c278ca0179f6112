// Package ring provides a bounded lock-free multi-producer multi-consumer
// ring buffer. Producers never block: a full ring reports ErrFull so callers
// on a poll-driven path can decide how to back off.
package ring

import (
	"errors"
	"runtime"
	"sync/atomic"
)

var (
	ErrFull   = errors.New("ring is full")
	ErrClosed = errors.New("ring is closed")
)

const (
	// Cache line size for padding to prevent false sharing
	cacheLinePadding = 128
	// Maximum CAS retries before yielding the processor
	maxSpinAttempts = 10
)

type slot[T any] struct {
	sequence uint64
	value    T
	_        [cacheLinePadding - 16]byte
}

// Ring is a Vyukov-style bounded queue. Each slot carries a sequence number
// that tells producers and consumers whether it is free or filled for the
// current lap.
type Ring[T any] struct {
	slots []slot[T]
	mask  uint64

	_    [cacheLinePadding]byte
	head uint64
	_    [cacheLinePadding - 8]byte
	tail uint64
	_    [cacheLinePadding - 8]byte

	closed atomic.Bool
}

// New creates a ring whose capacity is capacity rounded up to a power of two.
func New[T any](capacity int) *Ring[T] {
	capacity = nextPowerOfTwo(max(capacity, 2))
	r := &Ring[T]{
		slots: make([]slot[T], capacity),
		mask:  uint64(capacity - 1), // #nosec G115 -- capacity is positive
	}
	for i := range r.slots {
		r.slots[i].sequence = uint64(i) // #nosec G115 -- loop index within ring bounds
	}
	return r
}

// TryEnqueue adds v to the ring without blocking.
func (r *Ring[T]) TryEnqueue(v T) error {
	if r.closed.Load() {
		return ErrClosed
	}

	spins := 0
	for {
		tail := atomic.LoadUint64(&r.tail)
		s := &r.slots[tail&r.mask]
		diff := int64(atomic.LoadUint64(&s.sequence)) - int64(tail) // #nosec G115 -- sequence comparison

		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&r.tail, tail, tail+1) {
				s.value = v
				atomic.StoreUint64(&s.sequence, tail+1)
				return nil
			}
		case diff < 0:
			return ErrFull
		}

		spins++
		if spins > maxSpinAttempts {
			runtime.Gosched()
			spins = 0
		}
	}
}

// TryDequeue removes the oldest value. ok is false when the ring is empty.
func (r *Ring[T]) TryDequeue() (v T, ok bool) {
	var zero T
	for {
		head := atomic.LoadUint64(&r.head)
		s := &r.slots[head&r.mask]
		diff := int64(atomic.LoadUint64(&s.sequence)) - int64(head+1) // #nosec G115 -- sequence comparison

		if diff < 0 {
			return zero, false
		}
		if diff == 0 && atomic.CompareAndSwapUint64(&r.head, head, head+1) {
			v = s.value
			s.value = zero
			// if head is N, the slot is free again at N + capacity
			atomic.StoreUint64(&s.sequence, head+r.mask+1)
			return v, true
		}
	}
}

// Len returns the approximate number of queued values.
func (r *Ring[T]) Len() int {
	head := atomic.LoadUint64(&r.head)
	tail := atomic.LoadUint64(&r.tail)
	if tail > head {
		return int(tail - head) // #nosec G115 -- tail > head
	}
	return 0
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return len(r.slots)
}

// Close rejects further enqueues. Queued values can still be dequeued.
func (r *Ring[T]) Close() {
	r.closed.Store(true)
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
