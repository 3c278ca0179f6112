// Package dispatch bounds the submission rate of renewed task groups.
//
// Groups that complete while rate limiting is on are parked in a FIFO. Each
// scheduling tick releases up to one batch of them; once a full batch has
// been enqueued the scheduler blocks on a pacing gate. Pacing is checked per
// batch rather than per operation, which keeps its overhead off the
// per-I/O path.
package dispatch

import (
	"context"
)

// Scheduler is owned by one worker goroutine and is not safe for concurrent
// use.
type Scheduler[T any] struct {
	queue     *FIFO[T]
	batchSize int
	gate      Gate

	enqueued int
	released int

	gates        uint64
	releasedEver uint64
}

// NewScheduler creates a scheduler releasing batchSize groups per gate.
func NewScheduler[T any](batchSize int, gate Gate) *Scheduler[T] {
	batchSize = max(batchSize, 1)
	return &Scheduler[T]{
		queue:     NewFIFO[T](batchSize * 2),
		batchSize: batchSize,
		gate:      gate,
	}
}

// Enqueue parks a group for timed release.
func (s *Scheduler[T]) Enqueue(v T) {
	s.queue.PushBack(v)
	s.enqueued++
}

// Tick releases queued groups up to the batch budget, then, if a full batch
// has accumulated, resets the window counters and waits on the gate.
func (s *Scheduler[T]) Tick(ctx context.Context, release func(T)) error {
	for s.released < s.batchSize {
		v, ok := s.queue.PopFront()
		if !ok {
			break
		}
		release(v)
		s.released++
		s.releasedEver++
	}

	if s.enqueued < s.batchSize {
		return nil
	}

	s.enqueued = 0
	s.released = 0
	s.gates++
	return s.gate.Wait(ctx)
}

// Drain removes every parked group, handing each to fn.
func (s *Scheduler[T]) Drain(fn func(T)) {
	for {
		v, ok := s.queue.PopFront()
		if !ok {
			break
		}
		fn(v)
	}
	s.enqueued = 0
	s.released = 0
}

// Pending returns the number of parked groups.
func (s *Scheduler[T]) Pending() int { return s.queue.Len() }

// Gates returns how many times the scheduler waited on its gate.
func (s *Scheduler[T]) Gates() uint64 { return s.gates }

// Released returns the total number of groups released.
func (s *Scheduler[T]) Released() uint64 { return s.releasedEver }
