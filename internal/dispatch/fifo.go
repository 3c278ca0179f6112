package dispatch

const minFIFOCapacity = 16

// FIFO is a growable ring-buffer queue owned by a single goroutine.
type FIFO[T any] struct {
	buf  []T
	head int
	n    int
}

// NewFIFO creates a queue with room for capacity items before growing.
func NewFIFO[T any](capacity int) *FIFO[T] {
	return &FIFO[T]{buf: make([]T, max(capacity, minFIFOCapacity))}
}

// PushBack appends v.
func (q *FIFO[T]) PushBack(v T) {
	if q.n == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.n)%len(q.buf)] = v
	q.n++
}

// PopFront removes the oldest item.
func (q *FIFO[T]) PopFront() (T, bool) {
	var zero T
	if q.n == 0 {
		return zero, false
	}
	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return v, true
}

// Len returns the number of queued items.
func (q *FIFO[T]) Len() int {
	return q.n
}

func (q *FIFO[T]) grow() {
	next := make([]T, len(q.buf)*2)
	for i := range q.n {
		next[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = next
	q.head = 0
}
