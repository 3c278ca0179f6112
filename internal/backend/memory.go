package backend

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryOption configures a Memory backend.
type MemoryOption func(*Memory)

// WithLatency sets the simulated service time of every request.
// Zero means a request completes on the first Poll after it was submitted.
func WithLatency(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d >= 0 {
			m.latency = d
		}
	}
}

// WithQueueLimit caps in-flight requests per queue. Submissions beyond the cap
// fail with ErrTransient, like a full hardware submission queue.
func WithQueueLimit(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.queueLimit = n
		}
	}
}

// WithSubmitFault installs a hook consulted before every submission; a
// non-nil return is reported by Submit.
func WithSubmitFault(fn func(t Target, req *Request) error) MemoryOption {
	return func(m *Memory) {
		m.submitFault = fn
	}
}

// WithCompletionFault installs a hook consulted when a request completes; a
// non-nil return is delivered as the completion error.
func WithCompletionFault(fn func(t Target, req *Request) error) MemoryOption {
	return func(m *Memory) {
		m.completionFault = fn
	}
}

// WithReadCorruption installs a hook that may alter the byte a read returns,
// standing in for media corruption. The acknowledged write is unaffected, so
// Verify reports the divergence.
func WithReadCorruption(fn func(t Target, offset uint64, stored byte) byte) MemoryOption {
	return func(m *Memory) {
		m.readCorruption = fn
	}
}

// WithReverseCompletion makes Poll reap ready requests newest first.
func WithReverseCompletion() MemoryOption {
	return func(m *Memory) {
		m.reverse = true
	}
}

// Memory is a simulated backend. It keeps the first byte stored at every
// offset, which is what reads return, and separately the byte of the last
// acknowledged write, which is what reads are verified against.
type Memory struct {
	latency         time.Duration
	queueLimit      int
	reverse         bool
	submitFault     func(t Target, req *Request) error
	completionFault func(t Target, req *Request) error
	readCorruption  func(t Target, offset uint64, stored byte) byte

	mu      sync.Mutex
	disks   map[string]map[uint64]byte
	written map[string]map[uint64]byte

	payloads atomic.Int64
}

// NewMemory creates a simulated backend.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		disks:   make(map[string]map[uint64]byte),
		written: make(map[string]map[uint64]byte),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) SetupPayload(size int, pattern byte) []byte {
	m.payloads.Add(1)
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = pattern
	}
	return buf
}

// Payloads returns how many payloads were allocated.
func (m *Memory) Payloads() int64 {
	return m.payloads.Load()
}

func (m *Memory) Open(t Target) (Queue, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if _, ok := m.disks[t.Name]; !ok {
		m.disks[t.Name] = make(map[uint64]byte)
		m.written[t.Name] = make(map[uint64]byte)
	}
	m.mu.Unlock()
	return &memoryQueue{backend: m, target: t}, nil
}

func (m *Memory) write(name string, offset uint64, b byte) {
	m.mu.Lock()
	m.disks[name][offset] = b
	m.written[name][offset] = b
	m.mu.Unlock()
}

func (m *Memory) read(t Target, offset uint64) (byte, bool) {
	m.mu.Lock()
	b, ok := m.disks[t.Name][offset]
	m.mu.Unlock()
	if ok && m.readCorruption != nil {
		b = m.readCorruption(t, offset, b)
	}
	return b, ok
}

// expected returns the byte of the last acknowledged write at offset.
func (m *Memory) expected(name string, offset uint64) (byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.written[name][offset]
	return b, ok
}

type pendingRequest struct {
	req *Request
	due time.Time
}

type memoryQueue struct {
	backend *Memory
	target  Target
	pending []pendingRequest
	closed  bool
}

func (q *memoryQueue) Submit(req *Request) error {
	if q.closed {
		return ErrClosed
	}
	if req.Offset >= q.target.Capacity {
		return ErrOutOfRange
	}
	if q.backend.queueLimit > 0 && len(q.pending) >= q.backend.queueLimit {
		return ErrTransient
	}
	if fn := q.backend.submitFault; fn != nil {
		if err := fn(q.target, req); err != nil {
			return err
		}
	}
	q.pending = append(q.pending, pendingRequest{req: req, due: time.Now().Add(q.backend.latency)})
	return nil
}

func (q *memoryQueue) Poll(max int, fn CompletionFunc) int {
	if len(q.pending) == 0 {
		return 0
	}

	now := time.Now()
	ready := make([]*Request, 0, len(q.pending))
	remaining := q.pending[:0]
	for _, p := range q.pending {
		if !p.due.After(now) && (max <= 0 || len(ready) < max) {
			ready = append(ready, p.req)
			continue
		}
		remaining = append(remaining, p)
	}
	q.pending = remaining

	if q.backend.reverse {
		for i, j := 0, len(ready)-1; i < j; i, j = i+1, j-1 {
			ready[i], ready[j] = ready[j], ready[i]
		}
	}

	for _, req := range ready {
		var err error
		if fault := q.backend.completionFault; fault != nil {
			err = fault(q.target, req)
		}
		if err == nil && len(req.Buf) > 0 {
			if req.IsRead {
				if b, ok := q.backend.read(q.target, req.Offset); ok {
					req.Buf[0] = b
				}
			} else {
				q.backend.write(q.target.Name, req.Offset, req.Buf[0])
			}
		}
		fn(req, err)
	}
	return len(ready)
}

func (q *memoryQueue) Verify(req *Request) error {
	if !req.IsRead || len(req.Buf) == 0 {
		return nil
	}
	want, ok := q.backend.expected(q.target.Name, req.Offset)
	if ok && req.Buf[0] != want {
		return fmt.Errorf("%w: %s offset %d: read %d, wrote %d", ErrVerify, q.target.Name, req.Offset, req.Buf[0], want)
	}
	return nil
}

func (q *memoryQueue) Inflight() int {
	return len(q.pending)
}

func (q *memoryQueue) Close() error {
	q.closed = true
	q.pending = nil
	return nil
}
