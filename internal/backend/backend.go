// Package backend defines the boundary between the benchmark workers and the
// storage targets they drive.
//
// An adapter is polymorphic over the I/O mechanism (in-memory simulation,
// positional file I/O, ...). Each worker opens one Queue per endpoint it owns;
// a Queue is only ever used by that worker, so implementations need no
// locking on the submit/poll path beyond what their own I/O goroutines need.
package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks a submission failure that may succeed if retried,
	// e.g. a full submission queue.
	ErrTransient = errors.New("transient submission failure")

	// ErrFatal marks a failure after which the endpoint must drain.
	ErrFatal = errors.New("fatal endpoint failure")

	ErrOutOfRange = errors.New("offset out of range")
	ErrVerify     = errors.New("payload verification failed")
	ErrClosed     = errors.New("queue closed")
)

// IsTransient reports whether err may be retried. Anything that is not
// explicitly transient is treated as fatal.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsFatal reports whether err requires the endpoint to drain.
func IsFatal(err error) bool {
	return err != nil && !IsTransient(err)
}

// Target describes one storage endpoint as seen by an adapter.
type Target struct {
	Name string
	// Path is adapter specific: a file path for the file adapter, ignored by
	// the memory adapter.
	Path string
	// Capacity is the addressable size in I/O units (logical operations).
	Capacity  uint64
	BlockSize uint32
	IOSize    uint32
}

// Validate checks the target geometry.
func (t Target) Validate() error {
	switch {
	case t.Name == "":
		return fmt.Errorf("target: empty name")
	case t.Capacity == 0:
		return fmt.Errorf("target %s: capacity must be positive", t.Name)
	case t.BlockSize == 0:
		return fmt.Errorf("target %s: block size must be positive", t.Name)
	case t.IOSize == 0 || t.IOSize%t.BlockSize != 0:
		return fmt.Errorf("target %s: io size %d is not a multiple of block size %d", t.Name, t.IOSize, t.BlockSize)
	}
	return nil
}

// Request is one physical I/O. Buf is a descriptor into a payload that may be
// shared with other requests; adapters must not retain it after completion.
type Request struct {
	// Cookie is opaque to the adapter and handed back on completion.
	Cookie uint64
	Buf    []byte
	// Offset is expressed in I/O units.
	Offset uint64
	IsRead bool
}

// CompletionFunc is invoked once per finished request during Poll.
type CompletionFunc func(req *Request, err error)

// Backend creates per-worker queues and payload buffers.
type Backend interface {
	Name() string

	// SetupPayload allocates a payload of size bytes filled with pattern.
	SetupPayload(size int, pattern byte) []byte

	// Open prepares a per-worker queue for the target.
	Open(t Target) (Queue, error)
}

// Queue is the per-(worker, endpoint) submission and completion state.
// Submit and Poll never block.
type Queue interface {
	// Submit starts req. A returned error is either transient or fatal.
	Submit(req *Request) error

	// Poll reaps up to max finished requests (0 means no limit), invoking fn
	// for each, and returns how many completed.
	Poll(max int, fn CompletionFunc) int

	// Verify checks a completed read against what was written.
	Verify(req *Request) error

	// Inflight returns the number of submitted but unreaped requests.
	Inflight() int

	Close() error
}
