package backend

import (
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/utkarsh5026/repbench/internal/ring"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const (
	defaultFileDepth     = 128
	defaultFileIOWorkers = 4
	defaultAlignment     = 4096
)

// FileOption configures a File backend.
type FileOption func(*File)

// WithDirectIO opens targets with O_DIRECT where the platform supports it.
func WithDirectIO(enabled bool) FileOption {
	return func(f *File) {
		f.direct = enabled
	}
}

// WithIOWorkers sets how many goroutines perform positional I/O per queue.
func WithIOWorkers(n int) FileOption {
	return func(f *File) {
		if n > 0 {
			f.ioWorkers = n
		}
	}
}

// WithFileDepth caps in-flight requests per queue.
func WithFileDepth(n int) FileOption {
	return func(f *File) {
		if n > 0 {
			f.depth = n
		}
	}
}

// File drives regular files or block devices with pread/pwrite. Submission
// hands the request to a small set of I/O goroutines; their completions land
// in a lock-free ring that the owning worker reaps without blocking.
type File struct {
	direct    bool
	ioWorkers int
	depth     int
}

// NewFile creates a positional file I/O backend.
func NewFile(opts ...FileOption) *File {
	f := &File{
		ioWorkers: defaultFileIOWorkers,
		depth:     defaultFileDepth,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *File) Name() string { return "file" }

// SetupPayload returns a buffer aligned for O_DIRECT transfers.
func (f *File) SetupPayload(size int, pattern byte) []byte {
	buf := alignBuffer(make([]byte, size+defaultAlignment), defaultAlignment)[:size]
	for i := range buf {
		buf[i] = pattern
	}
	return buf
}

func (f *File) Open(t Target) (Queue, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.Path == "" {
		return nil, fmt.Errorf("target %s: file backend needs a path", t.Name)
	}

	flags := unix.O_RDWR | unix.O_CREAT | unix.O_CLOEXEC
	if f.direct {
		flags |= directFlag
	}
	fd, err := unix.Open(t.Path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", t.Path, err)
	}

	need := int64(t.Capacity) * int64(t.IOSize) // #nosec G115 -- geometry validated
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("stat %s: %w", t.Path, err)
	}
	if st.Mode&unix.S_IFMT == unix.S_IFREG && st.Size < need {
		if err := unix.Ftruncate(fd, need); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("size %s to %d bytes: %w", t.Path, need, err)
		}
	}

	q := &fileQueue{
		fd:          fd,
		target:      t,
		depth:       f.depth,
		submissions: make(chan *Request, f.depth),
		completions: ring.New[fileCompletion](f.depth),
	}
	for range f.ioWorkers {
		q.g.Go(q.ioLoop)
	}
	return q, nil
}

type fileCompletion struct {
	req *Request
	err error
}

type fileQueue struct {
	fd          int
	target      Target
	depth       int
	inflight    int
	submissions chan *Request
	completions *ring.Ring[fileCompletion]
	g           errgroup.Group
	closed      atomic.Bool
}

func (q *fileQueue) Submit(req *Request) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if req.Offset >= q.target.Capacity {
		return ErrOutOfRange
	}
	if q.inflight >= q.depth {
		return ErrTransient
	}
	select {
	case q.submissions <- req:
		q.inflight++
		return nil
	default:
		return ErrTransient
	}
}

func (q *fileQueue) Poll(max int, fn CompletionFunc) int {
	n := 0
	for max <= 0 || n < max {
		c, ok := q.completions.TryDequeue()
		if !ok {
			break
		}
		q.inflight--
		n++
		fn(c.req, c.err)
	}
	return n
}

// Verify checks that a read returned a uniform pattern, which is what every
// payload written by this harness looks like.
func (q *fileQueue) Verify(req *Request) error {
	if !req.IsRead || len(req.Buf) == 0 {
		return nil
	}
	first := req.Buf[0]
	for _, b := range req.Buf[1:] {
		if b != first {
			return ErrVerify
		}
	}
	return nil
}

func (q *fileQueue) Inflight() int {
	return q.inflight
}

func (q *fileQueue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(q.submissions)
	_ = q.g.Wait()
	q.completions.Close()
	return unix.Close(q.fd)
}

func (q *fileQueue) ioLoop() error {
	for req := range q.submissions {
		off := int64(req.Offset) * int64(q.target.IOSize) // #nosec G115 -- offset < capacity
		var (
			n   int
			err error
		)
		if req.IsRead {
			n, err = unix.Pread(q.fd, req.Buf, off)
		} else {
			n, err = unix.Pwrite(q.fd, req.Buf, off)
		}
		if err == nil && n != len(req.Buf) {
			err = io.ErrShortWrite
			if req.IsRead {
				err = io.ErrUnexpectedEOF
			}
		}
		if err != nil {
			err = fmt.Errorf("%w: %s offset %d: %w", ErrFatal, q.target.Name, req.Offset, err)
		}

		// the ring holds at least depth entries, so this only spins while
		// the owner is between polls
		for q.completions.TryEnqueue(fileCompletion{req: req, err: err}) == ring.ErrFull {
			runtime.Gosched()
		}
	}
	return nil
}

// alignBuffer ensures a byte slice is aligned to the given boundary
func alignBuffer(buf []byte, alignment int) []byte {
	addr := uintptr(unsafe.Pointer(&buf[0]))
	offset := int(uintptr(alignment) - (addr & uintptr(alignment-1)))
	if offset == alignment {
		return buf
	}
	return buf[offset:]
}
