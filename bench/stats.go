package bench

import (
	"time"
)

// Stats are the counters of one (worker, endpoint) context. Only the worker
// that owns the context writes them; completed is also read by the progress
// sampler.
type Stats struct {
	Submitted uint64
	Completed uint64
	Errors    uint64
	Retried   uint64

	TotalLatency time.Duration
	MinLatency   time.Duration
	MaxLatency   time.Duration

	BusyPolls uint64
	IdlePolls uint64
}

func (s *Stats) record(d time.Duration) {
	s.Completed++
	s.TotalLatency += d
	if s.MinLatency == 0 || d < s.MinLatency {
		s.MinLatency = d
	}
	if d > s.MaxLatency {
		s.MaxLatency = d
	}
}

func (s *Stats) merge(o Stats) {
	s.Submitted += o.Submitted
	s.Completed += o.Completed
	s.Errors += o.Errors
	s.Retried += o.Retried
	s.TotalLatency += o.TotalLatency
	if o.MinLatency > 0 && (s.MinLatency == 0 || o.MinLatency < s.MinLatency) {
		s.MinLatency = o.MinLatency
	}
	s.MaxLatency = max(s.MaxLatency, o.MaxLatency)
	s.BusyPolls += o.BusyPolls
	s.IdlePolls += o.IdlePolls
}

// AvgLatency returns the mean service latency.
func (s Stats) AvgLatency() time.Duration {
	if s.Completed == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Completed)
}

// EndpointResult summarizes one endpoint across every worker that drove it.
type EndpointResult struct {
	Name string
	Stats
	IOPS   float64
	MiBps  float64
	Status int
}

// Result is the outcome of a run.
type Result struct {
	Elapsed   time.Duration
	IOSize    uint32
	Endpoints []EndpointResult
	Total     EndpointResult

	// ExitCode is the first non-zero endpoint status, in worker then
	// endpoint order.
	ExitCode int

	GroupsAllocated uint64
	GroupsReleased  uint64

	// Gates counts pacing waits. GroupsPaced counts groups the scheduler
	// released after parking them.
	Gates       uint64
	GroupsPaced uint64

	SnapshotsExported uint64
	SnapshotsDropped  uint64
}

// Sample is a cumulative throughput reading taken while the run is live.
type Sample struct {
	Elapsed   time.Duration
	Completed uint64
	IOPS      float64
	MiBps     float64
}

func throughput(completed uint64, ioSize uint32, elapsed time.Duration) (iops, mibps float64) {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0, 0
	}
	iops = float64(completed) / secs
	mibps = iops * float64(ioSize) / (1024 * 1024)
	return iops, mibps
}
