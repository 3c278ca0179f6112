package bench

import (
	"io"
	"log/slog"
	"time"

	"github.com/utkarsh5026/repbench/internal/dispatch"
	"github.com/utkarsh5026/repbench/internal/latency"
	"github.com/utkarsh5026/repbench/internal/workload"
)

// Pacing selects how rate-limited groups are released.
type Pacing int

const (
	// PacingWindow releases one batch per (1s / ops) * batch window, measured
	// from the previous release.
	PacingWindow Pacing = iota
	// PacingTokenBucket releases batches from a token bucket, catching up
	// after short stalls.
	PacingTokenBucket
)

func (p Pacing) String() string {
	if p == PacingTokenBucket {
		return "token-bucket"
	}
	return "window"
}

// Option configures a BenchmarkContext.
type Option func(*config)

type config struct {
	replicas        int
	queueDepth      int
	ioSize          uint32
	blockSize       uint32
	readPercent     int
	mode            workload.Mode
	zipfTheta       float64
	seed            uint64
	batchSize       int
	targetOps       float64
	spin            dispatch.SpinStrategy
	pacing          Pacing
	primaryLast     bool
	continueOnError bool
	verify          bool

	duration   time.Duration
	warmup     time.Duration
	numberIOs  uint64
	workers    int
	shared     bool
	affinity   bool
	quietCount int

	exportInterval time.Duration
	exportPolicy   latency.Policy
	exportAttempts int
	exportDelay    time.Duration
	exportChannel  int
	exportPath     string
	exportWriter   io.Writer

	sampleInterval time.Duration
	onSample       func(Sample)

	logger *slog.Logger
}

func defaultConfig() config {
	return config{
		replicas:       1,
		queueDepth:     1,
		ioSize:         4096,
		blockSize:      512,
		readPercent:    0,
		mode:           workload.Sequential,
		seed:           1,
		batchSize:      1,
		workers:        1,
		quietCount:     1,
		exportInterval: latency.DefaultInterval,
		exportPolicy:   latency.PolicyFail,
		exportChannel:  latency.DefaultChannelSize,
		sampleInterval: time.Second,
	}
}

// WithReplicaCount sets how many endpoints each logical operation is written
// to.
func WithReplicaCount(n int) Option {
	return func(c *config) { c.replicas = n }
}

// WithQueueDepth sets the number of task groups each worker keeps in flight.
func WithQueueDepth(n int) Option {
	return func(c *config) { c.queueDepth = n }
}

// WithIOSize sets the payload size in bytes for endpoints registered without
// one.
func WithIOSize(n uint32) Option {
	return func(c *config) { c.ioSize = n }
}

// WithBlockSize sets the block size for endpoints registered without one.
func WithBlockSize(n uint32) Option {
	return func(c *config) { c.blockSize = n }
}

// WithReadPercent sets the share of reads, 0 to 100.
func WithReadPercent(p int) Option {
	return func(c *config) { c.readPercent = p }
}

// WithAccessMode selects sequential or random offsets.
func WithAccessMode(m workload.Mode) Option {
	return func(c *config) { c.mode = m }
}

// WithZipfTheta enables Zipf-skewed offsets. 0 disables skew.
func WithZipfTheta(theta float64) Option {
	return func(c *config) { c.zipfTheta = theta }
}

// WithSeed sets the base seed for offset and read/write draws.
func WithSeed(seed uint64) Option {
	return func(c *config) { c.seed = seed }
}

// WithBatchSize sets how many groups are released per pacing gate.
func WithBatchSize(n int) Option {
	return func(c *config) { c.batchSize = n }
}

// WithTargetOpsPerSecond enables rate limiting at ops groups per second per
// worker. 0 disables it and groups are resubmitted as soon as they complete.
func WithTargetOpsPerSecond(ops float64) Option {
	return func(c *config) { c.targetOps = ops }
}

// WithSpinStrategy selects what the pacing gate does while waiting.
func WithSpinStrategy(s dispatch.SpinStrategy) Option {
	return func(c *config) { c.spin = s }
}

// WithPacing selects the pacing gate.
func WithPacing(p Pacing) Option {
	return func(c *config) { c.pacing = p }
}

// WithPrimaryLast submits each group's primary replica after its
// secondaries instead of first.
func WithPrimaryLast(enabled bool) Option {
	return func(c *config) { c.primaryLast = enabled }
}

// WithContinueOnError keeps going after I/O errors. Transient submission
// failures are parked on the endpoint's retry queue.
func WithContinueOnError(enabled bool) Option {
	return func(c *config) { c.continueOnError = enabled }
}

// WithVerify checks completed reads against the written pattern.
func WithVerify(enabled bool) Option {
	return func(c *config) { c.verify = enabled }
}

// WithDuration bounds the measured part of the run. 0 runs until the context
// is cancelled or every group has retired.
func WithDuration(d time.Duration) Option {
	return func(c *config) { c.duration = d }
}

// WithWarmup runs for d before measuring; statistics gathered during warmup
// are discarded.
func WithWarmup(d time.Duration) Option {
	return func(c *config) { c.warmup = d }
}

// WithNumberIOs drains each endpoint context after it has submitted n I/Os.
func WithNumberIOs(n uint64) Option {
	return func(c *config) { c.numberIOs = n }
}

// WithWorkerCount sets the number of worker goroutines, one per core.
func WithWorkerCount(n int) Option {
	return func(c *config) { c.workers = n }
}

// WithSharedEndpoints gives every worker independent state for every
// endpoint instead of partitioning endpoints across workers.
func WithSharedEndpoints(enabled bool) Option {
	return func(c *config) { c.shared = enabled }
}

// WithCPUAffinity pins each worker to its own core.
func WithCPUAffinity(enabled bool) Option {
	return func(c *config) { c.affinity = enabled }
}

// WithQuietCount logs only every n-th I/O error.
func WithQuietCount(n int) Option {
	return func(c *config) { c.quietCount = n }
}

// WithExportInterval sets the latency snapshot period.
func WithExportInterval(d time.Duration) Option {
	return func(c *config) { c.exportInterval = d }
}

// WithExportPolicy selects what happens when the latency logger falls
// behind.
func WithExportPolicy(p latency.Policy) Option {
	return func(c *config) { c.exportPolicy = p }
}

// WithExportRetry configures the retry export policy.
func WithExportRetry(attempts int, initialDelay time.Duration) Option {
	return func(c *config) {
		c.exportAttempts = attempts
		c.exportDelay = initialDelay
	}
}

// WithExportChannelSize bounds the number of snapshots buffered between the
// exporter and the logger.
func WithExportChannelSize(n int) Option {
	return func(c *config) { c.exportChannel = n }
}

// WithExportPath appends latency snapshots to the CSV file at path.
func WithExportPath(path string) Option {
	return func(c *config) { c.exportPath = path }
}

// WithExportWriter writes latency snapshots to w, header first.
func WithExportWriter(w io.Writer) Option {
	return func(c *config) { c.exportWriter = w }
}

// WithProgress calls fn every interval with cumulative throughput.
func WithProgress(interval time.Duration, fn func(Sample)) Option {
	return func(c *config) {
		if interval > 0 {
			c.sampleInterval = interval
		}
		c.onSample = fn
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}
