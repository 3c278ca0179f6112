// Package bench runs replicated-write storage benchmarks.
//
// A BenchmarkContext holds every endpoint and setting of one run. Each worker
// keeps queue-depth task groups in flight; a group writes (or reads) the same
// offset on replica-count endpoints and is renewed only after every replica
// completed. Groups are owned by exactly one worker and are never shared, so
// the only state crossing goroutines is the latency table read by the
// exporter.
//
// Basic usage:
//
//	bc := bench.New(backend.NewMemory(),
//		bench.WithReplicaCount(3),
//		bench.WithQueueDepth(32),
//		bench.WithDuration(10*time.Second),
//	)
//	for _, t := range targets {
//		if err := bc.AddEndpoint(t); err != nil {
//			return err
//		}
//	}
//	res, err := bc.Run(ctx)
package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/utkarsh5026/repbench/internal/backend"
	"github.com/utkarsh5026/repbench/internal/cpu"
	"github.com/utkarsh5026/repbench/internal/latency"
	"github.com/utkarsh5026/repbench/internal/workload"
)

var (
	ErrNoEndpoints     = errors.New("no endpoints registered")
	ErrInvalidConfig   = errors.New("invalid benchmark configuration")
	ErrDuplicateTarget = errors.New("endpoint already registered")
	ErrRunning         = errors.New("benchmark already ran")
)

type endpoint struct {
	index  int
	target backend.Target
	seed   uint64
}

// BenchmarkContext is the explicit state of one run: configuration,
// endpoints and the shared latency table.
type BenchmarkContext struct {
	cfg       config
	backend   backend.Backend
	endpoints []*endpoint
	names     map[string]struct{}
	table     *latency.Table
	ran       bool
}

// New creates a benchmark driving be.
func New(be backend.Backend, opts ...Option) *BenchmarkContext {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return &BenchmarkContext{
		cfg:     cfg,
		backend: be,
		names:   make(map[string]struct{}),
	}
}

// AddEndpoint registers a target. Block and I/O size default to the
// configured values when zero.
func (b *BenchmarkContext) AddEndpoint(t backend.Target) error {
	if t.IOSize == 0 {
		t.IOSize = b.cfg.ioSize
	}
	if t.BlockSize == 0 {
		t.BlockSize = b.cfg.blockSize
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if t.IOSize != b.cfg.ioSize {
		return fmt.Errorf("%w: endpoint %s io size %d differs from run io size %d", ErrInvalidConfig, t.Name, t.IOSize, b.cfg.ioSize)
	}
	if _, ok := b.names[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTarget, t.Name)
	}
	b.names[t.Name] = struct{}{}

	idx := len(b.endpoints)
	b.endpoints = append(b.endpoints, &endpoint{
		index:  idx,
		target: t,
		seed:   b.cfg.seed + uint64(idx)*0x9e3779b97f4a7c15,
	})
	return nil
}

// Endpoints returns the registered endpoint names in registration order.
func (b *BenchmarkContext) Endpoints() []string {
	names := make([]string, len(b.endpoints))
	for i, ep := range b.endpoints {
		names[i] = ep.target.Name
	}
	return names
}

// Validate checks the configuration against the registered endpoints.
func (b *BenchmarkContext) Validate() error {
	c := &b.cfg
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}

	if b.backend == nil {
		errs = append(errs, fmt.Errorf("%w: nil backend", ErrInvalidConfig))
	}
	if len(b.endpoints) == 0 {
		errs = append(errs, ErrNoEndpoints)
	}
	check(c.replicas >= 1, "replica count %d must be at least 1", c.replicas)
	check(len(b.endpoints) == 0 || c.replicas <= len(b.endpoints),
		"replica count %d exceeds %d registered endpoints", c.replicas, len(b.endpoints))
	check(c.queueDepth >= 1, "queue depth %d must be at least 1", c.queueDepth)
	check(c.ioSize > 0, "io size must be positive")
	check(c.batchSize >= 1, "batch size %d must be at least 1", c.batchSize)
	check(c.readPercent >= 0 && c.readPercent <= 100, "read percent %d outside [0, 100]", c.readPercent)
	check(c.targetOps >= 0, "target ops/s %v is negative", c.targetOps)
	check(c.zipfTheta >= 0 && c.zipfTheta < 1, "zipf theta %v outside [0, 1)", c.zipfTheta)
	check(c.workers >= 1, "worker count %d must be at least 1", c.workers)
	check(c.quietCount >= 1, "quiet count %d must be at least 1", c.quietCount)
	check(c.duration >= 0 && c.warmup >= 0, "durations must not be negative")
	check(c.numberIOs == 0 || c.numberIOs >= uint64(c.queueDepth),
		"number of I/Os %d is below queue depth %d", c.numberIOs, c.queueDepth)
	check(c.numberIOs == 0 || c.warmup == 0, "number of I/Os cannot be combined with warmup")
	check(c.exportInterval > 0, "export interval must be positive")
	check(c.exportChannel >= 1, "export channel size %d must be at least 1", c.exportChannel)
	check(c.exportPath == "" || c.exportWriter == nil, "export path and writer are mutually exclusive")
	check(!c.verify || c.readPercent > 0, "verification needs reads")

	return errors.Join(errs...)
}

// Table returns the latency table of the current or last run.
func (b *BenchmarkContext) Table() *latency.Table { return b.table }

// partition assigns endpoints to workers. In shared mode every worker gets
// every endpoint; otherwise endpoints are dealt round robin and the worker
// count shrinks until each worker holds at least replica-count endpoints.
func (b *BenchmarkContext) partition() [][]*endpoint {
	if b.cfg.shared {
		out := make([][]*endpoint, b.cfg.workers)
		for i := range out {
			out[i] = b.endpoints
		}
		return out
	}

	workers := min(b.cfg.workers, len(b.endpoints)/b.cfg.replicas)
	workers = max(workers, 1)
	out := make([][]*endpoint, workers)
	for i, ep := range b.endpoints {
		out[i%workers] = append(out[i%workers], ep)
	}
	return out
}

// Run executes the benchmark. It returns when the configured duration
// elapses, ctx is cancelled, or every group has retired, always after
// draining in-flight I/O.
func (b *BenchmarkContext) Run(ctx context.Context) (*Result, error) {
	if b.ran {
		return nil, ErrRunning
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	b.ran = true
	log := b.cfg.logger

	minCap := b.endpoints[0].target.Capacity
	for _, ep := range b.endpoints[1:] {
		minCap = min(minCap, ep.target.Capacity)
	}
	gen, err := workload.NewGenerator(b.cfg.mode, b.cfg.readPercent, minCap)
	if err != nil {
		return nil, err
	}
	b.table = latency.NewTable(b.Endpoints())

	parts := b.partition()
	if len(parts) < b.cfg.workers {
		log.Warn("fewer workers than requested", "requested", b.cfg.workers, "workers", len(parts),
			"endpoints", len(b.endpoints), "replicas", b.cfg.replicas)
	}
	cores := cpu.Assign(len(parts), cpu.Allowed())
	workers := make([]*worker, 0, len(parts))
	for i, eps := range parts {
		w, err := newWorker(i, cores[i], &b.cfg, b.backend, gen, b.table, eps)
		if err != nil {
			for _, prev := range workers {
				prev.closeQueues()
			}
			return nil, err
		}
		workers = append(workers, w)
	}

	exp, sink, snapshots, err := b.exportPipeline()
	if err != nil {
		for _, w := range workers {
			w.closeQueues()
		}
		return nil, err
	}

	log.Info("benchmark starting",
		"backend", b.backend.Name(),
		"endpoints", len(b.endpoints),
		"workers", len(workers),
		"replicas", b.cfg.replicas,
		"queue_depth", b.cfg.queueDepth,
		"io_size", b.cfg.ioSize,
		"mode", b.cfg.mode,
		"read_percent", b.cfg.readPercent,
		"target_ops", b.cfg.targetOps,
		"batch", b.cfg.batchSize,
	)

	g, gctx := errgroup.WithContext(ctx)
	auxCtx, stopAux := context.WithCancel(gctx)
	defer stopAux()

	runCtx := gctx
	if b.cfg.duration > 0 {
		var stopRun context.CancelFunc
		runCtx, stopRun = context.WithTimeout(gctx, b.cfg.warmup+b.cfg.duration)
		defer stopRun()
	}

	if exp != nil {
		g.Go(func() error { return exp.Run(auxCtx) })
		g.Go(func() error {
			err := sink.Consume(snapshots)
			return errors.Join(err, sink.Close())
		})
	}

	start := time.Now()
	warmupEnd := start.Add(b.cfg.warmup)
	if b.cfg.onSample != nil {
		g.Go(func() error {
			b.sample(auxCtx, workers, warmupEnd)
			return nil
		})
	}

	g.Go(func() error {
		defer stopAux()
		var wg errgroup.Group
		for _, w := range workers {
			wg.Go(func() error { return w.run(runCtx, warmupEnd) })
		}
		return wg.Wait()
	})

	err = g.Wait()
	elapsed := time.Since(start) - b.cfg.warmup
	if elapsed <= 0 {
		elapsed = time.Since(start)
	}

	res := b.collect(workers, elapsed)
	if exp != nil {
		res.SnapshotsExported = exp.Exported()
		res.SnapshotsDropped = exp.Dropped()
	}
	log.Info("benchmark finished",
		"elapsed", elapsed,
		"iops", fmt.Sprintf("%.0f", res.Total.IOPS),
		"mib_s", fmt.Sprintf("%.2f", res.Total.MiBps),
		"exit_code", res.ExitCode,
	)
	return res, err
}

func (b *BenchmarkContext) exportPipeline() (*latency.Exporter, *latency.Sink, chan latency.Snapshot, error) {
	var sink *latency.Sink
	switch {
	case b.cfg.exportPath != "":
		s, err := latency.OpenSink(b.cfg.exportPath)
		if err != nil {
			return nil, nil, nil, err
		}
		sink = s
	case b.cfg.exportWriter != nil:
		sink = latency.NewSink(b.cfg.exportWriter, true)
	default:
		return nil, nil, nil, nil
	}

	ch := make(chan latency.Snapshot, b.cfg.exportChannel)
	opts := []latency.ExporterOption{
		latency.WithInterval(b.cfg.exportInterval),
		latency.WithPolicy(b.cfg.exportPolicy),
		latency.WithExportLogger(b.cfg.logger),
	}
	if b.cfg.exportAttempts > 0 {
		opts = append(opts, latency.WithRetry(b.cfg.exportAttempts, b.cfg.exportDelay))
	}
	return latency.NewExporter(b.table, ch, opts...), sink, ch, nil
}

// sample reports cumulative throughput until ctx ends.
func (b *BenchmarkContext) sample(ctx context.Context, workers []*worker, warmupEnd time.Time) {
	ticker := time.NewTicker(b.cfg.sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(warmupEnd) {
				continue
			}
			var completed uint64
			for _, w := range workers {
				for _, wc := range w.ctxs {
					completed += wc.completed.Load()
				}
			}
			elapsed := now.Sub(warmupEnd)
			iops, mibps := throughput(completed, b.cfg.ioSize, elapsed)
			b.cfg.onSample(Sample{Elapsed: elapsed, Completed: completed, IOPS: iops, MiBps: mibps})
		}
	}
}

// collect folds per-worker contexts into per-endpoint results. Workers have
// returned, so their stats are safe to read.
func (b *BenchmarkContext) collect(workers []*worker, elapsed time.Duration) *Result {
	res := &Result{
		Elapsed:   elapsed,
		IOSize:    b.cfg.ioSize,
		Endpoints: make([]EndpointResult, len(b.endpoints)),
	}
	for i, ep := range b.endpoints {
		res.Endpoints[i].Name = ep.target.Name
	}

	for _, w := range workers {
		for _, wc := range w.ctxs {
			er := &res.Endpoints[wc.endpoint]
			er.merge(wc.stats)
			if er.Status == 0 {
				er.Status = wc.status
			}
			if res.ExitCode == 0 && wc.status != 0 {
				res.ExitCode = wc.status
			}
		}
		s := w.arena.Stats()
		res.GroupsAllocated += s.GroupsAllocated
		res.GroupsReleased += s.GroupsFreed
		if w.sched != nil {
			res.Gates += w.sched.Gates()
			res.GroupsPaced += w.sched.Released()
		}
	}

	res.Total.Name = "total"
	for i := range res.Endpoints {
		er := &res.Endpoints[i]
		er.IOPS, er.MiBps = throughput(er.Completed, b.cfg.ioSize, elapsed)
		res.Total.merge(er.Stats)
	}
	res.Total.IOPS, res.Total.MiBps = throughput(res.Total.Completed, b.cfg.ioSize, elapsed)
	res.Total.Status = res.ExitCode
	return res
}
