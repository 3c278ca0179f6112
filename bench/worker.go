package bench

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/utkarsh5026/repbench/internal/backend"
	"github.com/utkarsh5026/repbench/internal/cpu"
	"github.com/utkarsh5026/repbench/internal/dispatch"
	"github.com/utkarsh5026/repbench/internal/latency"
	"github.com/utkarsh5026/repbench/internal/replica"
	"github.com/utkarsh5026/repbench/internal/workload"
)

// WorkerContext is the state one worker keeps for one endpoint. status is 0
// unless an error was observed without continue-on-error.
type WorkerContext struct {
	endpoint int
	name     string
	queue    backend.Queue
	cursor   *workload.Cursor
	retry    *dispatch.FIFO[replica.TaskID]
	onDone   backend.CompletionFunc

	inflight int
	draining bool
	status   int

	stats     Stats
	completed atomic.Uint64
}

type worker struct {
	id   int
	core int
	cfg  *config
	log  *slog.Logger

	gen   *workload.Generator
	table *latency.Table
	arena *replica.Arena
	sched *dispatch.Scheduler[*replica.Group]
	ctxs  []*WorkerContext

	measuring bool
	errLog    rate.Sometimes
	errCount  uint64
	errLogged uint64
}

func newWorker(id, core int, cfg *config, be backend.Backend, gen *workload.Generator, table *latency.Table, eps []*endpoint) (*worker, error) {
	w := &worker{
		id:        id,
		core:      core,
		cfg:       cfg,
		log:       cfg.logger.With("worker", id),
		gen:       gen,
		table:     table,
		measuring: cfg.warmup == 0,
		errLog:    rate.Sometimes{Every: cfg.quietCount},
	}

	arena, err := replica.NewArena(cfg.replicas, cfg.queueDepth, be.SetupPayload)
	if err != nil {
		return nil, err
	}
	w.arena = arena

	if cfg.targetOps > 0 {
		var gate dispatch.Gate
		switch cfg.pacing {
		case PacingTokenBucket:
			gate = dispatch.NewLimiterGate(cfg.targetOps, cfg.batchSize, cfg.spin)
		default:
			gate = dispatch.NewWindowGate(cfg.targetOps, cfg.batchSize, cfg.spin)
		}
		w.sched = dispatch.NewScheduler[*replica.Group](cfg.batchSize, gate)
	}

	for _, ep := range eps {
		q, err := be.Open(ep.target)
		if err != nil {
			w.closeQueues()
			return nil, fmt.Errorf("worker %d: open %s: %w", id, ep.target.Name, err)
		}
		var zipf *workload.Zipf
		if cfg.zipfTheta > 0 {
			zipf = workload.NewZipf(gen.MinCapacity(), cfg.zipfTheta, ep.seed^uint64(id))
		}
		wc := &WorkerContext{
			endpoint: ep.index,
			name:     ep.target.Name,
			queue:    q,
			cursor:   workload.NewCursor(ep.seed, uint64(id), zipf),
			retry:    dispatch.NewFIFO[replica.TaskID](cfg.queueDepth),
		}
		wc.onDone = w.completion(wc)
		w.ctxs = append(w.ctxs, wc)
	}
	return w, nil
}

// run drives the worker until ctx ends or every group has retired, then
// drains.
func (w *worker) run(ctx context.Context, warmupEnd time.Time) error {
	if w.cfg.affinity {
		release, err := cpu.Pin(w.core)
		defer release()
		if err != nil {
			w.log.Warn("cpu pinning failed", "core", w.core, "err", err)
		}
	}

	if err := w.start(); err != nil {
		w.drain()
		return err
	}

	done := ctx.Done()
loop:
	for {
		for _, wc := range w.ctxs {
			w.flushRetry(wc)
			if n := wc.queue.Poll(0, wc.onDone); n > 0 {
				wc.stats.BusyPolls++
			} else {
				wc.stats.IdlePolls++
			}
		}

		if w.sched != nil {
			if err := w.sched.Tick(ctx, w.releaseParked); err != nil {
				break loop
			}
		}

		if !w.measuring && !time.Now().Before(warmupEnd) {
			w.endWarmup()
		}

		if w.allDraining() || w.arena.Stats().Live() == 0 {
			break
		}

		select {
		case <-done:
			break loop
		default:
		}
	}

	w.drain()
	return nil
}

// start allocates the initial queue-depth groups and submits or parks them.
// Groups touching an endpoint that failed during start are released unsent.
func (w *worker) start() error {
	n := len(w.ctxs)
	endpoints := make([]int, w.cfg.replicas)
	for i := range w.cfg.queueDepth {
		for j := range endpoints {
			endpoints[j] = (i + j) % n
		}
		seq := uint32(i + 1)
		g, err := w.arena.NewGroup(seq, int(w.cfg.ioSize), byte(i%8+1), endpoints, w.cfg.primaryLast)
		if err != nil {
			return fmt.Errorf("worker %d: allocate group: %w", w.id, err)
		}
		if w.touchesDraining(g) {
			w.release(g)
			continue
		}
		if w.sched != nil {
			w.sched.Enqueue(g)
			continue
		}
		w.submitGroup(g)
	}
	return nil
}

func (w *worker) releaseParked(g *replica.Group) {
	if w.touchesDraining(g) {
		w.release(g)
		return
	}
	w.submitGroup(g)
}

// submitGroup draws one access for the whole group from the primary's cursor
// and submits every member.
func (w *worker) submitGroup(g *replica.Group) {
	primary := w.task(g.Primary())
	acc := w.gen.Pick(w.ctxs[primary.Endpoint].cursor)
	w.arena.Assign(g, acc, time.Now())

	for _, id := range g.Members() {
		t := w.task(id)
		w.submitTask(w.ctxs[t.Endpoint], t)
	}
}

// submitTask hands t to its endpoint and reports whether the backend
// accepted it.
func (w *worker) submitTask(wc *WorkerContext, t *replica.Task) bool {
	err := wc.queue.Submit(&t.Req)
	if err == nil {
		now := time.Now()
		w.arena.MarkSubmitted(t, now)
		wc.inflight++
		wc.stats.Submitted++
		if w.measuring {
			w.table.Record(wc.endpoint, latency.Queueing, now.Sub(t.CreatedAt))
		}
		if w.cfg.numberIOs > 0 && wc.stats.Submitted >= w.cfg.numberIOs {
			wc.draining = true
		}
		return true
	}

	if w.cfg.continueOnError && backend.IsTransient(err) {
		if !t.Queued {
			t.Queued = true
			wc.retry.PushBack(t.ID())
		}
		return false
	}

	wc.stats.Errors++
	w.logError("starting I/O failed", "endpoint", wc.name, "err", err)
	wc.status = 1
	wc.draining = true
	// the member never reached the backend; count it so the group retires
	// once its in-flight siblings land
	w.finish(t)
	return false
}

// flushRetry resubmits parked tasks in order until one fails again or the
// context starts draining.
func (w *worker) flushRetry(wc *WorkerContext) {
	for range wc.retry.Len() {
		if wc.draining {
			return
		}
		id, _ := wc.retry.PopFront()
		t := w.task(id)
		t.Queued = false
		wc.stats.Retried++
		if !w.submitTask(wc, t) {
			return
		}
	}
}

func (w *worker) completion(wc *WorkerContext) backend.CompletionFunc {
	return func(req *backend.Request, err error) {
		now := time.Now()
		t := w.task(replica.TaskID(req.Cookie))
		wc.inflight--

		svc := now.Sub(t.SubmittedAt)
		if w.measuring {
			w.table.Record(wc.endpoint, latency.Service, svc)
			wc.stats.record(svc)
			wc.completed.Add(1)
		}

		if err == nil && w.cfg.verify && req.IsRead {
			err = wc.queue.Verify(req)
		}
		if err != nil {
			wc.stats.Errors++
			op := "write"
			if req.IsRead {
				op = "read"
			}
			w.logError(op+" completed with error", "endpoint", wc.name, "offset", req.Offset, "err", err)
			if !w.cfg.continueOnError {
				if backend.IsFatal(err) {
					wc.draining = true
				}
				wc.status = 1
			}
		}

		w.finish(t)
	}
}

// finish counts one member completion and, when the group is complete,
// renews or retires it.
func (w *worker) finish(t *replica.Task) {
	g, complete, err := w.arena.Complete(t)
	if err != nil {
		w.log.Error("completion accounting", "task", t.String(), "err", err)
		return
	}
	if !complete {
		return
	}

	if err := w.arena.Renew(g, uint32(w.cfg.queueDepth)); err != nil {
		w.log.Error("renew group", "seq", g.Seq, "err", err)
		return
	}
	if w.touchesDraining(g) {
		w.release(g)
		return
	}
	if w.sched == nil {
		w.submitGroup(g)
		return
	}
	w.sched.Enqueue(g)
}

func (w *worker) allDraining() bool {
	for _, wc := range w.ctxs {
		if !wc.draining {
			return false
		}
	}
	return true
}

func (w *worker) touchesDraining(g *replica.Group) bool {
	for _, id := range g.Members() {
		if w.ctxs[w.task(id).Endpoint].draining {
			return true
		}
	}
	return false
}

func (w *worker) release(g *replica.Group) {
	if err := w.arena.Release(g); err != nil {
		w.log.Error("release group", "err", err)
	}
}

// drain stops new work, waits for in-flight I/O, then retires every group
// that is still parked or waiting on a retry.
func (w *worker) drain() {
	for _, wc := range w.ctxs {
		wc.draining = true
	}
	if w.sched != nil {
		w.sched.Drain(w.release)
	}

	for {
		inflight := 0
		for _, wc := range w.ctxs {
			if wc.inflight > 0 {
				wc.queue.Poll(0, wc.onDone)
				inflight += wc.inflight
			}
		}
		if inflight == 0 {
			break
		}
		runtime.Gosched()
	}

	for _, wc := range w.ctxs {
		for {
			id, ok := wc.retry.PopFront()
			if !ok {
				break
			}
			w.finish(w.task(id))
		}
	}

	// groups that never reached a backend, e.g. when start failed part way
	var leftover []*replica.Group
	w.arena.Live(func(g *replica.Group) { leftover = append(leftover, g) })
	for _, g := range leftover {
		w.release(g)
	}

	w.closeQueues()
}

func (w *worker) endWarmup() {
	w.measuring = true
	for _, wc := range w.ctxs {
		wc.stats = Stats{}
		wc.completed.Store(0)
	}
	w.log.Debug("warmup finished")
}

func (w *worker) closeQueues() {
	for _, wc := range w.ctxs {
		if err := wc.queue.Close(); err != nil {
			w.log.Warn("close queue", "endpoint", wc.name, "err", err)
		}
	}
}

func (w *worker) task(id replica.TaskID) *replica.Task {
	t, err := w.arena.Task(id)
	if err != nil {
		// a completion for a slot this worker does not own is a bug in the
		// adapter or in group accounting
		panic(err)
	}
	return t
}

// logError logs every quietCount-th error, reporting how many were
// swallowed since the previous line.
func (w *worker) logError(msg string, args ...any) {
	w.errCount++
	w.errLog.Do(func() {
		suppressed := w.errCount - w.errLogged - 1
		w.errLogged = w.errCount
		w.log.Error(msg, append(args, "suppressed", suppressed)...)
	})
}
