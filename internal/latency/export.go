package latency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/utkarsh5026/repbench/internal/algorithms"
)

const (
	DefaultInterval      = time.Second
	DefaultChannelSize   = 16
	defaultRetryAttempts = 5
	defaultRetryDelay    = 10 * time.Millisecond
	defaultRetryJitter   = 0.2
)

// ErrExportBackpressure is returned when a snapshot cannot be handed to the
// sink and the policy does not allow dropping it.
var ErrExportBackpressure = errors.New("latency export channel full")

// Policy decides what happens when the export channel is full.
type Policy int

const (
	// PolicyFail aborts the run.
	PolicyFail Policy = iota
	// PolicyDrop discards the snapshot and logs a warning.
	PolicyDrop
	// PolicyRetry re-sends with jittered exponential backoff, then fails.
	PolicyRetry
)

func (p Policy) String() string {
	switch p {
	case PolicyFail:
		return "fail"
	case PolicyDrop:
		return "drop"
	case PolicyRetry:
		return "retry"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy maps a policy name to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "fail", "":
		return PolicyFail, nil
	case "drop":
		return PolicyDrop, nil
	case "retry":
		return PolicyRetry, nil
	default:
		return 0, fmt.Errorf("unknown export policy %q", s)
	}
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithInterval sets the snapshot period.
func WithInterval(d time.Duration) ExporterOption {
	return func(e *Exporter) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithPolicy sets the back-pressure policy.
func WithPolicy(p Policy) ExporterOption {
	return func(e *Exporter) {
		e.policy = p
	}
}

// WithRetry bounds PolicyRetry.
func WithRetry(attempts int, initialDelay time.Duration) ExporterOption {
	return func(e *Exporter) {
		if attempts > 0 {
			e.retryAttempts = attempts
		}
		if initialDelay > 0 {
			e.retryDelay = initialDelay
		}
	}
}

// WithExportLogger sets the logger used for dropped snapshots.
func WithExportLogger(l *slog.Logger) ExporterOption {
	return func(e *Exporter) {
		if l != nil {
			e.logger = l
		}
	}
}

// Exporter periodically snapshots a Table and sends the snapshot on out.
// It owns out and closes it when Run returns, which is how the sink learns
// the run is over.
type Exporter struct {
	table         *Table
	out           chan<- Snapshot
	interval      time.Duration
	policy        Policy
	retryAttempts int
	retryDelay    time.Duration
	logger        *slog.Logger
	backoff       *algorithms.Backoff

	exported atomic.Uint64
	dropped  atomic.Uint64
}

// NewExporter creates an exporter for table.
func NewExporter(table *Table, out chan<- Snapshot, opts ...ExporterOption) *Exporter {
	e := &Exporter{
		table:         table,
		out:           out,
		interval:      DefaultInterval,
		policy:        PolicyFail,
		retryAttempts: defaultRetryAttempts,
		retryDelay:    defaultRetryDelay,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.backoff = algorithms.NewBackoff(algorithms.BackoffJittered, e.retryDelay, e.interval, defaultRetryJitter)
	return e
}

// Run exports every interval until ctx is done, then exports once more so
// the tail of the run is not lost.
func (e *Exporter) Run(ctx context.Context) error {
	defer close(e.out)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return e.Export(context.WithoutCancel(ctx), time.Now())
		case now := <-ticker.C:
			if err := e.Export(ctx, now); err != nil {
				return err
			}
		}
	}
}

// Export snapshots and resets the table and sends the snapshot according to
// the policy.
func (e *Exporter) Export(ctx context.Context, now time.Time) error {
	snap := e.table.SnapshotAndReset(now)

	if e.trySend(snap) {
		return nil
	}

	switch e.policy {
	case PolicyDrop:
		n := e.dropped.Add(1)
		e.logger.Warn("latency snapshot dropped", "at", now, "dropped_total", n)
		return nil

	case PolicyRetry:
		for attempt := range e.retryAttempts {
			timer := time.NewTimer(e.backoff.Next(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w: %w", ErrExportBackpressure, ctx.Err())
			case <-timer.C:
			}
			if e.trySend(snap) {
				return nil
			}
		}
		return fmt.Errorf("%w after %d retries", ErrExportBackpressure, e.retryAttempts)

	default:
		return ErrExportBackpressure
	}
}

// Exported returns the number of snapshots handed to the sink.
func (e *Exporter) Exported() uint64 { return e.exported.Load() }

// Dropped returns the number of snapshots discarded under PolicyDrop.
func (e *Exporter) Dropped() uint64 { return e.dropped.Load() }

func (e *Exporter) trySend(s Snapshot) bool {
	select {
	case e.out <- s:
		e.exported.Add(1)
		return true
	default:
		return false
	}
}
