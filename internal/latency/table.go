// Package latency measures the two stages of every physical task and ships
// periodic per-endpoint aggregates to a file logger off the I/O hot path.
//
// Workers call Table.Record under a single mutex; an Exporter snapshots and
// resets the table on a fixed interval and hands the snapshot to a Sink
// goroutine through a bounded channel, so file I/O never delays submission or
// polling.
package latency

import (
	"fmt"
	"sync"
	"time"
)

// Stage is one measured interval of a task's lifetime.
type Stage int

const (
	// Queueing is submit time minus creation time.
	Queueing Stage = iota
	// Service is completion time minus submit time.
	Service

	numStages
)

func (s Stage) String() string {
	switch s {
	case Queueing:
		return "queueing"
	case Service:
		return "service"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Aggregate is an accumulated duration and its sample count.
type Aggregate struct {
	Total time.Duration
	Count uint64
}

// Average returns Total / Count, or zero without samples.
func (a Aggregate) Average() time.Duration {
	if a.Count == 0 {
		return 0
	}
	return a.Total / time.Duration(a.Count) // #nosec G115 -- sample counts fit in int64
}

func (a *Aggregate) add(d time.Duration) {
	a.Total += d
	a.Count++
}

// Row is one (endpoint, stage) line of a snapshot.
type Row struct {
	Endpoint string
	Stage    Stage
	Aggregate
}

// Snapshot is the content of a Table at one export tick.
type Snapshot struct {
	At   time.Time
	Rows []Row
}

// Table holds per-endpoint aggregates for every stage. Contention is bounded
// by the number of endpoints, and every critical section is O(#endpoints) or
// less with no nested locking.
type Table struct {
	mu    sync.Mutex
	names []string
	aggs  [][numStages]Aggregate
}

// NewTable creates a table with one row per endpoint, indexed in the order
// given.
func NewTable(endpoints []string) *Table {
	names := make([]string, len(endpoints))
	copy(names, endpoints)
	return &Table{
		names: names,
		aggs:  make([][numStages]Aggregate, len(endpoints)),
	}
}

// Record adds one sample for endpoint index ep.
func (t *Table) Record(ep int, stage Stage, d time.Duration) {
	t.mu.Lock()
	t.aggs[ep][stage].add(d)
	t.mu.Unlock()
}

// Endpoints returns the number of endpoints tracked.
func (t *Table) Endpoints() int {
	return len(t.names)
}

// SnapshotAndReset copies the table and zeroes it in one critical section.
func (t *Table) SnapshotAndReset(at time.Time) Snapshot {
	rows := make([]Row, 0, len(t.names)*int(numStages))

	t.mu.Lock()
	for i, name := range t.names {
		for s := Stage(0); s < numStages; s++ {
			rows = append(rows, Row{Endpoint: name, Stage: s, Aggregate: t.aggs[i][s]})
		}
		t.aggs[i] = [numStages]Aggregate{}
	}
	t.mu.Unlock()

	return Snapshot{At: at, Rows: rows}
}

// Peek returns the current aggregate for one endpoint and stage without
// resetting it.
func (t *Table) Peek(ep int, stage Stage) Aggregate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aggs[ep][stage]
}
