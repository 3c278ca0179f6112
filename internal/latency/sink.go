package latency

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// Header is the column contract of the latency log. Consumers of the file
// match on these names.
var Header = []string{"timestamp", "endpoint", "stage", "total_ns", "count", "avg_ns"}

// Sink appends snapshots to a delimited log. The header is written once per
// file.
type Sink struct {
	w      *csv.Writer
	closer io.Closer
	header bool
}

// NewSink writes to w. writeHeader controls whether the header row is
// emitted before the first snapshot.
func NewSink(w io.Writer, writeHeader bool) *Sink {
	return &Sink{w: csv.NewWriter(w), header: !writeHeader}
}

// OpenSink appends to path, creating it if needed. The header is written only
// when the file is empty.
func OpenSink(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) // #nosec G304 -- operator supplied path
	if err != nil {
		return nil, fmt.Errorf("open latency log: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat latency log: %w", err)
	}
	s := NewSink(f, st.Size() == 0)
	s.closer = f
	return s, nil
}

// Write appends every row of snap and flushes.
func (s *Sink) Write(snap Snapshot) error {
	if !s.header {
		if err := s.w.Write(Header); err != nil {
			return err
		}
		s.header = true
	}

	ts := snap.At.UTC().Format(time.RFC3339Nano)
	for _, r := range snap.Rows {
		rec := []string{
			ts,
			r.Endpoint,
			r.Stage.String(),
			strconv.FormatInt(r.Total.Nanoseconds(), 10),
			strconv.FormatUint(r.Count, 10),
			strconv.FormatInt(r.Average().Nanoseconds(), 10),
		}
		if err := s.w.Write(rec); err != nil {
			return err
		}
	}
	s.w.Flush()
	return s.w.Error()
}

// Consume writes snapshots from in until it is closed. A write failure stops
// consumption but keeps draining in so the exporter never blocks on a dead
// sink.
func (s *Sink) Consume(in <-chan Snapshot) error {
	var firstErr error
	for snap := range in {
		if firstErr != nil {
			continue
		}
		if err := s.Write(snap); err != nil {
			firstErr = fmt.Errorf("write latency log: %w", err)
		}
	}
	return firstErr
}

// Close flushes and closes the underlying file, if any.
func (s *Sink) Close() error {
	s.w.Flush()
	err := s.w.Error()
	if s.closer != nil {
		err = errors.Join(err, s.closer.Close())
	}
	return err
}
