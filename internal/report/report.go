// Package report renders end-of-run summaries for the terminal.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/utkarsh5026/repbench/bench"
)

var (
	bold  = color.New(color.Bold)
	green = color.New(color.FgGreen)
	red   = color.New(color.FgRed)
)

// Render writes the per-endpoint throughput and latency table followed by a
// status footer.
func Render(w io.Writer, res *bench.Result) error {
	sectionHeader(w, "REPLICATED I/O RESULTS",
		fmt.Sprintf("%s elapsed, %d byte I/O, %d groups allocated",
			res.Elapsed.Round(time.Millisecond), res.IOSize, res.GroupsAllocated))

	table := tablewriter.NewWriter(w)
	table.Header("Endpoint", "Submitted", "Completed", "IOPS", "MiB/s", "Avg", "Min", "Max", "Errors", "Status")

	for _, ep := range res.Endpoints {
		if err := table.Append(row(ep)...); err != nil {
			return err
		}
	}
	if err := table.Append(row(res.Total)...); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("render results: %w", err)
	}

	footer(w, res)
	return nil
}

func row(ep bench.EndpointResult) []any {
	return []any{
		ep.Name,
		FormatNumber(ep.Submitted),
		FormatNumber(ep.Completed),
		FormatNumber(uint64(ep.IOPS)),
		fmt.Sprintf("%.2f", ep.MiBps),
		FormatLatency(ep.AvgLatency()),
		FormatLatency(ep.MinLatency),
		FormatLatency(ep.MaxLatency),
		FormatNumber(ep.Errors),
		statusString(ep.Status),
	}
}

func statusString(status int) string {
	if status == 0 {
		return "ok"
	}
	return fmt.Sprintf("failed (%d)", status)
}

func sectionHeader(w io.Writer, title string, descriptions ...string) {
	rule := strings.Repeat("═", 59)
	_, _ = fmt.Fprintln(w)
	_, _ = bold.Fprintln(w, rule)
	_, _ = bold.Fprintln(w, title)
	_, _ = bold.Fprintln(w, rule)
	for _, desc := range descriptions {
		_, _ = fmt.Fprintln(w, desc)
	}
	_, _ = fmt.Fprintln(w)
}

func footer(w io.Writer, res *bench.Result) {
	_, _ = fmt.Fprintln(w)
	if res.Gates > 0 {
		_, _ = fmt.Fprintf(w, "pacing gates: %s, %s groups paced\n", FormatNumber(res.Gates), FormatNumber(res.GroupsPaced))
	}
	if res.SnapshotsExported > 0 || res.SnapshotsDropped > 0 {
		_, _ = fmt.Fprintf(w, "latency snapshots: %d exported, %d dropped\n", res.SnapshotsExported, res.SnapshotsDropped)
	}
	if res.GroupsReleased != res.GroupsAllocated {
		_, _ = red.Fprintf(w, "%d task groups were not released\n", res.GroupsAllocated-res.GroupsReleased)
	}
	if res.ExitCode != 0 {
		_, _ = red.Fprintf(w, "run finished with errors (exit code %d)\n", res.ExitCode)
		return
	}
	_, _ = green.Fprintln(w, "run finished cleanly")
}

// FormatNumber formats n with comma separators.
func FormatNumber(n uint64) string {
	s := fmt.Sprintf("%d", n)
	var b strings.Builder
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return b.String()
}

// FormatLatency formats d in the most readable unit.
func FormatLatency(d time.Duration) string {
	if d == 0 {
		return "0"
	}

	ns := d.Nanoseconds()
	switch {
	case ns < 1_000:
		return fmt.Sprintf("%dns", ns)
	case ns < 1_000_000:
		return trimUnit(float64(ns)/1_000, "µs", 1)
	case ns < 1_000_000_000:
		return trimUnit(float64(ns)/1_000_000, "ms", 2)
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}

func trimUnit(v float64, unit string, prec int) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d%s", int64(v), unit)
	}
	return fmt.Sprintf("%.*f%s", prec, v, unit)
}

// Progress formats a live throughput sample as a one-line description.
func Progress(s bench.Sample) string {
	return fmt.Sprintf("%s IOPS, %.2f MiB/s", FormatNumber(uint64(s.IOPS)), s.MiBps)
}
