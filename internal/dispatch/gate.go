package dispatch

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"time"

	"golang.org/x/time/rate"
)

// ctxCheckInterval is how many failed polls a gate makes between checks of
// the exit signal.
const ctxCheckInterval = 1024

// SpinStrategy controls what a gate does between polls.
type SpinStrategy int

const (
	// SpinBusy re-polls immediately, keeping the core hot for the most
	// precise release timing.
	SpinBusy SpinStrategy = iota
	// SpinYield calls runtime.Gosched between polls.
	SpinYield
)

func (s SpinStrategy) String() string {
	switch s {
	case SpinBusy:
		return "busy"
	case SpinYield:
		return "yield"
	default:
		return fmt.Sprintf("SpinStrategy(%d)", int(s))
	}
}

// ParseSpinStrategy maps a name to a SpinStrategy.
func ParseSpinStrategy(s string) (SpinStrategy, error) {
	switch s {
	case "busy", "":
		return SpinBusy, nil
	case "yield":
		return SpinYield, nil
	default:
		return 0, fmt.Errorf("unknown spin strategy %q", s)
	}
}

// Gate paces batch releases. Wait returns once the next batch may be
// released, or with ctx's error if ctx ends first. Gates never sleep.
type Gate interface {
	Wait(ctx context.Context) error
}

// Window returns the minimum spacing between two batch releases:
// (1s / opsPerSecond) * batchSize, saturating at the largest Duration.
func Window(opsPerSecond float64, batchSize int) time.Duration {
	if opsPerSecond <= 0 {
		return 0
	}
	w := float64(time.Second) / opsPerSecond * float64(batchSize)
	if w >= math.MaxInt64 {
		return math.MaxInt64
	}
	return time.Duration(w)
}

// WindowGate permits a release once at least one window has elapsed since
// the previous permitted release. The reference point moves to the time of
// the permit, not the ideal schedule, so a late release does not cause a
// catch-up burst.
type WindowGate struct {
	window time.Duration
	last   time.Time
	spin   SpinStrategy
	now    func() time.Time

	permits uint64
}

// NewWindowGate creates a gate releasing batchSize operations per window at
// opsPerSecond. The first window starts now.
func NewWindowGate(opsPerSecond float64, batchSize int, spin SpinStrategy) *WindowGate {
	return newWindowGate(opsPerSecond, batchSize, spin, time.Now)
}

func newWindowGate(opsPerSecond float64, batchSize int, spin SpinStrategy, now func() time.Time) *WindowGate {
	return &WindowGate{
		window: Window(opsPerSecond, batchSize),
		last:   now(),
		spin:   spin,
		now:    now,
	}
}

// Ready reports whether a release is permitted now, consuming the permit.
func (g *WindowGate) Ready() bool {
	now := g.now()
	if now.Sub(g.last) < g.window {
		return false
	}
	g.last = now
	g.permits++
	return true
}

func (g *WindowGate) Wait(ctx context.Context) error {
	return spinUntil(ctx, g.spin, g.Ready)
}

// Permits returns how many releases were permitted.
func (g *WindowGate) Permits() uint64 { return g.permits }

// LimiterGate paces releases with a token bucket holding one batch worth of
// tokens. Compared to WindowGate it remembers unused time, so short stalls
// are made up for later.
type LimiterGate struct {
	limiter *rate.Limiter
	batch   int
	spin    SpinStrategy
	now     func() time.Time
}

// NewLimiterGate creates a token-bucket gate at opsPerSecond.
func NewLimiterGate(opsPerSecond float64, batchSize int, spin SpinStrategy) *LimiterGate {
	batchSize = max(batchSize, 1)
	lim := rate.NewLimiter(rate.Limit(opsPerSecond), batchSize)
	// start empty so the first batch is paced like every other one
	lim.AllowN(time.Now(), batchSize)
	return &LimiterGate{
		limiter: lim,
		batch:   batchSize,
		spin:    spin,
		now:     time.Now,
	}
}

// Ready reports whether a batch worth of tokens is available, consuming it.
func (g *LimiterGate) Ready() bool {
	return g.limiter.AllowN(g.now(), g.batch)
}

func (g *LimiterGate) Wait(ctx context.Context) error {
	return spinUntil(ctx, g.spin, g.Ready)
}

func spinUntil(ctx context.Context, spin SpinStrategy, ready func() bool) error {
	for polls := 1; !ready(); polls++ {
		if polls%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if spin == SpinYield {
			runtime.Gosched()
		}
	}
	return nil
}
