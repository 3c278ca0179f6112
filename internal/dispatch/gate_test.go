package dispatch

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestWindow(t *testing.T) {
	tests := []struct {
		name  string
		ops   float64
		batch int
		want  time.Duration
	}{
		{"1000 ops batch 1", 1000, 1, time.Millisecond},
		{"1000 ops batch 10", 1000, 10, 10 * time.Millisecond},
		{"100k ops batch 32", 100_000, 32, 320 * time.Microsecond},
		{"unlimited", 0, 32, 0},
		{"tiny rate saturates", 1e-12, 1, time.Duration(math.MaxInt64)},
		{"tiny rate large batch", 1e-9, 1 << 20, time.Duration(math.MaxInt64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Window(tt.ops, tt.batch); got != tt.want {
				t.Errorf("Window(%v, %d) = %v, want %v", tt.ops, tt.batch, got, tt.want)
			}
		})
	}
}

func TestWindowGateReady(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	g := newWindowGate(1000, 10, SpinBusy, clk.now)

	if g.Ready() {
		t.Fatal("Ready() before the first window elapsed")
	}
	clk.advance(9 * time.Millisecond)
	if g.Ready() {
		t.Fatal("Ready() at 9ms with a 10ms window")
	}
	clk.advance(time.Millisecond)
	if !g.Ready() {
		t.Fatal("Ready() = false once the window elapsed")
	}
	if g.Ready() {
		t.Fatal("permit was not consumed")
	}

	// a late release moves the reference point to the release time
	clk.advance(25 * time.Millisecond)
	if !g.Ready() {
		t.Fatal("Ready() = false after a late window")
	}
	clk.advance(5 * time.Millisecond)
	if g.Ready() {
		t.Fatal("late release caused a catch-up permit")
	}
	if g.Permits() != 2 {
		t.Errorf("Permits() = %d, want 2", g.Permits())
	}
}

func TestWindowGateTinyRateNeverReady(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	g := newWindowGate(1e-12, 1, SpinBusy, clk.now)

	clk.advance(24 * 365 * time.Hour)
	if g.Ready() {
		t.Fatal("Ready() = true with a saturated window")
	}
}

func TestWindowGateWaitHonorsContext(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	g := newWindowGate(1, 1, SpinYield, clk.now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() = %v, want context.Canceled", err)
	}
}

func TestWindowGateWaitPaces(t *testing.T) {
	g := NewWindowGate(1000, 20, SpinYield)
	start := time.Now()
	for range 5 {
		if err := g.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	elapsed := time.Since(start)
	if elapsed < 100*time.Millisecond {
		t.Errorf("5 windows of 20ms took %v, want at least 100ms", elapsed)
	}
}

func TestLimiterGateWaitPaces(t *testing.T) {
	g := NewLimiterGate(1000, 20, SpinYield)
	start := time.Now()
	for range 5 {
		if err := g.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	// bucket starts empty, so every batch waits for its tokens
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("5 batches of 20 at 1000/s took %v, want about 100ms", elapsed)
	}
}

func TestParseSpinStrategy(t *testing.T) {
	for in, want := range map[string]SpinStrategy{"": SpinBusy, "busy": SpinBusy, "yield": SpinYield} {
		got, err := ParseSpinStrategy(in)
		if err != nil || got != want {
			t.Errorf("ParseSpinStrategy(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseSpinStrategy("sleep"); err == nil {
		t.Error("ParseSpinStrategy(sleep) succeeded")
	}
}
