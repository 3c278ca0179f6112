package bench

import (
	"errors"
	"testing"
	"time"

	"github.com/utkarsh5026/repbench/internal/backend"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		endpoints int
		opts      []Option
		wantErr   error
	}{
		{"defaults", 1, nil, nil},
		{"no endpoints", 0, nil, ErrNoEndpoints},
		{"replicas exceed endpoints", 2, []Option{WithReplicaCount(3)}, ErrInvalidConfig},
		{"zero replicas", 1, []Option{WithReplicaCount(0)}, ErrInvalidConfig},
		{"zero queue depth", 1, []Option{WithQueueDepth(0)}, ErrInvalidConfig},
		{"zero batch", 1, []Option{WithBatchSize(0)}, ErrInvalidConfig},
		{"read percent above 100", 1, []Option{WithReadPercent(101)}, ErrInvalidConfig},
		{"negative read percent", 1, []Option{WithReadPercent(-1)}, ErrInvalidConfig},
		{"negative rate", 1, []Option{WithTargetOpsPerSecond(-5)}, ErrInvalidConfig},
		{"zipf theta of one", 1, []Option{WithZipfTheta(1)}, ErrInvalidConfig},
		{"zero quiet count", 1, []Option{WithQuietCount(0)}, ErrInvalidConfig},
		{"verify without reads", 1, []Option{WithVerify(true)}, ErrInvalidConfig},
		{"number ios below queue depth", 1, []Option{WithQueueDepth(8), WithNumberIOs(2)}, ErrInvalidConfig},
		{"number ios equal to queue depth", 1, []Option{WithQueueDepth(8), WithNumberIOs(8)}, nil},
		{"number ios with warmup", 1, []Option{WithNumberIOs(100), WithWarmup(time.Second)}, ErrInvalidConfig},
		{"tiny rate", 1, []Option{WithTargetOpsPerSecond(1e-12)}, nil},
		{"three of three", 3, []Option{WithReplicaCount(3), WithQueueDepth(4)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bc := newBench(t, backend.NewMemory(), tt.endpoints, tt.opts...)
			err := bc.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAddEndpoint(t *testing.T) {
	bc := New(backend.NewMemory(), WithIOSize(8192), WithLogger(quietLogger()))
	if err := bc.AddEndpoint(backend.Target{Name: "a", Capacity: 10}); err != nil {
		t.Fatalf("AddEndpoint() error = %v", err)
	}
	if err := bc.AddEndpoint(backend.Target{Name: "a", Capacity: 10}); !errors.Is(err, ErrDuplicateTarget) {
		t.Errorf("duplicate AddEndpoint() error = %v, want ErrDuplicateTarget", err)
	}
	if err := bc.AddEndpoint(backend.Target{Name: "b", Capacity: 10, IOSize: 4096}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("mismatched io size error = %v, want ErrInvalidConfig", err)
	}
	if err := bc.AddEndpoint(backend.Target{Name: "c"}); err == nil {
		t.Error("zero capacity accepted")
	}
	if got := bc.Endpoints(); len(got) != 1 || got[0] != "a" {
		t.Errorf("Endpoints() = %v, want [a]", got)
	}
}

func TestPartition(t *testing.T) {
	bc := newBench(t, backend.NewMemory(), 5, WithReplicaCount(2), WithWorkerCount(4))
	parts := bc.partition()
	if len(parts) != 2 {
		t.Fatalf("partition() made %d workers, want 2", len(parts))
	}
	for i, p := range parts {
		if len(p) < 2 {
			t.Errorf("worker %d holds %d endpoints, fewer than the replica count", i, len(p))
		}
	}

	shared := newBench(t, backend.NewMemory(), 2, WithReplicaCount(2), WithWorkerCount(3), WithSharedEndpoints(true))
	for i, p := range shared.partition() {
		if len(p) != 2 {
			t.Errorf("shared worker %d holds %d endpoints, want 2", i, len(p))
		}
	}
}
