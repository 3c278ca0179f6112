package ring

import (
	"sync"
	"testing"
)

func TestRing_FIFO(t *testing.T) {
	r := New[int](8)

	for i := range 5 {
		if err := r.TryEnqueue(i); err != nil {
			t.Fatalf("failed to enqueue %d: %v", i, err)
		}
	}

	for i := range 5 {
		v, ok := r.TryDequeue()
		if !ok {
			t.Fatalf("expected value at position %d", i)
		}
		if v != i {
			t.Errorf("expected %d, got %d", i, v)
		}
	}

	if _, ok := r.TryDequeue(); ok {
		t.Error("expected empty ring")
	}
}

func TestRing_CapacityRoundsUp(t *testing.T) {
	tests := []struct {
		requested int
		want      int
	}{
		{requested: 0, want: 2},
		{requested: 3, want: 4},
		{requested: 8, want: 8},
		{requested: 100, want: 128},
	}

	for _, tt := range tests {
		if got := New[int](tt.requested).Cap(); got != tt.want {
			t.Errorf("New(%d).Cap() = %d, want %d", tt.requested, got, tt.want)
		}
	}
}

func TestRing_FullReturnsErrFull(t *testing.T) {
	r := New[int](4)
	for i := range 4 {
		if err := r.TryEnqueue(i); err != nil {
			t.Fatalf("failed to enqueue %d: %v", i, err)
		}
	}

	if err := r.TryEnqueue(99); err != ErrFull {
		t.Fatalf("expected ErrFull, got %v", err)
	}

	// one slot freed, one enqueue allowed
	if _, ok := r.TryDequeue(); !ok {
		t.Fatal("expected a value")
	}
	if err := r.TryEnqueue(99); err != nil {
		t.Fatalf("expected enqueue after dequeue to succeed, got %v", err)
	}
	if r.Len() != 4 {
		t.Errorf("expected len 4, got %d", r.Len())
	}
}

func TestRing_Closed(t *testing.T) {
	r := New[int](4)
	_ = r.TryEnqueue(1)
	r.Close()

	if err := r.TryEnqueue(2); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if v, ok := r.TryDequeue(); !ok || v != 1 {
		t.Fatalf("expected queued value 1 to survive close, got %d %v", v, ok)
	}
}

func TestRing_ConcurrentProducersSingleConsumer(t *testing.T) {
	const producers = 8
	const perProducer = 2000

	r := New[int](256)
	var wg sync.WaitGroup

	for p := range producers {
		wg.Go(func() {
			for i := range perProducer {
				v := p*perProducer + i
				for r.TryEnqueue(v) == ErrFull {
				}
			}
		})
	}

	seen := make([]bool, producers*perProducer)
	received := 0
	for received < producers*perProducer {
		v, ok := r.TryDequeue()
		if !ok {
			continue
		}
		if seen[v] {
			t.Fatalf("value %d dequeued twice", v)
		}
		seen[v] = true
		received++
	}
	wg.Wait()
}
