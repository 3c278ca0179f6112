package replica

import (
	"math"
	"testing"
)

func TestNextSeq(t *testing.T) {
	tests := []struct {
		name string
		prev uint32
		step uint32
		want uint32
	}{
		{"simple", 1, 4, 5},
		{"wraps past zero", math.MaxUint32 - 2, 4, 1},
		{"lands on zero", math.MaxUint32 - 3, 4, 1},
		{"step one at max", math.MaxUint32, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextSeq(tt.prev, tt.step); got != tt.want {
				t.Errorf("NextSeq(%d, %d) = %d, want %d", tt.prev, tt.step, got, tt.want)
			}
		})
	}
}

func TestNextSeq_NeverZero(t *testing.T) {
	seq := uint32(math.MaxUint32 - 100)
	for range 1000 {
		next := NextSeq(seq, 3)
		if next == 0 {
			t.Fatal("NextSeq produced the reserved value 0")
		}
		seq = next
	}
}

func TestState_String(t *testing.T) {
	if StateAwaitingCompletions.String() != "awaiting" {
		t.Errorf("String() = %q", StateAwaitingCompletions.String())
	}
	if State(99).String() != "State(99)" {
		t.Errorf("String() = %q", State(99).String())
	}
}
