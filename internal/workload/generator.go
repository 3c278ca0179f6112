// Package workload chooses the offset and direction of every logical
// operation. One choice is made per task group per round and applied to
// every replica of the group.
package workload

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// Mode selects how offsets are drawn when no Zipf sampler is configured.
type Mode int

const (
	// Sequential walks offsets in order, wrapping at the minimum capacity.
	Sequential Mode = iota
	// Random draws offsets uniformly modulo the minimum capacity.
	Random
)

func (m Mode) String() string {
	switch m {
	case Sequential:
		return "sequential"
	case Random:
		return "random"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode maps a workload name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "seq", "sequential", "write", "read":
		return Sequential, nil
	case "rand", "random", "randwrite", "randread", "randrw":
		return Random, nil
	default:
		return 0, fmt.Errorf("unknown access mode %q", s)
	}
}

var ErrNoCapacity = errors.New("minimum capacity must be positive")

// Access is the decision applied to a whole task group.
type Access struct {
	Offset uint64
	IsRead bool
}

// Generator holds the run-wide access policy. It is immutable and can be
// shared by every worker; mutable draw state lives in a Cursor.
type Generator struct {
	mode        Mode
	readPercent int
	minCapacity uint64
}

// NewGenerator creates a generator. minCapacity is the smallest capacity
// across all registered endpoints, so every replica stays addressable.
func NewGenerator(mode Mode, readPercent int, minCapacity uint64) (*Generator, error) {
	if minCapacity == 0 {
		return nil, ErrNoCapacity
	}
	if readPercent < 0 || readPercent > 100 {
		return nil, fmt.Errorf("read percentage %d outside [0,100]", readPercent)
	}
	return &Generator{
		mode:        mode,
		readPercent: readPercent,
		minCapacity: minCapacity,
	}, nil
}

func (g *Generator) Mode() Mode          { return g.mode }
func (g *Generator) ReadPercent() int    { return g.readPercent }
func (g *Generator) MinCapacity() uint64 { return g.minCapacity }

// Cursor is the draw state of one primary (worker, endpoint) pair: its RNG,
// optional Zipf sampler, and sequential position.
type Cursor struct {
	rng  *rand.Rand
	zipf *Zipf
	next uint64
}

// NewCursor creates draw state. zipf may be nil.
func NewCursor(seed, stream uint64, zipf *Zipf) *Cursor {
	return &Cursor{
		rng:  rand.New(rand.NewPCG(seed, stream)), // #nosec G404 -- workload sampling only
		zipf: zipf,
	}
}

// Pick chooses the offset and direction for the next round of a group.
func (g *Generator) Pick(c *Cursor) Access {
	var offset uint64
	switch {
	case c.zipf != nil:
		offset = c.zipf.Next()
	case g.mode == Random:
		offset = c.rng.Uint64() % g.minCapacity
	default:
		offset = c.next
		c.next++
		if c.next == g.minCapacity {
			c.next = 0
		}
	}

	isRead := g.readPercent == 100 ||
		(g.readPercent != 0 && c.rng.IntN(100) < g.readPercent)

	return Access{Offset: offset, IsRead: isRead}
}
