// Package replica models one logical operation fanned out to several
// endpoints.
//
// Tasks and groups live in a fixed-size Arena owned by a single worker and
// are addressed by stable ids; a Group refers to its members by id only. The
// arena never grows, so pointers it hands out stay valid until the slot is
// released.
package replica

import (
	"errors"
	"fmt"
	"time"

	"github.com/utkarsh5026/repbench/internal/backend"
	"github.com/utkarsh5026/repbench/internal/workload"
)

var (
	ErrArenaExhausted     = errors.New("replica arena exhausted")
	ErrReleased           = errors.New("group already released")
	ErrDuplicateComplete  = errors.New("task already completed this round")
	ErrIncomplete         = errors.New("group has outstanding completions")
	ErrUnknownTask        = errors.New("task does not belong to a live group")
	ErrEndpointMismatch   = errors.New("endpoint count does not match replica count")
	ErrInvalidArenaConfig = errors.New("invalid arena configuration")
)

// TaskID addresses a Task inside its Arena.
type TaskID uint32

// GroupID addresses a Group inside its Arena.
type GroupID uint32

// PayloadFunc allocates a payload buffer of size bytes filled with pattern.
type PayloadFunc func(size int, pattern byte) []byte

// Task is one physical I/O directed at one endpoint.
type Task struct {
	id    TaskID
	group GroupID
	live  bool
	done  bool

	// Endpoint is the worker-local endpoint index the task targets.
	Endpoint int
	// Req is what gets handed to the backend. Req.Buf is this task's own
	// descriptor over the group payload.
	Req backend.Request

	CreatedAt   time.Time
	SubmittedAt time.Time
	// Queued is set while the task sits on its endpoint's retry queue.
	Queued bool
}

func (t *Task) ID() TaskID { return t.id }

func (t *Task) Group() GroupID { return t.group }

// Done reports whether the task completed in the current round.
func (t *Task) Done() bool { return t.done }

func (t *Task) String() string {
	return fmt.Sprintf("task %d (group %d, endpoint %d)", t.id, t.group, t.Endpoint)
}

// Group is a logical operation: one Task per target endpoint plus the shared
// completion counter.
type Group struct {
	id    GroupID
	state State

	// Seq is the group-unique sequence id; never 0.
	Seq uint32
	// Completed counts member completions this round, in [0, replicas].
	Completed int
	Pattern   byte
	// Payload is owned by the primary and shared by every member.
	Payload []byte

	primary TaskID
	members []TaskID
}

func (g *Group) ID() GroupID { return g.id }

func (g *Group) State() State { return g.state }

// Primary returns the id of the task that owns the payload.
func (g *Group) Primary() TaskID { return g.primary }

// Members returns member ids in submission order. The slice must not be
// modified.
func (g *Group) Members() []TaskID { return g.members }

// Stats counts allocations made through an Arena.
type Stats struct {
	GroupsAllocated   uint64
	GroupsFreed       uint64
	TasksAllocated    uint64
	TasksFreed        uint64
	PayloadsAllocated uint64
	PayloadsFreed     uint64
}

// Live returns the number of groups not yet released.
func (s Stats) Live() uint64 { return s.GroupsAllocated - s.GroupsFreed }

// Arena holds up to maxGroups groups of replicas tasks each.
type Arena struct {
	replicas int
	alloc    PayloadFunc

	tasks      []Task
	groups     []Group
	freeGroups []GroupID

	stats Stats
}

// NewArena preallocates room for maxGroups groups.
func NewArena(replicas, maxGroups int, alloc PayloadFunc) (*Arena, error) {
	if replicas < 1 || maxGroups < 1 || alloc == nil {
		return nil, fmt.Errorf("%w: replicas=%d groups=%d", ErrInvalidArenaConfig, replicas, maxGroups)
	}
	a := &Arena{
		replicas:   replicas,
		alloc:      alloc,
		tasks:      make([]Task, replicas*maxGroups),
		groups:     make([]Group, maxGroups),
		freeGroups: make([]GroupID, 0, maxGroups),
	}
	for i := maxGroups - 1; i >= 0; i-- {
		a.freeGroups = append(a.freeGroups, GroupID(i))
	}
	for i := range a.groups {
		a.groups[i].state = StateReleased
	}
	return a, nil
}

// Replicas returns the number of tasks per group.
func (a *Arena) Replicas() int { return a.replicas }

// Stats returns the allocation counters.
func (a *Arena) Stats() Stats { return a.stats }

// NewGroup allocates a group with one task per endpoint. endpoints[0] is the
// primary. With primaryLast the primary is submitted after the secondaries.
func (a *Arena) NewGroup(seq uint32, payloadSize int, pattern byte, endpoints []int, primaryLast bool) (*Group, error) {
	if len(endpoints) != a.replicas {
		return nil, fmt.Errorf("%w: got %d endpoints for %d replicas", ErrEndpointMismatch, len(endpoints), a.replicas)
	}
	if len(a.freeGroups) == 0 {
		return nil, ErrArenaExhausted
	}
	gid := a.freeGroups[len(a.freeGroups)-1]
	a.freeGroups = a.freeGroups[:len(a.freeGroups)-1]

	g := &a.groups[gid]
	members := g.members[:0]
	if members == nil {
		members = make([]TaskID, 0, a.replicas)
	}
	*g = Group{
		id:      gid,
		state:   StateCreated,
		Seq:     seq,
		Pattern: pattern,
		Payload: a.alloc(payloadSize, pattern),
		members: members,
	}
	a.stats.PayloadsAllocated++

	base := int(gid) * a.replicas
	for i, ep := range endpoints {
		tid := TaskID(base + i)
		t := &a.tasks[tid]
		*t = Task{
			id:       tid,
			group:    gid,
			live:     true,
			Endpoint: ep,
			Req: backend.Request{
				Cookie: uint64(tid),
				Buf:    g.Payload[:len(g.Payload):len(g.Payload)],
			},
		}
		a.stats.TasksAllocated++
	}
	g.primary = TaskID(base)

	if primaryLast {
		for i := 1; i < a.replicas; i++ {
			g.members = append(g.members, TaskID(base+i))
		}
		g.members = append(g.members, g.primary)
	} else {
		for i := range a.replicas {
			g.members = append(g.members, TaskID(base+i))
		}
	}

	a.stats.GroupsAllocated++
	return g, nil
}

// Task returns the live task with the given id.
func (a *Arena) Task(id TaskID) (*Task, error) {
	if int(id) >= len(a.tasks) || !a.tasks[id].live {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTask, id)
	}
	return &a.tasks[id], nil
}

// GroupOf returns the group a live task belongs to.
func (a *Arena) GroupOf(t *Task) *Group {
	return &a.groups[t.group]
}

// Assign stamps one access onto every member, starting a new round.
func (a *Arena) Assign(g *Group, acc workload.Access, now time.Time) {
	for _, id := range g.members {
		t := &a.tasks[id]
		t.Req.Offset = acc.Offset
		t.Req.IsRead = acc.IsRead
		t.CreatedAt = now
		t.SubmittedAt = time.Time{}
		t.done = false
		t.Queued = false
	}
	g.state = StateDispatched
}

// MarkSubmitted records that a member was accepted by its backend.
func (a *Arena) MarkSubmitted(t *Task, now time.Time) {
	t.SubmittedAt = now
	t.Queued = false
	a.groups[t.group].state = StateAwaitingCompletions
}

// Complete counts one member completion and reports whether the group has
// now seen every member complete this round.
func (a *Arena) Complete(t *Task) (*Group, bool, error) {
	if !t.live {
		return nil, false, fmt.Errorf("%w: %d", ErrUnknownTask, t.id)
	}
	if t.done {
		return nil, false, fmt.Errorf("%w: %s", ErrDuplicateComplete, t)
	}
	g := &a.groups[t.group]
	t.done = true
	t.Queued = false
	g.Completed++
	if g.Completed < a.replicas {
		g.state = StateAwaitingCompletions
		return g, false, nil
	}
	g.state = StateComplete
	return g, true, nil
}

// Renew resets a complete group for another round and advances its
// sequence id by step.
func (a *Arena) Renew(g *Group, step uint32) error {
	switch {
	case g.state == StateReleased:
		return ErrReleased
	case g.Completed != a.replicas:
		return fmt.Errorf("%w: %d of %d", ErrIncomplete, g.Completed, a.replicas)
	}
	g.Completed = 0
	g.Seq = NextSeq(g.Seq, step)
	g.state = StateRenewed
	return nil
}

// Release returns the group's tasks and payload to the arena. A group is
// released at most once.
func (a *Arena) Release(g *Group) error {
	if g.state == StateReleased {
		return fmt.Errorf("%w: group %d", ErrReleased, g.id)
	}
	for _, id := range g.members {
		t := &a.tasks[id]
		t.live = false
		t.Req.Buf = nil
		a.stats.TasksFreed++
	}
	g.members = g.members[:0]
	g.Payload = nil
	a.stats.PayloadsFreed++
	g.Completed = 0
	g.state = StateReleased
	a.freeGroups = append(a.freeGroups, g.id)
	a.stats.GroupsFreed++
	return nil
}

// Live calls fn for every group that has not been released.
func (a *Arena) Live(fn func(g *Group)) {
	for i := range a.groups {
		if a.groups[i].state != StateReleased {
			fn(&a.groups[i])
		}
	}
}
