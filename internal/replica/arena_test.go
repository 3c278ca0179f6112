package replica

import (
	"errors"
	"testing"
	"time"

	"github.com/utkarsh5026/repbench/internal/workload"
)

func testAlloc(size int, pattern byte) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = pattern
	}
	return b
}

func newTestArena(t *testing.T, replicas, groups int) *Arena {
	t.Helper()
	a, err := NewArena(replicas, groups, testAlloc)
	if err != nil {
		t.Fatalf("NewArena() error = %v", err)
	}
	return a
}

func completeAll(t *testing.T, a *Arena, g *Group) bool {
	t.Helper()
	var done bool
	for i, id := range g.Members() {
		task, err := a.Task(id)
		if err != nil {
			t.Fatal(err)
		}
		var err2 error
		_, done, err2 = a.Complete(task)
		if err2 != nil {
			t.Fatalf("Complete(member %d) error = %v", i, err2)
		}
		if i < len(g.Members())-1 && done {
			t.Fatalf("group reported complete after %d of %d completions", i+1, len(g.Members()))
		}
	}
	return done
}

func TestArena_ExactlyReplicaCompletions(t *testing.T) {
	for _, r := range []int{1, 2, 3, 5} {
		a := newTestArena(t, r, 4)
		eps := make([]int, r)
		for i := range eps {
			eps[i] = i
		}
		g, err := a.NewGroup(1, 512, 1, eps, false)
		if err != nil {
			t.Fatal(err)
		}

		for round := range 10 {
			a.Assign(g, workload.Access{Offset: uint64(round)}, time.Now())
			if !completeAll(t, a, g) {
				t.Fatalf("r=%d round %d: group not complete after %d completions", r, round, r)
			}
			if g.State() != StateComplete || g.Completed != r {
				t.Fatalf("r=%d: state=%v completed=%d", r, g.State(), g.Completed)
			}
			if err := a.Renew(g, 4); err != nil {
				t.Fatal(err)
			}
			if g.Completed != 0 {
				t.Fatalf("Completed = %d after renew, want 0", g.Completed)
			}
		}
	}
}

func TestArena_DuplicateCompletionRejected(t *testing.T) {
	a := newTestArena(t, 2, 1)
	g, _ := a.NewGroup(1, 64, 1, []int{0, 1}, false)
	a.Assign(g, workload.Access{}, time.Now())

	task, _ := a.Task(g.Members()[0])
	if _, _, err := a.Complete(task); err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.Complete(task); !errors.Is(err, ErrDuplicateComplete) {
		t.Fatalf("second Complete() error = %v, want ErrDuplicateComplete", err)
	}
	if g.Completed != 1 {
		t.Errorf("Completed = %d, want 1", g.Completed)
	}
	if err := a.Renew(g, 1); !errors.Is(err, ErrIncomplete) {
		t.Errorf("Renew() on incomplete group error = %v, want ErrIncomplete", err)
	}
}

func TestArena_AssignSharesOffsetAndPayload(t *testing.T) {
	a := newTestArena(t, 3, 1)
	g, _ := a.NewGroup(7, 4096, 3, []int{2, 0, 1}, false)
	a.Assign(g, workload.Access{Offset: 42, IsRead: true}, time.Now())

	var first *byte
	for _, id := range g.Members() {
		task, _ := a.Task(id)
		if task.Req.Offset != 42 || !task.Req.IsRead {
			t.Errorf("%s: offset=%d read=%v, want 42 true", task, task.Req.Offset, task.Req.IsRead)
		}
		if len(task.Req.Buf) != 4096 {
			t.Fatalf("%s: buffer length %d", task, len(task.Req.Buf))
		}
		if first == nil {
			first = &task.Req.Buf[0]
		} else if &task.Req.Buf[0] != first {
			t.Errorf("%s does not share the group payload", task)
		}
		if task.Req.Cookie != uint64(id) {
			t.Errorf("cookie = %d, want %d", task.Req.Cookie, id)
		}
	}
	if a.Stats().PayloadsAllocated != 1 {
		t.Errorf("PayloadsAllocated = %d, want 1", a.Stats().PayloadsAllocated)
	}
}

func TestArena_PrimaryOrdering(t *testing.T) {
	a := newTestArena(t, 3, 2)

	first, _ := a.NewGroup(1, 64, 1, []int{0, 1, 2}, false)
	if first.Members()[0] != first.Primary() {
		t.Error("primary-first group does not submit the primary first")
	}

	last, _ := a.NewGroup(2, 64, 1, []int{0, 1, 2}, true)
	members := last.Members()
	if members[len(members)-1] != last.Primary() {
		t.Error("primary-last group does not submit the primary last")
	}
	primary, _ := a.Task(last.Primary())
	if primary.Endpoint != 0 {
		t.Errorf("primary endpoint = %d, want 0", primary.Endpoint)
	}
}

func TestArena_ReleaseExactlyOnce(t *testing.T) {
	const r = 3
	a := newTestArena(t, r, 2)
	g, _ := a.NewGroup(1, 64, 1, []int{0, 1, 2}, false)
	a.Assign(g, workload.Access{}, time.Now())
	completeAll(t, a, g)

	if err := a.Release(g); err != nil {
		t.Fatal(err)
	}
	if err := a.Release(g); !errors.Is(err, ErrReleased) {
		t.Fatalf("second Release() error = %v, want ErrReleased", err)
	}
	if err := a.Renew(g, 1); !errors.Is(err, ErrReleased) {
		t.Errorf("Renew() after release error = %v, want ErrReleased", err)
	}

	s := a.Stats()
	if s.PayloadsFreed != 1 || s.TasksFreed != r || s.GroupsFreed != 1 {
		t.Errorf("stats after release = %+v, want 1 payload, %d tasks, 1 group freed", s, r)
	}
	if s.Live() != 0 {
		t.Errorf("Live() = %d, want 0", s.Live())
	}
}

func TestArena_ExhaustionAndReuse(t *testing.T) {
	a := newTestArena(t, 2, 2)
	g1, err := a.NewGroup(1, 64, 1, []int{0, 1}, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.NewGroup(2, 64, 1, []int{0, 1}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := a.NewGroup(3, 64, 1, []int{0, 1}, false); !errors.Is(err, ErrArenaExhausted) {
		t.Fatalf("NewGroup() on full arena error = %v, want ErrArenaExhausted", err)
	}

	stale := g1.Members()[0]
	if err := a.Release(g1); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Task(stale); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("Task() on released slot error = %v, want ErrUnknownTask", err)
	}

	g3, err := a.NewGroup(3, 64, 1, []int{1, 0}, false)
	if err != nil {
		t.Fatalf("NewGroup() after release error = %v", err)
	}
	if g3.Seq != 3 || g3.State() != StateCreated || g3.Completed != 0 {
		t.Errorf("reused group = seq %d state %v completed %d", g3.Seq, g3.State(), g3.Completed)
	}

	s := a.Stats()
	if s.GroupsAllocated != 3 || s.GroupsFreed != 1 || s.TasksAllocated != 6 || s.TasksFreed != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestArena_EndpointMismatch(t *testing.T) {
	a := newTestArena(t, 3, 1)
	if _, err := a.NewGroup(1, 64, 1, []int{0, 1}, false); !errors.Is(err, ErrEndpointMismatch) {
		t.Errorf("NewGroup() error = %v, want ErrEndpointMismatch", err)
	}
	if _, err := NewArena(0, 1, testAlloc); !errors.Is(err, ErrInvalidArenaConfig) {
		t.Errorf("NewArena(0, ...) error = %v, want ErrInvalidArenaConfig", err)
	}
}

func TestArena_LiveVisitsUnreleased(t *testing.T) {
	a := newTestArena(t, 1, 4)
	var groups []*Group
	for i := range 4 {
		g, _ := a.NewGroup(uint32(i+1), 8, 1, []int{0}, false)
		groups = append(groups, g)
	}
	_ = a.Release(groups[1])

	n := 0
	a.Live(func(*Group) { n++ })
	if n != 3 {
		t.Errorf("Live visited %d groups, want 3", n)
	}
}
