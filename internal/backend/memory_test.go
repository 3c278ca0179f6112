package backend

import (
	"errors"
	"testing"
	"time"
)

func testTarget(name string) Target {
	return Target{Name: name, Capacity: 64, BlockSize: 512, IOSize: 4096}
}

func TestMemory_SubmitPoll(t *testing.T) {
	m := NewMemory()
	q, err := m.Open(testTarget("ep0"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer q.Close()

	buf := m.SetupPayload(4096, 7)
	for i := range 3 {
		if err := q.Submit(&Request{Cookie: uint64(i), Buf: buf, Offset: uint64(i)}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if q.Inflight() != 3 {
		t.Fatalf("expected 3 in flight, got %d", q.Inflight())
	}

	var cookies []uint64
	n := q.Poll(0, func(req *Request, err error) {
		if err != nil {
			t.Errorf("unexpected completion error: %v", err)
		}
		cookies = append(cookies, req.Cookie)
	})
	if n != 3 || len(cookies) != 3 {
		t.Fatalf("expected 3 completions, got %d", n)
	}
	for i, c := range cookies {
		if c != uint64(i) {
			t.Errorf("completion %d: expected cookie %d, got %d", i, i, c)
		}
	}
	if q.Inflight() != 0 {
		t.Errorf("expected nothing in flight, got %d", q.Inflight())
	}
}

func TestMemory_PollRespectsMaxAndLatency(t *testing.T) {
	m := NewMemory(WithLatency(20 * time.Millisecond))
	q, _ := m.Open(testTarget("ep0"))

	buf := m.SetupPayload(16, 1)
	for i := range 4 {
		_ = q.Submit(&Request{Cookie: uint64(i), Buf: buf, Offset: uint64(i)})
	}

	if n := q.Poll(0, func(*Request, error) {}); n != 0 {
		t.Fatalf("expected no completions before latency elapsed, got %d", n)
	}

	time.Sleep(30 * time.Millisecond)
	if n := q.Poll(3, func(*Request, error) {}); n != 3 {
		t.Fatalf("expected max of 3 completions, got %d", n)
	}
	if n := q.Poll(0, func(*Request, error) {}); n != 1 {
		t.Fatalf("expected remaining completion, got %d", n)
	}
}

func TestMemory_QueueLimitIsTransient(t *testing.T) {
	m := NewMemory(WithQueueLimit(2))
	q, _ := m.Open(testTarget("ep0"))
	buf := m.SetupPayload(16, 1)

	_ = q.Submit(&Request{Buf: buf})
	_ = q.Submit(&Request{Buf: buf})
	err := q.Submit(&Request{Buf: buf})
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if IsFatal(err) {
		t.Error("transient error must not be fatal")
	}
}

func TestMemory_Faults(t *testing.T) {
	submitErr := errors.New("boom")
	m := NewMemory(
		WithSubmitFault(func(t Target, req *Request) error {
			if req.Offset == 5 {
				return submitErr
			}
			return nil
		}),
		WithCompletionFault(func(t Target, req *Request) error {
			if req.Offset == 6 {
				return ErrFatal
			}
			return nil
		}),
	)
	q, _ := m.Open(testTarget("ep0"))
	buf := m.SetupPayload(16, 1)

	if err := q.Submit(&Request{Buf: buf, Offset: 5}); !errors.Is(err, submitErr) {
		t.Fatalf("expected injected submit error, got %v", err)
	}
	if err := q.Submit(&Request{Buf: buf, Offset: 6}); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	var got error
	q.Poll(0, func(_ *Request, err error) { got = err })
	if !IsFatal(got) {
		t.Fatalf("expected fatal completion, got %v", got)
	}
}

func TestMemory_OutOfRange(t *testing.T) {
	m := NewMemory()
	q, _ := m.Open(testTarget("ep0"))
	if err := q.Submit(&Request{Offset: 64}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestMemory_ReverseCompletionAndVerify(t *testing.T) {
	m := NewMemory(WithReverseCompletion())
	q, _ := m.Open(testTarget("ep0"))

	w := m.SetupPayload(16, 9)
	_ = q.Submit(&Request{Cookie: 1, Buf: w, Offset: 3})
	_ = q.Submit(&Request{Cookie: 2, Buf: w, Offset: 4})

	var order []uint64
	q.Poll(0, func(req *Request, _ error) { order = append(order, req.Cookie) })
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("expected reverse completion order [2 1], got %v", order)
	}

	r := m.SetupPayload(16, 0)
	read := &Request{Buf: r, Offset: 3, IsRead: true}
	_ = q.Submit(read)
	q.Poll(0, func(*Request, error) {})
	if r[0] != 9 {
		t.Fatalf("expected read to observe written pattern 9, got %d", r[0])
	}
	if err := q.Verify(read); err != nil {
		t.Fatalf("unexpected verify error: %v", err)
	}

	r[0] = 1
	if err := q.Verify(read); !errors.Is(err, ErrVerify) {
		t.Fatalf("expected ErrVerify, got %v", err)
	}
	if m.Payloads() != 2 {
		t.Errorf("expected 2 payload allocations, got %d", m.Payloads())
	}
}

func TestMemory_VerifyDetectsCorruptedRead(t *testing.T) {
	m := NewMemory(WithReadCorruption(func(_ Target, offset uint64, stored byte) byte {
		if offset == 0 {
			return stored + 2
		}
		return stored
	}))
	q, _ := m.Open(testTarget("ep0"))

	for _, off := range []uint64{0, 1} {
		_ = q.Submit(&Request{Buf: m.SetupPayload(8, 7), Offset: off})
	}
	q.Poll(0, func(*Request, error) {})

	bad := &Request{Buf: m.SetupPayload(8, 0), Offset: 0, IsRead: true}
	good := &Request{Buf: m.SetupPayload(8, 0), Offset: 1, IsRead: true}
	_ = q.Submit(bad)
	_ = q.Submit(good)
	q.Poll(0, func(*Request, error) {})

	if bad.Buf[0] != 9 {
		t.Fatalf("corrupted read returned %d, want 9", bad.Buf[0])
	}
	if err := q.Verify(bad); !errors.Is(err, ErrVerify) {
		t.Errorf("Verify() on corrupted read = %v, want ErrVerify", err)
	}
	if err := q.Verify(good); err != nil {
		t.Errorf("Verify() on intact read = %v", err)
	}
}

func TestTarget_Validate(t *testing.T) {
	tests := []struct {
		name    string
		target  Target
		wantErr bool
	}{
		{name: "valid", target: testTarget("a")},
		{name: "no name", target: Target{Capacity: 1, BlockSize: 512, IOSize: 512}, wantErr: true},
		{name: "zero capacity", target: Target{Name: "a", BlockSize: 512, IOSize: 512}, wantErr: true},
		{name: "io size not block multiple", target: Target{Name: "a", Capacity: 1, BlockSize: 512, IOSize: 700}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
