package qp

import (
	"testing"

	"github.com/nvidia/snap-dataplane/internal/hostmem"
)

func TestSimWriteRoundTrip(t *testing.T) {
	mem := hostmem.NewSimulated(4096)
	scratch := make([]byte, 256)
	copy(scratch, []byte("hello dpu"))

	s := NewSim(mem, scratch, 8)
	if _, err := s.PostSend(WQE{Opcode: OpWrite, LocalAddr: 0, Length: 9, RemoteAddr: 128, SignalCompletion: true}); err != nil {
		t.Fatalf("PostSend write: %v", err)
	}
	s.RingDoorbell()

	var cqes [4]CQE
	n, err := s.PollTX(cqes[:])
	if err != nil || n != 1 {
		t.Fatalf("PollTX = %d, %v", n, err)
	}
	if !cqes[0].Ok() {
		t.Fatalf("unexpected syndrome %v", cqes[0].Syndrome)
	}

	got := make([]byte, 9)
	if _, err := mem.ReadAt(got, 128); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "hello dpu" {
		t.Fatalf("got %q", got)
	}
}

func TestSimCreditExhaustion(t *testing.T) {
	mem := hostmem.NewSimulated(64)
	s := NewSim(mem, make([]byte, 64), 1)

	if _, err := s.PostSend(WQE{Opcode: OpWrite, Length: 1, SignalCompletion: true}); err != nil {
		t.Fatalf("first post: %v", err)
	}
	if _, err := s.PostSend(WQE{Opcode: OpWrite, Length: 1, SignalCompletion: true}); err != ErrAgain {
		t.Fatalf("expected ErrAgain once the cq backlog reaches depth, got %v", err)
	}
}

func TestWorkerFlushOrdering(t *testing.T) {
	mem := hostmem.NewSimulated(64)
	s := NewSim(mem, make([]byte, 64), 8)

	var w Worker
	w.MarkPending(s)
	w.MarkPending(s) // duplicate mark must not queue s twice
	if len(w.pending) != 1 {
		t.Fatalf("expected one pending backend, got %d", len(w.pending))
	}

	w.FlushDoorbells()
	if len(w.pending) != 0 {
		t.Fatalf("FlushDoorbells must drain the pending set")
	}
}
