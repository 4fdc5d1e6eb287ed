package qp

import (
	"sync"

	"github.com/nvidia/snap-dataplane/internal/hostmem"
)

// Sim is the in-process reference Backend. It executes WQEs
// synchronously against a hostmem.Region and queues the resulting CQEs
// for PollTX/PollRX, faithfully modeling credit exhaustion and fenced
// ordering without talking to real hardware. Used by internal/dma's
// tests and by internal/qp's own tests; never selected by
// AUTOSELECT (which resolves to gga or dv; see dma.Resolve).
type Sim struct {
	mu       sync.Mutex
	mem      hostmem.Region
	scratch  []byte // local DPU-side scratch memory WQEs read from / write into
	depth    int
	txCQ     []CQE
	rxCQ     []CQE
	nextWQE  uint64
	armed    bool
	closed   bool
	pendingFence bool
}

func NewSim(mem hostmem.Region, scratch []byte, depth int) *Sim {
	return &Sim{mem: mem, scratch: scratch, depth: depth}
}

func (s *Sim) Name() string        { return "sim" }
func (s *Sim) SupportsGGA() bool   { return false }

func (s *Sim) PostSend(w WQE) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrFatal
	}
	if len(s.txCQ)+len(s.rxCQ) >= s.depth {
		return 0, ErrAgain
	}

	idx := s.nextWQE
	s.nextWQE++

	syn := SyndromeSuccess
	switch w.Opcode {
	case OpWrite, OpWriteInline:
		// An OpWrite that carries its source bytes in Inline (as
		// dma.Queue.Write posts them) writes those; otherwise it
		// writes Length bytes of scratch from LocalAddr.
		data := w.Inline
		if w.Opcode == OpWrite && w.Inline == nil {
			if int(w.LocalAddr)+int(w.Length) > len(s.scratch) {
				syn = SyndromeLocalLengthError
			} else {
				data = s.scratch[w.LocalAddr : w.LocalAddr+uint64(w.Length)]
			}
		}
		if syn == SyndromeSuccess {
			if _, err := s.mem.WriteAt(data, int64(w.RemoteAddr)); err != nil {
				syn = SyndromeRemoteAccessError
			}
		}
	case OpRead:
		if int(w.LocalAddr)+int(w.Length) > len(s.scratch) {
			syn = SyndromeLocalLengthError
		} else if _, err := s.mem.ReadAt(s.scratch[w.LocalAddr:w.LocalAddr+uint64(w.Length)], int64(w.RemoteAddr)); err != nil {
			syn = SyndromeRemoteAccessError
		}
	case OpSend, OpSendInline:
		// Carried entirely in-band via InlineData on the RX side;
		// the sim loops a copy straight onto the paired rxCQ so
		// tests can drive both ends from one Sim when desired.
	case OpUMR:
		// UMR WQEs mutate mkey state out of band; no memory move.
	default:
		return 0, ErrInval
	}

	if w.Opcode == OpSend || w.Opcode == OpSendInline {
		s.rxCQ = append(s.rxCQ, CQE{WQEIndex: idx, Syndrome: syn, IsRecv: true, InlineData: append([]byte{}, w.Inline...)})
	}
	if w.SignalCompletion || syn != SyndromeSuccess {
		s.txCQ = append(s.txCQ, CQE{WQEIndex: idx, Syndrome: syn})
	}
	return idx, nil
}

func (s *Sim) RingDoorbell() {
	// The sim executes synchronously in PostSend; ringing the
	// doorbell here only documents that the fence/doorbell ordering
	// contract (spec §4.1) was honored by the caller.
	s.mu.Lock()
	s.pendingFence = false
	s.mu.Unlock()
}

func (s *Sim) PollTX(out []CQE) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(out, s.txCQ)
	s.txCQ = s.txCQ[n:]
	return n, nil
}

func (s *Sim) PollRX(out []CQE) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(out, s.rxCQ)
	s.rxCQ = s.rxCQ[n:]
	return n, nil
}

func (s *Sim) Arm() error {
	s.mu.Lock()
	s.armed = true
	s.mu.Unlock()
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Backend = (*Sim)(nil)
