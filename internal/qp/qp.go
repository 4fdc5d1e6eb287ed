// Package qp implements the queue-pair/completion-queue primitives
// that the DMA queue (internal/dma) is built on: work-queue-entry
// (WQE) posting, completion-queue (CQE) polling, and doorbell ringing,
// across three creation strategies (verbs, direct-verbs, devx).
//
// No cgo-free ibverbs binding exists among the retrieved reference
// repositories, and this module does not introduce vendored stubs or
// hand-rolled cgo bindings behind a replace directive. Backend is
// instead a capability interface (REDESIGN FLAGS §9: explicit
// capability interfaces over vtables-of-function-pointers) that a real
// verbs/devx binding would satisfy; qp/simbackend ships the one
// concrete implementation used by tests and by environments without
// RDMA hardware. This package issues no mmap/ioctl calls itself; a
// real binding would reach hardware registers through
// golang.org/x/sys/unix the way the teacher's hv/kvm package did,
// rather than through cgo.
package qp

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

var (
	ErrAgain       = errors.New("qp: no send credit available")
	ErrInval       = errors.New("qp: invalid argument")
	ErrNotSupport  = errors.New("qp: operation not supported by this backend")
	ErrQueueFull   = errors.New("qp: send queue full")
	ErrFatal       = errors.New("qp: queue pair entered fatal error state")
)

// Opcode identifies the kind of work request a WQE encodes.
type Opcode int

const (
	OpWrite Opcode = iota
	OpWriteInline
	OpRead
	OpSend
	OpSendInline
	OpUMR
)

// WQE is one posted work-queue entry. Fields not relevant to Opcode are
// left zero.
type WQE struct {
	Opcode    Opcode
	LocalAddr uint64
	LocalKey  uint32
	RemoteAddr uint64
	RemoteKey  uint32
	Length    uint32
	Inline    []byte
	// Fence requires this WQE to wait for all previously posted WQEs
	// on this QP to retire before executing — used to order an RDMA
	// op after the UMR WQE that built its indirect mkey (spec §4.1).
	Fence bool
	// SignalCompletion requests a CQE on retirement of this WQE
	// ("CQ update" in spec vocabulary).
	SignalCompletion bool
}

// Syndrome is the hardware error code attached to a failed CQE.
type Syndrome uint8

const (
	SyndromeSuccess Syndrome = iota
	SyndromeLocalLengthError
	SyndromeLocalProtectionError
	SyndromeRemoteAccessError
	SyndromeFlushedInError
	SyndromeOther
)

func (s Syndrome) String() string {
	switch s {
	case SyndromeSuccess:
		return "success"
	case SyndromeLocalLengthError:
		return "local-length-error"
	case SyndromeLocalProtectionError:
		return "local-protection-error"
	case SyndromeRemoteAccessError:
		return "remote-access-error"
	case SyndromeFlushedInError:
		return "flushed-in-error"
	default:
		return "other"
	}
}

// CQE is a completion-queue entry returned by Poll.
type CQE struct {
	WQEIndex uint64
	Syndrome Syndrome
	IsRecv   bool
	// InlineData holds receive payload for inline-receive scatter
	// (spec §4.1 "Inline-receive optimization"): up to 32 bytes are
	// carried directly in the CQE.
	InlineData []byte
}

func (c CQE) Ok() bool { return c.Syndrome == SyndromeSuccess }

// Backend is the capability interface a queue-pair creation strategy
// (verbs, direct-verbs/dv, devx/gga) must satisfy. Mixing strategies at
// creation time is a design feature (REDESIGN FLAGS §9): each
// dma.Queue picks one Backend at construction and never switches.
type Backend interface {
	// Name identifies the backend for logs and mode-selection ("verbs", "dv", "gga").
	Name() string
	// SupportsGGA reports whether the underlying hardware DMA engine
	// can service this queue pair (used by AUTOSELECT, spec §4.1).
	SupportsGGA() bool
	// PostSend enqueues a WQE. Returns ErrAgain if send-queue depth
	// would be exceeded, ErrInval on a malformed WQE.
	PostSend(wqe WQE) (wqeIndex uint64, err error)
	// RingDoorbell notifies the hardware that WQEs up to and
	// including the most recently posted are ready to execute. In
	// RING_BATCH mode (config.DoorbellModeBatch) callers defer this
	// until flush or a SignalCompletion WQE.
	RingDoorbell()
	// PollTX / PollRX drain up to max completions from the send/recv
	// CQ without side effects beyond removing them from the queue.
	PollTX(out []CQE) (n int, err error)
	PollRX(out []CQE) (n int, err error)
	// Arm requests a notification on the next completion. Not valid
	// on DPA-hosted backends (spec §4.1).
	Arm() error
	// Close releases hardware resources. Safe to call once.
	Close() error
}

// barrier provides the "write WQEs; fence; write doorbells" ordering
// spec §4.1 requires for batched doorbell ringing across queues. A
// single in-process atomic counter stands in for the bus store fence a
// real NIC doorbell write requires, followed by a runtime.Gosched
// yield; the ordering is spelled out explicitly, the way the teacher's
// kvm package relied on explicit unix.Tgkill/ioctl ordering rather than
// an implicit one.
type barrier struct {
	seq atomic.Uint64
}

func (b *barrier) fence() {
	b.seq.Add(1)
	runtime.Gosched()
}

// Worker batches doorbell rings for every QP it owns, per spec §4.1:
// "a worker-level flush rings all pending queues' doorbells in two
// passes separated by a bus store fence."
type Worker struct {
	mu      sync.Mutex
	pending []Backend
	bar     barrier
}

// MarkPending records that b has WQEs posted but no doorbell rung yet.
func (w *Worker) MarkPending(b Backend) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.pending {
		if p == b {
			return
		}
	}
	w.pending = append(w.pending, b)
}

// FlushDoorbells rings every pending backend's doorbell, observing the
// write-WQEs-then-fence-then-write-doorbells ordering.
func (w *Worker) FlushDoorbells() {
	w.mu.Lock()
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	w.bar.fence()
	for _, b := range pending {
		b.RingDoorbell()
	}
}
