// Package dma implements DmaQueue (spec §3, §4.1): a bidirectional
// RDMA channel built on internal/qp that moves bytes between DPU
// memory and host memory and passes fixed-size virtio completion
// messages. It is mode-agnostic over three queue-pair creation
// strategies (verbs, dv, gga) and provides batched-doorbell,
// inline-receive and completion-refcounting behavior on top of
// whichever internal/qp.Backend it was built with.
package dma

import (
	"fmt"
	"sync"

	"github.com/nvidia/snap-dataplane/internal/config"
	"github.com/nvidia/snap-dataplane/internal/qp"
	"github.com/nvidia/snap-dataplane/internal/umr"
)

// Completion is a user-provided handle shared across one or more
// outstanding operations (spec §3 "Completion"). Every operation
// referencing it decrements Count; Callback fires exactly once when
// Count reaches zero. The zero value is not usable; build one with
// NewCompletion.
type Completion struct {
	mu       sync.Mutex
	count    int
	callback func(status qp.Syndrome)
	fired    bool
	status   qp.Syndrome
}

// NewCompletion creates a Completion that will invoke cb exactly once,
// after count operations have each reported completion.
func NewCompletion(count int, cb func(status qp.Syndrome)) *Completion {
	return &Completion{count: count, callback: cb}
}

// complete decrements the refcount and fires the callback on the last
// decrement, with the first failing syndrome seen (spec §3 invariant:
// count > 0 while any referencing operation is in flight).
func (c *Completion) complete(status qp.Syndrome) {
	c.mu.Lock()
	if status != qp.SyndromeSuccess && c.status == qp.SyndromeSuccess {
		// Latch the first failing syndrome; later successful legs of
		// a fan-out write must not paper over an earlier failure.
		c.status = status
	}
	c.count--
	fire := c.count <= 0 && !c.fired
	if fire {
		c.fired = true
	}
	n := c.count
	cb := c.callback
	final := c.status
	c.mu.Unlock()
	if n < 0 {
		panic("dma: completion refcount went negative")
	}
	if fire && cb != nil {
		cb(final)
	}
}

// Mode selects which queue-pair creation strategy a DmaQueue uses.
type Mode int

const (
	ModeAutoselect Mode = iota
	ModeVerbs
	ModeDV
	ModeGGA
)

func (m Mode) String() string {
	switch m {
	case ModeVerbs:
		return "verbs"
	case ModeDV:
		return "dv"
	case ModeGGA:
		return "gga"
	default:
		return "autoselect"
	}
}

// Resolve picks a concrete Mode for backend given cfg, implementing
// AUTOSELECT: gga when the backend reports GGA support, otherwise dv
// (spec §4.1 "Mode selection"). AUTOSELECT never picks verbs, since
// qp.Backend has no dv-support probe; verbs is used only when cfg names
// it explicitly.
func Resolve(cfg config.DMAMode, backend qp.Backend) Mode {
	switch cfg {
	case config.DMAModeVerbs:
		return ModeVerbs
	case config.DMAModeDV:
		return ModeDV
	case config.DMAModeGGA:
		return ModeGGA
	default:
		if backend.SupportsGGA() {
			return ModeGGA
		}
		return ModeDV
	}
}

// companion is the per-WQE bookkeeping entry the spec calls the
// "per-WQE companion array of (completion, outstanding_count)"
// (§4.1 "Completion bookkeeping").
type companion struct {
	comp  *Completion
	count int
}

// Queue is a DmaQueue (spec §3). It is exclusively owned by its
// virtqueue and must never be shared across goroutines without
// external synchronization beyond what Queue itself provides.
type Queue struct {
	backend qp.Backend
	umr     *umr.Engine
	worker  *qp.Worker
	mode    Mode

	mu         sync.Mutex
	txElemSize uint32
	txCredits  int
	maxCredits int
	batch      bool // config.DoorbellModeBatch: defer RingDoorbell to flush/CQ-update
	pending    map[uint64]companion

	onRecv func(msg []byte)
}

// NewQueue constructs a Queue over backend, charging it txCredits
// sendable operations before PollTX refunds are required.
func NewQueue(backend qp.Backend, umrEngine *umr.Engine, worker *qp.Worker, cfg config.Options, txElemSize uint32, txCredits int) *Queue {
	return &Queue{
		backend:    backend,
		umr:        umrEngine,
		worker:     worker,
		mode:       Resolve(cfg.DMAMode, backend),
		txElemSize: txElemSize,
		txCredits:  txCredits,
		maxCredits: txCredits,
		batch:      cfg.DoorbellMode == config.DoorbellModeBatch,
		pending:    make(map[uint64]companion),
	}
}

// OnRecv installs the callback invoked by Progress for every inline
// SEND (completion message) received on this queue.
func (q *Queue) OnRecv(fn func(msg []byte)) { q.onRecv = fn }

// Mode reports the resolved backend-creation strategy.
func (q *Queue) Mode() Mode { return q.mode }

func (q *Queue) chargeCredit() error {
	if q.txCredits <= 0 {
		return qp.ErrAgain
	}
	q.txCredits--
	return nil
}

func (q *Queue) refundCredit() {
	if q.txCredits < q.maxCredits {
		q.txCredits++
	}
}

func (q *Queue) markPending(idx uint64, signal bool, comp *Completion) {
	if comp == nil && !signal {
		return
	}
	q.pending[idx] = companion{comp: comp, count: 1}
}

func (q *Queue) ringOrDefer(signal bool) {
	if q.worker != nil {
		q.worker.MarkPending(q.backend)
	}
	if !q.batch || signal {
		if q.worker != nil {
			q.worker.FlushDoorbells()
		} else {
			q.backend.RingDoorbell()
		}
	}
}

// Write enqueues an RDMA WRITE of len bytes from (src, lkey) in DPU
// memory to (dstAddr, rkey) in host memory. comp, if non-nil, fires on
// hardware completion (spec §4.1 "write").
func (q *Queue) Write(src []byte, lkey uint32, dstAddr uint64, rkey uint32, comp *Completion) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.chargeCredit(); err != nil {
		return err
	}
	signal := comp != nil
	idx, err := q.backend.PostSend(qp.WQE{
		Opcode: qp.OpWrite, LocalKey: lkey, RemoteAddr: dstAddr, RemoteKey: rkey,
		Length: uint32(len(src)), Inline: src, SignalCompletion: signal,
	})
	if err != nil {
		q.refundCredit()
		return err
	}
	q.markPending(idx, signal, comp)
	q.ringOrDefer(signal)
	return nil
}

// WriteShort posts an inline RDMA WRITE. len must not exceed the
// queue's tx_elem_size (spec §4.1 "write_short"). data may be reused
// by the caller immediately after this call returns.
func (q *Queue) WriteShort(data []byte, dstAddr uint64, rkey uint32) error {
	if uint32(len(data)) > q.txElemSize {
		return fmt.Errorf("dma: %w: write_short length %d exceeds tx_elem_size %d", qp.ErrInval, len(data), q.txElemSize)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.chargeCredit(); err != nil {
		return err
	}
	idx, err := q.backend.PostSend(qp.WQE{Opcode: qp.OpWriteInline, RemoteAddr: dstAddr, RemoteKey: rkey, Length: uint32(len(data)), Inline: data})
	if err != nil {
		q.refundCredit()
		return err
	}
	_ = idx
	q.ringOrDefer(false)
	return nil
}

// Read enqueues an RDMA READ of len bytes from (srcAddr, rkey) in host
// memory into (dst, lkey) in DPU memory. Reads of ≤32 bytes request a
// CQ update so they can complete immediately (spec §4.1 "read").
func (q *Queue) Read(dst []byte, lkey uint32, srcAddr uint64, rkey uint32, comp *Completion) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.chargeCredit(); err != nil {
		return err
	}
	signal := comp != nil || len(dst) <= 32
	idx, err := q.backend.PostSend(qp.WQE{
		Opcode: qp.OpRead, LocalAddr: 0, LocalKey: lkey, RemoteAddr: srcAddr, RemoteKey: rkey,
		Length: uint32(len(dst)), SignalCompletion: signal,
	})
	if err != nil {
		q.refundCredit()
		return err
	}
	q.markPending(idx, signal, comp)
	q.ringOrDefer(signal)
	return nil
}

// WriteV2V builds an indirect SGL mkey via UMR and posts a
// fence-bearing RDMA WRITE addressed at it (spec §4.1 "writev2v").
func (q *Queue) WriteV2V(segs []umr.Segment, dstAddr uint64, rkey uint32, comp *Completion) error {
	return q.writeWithMkey(segs, nil, dstAddr, rkey, comp)
}

// WriteC is the inline-crypto variant of WriteV2V: the built mkey
// additionally carries crypto (spec §4.1 "writec").
func (q *Queue) WriteC(segs []umr.Segment, crypto umr.CryptoContext, dstAddr uint64, rkey uint32, comp *Completion) error {
	return q.writeWithMkey(segs, &crypto, dstAddr, rkey, comp)
}

// ReadC is the inline-crypto read variant (spec §4.1 "readc"): builds
// an indirect+crypto mkey over segs and posts a fence-bearing RDMA
// READ that decrypts into the scattered segments as it lands.
func (q *Queue) ReadC(segs []umr.Segment, crypto umr.CryptoContext, srcAddr uint64, rkey uint32, comp *Completion) error {
	if q.umr == nil {
		return fmt.Errorf("dma: %w: readc requires a umr.Engine", qp.ErrNotSupport)
	}
	mk, err := q.umr.BuildSGL(segs)
	if err != nil {
		return err
	}
	mk, err = q.umr.BuildCrypto(mk, crypto)
	if err != nil {
		q.umr.Release(mk)
		return err
	}
	defer q.umr.Release(mk)

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.chargeCredit(); err != nil {
		return err
	}
	signal := comp != nil
	idx, err := q.backend.PostSend(qp.WQE{Opcode: qp.OpRead, RemoteAddr: srcAddr, RemoteKey: rkey, LocalKey: mk.Key, Fence: true, SignalCompletion: signal})
	if err != nil {
		q.refundCredit()
		return err
	}
	q.markPending(idx, signal, comp)
	q.ringOrDefer(signal)
	return nil
}

func (q *Queue) writeWithMkey(segs []umr.Segment, crypto *umr.CryptoContext, dstAddr uint64, rkey uint32, comp *Completion) error {
	if q.umr == nil {
		return fmt.Errorf("dma: %w: writev2v/writec require a umr.Engine", qp.ErrNotSupport)
	}
	mk, err := q.umr.BuildSGL(segs)
	if err != nil {
		return err
	}
	if crypto != nil {
		mk, err = q.umr.BuildCrypto(mk, *crypto)
		if err != nil {
			q.umr.Release(mk)
			return err
		}
	}
	defer q.umr.Release(mk)

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.chargeCredit(); err != nil {
		return err
	}
	signal := comp != nil
	idx, err := q.backend.PostSend(qp.WQE{Opcode: qp.OpWrite, RemoteAddr: dstAddr, RemoteKey: rkey, LocalKey: mk.Key, Fence: true, SignalCompletion: signal})
	if err != nil {
		q.refundCredit()
		return err
	}
	q.markPending(idx, signal, comp)
	q.ringOrDefer(signal)
	return nil
}

// SendCompletion posts an inline SEND carrying a fixed-size virtio
// tunnel completion message (spec §4.1 "send_completion").
func (q *Queue) SendCompletion(msg []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.chargeCredit(); err != nil {
		return err
	}
	_, err := q.backend.PostSend(qp.WQE{Opcode: qp.OpSendInline, Inline: msg, SignalCompletion: true})
	if err != nil {
		q.refundCredit()
		return err
	}
	q.ringOrDefer(true)
	return nil
}

// Send posts a mixed inline+pointer SEND: inline bytes followed
// logically by a remote-addressed segment (spec §4.1 "send"). The
// reference backends model this as a single SEND whose Inline field
// already carries the combined payload; real verbs/dv/gga backends
// would instead post a two-SGE WQE.
func (q *Queue) Send(inlineData []byte, addr uint64, length uint32, key uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.chargeCredit(); err != nil {
		return err
	}
	_, err := q.backend.PostSend(qp.WQE{
		Opcode: qp.OpSend, Inline: inlineData, RemoteAddr: addr, Length: length, RemoteKey: key, SignalCompletion: true,
	})
	if err != nil {
		q.refundCredit()
		return err
	}
	q.ringOrDefer(true)
	return nil
}

// PollTX drains up to len(out) send-CQ entries without firing
// callbacks (spec §4.1 "poll_tx").
func (q *Queue) PollTX(out []qp.CQE) (int, error) { return q.backend.PollTX(out) }

// PollRX drains up to len(out) recv-CQ entries without firing
// callbacks (spec §4.1 "poll_rx").
func (q *Queue) PollRX(out []qp.CQE) (int, error) { return q.backend.PollRX(out) }

// Progress drains both CQs, refunds tx credits, fires completions, and
// invokes OnRecv for every received message; it returns the number of
// events processed (spec §4.1 "progress").
func (q *Queue) Progress() int {
	var buf [64]qp.CQE
	n := 0

	for {
		k, err := q.backend.PollTX(buf[:])
		if err != nil || k == 0 {
			break
		}
		q.mu.Lock()
		for _, c := range buf[:k] {
			comp, ok := q.pending[c.WQEIndex]
			delete(q.pending, c.WQEIndex)
			q.refundCredit()
			if ok && comp.comp != nil {
				comp.comp.complete(c.Syndrome)
			}
		}
		q.mu.Unlock()
		n += k
		if k < len(buf) {
			break
		}
	}

	for {
		k, err := q.backend.PollRX(buf[:])
		if err != nil || k == 0 {
			break
		}
		if q.onRecv != nil {
			for _, c := range buf[:k] {
				q.onRecv(c.InlineData)
			}
		}
		n += k
		if k < len(buf) {
			break
		}
	}
	return n
}

// Arm requests a notification on the next completion. Not valid for
// DPA-hosted queues (spec §4.1 "arm").
func (q *Queue) Arm() error { return q.backend.Arm() }

// Flush blocks until all outstanding operations drain, issuing a
// zero-length write to force a completion if tx-moderation would
// otherwise stall progress (spec §4.1 "flush").
func (q *Queue) Flush() error {
	q.mu.Lock()
	empty := len(q.pending) == 0
	q.mu.Unlock()
	if empty {
		return nil
	}
	if err := q.WriteShort(nil, 0, 0); err != nil && err != qp.ErrInval {
		return err
	}
	for {
		q.Progress()
		q.mu.Lock()
		done := len(q.pending) == 0
		q.mu.Unlock()
		if done {
			return nil
		}
	}
}

// FlushNowait starts a drain and signals comp once outstanding work
// reaches zero, without blocking the caller (spec §4.1 "flush_nowait").
// The reference implementation runs the wait on a background
// goroutine since no async epoch notification exists in this module.
func (q *Queue) FlushNowait(comp *Completion) {
	go func() {
		q.Flush()
		if comp != nil {
			comp.complete(qp.SyndromeSuccess)
		}
	}()
}

// Close releases the underlying backend. Safe to call once.
func (q *Queue) Close() error { return q.backend.Close() }
