package dpa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nvidia/snap-dataplane/internal/dma"
	"github.com/nvidia/snap-dataplane/internal/timeslice"
)

// tsDPAExecTime and tsHostWaitTime are a paired host/DPA timeslice
// kind, grounded on the teacher's hv/kvm.go idiom of registering a
// host-side and guest-side kind for the same event
// (tsKvmHostTime/tsKvmGuestTime). Here the "guest" side is the DPA
// on-chip execution a real thread would perform; the host side is the
// time the caller spends blocked on the mailbox round trip.
var (
	tsDPAExecTime  = timeslice.RegisterKind("dpa_exec_time", timeslice.SliceFlagDPATime)
	tsHostWaitTime = timeslice.RegisterKind("dpa_host_wait_time", 0)
)

// ThreadState is a DPA thread's lifecycle (spec §4.4 "Initialization
// is complete only after the thread acknowledges the START command").
type ThreadState int

const (
	ThreadCreated ThreadState = iota
	ThreadStarting
	ThreadRunning
	ThreadStopped
)

var (
	ErrAlreadyStarted = errors.New("dpa: thread already started")
	ErrNotRunning     = errors.New("dpa: thread not running")
)

const (
	cmdStart uint32 = 1
	cmdStop  uint32 = 2
)

// Process is one DPA application: a programmable image, a protection
// domain, and a shared DMA queue the host uses to push data into DPA
// memory synchronously (spec §4.4 "DPA process").
type Process struct {
	id               uint32
	protectionDomain string
	dmaQueue         *dma.Queue

	mu      sync.Mutex
	threads map[uint32]*Thread
	nextTID atomic.Uint32
}

// NewProcess creates a DPA process bound to q, the shared DMA queue
// used for synchronous host-to-DPA pushes.
func NewProcess(id uint32, protectionDomain string, q *dma.Queue) *Process {
	return &Process{id: id, protectionDomain: protectionDomain, dmaQueue: q, threads: make(map[uint32]*Thread)}
}

func (p *Process) ID() uint32 { return p.id }

// CreateThread creates a pinnable DPA thread with the given entry-point
// symbol (spec §4.4 "DPA thread ... created with an entry-point
// symbol").
func (p *Process) CreateThread(entryPoint string, heapSize int) (*Thread, error) {
	mbox, err := NewMailbox()
	if err != nil {
		return nil, fmt.Errorf("dpa: allocate mailbox: %w", err)
	}
	tid := p.nextTID.Add(1)
	t := &Thread{
		id: tid, process: p, entryPoint: entryPoint,
		mailbox: mbox, heap: make([]byte, heapSize),
	}
	p.mu.Lock()
	p.threads[tid] = t
	p.mu.Unlock()
	return t, nil
}

// Thread returns the thread with the given id, or nil.
func (p *Process) Thread(id uint32) *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threads[id]
}

// Thread is a pinnable execution context inside a DPA process, owning
// a thread-control block, mailbox window, and per-thread heap (spec
// §4.4 "DPA thread").
type Thread struct {
	id         uint32
	process    *Process
	entryPoint string
	mailbox    *Mailbox
	heap       []byte

	mu    sync.Mutex
	state ThreadState
	sn    atomic.Uint32
	// service is invoked on the simulated DPA side each time the host
	// posts a command frame; when nil, serviceOnce answers every
	// command with an empty response.
	service func(cmd []byte) []byte
}

func (t *Thread) ID() uint32          { return t.id }
func (t *Thread) State() ThreadState  { return t.state }
func (t *Thread) Mailbox() *Mailbox   { return t.mailbox }
func (t *Thread) EntryPoint() string  { return t.entryPoint }

// SetService installs the DPA-side handler invoked synchronously by
// Start/Call to simulate the thread's mailbox responder, since this
// tree has no real on-chip RISC executor to run the ELF image on.
func (t *Thread) SetService(fn func(cmd []byte) []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.service = fn
}

// Start posts the START command and waits for the thread's
// acknowledgement (spec §4.4).
func (t *Thread) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.state != ThreadCreated {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.state = ThreadStarting
	t.mu.Unlock()

	_, err := t.call(ctx, cmdStart, nil)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.state = ThreadRunning
	t.mu.Unlock()
	return nil
}

// Stop posts the STOP command.
func (t *Thread) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.state != ThreadRunning {
		t.mu.Unlock()
		return ErrNotRunning
	}
	t.mu.Unlock()

	if _, err := t.call(ctx, cmdStop, nil); err != nil {
		return err
	}
	t.mu.Lock()
	t.state = ThreadStopped
	t.mu.Unlock()
	return nil
}

// Call posts an opcode-tagged payload and waits for the thread's
// response, driving the mailbox serial-number handshake (spec §4.4).
func (t *Thread) Call(ctx context.Context, opcode uint32, payload []byte) ([]byte, error) {
	t.mu.Lock()
	running := t.state == ThreadRunning
	t.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}
	return t.call(ctx, opcode, payload)
}

func (t *Thread) call(ctx context.Context, opcode uint32, payload []byte) ([]byte, error) {
	frame := make([]byte, 4+len(payload))
	putUint32(frame, opcode)
	copy(frame[4:], payload)

	sn := t.sn.Add(1)
	lastSN := t.mailbox.ResponseSN()
	if err := t.mailbox.PostCommand(sn, frame); err != nil {
		return nil, err
	}
	t.serviceOnce()

	waitStart := time.Now()
	_, resp, err := t.mailbox.WaitResponse(ctx, lastSN)
	timeslice.Record(tsHostWaitTime, time.Since(waitStart))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// serviceOnce drives the simulated DPA-side responder synchronously;
// a real DPA thread would instead be polling its own command region on
// the on-chip RISC core.
func (t *Thread) serviceOnce() {
	t.mu.Lock()
	svc := t.service
	t.mu.Unlock()
	if svc == nil {
		svc = func(cmd []byte) []byte { return nil }
	}
	sn, cmd := t.mailbox.ReadCommand()
	execStart := time.Now()
	resp := svc(cmd)
	timeslice.Record(tsDPAExecTime, time.Since(execStart))
	_ = t.mailbox.PostResponse(sn, resp)
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
