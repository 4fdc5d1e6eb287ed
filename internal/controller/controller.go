// Package controller implements the virtio controller (spec §3
// "Controller", §4.3): the BAR-driven device lifecycle, per-queue
// Virtqueue creation and polling-group attachment, and the
// live-migration state save/restore that serializes the controller's
// configuration plus its device-specific state.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nvidia/snap-dataplane/internal/backend"
	"github.com/nvidia/snap-dataplane/internal/config"
	"github.com/nvidia/snap-dataplane/internal/dma"
	"github.com/nvidia/snap-dataplane/internal/migration"
	"github.com/nvidia/snap-dataplane/internal/pollgroup"
	"github.com/nvidia/snap-dataplane/internal/qp"
	"github.com/nvidia/snap-dataplane/internal/umr"
	"github.com/nvidia/snap-dataplane/internal/virtq"
)

// Lifecycle is the controller-wide device state (spec §4.3: "STOPPED,
// STARTED, SUSPENDING, SUSPENDED").
type Lifecycle int

const (
	LifecycleStopped Lifecycle = iota
	LifecycleStarted
	LifecycleSuspending
	LifecycleSuspended
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleStopped:
		return "STOPPED"
	case LifecycleStarted:
		return "STARTED"
	case LifecycleSuspending:
		return "SUSPENDING"
	case LifecycleSuspended:
		return "SUSPENDED"
	default:
		return "UNKNOWN"
	}
}

// Type selects the device class a Controller emulates. Net is carried
// for completeness against the spec's controller enumeration, but has
// no backend wiring in this tree (the retrieved corpus supplies no
// virtio-net device model to ground it on; see DESIGN.md).
type Type int

const (
	TypeBlock Type = iota
	TypeFS
	TypeNet
)

var (
	ErrAlreadyStarted = errors.New("controller: already started")
	ErrNotStarted      = errors.New("controller: not started")
	ErrWrongType       = errors.New("controller: backend does not match controller type")
)

// Controller owns every virtqueue of one emulated virtio device,
// drives its BAR-observed lifecycle, and exposes live-migration
// state save/restore (spec §4.3, §4.5).
type Controller struct {
	typ Type

	backendQP qp.Backend
	worker    *qp.Worker
	umrEngine *umr.Engine
	opts      config.Options

	block backend.Block
	fs    backend.FS

	pg *pollgroup.Ctx

	mu        sync.Mutex
	lifecycle Lifecycle
	barPrev   BAR
	barCur    BAR
	queues    []*virtq.Virtqueue
	dmaQueues []*dma.Queue
	pgIDs     []int

	migrate       *migration.Channel
	quiesceResume func()

	hostRKey uint32
}

// Config bundles the construction-time parameters for a Controller.
type Config struct {
	Type      Type
	Backend   qp.Backend
	Worker    *qp.Worker
	UMREngine *umr.Engine
	Options   config.Options
	Block     backend.Block
	FS        backend.FS
	HostRKey  uint32
}

// New creates a Controller in the STOPPED state with no virtqueues.
func New(cfg Config) (*Controller, error) {
	opts := cfg.Options.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypeBlock:
		if cfg.Block == nil {
			return nil, fmt.Errorf("controller: %w: block backend required", ErrWrongType)
		}
	case TypeFS:
		if cfg.FS == nil {
			return nil, fmt.Errorf("controller: %w: fs backend required", ErrWrongType)
		}
	}
	c := &Controller{
		typ: cfg.Type, backendQP: cfg.Backend, worker: cfg.Worker, umrEngine: cfg.UMREngine,
		opts: opts, block: cfg.Block, fs: cfg.FS, hostRKey: cfg.HostRKey,
		pg: pollgroup.New(opts.PollingGroups),
	}
	c.migrate = migration.New(migration.Hooks{
		Freeze:     c.freeze,
		Unfreeze:   c.unfreeze,
		Quiesce:    c.quiesceHook,
		Unquiesce:  c.unquiesceHook,
		StateSize:  c.stateSize,
		ReadState:  c.readState,
		WriteState: c.writeState,
	})
	return c, nil
}

// Migration exposes the bound live-migration channel so a transport
// can dispatch commands to it.
func (c *Controller) Migration() *migration.Channel { return c.migrate }

// Lifecycle reports the controller's current device state.
func (c *Controller) Lifecycle() Lifecycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifecycle
}

// WriteBAR applies a new BAR snapshot from the host, diffing it
// against the previous one to detect device_status transitions and
// per-queue enable flips (spec §4.3 "BAR change detection").
func (c *Controller) WriteBAR(next BAR) error {
	c.mu.Lock()
	prev := c.barCur
	c.barPrev = prev
	c.barCur = next.Clone()
	d := Diff(prev, next)
	c.mu.Unlock()

	if d.StatusChanged {
		if err := c.onStatusChange(next.DeviceStatus); err != nil {
			return err
		}
	}
	for _, qid := range d.QueueEnableChanged {
		if qid >= len(next.Queues) {
			continue
		}
		if next.Queues[qid].Enable {
			if err := c.createQueue(qid, next.Queues[qid]); err != nil {
				return err
			}
		} else {
			c.destroyQueue(qid)
		}
	}
	return nil
}

func (c *Controller) onStatusChange(status DeviceStatus) error {
	slog.Debug("device_status written", "device_status", fmt.Sprintf("0x%02x", uint8(status)))
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case status&StatusFailed != 0:
		c.lifecycle = LifecycleStopped
	case status&StatusDriverOK != 0 && c.lifecycle == LifecycleStopped:
		c.lifecycle = LifecycleStarted
	case status == 0:
		c.lifecycle = LifecycleStopped
		for i := range c.queues {
			c.destroyQueueLocked(i)
		}
	}
	return nil
}

// createQueue builds the DMA queue and Virtqueue for qid per the
// controller's device type, and attaches it to the next polling
// group in round robin (spec §4.3 "queue creation").
func (c *Controller) createQueue(qid int, qc QueueConfig) error {
	q := dma.NewQueue(c.backendQP, c.umrEngine, c.worker, c.opts, 4096, 64)

	var kind virtq.Kind
	switch c.typ {
	case TypeBlock:
		kind = virtq.KindBlock
	case TypeFS:
		kind = virtq.KindFS
	default:
		return fmt.Errorf("controller: %w: no virtqueue kind for type %d", ErrWrongType, c.typ)
	}

	size := c.opts.QueueSize
	if qc.Size != 0 {
		size = qc.Size
	}
	// fs devices reserve queue index 0 as the hiprio queue (spec §4.2,
	// §9); every other queue index is a request queue for that device
	// type. Block devices have no hiprio queue.
	hiprio := c.typ == TypeFS && qid == 0

	vq := virtq.New(q, virtq.Config{
		Kind: kind, Hiprio: hiprio, Size: size, Block: c.block, FS: c.fs,
		HostRKey: c.hostRKey, ForceInOrder: c.opts.ForceInOrder,
		LogWritesToHost: c.opts.LogWritesToHost, MergeDescriptors: c.opts.MergeDescriptors,
		DirtyHook: c.migrate.MarkDirty,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queues) <= qid {
		c.queues = append(c.queues, nil)
		c.dmaQueues = append(c.dmaQueues, nil)
		c.pgIDs = append(c.pgIDs, -1)
	}
	c.destroyQueueLocked(qid)
	c.queues[qid] = vq
	c.dmaQueues[qid] = q
	c.pgIDs[qid] = c.pg.Attach(vq)
	return nil
}

func (c *Controller) destroyQueue(qid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyQueueLocked(qid)
}

func (c *Controller) destroyQueueLocked(qid int) {
	if qid >= len(c.queues) || c.queues[qid] == nil {
		return
	}
	c.queues[qid].Suspend()
	c.pg.Detach(c.pgIDs[qid], c.queues[qid])
	_ = c.dmaQueues[qid].Close()
	c.queues[qid] = nil
	c.dmaQueues[qid] = nil
	c.pgIDs[qid] = -1
}

// Queue returns the live Virtqueue for qid, or nil if none is created.
func (c *Controller) Queue(qid int) *virtq.Virtqueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	if qid >= len(c.queues) {
		return nil
	}
	return c.queues[qid]
}

// Run drives every polling group until ctx is canceled (spec §4.4
// "Polling-group scheduler").
func (c *Controller) Run(ctx context.Context) error {
	return pollgroup.RunAll(ctx, c.pg)
}

// Suspend transitions SUSPENDING: every virtqueue stops accepting new
// arrivals, and the controller blocks until all of them drain to
// SUSPENDED (spec §4.3 "suspend for migration").
func (c *Controller) Suspend(ctx context.Context) error {
	c.mu.Lock()
	if c.lifecycle != LifecycleStarted {
		c.mu.Unlock()
		return ErrNotStarted
	}
	c.lifecycle = LifecycleSuspending
	queues := append([]*virtq.Virtqueue(nil), c.queues...)
	c.mu.Unlock()

	for _, vq := range queues {
		if vq != nil {
			vq.Suspend()
		}
	}
	for _, vq := range queues {
		if vq == nil {
			continue
		}
		for vq.State() != virtq.SwSuspended {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			vq.Progress()
		}
	}

	c.mu.Lock()
	c.lifecycle = LifecycleSuspended
	c.mu.Unlock()
	return nil
}

func (c *Controller) freeze() error   { return nil }
func (c *Controller) unfreeze() error { return nil }

func (c *Controller) quiesceHook() error {
	resume := c.pg.Quiesce()
	c.mu.Lock()
	c.quiesceResume = resume
	c.mu.Unlock()
	return nil
}

func (c *Controller) unquiesceHook() error {
	c.mu.Lock()
	resume := c.quiesceResume
	c.quiesceResume = nil
	c.mu.Unlock()
	if resume != nil {
		resume()
	}
	return nil
}
