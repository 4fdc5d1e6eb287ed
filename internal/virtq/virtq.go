// Package virtq implements the per-command virtqueue state machine
// (spec §3 "Virtqueue"/"VirtqCommand", §4.2): fetch descriptors, read
// the request header, optionally read data, dispatch to a backend,
// write data/status back to host memory, emit a used-ring completion,
// and release the command slot, for both virtio-blk and virtio-fs
// queues.
package virtq

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nvidia/snap-dataplane/internal/backend"
	"github.com/nvidia/snap-dataplane/internal/dma"
	"github.com/nvidia/snap-dataplane/internal/qp"
)

// Kind selects which command-handling variant a Virtqueue runs.
type Kind int

const (
	KindBlock Kind = iota
	KindFS
)

// SwState is the virtqueue's software state (spec §3 "Virtqueue").
type SwState int

const (
	SwRunning SwState = iota
	SwFlushing
	SwSuspended
)

// cmdState is one of the FSM states in spec §4.2.
type cmdState int

const (
	StateIdle cmdState = iota
	StateFetchDescs
	StateReadHeader
	StateParseHeader
	StateReadData
	StateHandleReq
	StateInDataDone
	StateOutDataDone
	StateWriteStatus
	StateSendComp
	StateSendInOrderComp
	StateRelease
	StateFatalErr
)

var ErrFatal = errors.New("virtq: command in FATAL_ERR")
var ErrMalformed = errors.New("virtq: malformed arrival")

// Command is one outstanding VirtqCommand (spec §3).
type Command struct {
	slot         int
	seq          uint64
	descrHeadIdx uint16
	numDesc      uint16
	chain        []Desc
	state        cmdState
	status       BlkStatus
	fuseErr      int32
	totalInLen   uint32
	headerBuf    []byte
	reqBuf       []byte
	blkOp        BlkOpcode
	sector       uint64
	handleDone   bool

	fsOutDescs   []Desc
	fsOutBufs    [][]byte
	fsFooterDesc *Desc
}

// State exposes the command's current FSM state, mainly for tests.
func (c *Command) State() cmdState { return c.state }

// Virtqueue drives VirtqCommands for one split-ring queue (spec §3).
type Virtqueue struct {
	kind   Kind
	hiprio bool
	size   uint16
	queue  *dma.Queue
	block  backend.Block
	fs     backend.FS

	hostRKey uint32
	pgID     int

	forceInOrder    bool
	logWritesToHost bool
	mergeDescriptors bool
	dirtyHook       func(addr uint64, length uint32)

	mu             sync.Mutex
	state          SwState
	fatal          bool
	commands       []*Command
	ctrlAvailIndex uint64
	ctrlUsedIndex  uint64
	outstanding    int
	parked         []*Command
}

// Config bundles the construction-time parameters for a Virtqueue.
type Config struct {
	Kind             Kind
	Hiprio           bool
	Size             uint16
	Block            backend.Block
	FS               backend.FS
	HostRKey         uint32
	PollingGroupID   int
	ForceInOrder     bool
	LogWritesToHost  bool
	MergeDescriptors bool
	DirtyHook        func(addr uint64, length uint32)
}

// New creates a Virtqueue of the given Kind, driven over q.
func New(q *dma.Queue, cfg Config) *Virtqueue {
	v := &Virtqueue{
		kind: cfg.Kind, hiprio: cfg.Hiprio, size: cfg.Size, queue: q, block: cfg.Block, fs: cfg.FS,
		hostRKey: cfg.HostRKey, pgID: cfg.PollingGroupID,
		forceInOrder: cfg.ForceInOrder, logWritesToHost: cfg.LogWritesToHost,
		mergeDescriptors: cfg.MergeDescriptors, dirtyHook: cfg.DirtyHook,
		commands: make([]*Command, cfg.Size),
	}
	q.OnRecv(func(msg []byte) { _ = v.Arrive(msg) })
	return v
}

// State reports the virtqueue's software state.
func (v *Virtqueue) State() SwState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Fatal reports whether the virtqueue has entered the unrecoverable
// fatal state (spec §4.2 FATAL_ERR).
func (v *Virtqueue) Fatal() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fatal
}

// UsedIndex reports the controller-observed used index.
func (v *Virtqueue) UsedIndex() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ctrlUsedIndex
}

// Arrive decodes an inline tunnel request (spec §6 wire protocol #1)
// and drives a new command through the FSM. If the virtqueue is
// FLUSHING the command is dropped without a completion (spec §4.2
// "Arrival").
func (v *Virtqueue) Arrive(msg []byte) error {
	hdr, descs, ok := decodeArrival(msg)
	if !ok {
		return ErrMalformed
	}

	slog.Debug("virtq arrival", "descr_head_idx", hdr.DescrHeadIdx, "num_desc", hdr.NumDesc)

	v.mu.Lock()
	if v.fatal {
		v.mu.Unlock()
		return ErrFatal
	}
	if v.state == SwFlushing {
		v.mu.Unlock()
		return nil
	}
	slot := int(v.ctrlAvailIndex) % int(v.size)
	cmd := &Command{
		slot: slot, descrHeadIdx: hdr.DescrHeadIdx, numDesc: hdr.NumDesc,
		chain: descs, seq: v.ctrlAvailIndex, state: StateFetchDescs,
	}
	v.commands[slot] = cmd
	v.ctrlAvailIndex++
	v.outstanding++
	v.mu.Unlock()

	v.driveFSM(cmd)
	return nil
}

// driveFSM loops step() while it reports the command may transition
// again synchronously (spec §5: every FSM handler returns such a
// hint); it stops once a command parks (SEND_IN_ORDER_COMP), releases,
// or enters FATAL_ERR.
func (v *Virtqueue) driveFSM(cmd *Command) {
	for v.step(cmd) {
	}
}

func (v *Virtqueue) step(cmd *Command) bool {
	switch cmd.state {
	case StateFetchDescs:
		if v.mergeDescriptors {
			cmd.chain = mergeAdjacent(cmd.chain)
		}
		cmd.state = StateReadHeader
		return true

	case StateReadHeader:
		if len(cmd.chain) == 0 {
			cmd.state = StateFatalErr
			return true
		}
		first := cmd.chain[0]
		buf := make([]byte, first.Len)
		if err := v.readHost(buf, first.Addr); err != nil {
			cmd.state = StateFatalErr
			return true
		}
		cmd.headerBuf = buf
		cmd.state = StateParseHeader
		return true

	case StateParseHeader:
		v.parseHeader(cmd)
		return true

	case StateReadData:
		readable := readableDataDescs(cmd)
		total := sumLen(readable)
		buf := make([]byte, total)
		off := 0
		for _, d := range readable {
			if err := v.readHost(buf[off:off+int(d.Len)], d.Addr); err != nil {
				cmd.state = StateFatalErr
				return true
			}
			off += int(d.Len)
		}
		cmd.reqBuf = buf
		cmd.state = StateHandleReq
		return true

	case StateHandleReq:
		v.handleReq(cmd)
		return cmd.handleDone

	case StateInDataDone:
		v.writeBackData(cmd)
		if cmd.state != StateFatalErr {
			cmd.state = StateWriteStatus
		}
		return true

	case StateOutDataDone:
		cmd.state = StateWriteStatus
		return true

	case StateWriteStatus:
		if err := v.writeStatus(cmd); err != nil {
			cmd.state = StateFatalErr
			return true
		}
		cmd.state = StateSendComp
		return true

	case StateSendComp:
		v.sendComp(cmd)
		return cmd.state == StateRelease

	case StateSendInOrderComp:
		return false

	case StateRelease:
		v.release(cmd)
		return false

	case StateFatalErr:
		v.enterFatal(cmd)
		return false
	}
	return false
}

func (v *Virtqueue) parseHeader(cmd *Command) {
	switch v.kind {
	case KindBlock:
		if len(cmd.headerBuf) < blkOutHdrSize {
			cmd.status = BlkStatusUnsupp
			cmd.state = StateWriteStatus
			return
		}
		oh := decodeBlkOutHdr(cmd.headerBuf)
		cmd.blkOp = oh.Type
		cmd.sector = oh.Sector
		switch oh.Type {
		case BlkTypeOut:
			cmd.state = StateReadData
		case BlkTypeIn, BlkTypeGetID, BlkTypeFlush:
			cmd.state = StateHandleReq
		default:
			cmd.status = BlkStatusUnsupp
			cmd.state = StateHandleReq
		}
	case KindFS:
		// spec §4.2/§9: the hiprio queue carries notification-only
		// commands (no request payload to read) and must dispatch
		// straight to HANDLE_REQ; every other fs queue is a request
		// queue and reads its request body first.
		if v.hiprio {
			cmd.state = StateHandleReq
		} else {
			cmd.state = StateReadData
		}
	}
}

func statusFromBackend(s backend.Status) BlkStatus {
	if s == backend.StatusSuccess {
		return BlkStatusOK
	}
	return BlkStatusIOErr
}

func (v *Virtqueue) handleReq(cmd *Command) {
	switch v.kind {
	case KindBlock:
		v.handleBlockReq(cmd)
	case KindFS:
		v.handleFSReq(cmd)
	}
}

func (v *Virtqueue) handleBlockReq(cmd *Command) {
	slog.Debug("virtq-blk request", "op", cmd.blkOp, "sector", cmd.sector, "len", len(cmd.reqBuf))
	switch cmd.blkOp {
	case BlkTypeOut:
		v.block.Write([][]byte{cmd.reqBuf}, int64(cmd.sector)*512, func(s backend.Status) {
			cmd.status = statusFromBackend(s)
			cmd.handleDone = true
			cmd.state = StateOutDataDone
			v.driveFSM(cmd)
		}, v.pgID)
	case BlkTypeIn:
		writable := payloadWritableDescs(cmd)
		cmd.reqBuf = make([]byte, sumLen(writable))
		v.block.Read([][]byte{cmd.reqBuf}, int64(cmd.sector)*512, func(s backend.Status) {
			cmd.status = statusFromBackend(s)
			cmd.handleDone = true
			cmd.state = StateInDataDone
			v.driveFSM(cmd)
		}, v.pgID)
	case BlkTypeGetID:
		cmd.reqBuf = []byte(v.block.Name())
		cmd.status = BlkStatusOK
		cmd.handleDone = true
		cmd.state = StateInDataDone
	case BlkTypeFlush:
		if cmd.sector != 0 {
			cmd.status = BlkStatusIOErr
			cmd.handleDone = true
			cmd.state = StateWriteStatus
			return
		}
		length := int64(v.block.NumBlocks()) * int64(v.block.BlockSize())
		v.block.Flush(0, length, func(s backend.Status) {
			cmd.status = statusFromBackend(s)
			cmd.handleDone = true
			cmd.state = StateWriteStatus
			v.driveFSM(cmd)
		}, v.pgID)
	default:
		// unsupported opcode, set by parseHeader already
		cmd.handleDone = true
		cmd.state = StateWriteStatus
	}
}

func (v *Virtqueue) handleFSReq(cmd *Command) {
	writable := writableDataDescs(cmd)
	var outLast *Desc
	outDescs := writable
	if n := len(writable); n > 0 {
		outLast = &writable[n-1]
		outDescs = writable[:n-1]
	}
	inIOV := [][]byte{cmd.reqBuf}
	outBufs := make([][]byte, len(outDescs))
	for i, d := range outDescs {
		outBufs[i] = make([]byte, d.Len)
	}
	cmd.fsOutDescs = outDescs
	cmd.fsOutBufs = outBufs
	cmd.fsFooterDesc = outLast

	v.fs.HandleReq(inIOV, outBufs, func(s backend.Status) {
		if s != backend.StatusSuccess {
			cmd.fuseErr = FuseEIO
			cmd.status = BlkStatusIOErr
		}
		cmd.handleDone = true
		if len(outDescs) > 0 {
			cmd.state = StateInDataDone
		} else {
			cmd.state = StateWriteStatus
		}
		v.driveFSM(cmd)
	})
}

func (v *Virtqueue) writeBackData(cmd *Command) {
	switch v.kind {
	case KindBlock:
		writable := payloadWritableDescs(cmd)
		off := 0
		for _, d := range writable {
			n := int(d.Len)
			if off+n > len(cmd.reqBuf) {
				n = len(cmd.reqBuf) - off
			}
			if n <= 0 {
				break
			}
			if err := v.writeHost(cmd.reqBuf[off:off+n], d.Addr); err != nil {
				cmd.state = StateFatalErr
				return
			}
			cmd.totalInLen += uint32(n)
			off += n
		}
	case KindFS:
		for i, d := range cmd.fsOutDescs {
			if err := v.writeHost(cmd.fsOutBufs[i], d.Addr); err != nil {
				cmd.state = StateFatalErr
				return
			}
			cmd.totalInLen += uint32(len(cmd.fsOutBufs[i]))
		}
	}
}

func (v *Virtqueue) writeStatus(cmd *Command) error {
	switch v.kind {
	case KindBlock:
		footer := findFooterDesc(cmd)
		if footer == nil {
			return fmt.Errorf("virtq: no footer descriptor for status")
		}
		if err := v.queue.WriteShort([]byte{byte(cmd.status)}, footer.Addr, v.hostRKey); err != nil {
			return err
		}
		cmd.totalInLen++
		return nil
	case KindFS:
		if cmd.fsFooterDesc == nil {
			return nil
		}
		h := FuseOutHeader{Len: cmd.totalInLen + fuseOutHeaderSize, Error: cmd.fuseErr}
		if err := v.queue.WriteShort(h.encode(), cmd.fsFooterDesc.Addr, v.hostRKey); err != nil {
			return err
		}
		cmd.totalInLen += fuseOutHeaderSize
		return nil
	}
	return nil
}

func (v *Virtqueue) sendComp(cmd *Command) {
	v.mu.Lock()
	inOrderOK := !v.forceInOrder || cmd.seq == v.ctrlUsedIndex
	v.mu.Unlock()

	if !inOrderOK {
		v.mu.Lock()
		v.parked = append(v.parked, cmd)
		v.mu.Unlock()
		cmd.state = StateSendInOrderComp
		return
	}

	tc := TunnelCompletion{DescrHeadIdx: uint32(cmd.descrHeadIdx), Len: cmd.totalInLen}
	_ = v.queue.SendCompletion(tc.encode())

	v.mu.Lock()
	v.ctrlUsedIndex++
	v.mu.Unlock()

	cmd.state = StateRelease
	v.retryParkedLocked()
}

// retryParkedLocked scans parked commands for the one matching the
// next used index and releases it, repeating until no match remains
// (spec §4.2.2).
func (v *Virtqueue) retryParkedLocked() int {
	released := 0
	for {
		v.mu.Lock()
		idx := -1
		for i, p := range v.parked {
			if p.seq == v.ctrlUsedIndex {
				idx = i
				break
			}
		}
		if idx < 0 {
			v.mu.Unlock()
			return released
		}
		cmd := v.parked[idx]
		v.parked = append(v.parked[:idx], v.parked[idx+1:]...)
		v.mu.Unlock()

		tc := TunnelCompletion{DescrHeadIdx: uint32(cmd.descrHeadIdx), Len: cmd.totalInLen}
		_ = v.queue.SendCompletion(tc.encode())

		v.mu.Lock()
		v.ctrlUsedIndex++
		v.mu.Unlock()

		cmd.state = StateRelease
		v.driveFSM(cmd)
		released++
	}
}

func (v *Virtqueue) release(cmd *Command) {
	v.mu.Lock()
	v.commands[cmd.slot] = nil
	v.outstanding--
	v.mu.Unlock()
	cmd.state = StateIdle
}

func (v *Virtqueue) enterFatal(cmd *Command) {
	slog.Warn("virtqueue command entered FATAL_ERR", "slot", cmd.slot, "seq", cmd.seq, "descr_head_idx", cmd.descrHeadIdx)
	v.mu.Lock()
	v.fatal = true
	v.commands[cmd.slot] = nil
	v.outstanding--
	v.mu.Unlock()
}

func (v *Virtqueue) readHost(buf []byte, addr uint64) error {
	if len(buf) == 0 {
		return nil
	}
	done := false
	var syn qp.Syndrome
	c := dma.NewCompletion(1, func(s qp.Syndrome) { syn = s; done = true })
	if err := v.queue.Read(buf, 0, addr, v.hostRKey, c); err != nil {
		return err
	}
	for !done {
		v.queue.Progress()
	}
	if syn != qp.SyndromeSuccess {
		return fmt.Errorf("virtq: host read failed: %v", syn)
	}
	return nil
}

func (v *Virtqueue) writeHost(data []byte, addr uint64) error {
	if v.logWritesToHost && v.dirtyHook != nil {
		v.dirtyHook(addr, uint32(len(data)))
	}
	if len(data) == 0 {
		return nil
	}
	done := false
	var syn qp.Syndrome
	c := dma.NewCompletion(1, func(s qp.Syndrome) { syn = s; done = true })
	if err := v.queue.Write(data, 0, addr, v.hostRKey, c); err != nil {
		return err
	}
	for !done {
		v.queue.Progress()
	}
	if syn != qp.SyndromeSuccess {
		return fmt.Errorf("virtq: host write failed: %v", syn)
	}
	return nil
}

// Suspend moves the virtqueue to FLUSHING (spec §4.2.4). New arrivals
// are dropped; outstanding commands drain on subsequent Progress calls.
func (v *Virtqueue) Suspend() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == SwRunning {
		v.state = SwFlushing
	}
}

// Progress implements pollgroup.Member: it retries any parked
// in-order completions and advances the suspend drain, returning the
// number of events processed.
func (v *Virtqueue) Progress() int {
	n := v.retryParkedLocked()

	v.mu.Lock()
	flushing := v.state == SwFlushing
	drained := v.outstanding == 0
	v.mu.Unlock()

	if flushing && drained {
		v.mu.Lock()
		v.state = SwSuspended
		v.mu.Unlock()
	}
	return n
}
