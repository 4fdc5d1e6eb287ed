package dpa

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// VirtqCreateCmd is the DPA_VIRTQ_CMD_CREATE payload (spec §4.4 step 2):
// "the virtqueue's {idx, size, desc_addr, driver_addr, device_addr,
// vhca_id, host_mkey, dpu_desc_shadow_mkey, dpu_desc_shadow_addr,
// duar_id, initial hw_avail/used}".
type VirtqCreateCmd struct {
	Idx              uint16
	Size             uint16
	DescAddr         uint64
	DriverAddr       uint64
	DeviceAddr       uint64
	VhcaID           uint16
	HostMkey         uint32
	ShadowMkey       uint32
	ShadowAddr       uint64
	DuarID           uint32
	InitialHWAvail   uint16
	InitialHWUsed    uint16
}

// HeadDesc is one descriptor in a fetched chain, the DPA-side
// equivalent of virtq.Desc (kept as its own type here rather than
// importing internal/virtq, since the DPA thread and the host
// controller are different address spaces in the real system and only
// share a wire format, never a Go type).
type HeadDesc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// maxHeadsPerMessage is VQ_HEADS's per-message capacity (spec §4.4:
// "head indices only, up to ~27 per message" — a 64-byte record minus
// the 1-byte type tag and a 1-byte count leaves 62 bytes, 27 head
// indices at 2 bytes each with 8 bytes to spare).
const maxHeadsPerMessage = 27

// encodeVQHeads/decodeVQHeads and encodeVQTable/decodeVQTable
// encode/decode the VQ_HEADS and VQ_TABLE message bodies (spec §4.4
// step 3).
func encodeVQHeads(heads []uint16) Message {
	var m Message
	m.Type = MsgVQHeads
	m.Payload[0] = byte(len(heads))
	for i, h := range heads {
		binary.LittleEndian.PutUint16(m.Payload[1+i*2:], h)
	}
	return m
}

func decodeVQHeads(m Message) []uint16 {
	n := int(m.Payload[0])
	if n > maxHeadsPerMessage {
		n = maxHeadsPerMessage
	}
	heads := make([]uint16, n)
	for i := range heads {
		heads[i] = binary.LittleEndian.Uint16(m.Payload[1+i*2:])
	}
	return heads
}

func encodeVQTable(firstHead uint16, count uint16) Message {
	var m Message
	m.Type = MsgVQTable
	binary.LittleEndian.PutUint16(m.Payload[0:], firstHead)
	binary.LittleEndian.PutUint16(m.Payload[2:], count)
	return m
}

func decodeVQTable(m Message) (firstHead, count uint16) {
	return binary.LittleEndian.Uint16(m.Payload[0:]), binary.LittleEndian.Uint16(m.Payload[2:])
}

// OffloadedVirtq is the DPA-side half of an offloaded virtqueue: it
// tracks the shadow available-index and reports new doorbells to the
// host over a CreditChannel (spec §4.4 steps 1-3).
type OffloadedVirtq struct {
	cfg     VirtqCreateCmd
	duar    uint32
	dpaChan *CreditChannel

	mu          sync.Mutex
	shadowAvail uint16
	shadow      map[uint16][]HeadDesc // descr_head_idx -> descriptor chain, mirrors dpu_desc_shadow
}

// NewOffloadedVirtq creates the DPA-side state for cmd, registered on
// duar and communicating with the host over dpaChan.
func NewOffloadedVirtq(cmd VirtqCreateCmd, duar uint32, dpaChan *CreditChannel) *OffloadedVirtq {
	return &OffloadedVirtq{
		cfg: cmd, duar: duar, dpaChan: dpaChan,
		shadowAvail: cmd.InitialHWAvail,
		shadow:      make(map[uint16][]HeadDesc),
	}
}

// ServiceDoorbell is invoked when a DUAR wakes this thread: it reads
// the new host available-ring entries via fetch, computes the delta
// against the shadow avail index, and reports either VQ_HEADS or
// VQ_TABLE to the host over hostChan (spec §4.4 step 3).
func (o *OffloadedVirtq) ServiceDoorbell(hostAvailIndex uint16, fetch func(headIdx uint16) ([]HeadDesc, bool), hostChan *CreditChannel) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	delta := int(uint16(hostAvailIndex - o.shadowAvail))
	if delta == 0 {
		return nil
	}
	if delta <= maxHeadsPerMessage {
		heads := make([]uint16, 0, delta)
		for i := 0; i < delta; i++ {
			headIdx := o.shadowAvail + uint16(i)
			heads = append(heads, headIdx)
		}
		if err := o.dpaChan.Send(hostChan, encodeVQHeads(heads)); err != nil {
			return err
		}
	} else {
		first := o.shadowAvail
		for i := 0; i < delta; i++ {
			headIdx := o.shadowAvail + uint16(i)
			descs, ok := fetch(headIdx)
			if !ok {
				return fmt.Errorf("dpa: no descriptor chain for head %d", headIdx)
			}
			o.shadow[headIdx] = descs
		}
		if err := o.dpaChan.Send(hostChan, encodeVQTable(first, uint16(delta))); err != nil {
			return err
		}
	}
	o.shadowAvail = hostAvailIndex
	return nil
}

// DescResolver is the host-side lookup used to reconstruct a
// descriptor chain for a given head index — normally the host's own
// memory, or (when VQ_TABLE is in use) the DPA's shadow copy.
type DescResolver func(headIdx uint16) ([]HeadDesc, bool)

// Bridge pulls offload messages off hostChan and synthesizes the same
// inline tunnel-request wire format internal/virtq.Virtqueue.Arrive
// expects, feeding the virtqueue's non-offloaded FSM unchanged (spec
// §4.4 step 4: "feeds them into the same state machine as the
// non-offloaded path, skipping the descriptor-fetch stage when
// VQ_TABLE is in use").
type Bridge struct {
	resolve DescResolver
	arrive  func(msg []byte) error
}

// NewBridge binds resolve (head index -> descriptor chain) and arrive
// (normally *virtq.Virtqueue's Arrive method).
func NewBridge(resolve DescResolver, arrive func(msg []byte) error) *Bridge {
	return &Bridge{resolve: resolve, arrive: arrive}
}

// Pull drains every pending message on hostChan and feeds each decoded
// command into the bridge's virtqueue.
func (b *Bridge) Pull(hostChan *CreditChannel) (int, error) {
	n := 0
	for {
		msg, err := hostChan.Recv()
		if err == ErrChannelEmpty {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := b.handle(msg); err != nil {
			return n, err
		}
		n++
	}
}

func (b *Bridge) handle(msg Message) error {
	switch msg.Type {
	case MsgCreditUpdate:
		return nil
	case MsgVQHeads:
		for _, head := range decodeVQHeads(msg) {
			if err := b.feedHead(head); err != nil {
				return err
			}
		}
		return nil
	case MsgVQTable:
		first, count := decodeVQTable(msg)
		for i := uint16(0); i < count; i++ {
			if err := b.feedHead(first + i); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("dpa: bridge received unexpected message type %d", msg.Type)
	}
}

func (b *Bridge) feedHead(headIdx uint16) error {
	descs, ok := b.resolve(headIdx)
	if !ok {
		return fmt.Errorf("dpa: no descriptor chain for head %d", headIdx)
	}
	return b.arrive(encodeArrival(headIdx, descs))
}

// encodeArrival builds the 12-byte tunnel-request header plus
// numDesc*16-byte descriptor chain inline message (spec §6 wire
// protocol #1), matching internal/virtq's wire format byte-for-byte.
func encodeArrival(headIdx uint16, descs []HeadDesc) []byte {
	buf := make([]byte, 12+len(descs)*16)
	binary.LittleEndian.PutUint16(buf[0:2], headIdx)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(descs)))
	for i, d := range descs {
		off := 12 + i*16
		binary.LittleEndian.PutUint64(buf[off:off+8], d.Addr)
		binary.LittleEndian.PutUint32(buf[off+8:off+12], d.Len)
		binary.LittleEndian.PutUint16(buf[off+12:off+14], d.Flags)
		binary.LittleEndian.PutUint16(buf[off+14:off+16], d.Next)
	}
	return buf
}
