package controller

import (
	"encoding/binary"
	"fmt"
)

// Live-migration state layout (spec §4.3 "bit-exact"):
//
//	<global_hdr> (<section_hdr> <section>)*
//
// with three mandatory sections: pci_common_cfg, queue_cfg[num_queues],
// device_cfg. All fields are little-endian and packed.
const (
	stateMagic   uint32 = 0x534e4150 // "SNAP"
	stateVersion uint16 = 1

	globalHdrSize  = 8 // magic(4) + version(2) + num_sections(2)
	sectionHdrSize = 8 // id(4) + length(4)

	sectionPCICommonCfg uint32 = 1
	sectionQueueCfg     uint32 = 2
	sectionDeviceCfg    uint32 = 3

	pciCommonCfgSize = 8  // device_status(1) + lifecycle(1) + reserved(2) + num_queues(4)
	queueCfgEntrySize = 40 // size(2)+msix(2)+enable(1)+rsvd(3)+desc(8)+driver(8)+device(8)+mkey(4)+avail(2)+used(2)
	blockDeviceCfgSize = 12 // num_blocks(8) + block_size(4)
)

// SaveState serializes the controller's full migration state (spec
// §4.3/§4.5), for a caller driving a live-migration transfer outside
// the Channel's control-plane Dispatch (the bulk bytes move over
// whatever RDMA transport backs the migration channel, same as
// Channel.ReportLog's dirty-page snapshot).
func (c *Controller) SaveState() ([]byte, error) {
	n, err := c.stateSize()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if err := c.readState(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// LoadState restores a migration state previously produced by
// SaveState. The controller must be STOPPED or SUSPENDED.
func (c *Controller) LoadState(buf []byte) error {
	return c.writeState(buf)
}

func (c *Controller) stateSize() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := globalHdrSize
	n += sectionHdrSize + pciCommonCfgSize
	n += sectionHdrSize + len(c.queues)*queueCfgEntrySize
	n += sectionHdrSize + c.deviceCfgSizeLocked()
	return uint64(n), nil
}

func (c *Controller) deviceCfgSizeLocked() int {
	switch c.typ {
	case TypeBlock:
		return blockDeviceCfgSize
	default:
		return 0
	}
}

// readState serializes the controller's current configuration into
// buf, which must be exactly stateSize() bytes (the migration source
// side of READ_STATE).
func (c *Controller) readState(buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	want := globalHdrSize + sectionHdrSize + pciCommonCfgSize +
		sectionHdrSize + len(c.queues)*queueCfgEntrySize +
		sectionHdrSize + c.deviceCfgSizeLocked()
	if len(buf) != want {
		return fmt.Errorf("controller: read_state buffer is %d bytes, want %d", len(buf), want)
	}

	off := 0
	binary.LittleEndian.PutUint32(buf[off:], stateMagic)
	binary.LittleEndian.PutUint16(buf[off+4:], stateVersion)
	binary.LittleEndian.PutUint16(buf[off+6:], 3)
	off += globalHdrSize

	off += c.putSectionHdrLocked(buf[off:], sectionPCICommonCfg, pciCommonCfgSize)
	buf[off] = byte(c.barCur.DeviceStatus)
	buf[off+1] = byte(c.lifecycle)
	binary.LittleEndian.PutUint32(buf[off+4:], uint32(len(c.queues)))
	off += pciCommonCfgSize

	off += c.putSectionHdrLocked(buf[off:], sectionQueueCfg, len(c.queues)*queueCfgEntrySize)
	for _, qc := range c.barCur.Queues {
		encodeQueueCfg(buf[off:off+queueCfgEntrySize], qc)
		off += queueCfgEntrySize
	}

	off += c.putSectionHdrLocked(buf[off:], sectionDeviceCfg, c.deviceCfgSizeLocked())
	if c.typ == TypeBlock && c.block != nil {
		binary.LittleEndian.PutUint64(buf[off:], c.block.NumBlocks())
		binary.LittleEndian.PutUint32(buf[off+8:], c.block.BlockSize())
	}
	return nil
}

// writeState parses buf (produced by a peer's readState) and applies
// the restored BAR configuration. The controller must be in
// LifecycleStopped or LifecycleSuspended. It stores the restored BAR
// snapshot (including each queue's hw indexes) and lifecycle only; no
// virtqueues are created from it.
func (c *Controller) writeState(buf []byte) error {
	if len(buf) < globalHdrSize {
		return fmt.Errorf("controller: write_state buffer too short")
	}
	if binary.LittleEndian.Uint32(buf) != stateMagic {
		return fmt.Errorf("controller: write_state bad magic")
	}
	numSections := binary.LittleEndian.Uint16(buf[6:8])
	off := globalHdrSize

	var queues []QueueConfig
	var status DeviceStatus
	var lifecycle Lifecycle

	for s := uint16(0); s < numSections; s++ {
		if off+sectionHdrSize > len(buf) {
			return fmt.Errorf("controller: write_state truncated section header")
		}
		id := binary.LittleEndian.Uint32(buf[off:])
		length := binary.LittleEndian.Uint32(buf[off+4:])
		off += sectionHdrSize
		if off+int(length) > len(buf) {
			return fmt.Errorf("controller: write_state truncated section body")
		}
		body := buf[off : off+int(length)]
		switch id {
		case sectionPCICommonCfg:
			status = DeviceStatus(body[0])
			lifecycle = Lifecycle(body[1])
		case sectionQueueCfg:
			n := int(length) / queueCfgEntrySize
			queues = make([]QueueConfig, n)
			for i := 0; i < n; i++ {
				queues[i] = decodeQueueCfg(body[i*queueCfgEntrySize : (i+1)*queueCfgEntrySize])
			}
		case sectionDeviceCfg:
			// device_cfg is opaque per type; this core does not restore
			// backend-internal contents (spec §1 non-goal: concrete
			// backend devices are out of scope).
		}
		off += int(length)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lifecycle != LifecycleSuspended && c.lifecycle != LifecycleStopped {
		return fmt.Errorf("controller: write_state requires STOPPED or SUSPENDED, got %v", c.lifecycle)
	}
	c.barPrev = c.barCur
	c.barCur = BAR{DeviceStatus: status, NumQueues: uint16(len(queues)), Queues: queues}
	c.lifecycle = lifecycle
	return nil
}

func (c *Controller) putSectionHdrLocked(buf []byte, id uint32, length int) int {
	binary.LittleEndian.PutUint32(buf, id)
	binary.LittleEndian.PutUint32(buf[4:], uint32(length))
	return sectionHdrSize
}

func encodeQueueCfg(buf []byte, qc QueueConfig) {
	binary.LittleEndian.PutUint16(buf[0:], qc.Size)
	binary.LittleEndian.PutUint16(buf[2:], qc.MSIXVector)
	if qc.Enable {
		buf[4] = 1
	}
	binary.LittleEndian.PutUint64(buf[8:], qc.DescAddr)
	binary.LittleEndian.PutUint64(buf[16:], qc.DriverAddr)
	binary.LittleEndian.PutUint64(buf[24:], qc.DeviceAddr)
	binary.LittleEndian.PutUint32(buf[32:], qc.DMAMkey)
	binary.LittleEndian.PutUint16(buf[36:], qc.HWAvailIndex)
	binary.LittleEndian.PutUint16(buf[38:], qc.HWUsedIndex)
}

func decodeQueueCfg(buf []byte) QueueConfig {
	return QueueConfig{
		Size:         binary.LittleEndian.Uint16(buf[0:]),
		MSIXVector:   binary.LittleEndian.Uint16(buf[2:]),
		Enable:       buf[4] != 0,
		DescAddr:     binary.LittleEndian.Uint64(buf[8:]),
		DriverAddr:   binary.LittleEndian.Uint64(buf[16:]),
		DeviceAddr:   binary.LittleEndian.Uint64(buf[24:]),
		DMAMkey:      binary.LittleEndian.Uint32(buf[32:]),
		HWAvailIndex: binary.LittleEndian.Uint16(buf[36:]),
		HWUsedIndex:  binary.LittleEndian.Uint16(buf[38:]),
	}
}
