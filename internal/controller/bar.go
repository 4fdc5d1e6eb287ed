package controller

// DeviceStatus bits, grounded on the virtio common-configuration
// status register (VIRTIO_PCI_CAP_COMMON_CFG "device_status" byte,
// offset 0x14 in the teacher's virtio/pci.go common-cfg layout).
type DeviceStatus uint8

const (
	StatusAck          DeviceStatus = 1 << 0
	StatusDriver       DeviceStatus = 1 << 1
	StatusDriverOK     DeviceStatus = 1 << 2
	StatusFeaturesOK   DeviceStatus = 1 << 3
	StatusNeedsReset   DeviceStatus = 1 << 6
	StatusFailed       DeviceStatus = 1 << 7
)

// QueueConfig is one queue's BAR-observed attributes (spec §3
// "Virtqueue": "the BAR-observed virtio attributes (desc, driver,
// device ring addresses, size, msix_vector, dma_mkey)"), grounded on
// the VIRTIO_PCI_CAP_COMMON_CFG per-queue register block offsets
// (queue_size 0x18, queue_msix_vector 0x1A, queue_enable 0x1C,
// queue_desc 0x20, queue_driver 0x28, queue_device 0x30 from the start
// of the common-cfg structure, addressing the queue chosen by
// queue_select).
type QueueConfig struct {
	Size         uint16
	MSIXVector   uint16
	Enable       bool
	DescAddr     uint64
	DriverAddr   uint64
	DeviceAddr   uint64
	DMAMkey      uint32
	HWAvailIndex uint16
	HWUsedIndex  uint16
}

// BAR is a snapshot of the virtio common configuration the controller
// observes (spec §4.3 "BAR change detection").
type BAR struct {
	DeviceStatus DeviceStatus
	NumQueues    uint16
	Queues       []QueueConfig
}

// Clone returns a deep copy suitable for use as the "previous" side of
// a diff.
func (b BAR) Clone() BAR {
	cp := BAR{DeviceStatus: b.DeviceStatus, NumQueues: b.NumQueues}
	cp.Queues = append([]QueueConfig(nil), b.Queues...)
	return cp
}

// BARDiff is the result of comparing two BAR snapshots.
type BARDiff struct {
	StatusChanged      bool
	QueueEnableChanged []int // queue indices whose Enable flag flipped
}

// Diff compares prev (the old snapshot) to cur (the new one).
func Diff(prev, cur BAR) BARDiff {
	var d BARDiff
	if prev.DeviceStatus != cur.DeviceStatus {
		d.StatusChanged = true
	}
	n := len(cur.Queues)
	if len(prev.Queues) > n {
		n = len(prev.Queues)
	}
	for i := 0; i < n; i++ {
		var p, c QueueConfig
		if i < len(prev.Queues) {
			p = prev.Queues[i]
		}
		if i < len(cur.Queues) {
			c = cur.Queues[i]
		}
		if p.Enable != c.Enable {
			d.QueueEnableChanged = append(d.QueueEnableChanged, i)
		}
	}
	return d
}
