package virtq

import "encoding/binary"

// DescFlag is a bit in a vring_desc's Flags field.
type DescFlag uint16

const (
	// DescFNext marks that Next chains to another descriptor.
	DescFNext DescFlag = 1 << iota
	// DescFWrite marks the descriptor device-writable (host reads it
	// after the device fills it), mirroring the virtio split-ring spec.
	DescFWrite
)

// Desc is one split-ring descriptor (spec §6 wire protocol #1:
// "num_desc × vring_desc entries of 16 bytes each").
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

const descWireSize = 16

func decodeDesc(b []byte) Desc {
	return Desc{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}
}

func (d Desc) encode() []byte {
	b := make([]byte, descWireSize)
	binary.LittleEndian.PutUint64(b[0:8], d.Addr)
	binary.LittleEndian.PutUint32(b[8:12], d.Len)
	binary.LittleEndian.PutUint16(b[12:14], d.Flags)
	binary.LittleEndian.PutUint16(b[14:16], d.Next)
	return b
}

// TunnelRequestHeader is the inline RX payload that announces an
// arrival (spec §6 wire protocol #1).
type TunnelRequestHeader struct {
	DescrHeadIdx uint16
	NumDesc      uint16
	Rsvd1        uint32
	Rsvd2        uint32
}

const tunnelRequestHeaderSize = 12

func decodeTunnelRequestHeader(b []byte) TunnelRequestHeader {
	return TunnelRequestHeader{
		DescrHeadIdx: binary.LittleEndian.Uint16(b[0:2]),
		NumDesc:      binary.LittleEndian.Uint16(b[2:4]),
		Rsvd1:        binary.LittleEndian.Uint32(b[4:8]),
		Rsvd2:        binary.LittleEndian.Uint32(b[8:12]),
	}
}

// decodeArrival splits an inline tunnel message into its header and
// trailing descriptor chain (spec §6 wire protocol #1).
func decodeArrival(msg []byte) (TunnelRequestHeader, []Desc, bool) {
	if len(msg) < tunnelRequestHeaderSize {
		return TunnelRequestHeader{}, nil, false
	}
	hdr := decodeTunnelRequestHeader(msg)
	rest := msg[tunnelRequestHeaderSize:]
	if len(rest) < int(hdr.NumDesc)*descWireSize {
		return TunnelRequestHeader{}, nil, false
	}
	descs := make([]Desc, hdr.NumDesc)
	for i := range descs {
		descs[i] = decodeDesc(rest[i*descWireSize : (i+1)*descWireSize])
	}
	return hdr, descs, true
}

// TunnelCompletion is the inline SEND payload that retires a command
// (spec §6 wire protocol #2).
type TunnelCompletion struct {
	DescrHeadIdx uint32
	Len          uint32
}

func (c TunnelCompletion) encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], c.DescrHeadIdx)
	binary.LittleEndian.PutUint32(b[4:8], c.Len)
	return b
}

// BlkStatus is the 1-byte virtio-blk status footer (spec §6 wire
// protocol #3), grounded on VIRTIO_BLK_S_* in the original source.
type BlkStatus byte

const (
	BlkStatusOK     BlkStatus = 0
	BlkStatusIOErr  BlkStatus = 1
	BlkStatusUnsupp BlkStatus = 2
)

// BlkOpcode is the virtio-blk request type, grounded on VIRTIO_BLK_T_*
// in the original source (ctrl/snap_virtio_blk_virtq.c).
type BlkOpcode uint32

const (
	BlkTypeIn     BlkOpcode = 0
	BlkTypeOut    BlkOpcode = 1
	BlkTypeFlush  BlkOpcode = 4
	BlkTypeGetID  BlkOpcode = 8
)

// BlkOutHdr is the 16-byte virtio_blk_outhdr request header.
type BlkOutHdr struct {
	Type   BlkOpcode
	Rsvd   uint32
	Sector uint64
}

const blkOutHdrSize = 16

func decodeBlkOutHdr(b []byte) BlkOutHdr {
	return BlkOutHdr{
		Type:   BlkOpcode(binary.LittleEndian.Uint32(b[0:4])),
		Rsvd:   binary.LittleEndian.Uint32(b[4:8]),
		Sector: binary.LittleEndian.Uint64(b[8:16]),
	}
}

// FuseOutHeader is the 16-byte response header virtio-fs commands
// write back (spec §6 wire protocol #3 "Fs out-header"), grounded on
// the teacher's virtio/fs.go fuseOutHeader layout.
type FuseOutHeader struct {
	Len    uint32
	Error  int32
	Unique uint64
}

const fuseOutHeaderSize = 16

func (h FuseOutHeader) encode() []byte {
	b := make([]byte, fuseOutHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Len)
	binary.LittleEndian.PutUint32(b[4:8], uint32(h.Error))
	binary.LittleEndian.PutUint64(b[8:16], h.Unique)
	return b
}

// FuseEIO is the out-header error code used when a filesystem backend
// reports an I/O error, grounded on Linux's -EIO (5).
const FuseEIO = -5
