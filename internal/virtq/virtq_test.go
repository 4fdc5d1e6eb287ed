package virtq

import (
	"encoding/binary"
	"testing"

	"github.com/nvidia/snap-dataplane/internal/backend"
	"github.com/nvidia/snap-dataplane/internal/config"
	"github.com/nvidia/snap-dataplane/internal/dma"
	"github.com/nvidia/snap-dataplane/internal/hostmem"
	"github.com/nvidia/snap-dataplane/internal/qp"
	"github.com/nvidia/snap-dataplane/internal/umr"
)

func setupBlockQueue(t *testing.T, blk backend.Block, cfg Config) (*Virtqueue, hostmem.Region) {
	t.Helper()
	mem := hostmem.NewSimulated(1 << 16)
	be := qp.NewSim(mem, make([]byte, 4096), 64)
	eng := umr.NewEngine(be, umr.NewContextPool(1, 4))
	var worker qp.Worker
	q := dma.NewQueue(be, eng, &worker, config.Options{}.WithDefaults(), 256, 64)

	cfg.Kind = KindBlock
	cfg.Block = blk
	if cfg.Size == 0 {
		cfg.Size = 8
	}
	vq := New(q, cfg)
	return vq, mem
}

func encodeBlkOutHdr(op BlkOpcode, sector uint64) []byte {
	b := make([]byte, blkOutHdrSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(op))
	binary.LittleEndian.PutUint64(b[8:16], sector)
	return b
}

func buildArrival(descrHeadIdx uint16, descs []Desc) []byte {
	msg := make([]byte, tunnelRequestHeaderSize)
	binary.LittleEndian.PutUint16(msg[0:2], descrHeadIdx)
	binary.LittleEndian.PutUint16(msg[2:4], uint16(len(descs)))
	for _, d := range descs {
		msg = append(msg, d.encode()...)
	}
	return msg
}

func TestBlockWrite4KiB(t *testing.T) {
	blk := backend.NewMemBlock("disk0", 16, 512)
	vq, mem := setupBlockQueue(t, blk, Config{})

	const headerAddr, dataAddr, footerAddr = 0x1000, 0x2000, 0x3000
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := mem.WriteAt(encodeBlkOutHdr(BlkTypeOut, 0), headerAddr); err != nil {
		t.Fatalf("seed header: %v", err)
	}
	if _, err := mem.WriteAt(payload, dataAddr); err != nil {
		t.Fatalf("seed payload: %v", err)
	}

	chain := []Desc{
		{Addr: headerAddr, Len: blkOutHdrSize},
		{Addr: dataAddr, Len: uint32(len(payload))},
		{Addr: footerAddr, Len: 1, Flags: uint16(DescFWrite)},
	}
	if err := vq.Arrive(buildArrival(0, chain)); err != nil {
		t.Fatalf("Arrive: %v", err)
	}

	got := make([]byte, 4096)
	blk.Read([][]byte{got}, 0, func(backend.Status) {}, 0)
	if string(got) != string(payload) {
		t.Fatalf("backend did not receive the written payload")
	}

	status := make([]byte, 1)
	if _, err := mem.ReadAt(status, footerAddr); err != nil {
		t.Fatalf("ReadAt status: %v", err)
	}
	if BlkStatus(status[0]) != BlkStatusOK {
		t.Fatalf("expected OK status, got %d", status[0])
	}
	if vq.UsedIndex() != 1 {
		t.Fatalf("expected used index to advance to 1, got %d", vq.UsedIndex())
	}
}

func TestBlockRead4KiB(t *testing.T) {
	blk := backend.NewMemBlock("disk0", 16, 512)
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(255 - i)
	}
	blk.Write([][]byte{payload}, 0, func(backend.Status) {}, 0)

	vq, mem := setupBlockQueue(t, blk, Config{})

	const headerAddr, dataAddr, footerAddr = 0x1000, 0x2000, 0x3000
	if _, err := mem.WriteAt(encodeBlkOutHdr(BlkTypeIn, 0), headerAddr); err != nil {
		t.Fatalf("seed header: %v", err)
	}

	chain := []Desc{
		{Addr: headerAddr, Len: blkOutHdrSize},
		{Addr: dataAddr, Len: uint32(len(payload)), Flags: uint16(DescFWrite)},
		{Addr: footerAddr, Len: 1, Flags: uint16(DescFWrite)},
	}
	if err := vq.Arrive(buildArrival(1, chain)); err != nil {
		t.Fatalf("Arrive: %v", err)
	}

	got := make([]byte, 4096)
	if _, err := mem.ReadAt(got, dataAddr); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected host memory to receive the read payload")
	}
}

func TestBlockGetID(t *testing.T) {
	blk := backend.NewMemBlock("my-disk", 16, 512)
	vq, mem := setupBlockQueue(t, blk, Config{})

	const headerAddr, dataAddr, footerAddr = 0x1000, 0x2000, 0x3000
	mem.WriteAt(encodeBlkOutHdr(BlkTypeGetID, 0), headerAddr)

	chain := []Desc{
		{Addr: headerAddr, Len: blkOutHdrSize},
		{Addr: dataAddr, Len: 20, Flags: uint16(DescFWrite)},
		{Addr: footerAddr, Len: 1, Flags: uint16(DescFWrite)},
	}
	if err := vq.Arrive(buildArrival(2, chain)); err != nil {
		t.Fatalf("Arrive: %v", err)
	}

	got := make([]byte, len("my-disk"))
	mem.ReadAt(got, dataAddr)
	if string(got) != "my-disk" {
		t.Fatalf("expected device name written to descriptor 1, got %q", got)
	}
}

func TestBlockFlushRejectsNonzeroSector(t *testing.T) {
	blk := backend.NewMemBlock("disk0", 16, 512)
	vq, mem := setupBlockQueue(t, blk, Config{})

	const headerAddr, footerAddr = 0x1000, 0x3000
	mem.WriteAt(encodeBlkOutHdr(BlkTypeFlush, 5), headerAddr)

	chain := []Desc{
		{Addr: headerAddr, Len: blkOutHdrSize},
		{Addr: footerAddr, Len: 1, Flags: uint16(DescFWrite)},
	}
	if err := vq.Arrive(buildArrival(3, chain)); err != nil {
		t.Fatalf("Arrive: %v", err)
	}

	status := make([]byte, 1)
	mem.ReadAt(status, footerAddr)
	if BlkStatus(status[0]) != BlkStatusIOErr {
		t.Fatalf("expected IOERR status for flush with nonzero sector, got %d", status[0])
	}
}

func TestUnsupportedOpcodeSetsUnsupp(t *testing.T) {
	blk := backend.NewMemBlock("disk0", 16, 512)
	vq, mem := setupBlockQueue(t, blk, Config{})

	const headerAddr, footerAddr = 0x1000, 0x3000
	mem.WriteAt(encodeBlkOutHdr(BlkOpcode(99), 0), headerAddr)

	chain := []Desc{
		{Addr: headerAddr, Len: blkOutHdrSize},
		{Addr: footerAddr, Len: 1, Flags: uint16(DescFWrite)},
	}
	if err := vq.Arrive(buildArrival(4, chain)); err != nil {
		t.Fatalf("Arrive: %v", err)
	}

	status := make([]byte, 1)
	mem.ReadAt(status, footerAddr)
	if BlkStatus(status[0]) != BlkStatusUnsupp {
		t.Fatalf("expected UNSUPP status for an unknown opcode, got %d", status[0])
	}
}

// deferredBlock lets a test control exactly when a Write's callback
// fires, to exercise out-of-order backend completion.
type deferredBlock struct {
	backend.Block
	pending map[int64]func(backend.Status)
}

func (d *deferredBlock) Write(iov [][]byte, offset int64, cb backend.Callback, pgID int) {
	d.pending[offset] = cb
}

func (d *deferredBlock) fire(offset int64, s backend.Status) {
	d.pending[offset](s)
}

func TestForceInOrderParksEarlyCompletion(t *testing.T) {
	inner := backend.NewMemBlock("disk0", 16, 512)
	def := &deferredBlock{Block: inner, pending: make(map[int64]func(backend.Status))}
	vq, mem := setupBlockQueue(t, def, Config{ForceInOrder: true})

	const h0, h1, f0, f1 = 0x1000, 0x1100, 0x3000, 0x3100
	mem.WriteAt(encodeBlkOutHdr(BlkTypeOut, 0), h0)
	mem.WriteAt(encodeBlkOutHdr(BlkTypeOut, 1), h1)
	mem.WriteAt(make([]byte, 16), 0x2000)

	chain0 := []Desc{{Addr: h0, Len: blkOutHdrSize}, {Addr: 0x2000, Len: 16}, {Addr: f0, Len: 1, Flags: uint16(DescFWrite)}}
	chain1 := []Desc{{Addr: h1, Len: blkOutHdrSize}, {Addr: 0x2000, Len: 16}, {Addr: f1, Len: 1, Flags: uint16(DescFWrite)}}

	if err := vq.Arrive(buildArrival(0, chain0)); err != nil {
		t.Fatalf("arrive 0: %v", err)
	}
	if err := vq.Arrive(buildArrival(1, chain1)); err != nil {
		t.Fatalf("arrive 1: %v", err)
	}

	// Complete the second command's backend I/O first: with
	// force_in_order it must park rather than retire.
	def.fire(512, backend.StatusSuccess)
	if vq.UsedIndex() != 0 {
		t.Fatalf("expected used index to stay at 0 while command 0 is still outstanding, got %d", vq.UsedIndex())
	}

	def.fire(0, backend.StatusSuccess)
	if vq.UsedIndex() != 2 {
		t.Fatalf("expected both commands retired in order once command 0 completes, got %d", vq.UsedIndex())
	}
}

func TestParseHeaderFSHiprioSkipsReadData(t *testing.T) {
	v := &Virtqueue{kind: KindFS, hiprio: true}
	cmd := &Command{state: StateParseHeader}
	v.parseHeader(cmd)
	if cmd.state != StateHandleReq {
		t.Fatalf("expected hiprio fs queue to dispatch straight to HANDLE_REQ, got state %d", cmd.state)
	}
}

func TestParseHeaderFSRequestQueueReadsDataFirst(t *testing.T) {
	v := &Virtqueue{kind: KindFS, hiprio: false}
	cmd := &Command{state: StateParseHeader}
	v.parseHeader(cmd)
	if cmd.state != StateReadData {
		t.Fatalf("expected fs request queue to read its request body, got state %d", cmd.state)
	}
}
