// Package backend defines the external vtables the data plane
// forwards I/O to (spec §6 "External interfaces"): a block-device
// backend and a filesystem backend. Concrete backends (null-bdev,
// SPDK, a FUSE bridge) are explicitly out of scope (spec §1
// Non-goals); this package only specifies the shape every backend must
// satisfy and ships one in-memory reference Block implementation used
// by tests and by the cmd/dpud reference host.
package backend

import (
	"errors"
	"sync"
)

// Status is the callback status a backend reports, independent of any
// wire-level virtio status byte.
type Status int

const (
	StatusSuccess Status = iota
	StatusIOError
)

// Callback is invoked from any goroutine once a backend operation
// completes. pgID identifies the polling group the issuing command
// lives on, so a backend running its own I/O thread pool can route the
// callback back without the virtqueue FSM needing to hop goroutines.
type Callback func(status Status)

// Block is the virtio-blk backend vtable (spec §6 "Block backend").
// All methods are non-blocking: they must not wait on I/O. cb may run
// before the method returns (MemBlock calls it synchronously) or later
// from another goroutine.
type Block interface {
	Read(iov [][]byte, offset int64, cb Callback, pgID int)
	Write(iov [][]byte, offset int64, cb Callback, pgID int)
	Flush(offset int64, length int64, cb Callback, pgID int)
	Discard(offset int64, length int64, cb Callback, pgID int)
	WriteZeroes(offset int64, length int64, cb Callback, pgID int)

	// IsZcopy reports whether this backend can service zero-copy
	// (fake-iov) requests at all.
	IsZcopy() bool
	// IsZcopyAligned reports whether addr is suitably aligned for a
	// zero-copy transfer of this backend's preferred granularity.
	IsZcopyAligned(addr uint64) bool

	NumBlocks() uint64
	BlockSize() uint32
	Name() string
}

// FS is the virtio-fs backend vtable (spec §6 "Filesystem backend").
type FS interface {
	// HandleReq dispatches one FUSE-shaped request: inIOV is the
	// device-readable half (the request), outIOV is the
	// device-writable half (where the response, including the
	// fuse_out_header, must land). cb fires once the response is fully
	// written into outIOV.
	HandleReq(inIOV, outIOV [][]byte, cb Callback)
}

var ErrShortBuffer = errors.New("backend: iov too short for request")

// MemBlock is an in-memory reference Block implementation backed by a
// fixed-size byte slice, used by the package tests and by the cmd/dpud
// reference host. The data-plane packages themselves never construct
// it (spec §1: concrete backends are out of scope for this core).
type MemBlock struct {
	mu        sync.Mutex
	data      []byte
	blockSize uint32
	zcopy     bool
	name      string
}

// NewMemBlock creates a MemBlock with capacity numBlocks*blockSize.
func NewMemBlock(name string, numBlocks uint64, blockSize uint32) *MemBlock {
	return &MemBlock{data: make([]byte, numBlocks*uint64(blockSize)), blockSize: blockSize, name: name}
}

func (b *MemBlock) gather(iov [][]byte) int {
	n := 0
	for _, seg := range iov {
		n += len(seg)
	}
	return n
}

func (b *MemBlock) Read(iov [][]byte, offset int64, cb Callback, pgID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	off := offset
	for _, seg := range iov {
		if off < 0 || off+int64(len(seg)) > int64(len(b.data)) {
			cb(StatusIOError)
			return
		}
		copy(seg, b.data[off:off+int64(len(seg))])
		off += int64(len(seg))
	}
	cb(StatusSuccess)
}

func (b *MemBlock) Write(iov [][]byte, offset int64, cb Callback, pgID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	off := offset
	for _, seg := range iov {
		if off < 0 || off+int64(len(seg)) > int64(len(b.data)) {
			cb(StatusIOError)
			return
		}
		copy(b.data[off:off+int64(len(seg))], seg)
		off += int64(len(seg))
	}
	cb(StatusSuccess)
}

func (b *MemBlock) Flush(offset int64, length int64, cb Callback, pgID int) {
	cb(StatusSuccess)
}

func (b *MemBlock) Discard(offset int64, length int64, cb Callback, pgID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if offset < 0 || offset+length > int64(len(b.data)) {
		cb(StatusIOError)
		return
	}
	clear(b.data[offset : offset+length])
	cb(StatusSuccess)
}

func (b *MemBlock) WriteZeroes(offset int64, length int64, cb Callback, pgID int) {
	b.Discard(offset, length, cb, pgID)
}

func (b *MemBlock) IsZcopy() bool                   { return b.zcopy }
func (b *MemBlock) IsZcopyAligned(addr uint64) bool { return b.zcopy && addr%uint64(b.blockSize) == 0 }
func (b *MemBlock) NumBlocks() uint64               { return uint64(len(b.data)) / uint64(b.blockSize) }
func (b *MemBlock) BlockSize() uint32               { return b.blockSize }
func (b *MemBlock) Name() string                    { return b.name }

var _ Block = (*MemBlock)(nil)
