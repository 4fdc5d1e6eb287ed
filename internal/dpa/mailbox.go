// Package dpa implements the DPA (Data Path Accelerator) offload
// runtime (spec §4.4, §3 "C8"): DPA processes and threads communicating
// with the host controller over a shared-memory mailbox and a
// point-to-point credit channel, plus the offloaded virtqueue protocol
// that lets a DPA thread service doorbells on the host's behalf.
package dpa

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/time/rate"
)

// Mailbox layout constants (spec §4.4 "Mailbox protocol"): a 4 KiB
// window split into a command region at offset 0 and a response
// region at offset 2048. Each region is itself a framed message: a
// 4-byte serial number, a 4-byte length, then the payload.
const (
	MailboxWindowSize = 4096
	CommandOffset     = 0
	ResponseOffset    = 2048

	frameHeaderSize = 8
	frameMaxPayload = ResponseOffset - frameHeaderSize

	// pollInterval/pollTimeout ground the spec's "100ms poll, 5s total
	// timeout" mailbox wait (spec §5 "Suspension points").
	pollInterval = 100 * time.Millisecond
	pollTimeout  = 5 * time.Second
)

var ErrMailboxTimeout = fmt.Errorf("dpa: mailbox poll timed out after %s", pollTimeout)

// Mailbox is a 4 KiB cache-line-aligned shared window backing a
// command/response rendezvous between the host and one DPA thread.
type Mailbox struct {
	window []byte
	free   func()
}

// Bytes exposes the raw window, for tests and for wiring into a real
// mmap-backed allocator.
func (m *Mailbox) Bytes() []byte { return m.window }

// Close releases the mailbox's backing memory.
func (m *Mailbox) Close() error {
	if m.free != nil {
		m.free()
	}
	return nil
}

func serialPtr(window []byte, offset int) *uint32 {
	return (*uint32)(unsafe.Pointer(&window[offset]))
}

// postFrame writes length+payload then publishes sn last, with a
// store-fence ordering the two (spec §4.4: "the sender increments the
// sn, writes the payload (with a cpu store fence), and signals a
// wake-up"). atomic.StoreUint32 on the serial-number word is the
// store-fence equivalent in Go's memory model.
func postFrame(window []byte, offset int, sn uint32, payload []byte) error {
	if len(payload) > frameMaxPayload {
		return fmt.Errorf("dpa: mailbox payload of %d bytes exceeds frame capacity %d", len(payload), frameMaxPayload)
	}
	binary.LittleEndian.PutUint32(window[offset+4:], uint32(len(payload)))
	copy(window[offset+frameHeaderSize:], payload)
	atomic.StoreUint32(serialPtr(window, offset), sn)
	return nil
}

func readFrame(window []byte, offset int) (sn uint32, payload []byte) {
	sn = atomic.LoadUint32(serialPtr(window, offset))
	length := binary.LittleEndian.Uint32(window[offset+4:])
	payload = make([]byte, length)
	copy(payload, window[offset+frameHeaderSize:offset+frameHeaderSize+int(length)])
	return sn, payload
}

// PostCommand writes a command frame published under serial number sn.
// The caller reads ResponseSN before posting and passes that value to
// WaitResponse.
func (m *Mailbox) PostCommand(sn uint32, payload []byte) error {
	return postFrame(m.window, CommandOffset, sn, payload)
}

// PostResponse writes a response frame (the DPA thread's side).
func (m *Mailbox) PostResponse(sn uint32, payload []byte) error {
	return postFrame(m.window, ResponseOffset, sn, payload)
}

// WaitResponse polls the response region until its serial number
// differs from lastSN, at pollInterval, up to pollTimeout total (spec
// §4.4, §5). ctx cancellation aborts the wait early.
func (m *Mailbox) WaitResponse(ctx context.Context, lastSN uint32) (uint32, []byte, error) {
	deadline := time.NewTimer(pollTimeout)
	defer deadline.Stop()
	lim := rate.NewLimiter(rate.Every(pollInterval), 1)
	for {
		sn, payload := readFrame(m.window, ResponseOffset)
		if sn != lastSN {
			return sn, payload, nil
		}
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-deadline.C:
			return 0, nil, ErrMailboxTimeout
		default:
		}
		if err := lim.Wait(ctx); err != nil {
			return 0, nil, err
		}
	}
}

// ReadCommand reads the current command frame (the DPA thread's side).
func (m *Mailbox) ReadCommand() (uint32, []byte) {
	return readFrame(m.window, CommandOffset)
}

// ResponseSN reads the response region's current serial number without
// copying its payload, used as the "last seen" baseline before posting
// a new command.
func (m *Mailbox) ResponseSN() uint32 {
	return atomic.LoadUint32(serialPtr(m.window, ResponseOffset))
}
