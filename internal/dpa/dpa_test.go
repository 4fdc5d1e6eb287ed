package dpa

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/nvidia/snap-dataplane/internal/backend"
	"github.com/nvidia/snap-dataplane/internal/config"
	"github.com/nvidia/snap-dataplane/internal/dma"
	"github.com/nvidia/snap-dataplane/internal/hostmem"
	"github.com/nvidia/snap-dataplane/internal/qp"
	"github.com/nvidia/snap-dataplane/internal/timeslice"
	"github.com/nvidia/snap-dataplane/internal/umr"
	"github.com/nvidia/snap-dataplane/internal/virtq"
)

func newTestDMAQueue(t *testing.T) *dma.Queue {
	t.Helper()
	mem := hostmem.NewSimulated(1 << 16)
	qpBackend := qp.NewSim(mem, make([]byte, 4096), 64)
	eng := umr.NewEngine(qpBackend, umr.NewContextPool(1, 8))
	worker := &qp.Worker{}
	return dma.NewQueue(qpBackend, eng, worker, config.Options{}, 4096, 64)
}

func TestMailboxRoundTrip(t *testing.T) {
	mbox, err := NewMailbox()
	if err != nil {
		t.Fatalf("NewMailbox: %v", err)
	}
	defer mbox.Close()

	lastSN := mbox.ResponseSN()
	if err := mbox.PostCommand(1, []byte("ping")); err != nil {
		t.Fatalf("PostCommand: %v", err)
	}
	sn, cmd := mbox.ReadCommand()
	if sn != 1 || string(cmd) != "ping" {
		t.Fatalf("ReadCommand = (%d, %q), want (1, ping)", sn, cmd)
	}
	if err := mbox.PostResponse(1, []byte("pong")); err != nil {
		t.Fatalf("PostResponse: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	respSN, payload, err := mbox.WaitResponse(ctx, lastSN)
	if err != nil {
		t.Fatalf("WaitResponse: %v", err)
	}
	if respSN != 1 || string(payload) != "pong" {
		t.Fatalf("WaitResponse = (%d, %q), want (1, pong)", respSN, payload)
	}
}

func TestMailboxWaitResponseAbortsOnCancel(t *testing.T) {
	mbox, err := NewMailbox()
	if err != nil {
		t.Fatalf("NewMailbox: %v", err)
	}
	defer mbox.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := mbox.WaitResponse(ctx, mbox.ResponseSN()); err == nil {
		t.Fatal("WaitResponse: want error on cancelled context")
	}
}

func TestThreadStartStopRoundTrip(t *testing.T) {
	dq := newTestDMAQueue(t)
	defer dq.Close()
	proc := NewProcess(1, "pd0", dq)

	th, err := proc.CreateThread("entry_main", 4096)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	th.SetService(func(cmd []byte) []byte { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := th.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if th.State() != ThreadRunning {
		t.Fatalf("State = %v, want ThreadRunning", th.State())
	}

	if _, err := th.Call(ctx, 42, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Call: %v", err)
	}

	if err := th.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if th.State() != ThreadStopped {
		t.Fatalf("State = %v, want ThreadStopped", th.State())
	}
	if _, err := th.Call(ctx, 1, nil); err != ErrNotRunning {
		t.Fatalf("Call after stop = %v, want ErrNotRunning", err)
	}
}

func TestThreadCallEchoesPayload(t *testing.T) {
	dq := newTestDMAQueue(t)
	defer dq.Close()
	proc := NewProcess(1, "pd0", dq)
	th, err := proc.CreateThread("entry_main", 4096)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	th.SetService(func(cmd []byte) []byte {
		out := make([]byte, len(cmd))
		copy(out, cmd)
		return out
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := th.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := th.Call(ctx, 7, []byte{0xaa, 0xbb})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(resp) != 6 || resp[4] != 0xaa || resp[5] != 0xbb {
		t.Fatalf("Call response = %v, want echoed opcode+payload", resp)
	}
}

// TestThreadCallAccountsDPAAndHostTimeSeparately drives one real
// Thread.Call round trip under a timeslice recording and checks that
// the DPA-side execution and the host-side mailbox wait land under
// distinct kinds, with only the DPA kind carrying SliceFlagDPATime —
// the accounting split process.go exists to produce.
func TestThreadCallAccountsDPAAndHostTimeSeparately(t *testing.T) {
	dq := newTestDMAQueue(t)
	defer dq.Close()
	proc := NewProcess(1, "pd0", dq)
	th, err := proc.CreateThread("entry_main", 4096)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	th.SetService(func(cmd []byte) []byte {
		time.Sleep(time.Millisecond)
		return cmd
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := th.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var buf bytes.Buffer
	closer, err := timeslice.Open(&buf)
	if err != nil {
		t.Fatalf("timeslice.Open: %v", err)
	}
	if _, err := th.Call(ctx, 1, []byte{0x01}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("timeslice Close: %v", err)
	}

	var sawDPA, sawHost bool
	err = timeslice.ReadAllRecords(bytes.NewReader(buf.Bytes()), func(id string, flags timeslice.SliceFlags, duration time.Duration) error {
		switch id {
		case "dpa_exec_time":
			sawDPA = true
			if flags&timeslice.SliceFlagDPATime == 0 {
				t.Errorf("dpa_exec_time record missing SliceFlagDPATime")
			}
		case "dpa_host_wait_time":
			sawHost = true
			if flags&timeslice.SliceFlagDPATime != 0 {
				t.Errorf("dpa_host_wait_time record unexpectedly carries SliceFlagDPATime")
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if !sawDPA {
		t.Fatalf("expected a dpa_exec_time record for the on-DPA service call")
	}
	if !sawHost {
		t.Fatalf("expected a dpa_host_wait_time record for the mailbox round trip")
	}
}

func TestCreditChannelConservesCredits(t *testing.T) {
	host := NewCreditChannel()
	dpaSide := NewCreditChannel()

	sent := 0
	for host.SendCredits() > 1 {
		if err := host.Send(dpaSide, Message{Type: MsgVQHeads}); err != nil {
			t.Fatalf("Send: %v", err)
		}
		sent++
	}
	if sent != CreditCount-1 {
		t.Fatalf("sent %d messages before exhaustion, want %d", sent, CreditCount-1)
	}
	if err := host.Send(dpaSide, Message{Type: MsgVQHeads}); err != ErrNoCredits {
		t.Fatalf("Send past reserved credit = %v, want ErrNoCredits", err)
	}
	// The reserved last credit may still carry a credit-refund message.
	if err := host.SendCreditRefund(dpaSide, 4); err != nil {
		t.Fatalf("SendCreditRefund on reserved credit: %v", err)
	}

	drained := 0
	for {
		msg, err := dpaSide.Recv()
		if err == ErrChannelEmpty {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if msg.Type == MsgCreditUpdate {
			host.ApplyCreditUpdate(msg)
		}
		drained++
	}
	if drained != sent+1 {
		t.Fatalf("drained %d messages, want %d", drained, sent+1)
	}
	if host.SendCredits() != 4 {
		t.Fatalf("SendCredits after refund = %d, want 4", host.SendCredits())
	}
}

func TestDUARRegistryRoutesDoorbell(t *testing.T) {
	reg := NewDUARRegistry()
	dq := newTestDMAQueue(t)
	defer dq.Close()
	proc := NewProcess(1, "pd0", dq)
	th, err := proc.CreateThread("entry_main", 4096)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	reg.Register(3, 1, th)
	got, err := reg.Doorbell(3, 1)
	if err != nil {
		t.Fatalf("Doorbell: %v", err)
	}
	if got != th {
		t.Fatal("Doorbell returned wrong thread")
	}

	reg.Unregister(3, 1)
	if _, err := reg.Doorbell(3, 1); err == nil {
		t.Fatal("Doorbell after Unregister: want error")
	}
}

func TestOffloadedVirtqBridgeFeedsVirtqueueWithHeads(t *testing.T) {
	dq := newTestDMAQueue(t)
	defer dq.Close()
	blk := backend.NewMemBlock("disk0", 16, 512)
	vq := virtq.New(dq, virtq.Config{Kind: virtq.KindBlock, Size: 8, Block: blk, HostRKey: 0})

	hostChan := NewCreditChannel()
	dpaChan := NewCreditChannel()

	cmd := VirtqCreateCmd{Idx: 0, Size: 8, VhcaID: 3, InitialHWAvail: 0}
	off := NewOffloadedVirtq(cmd, 1, dpaChan)

	descs := map[uint16][]HeadDesc{
		0: {{Addr: 0x1000, Len: 16, Flags: 0, Next: 0}},
	}
	resolve := func(head uint16) ([]HeadDesc, bool) {
		d, ok := descs[head]
		return d, ok
	}

	if err := off.ServiceDoorbell(1, resolve, hostChan); err != nil {
		t.Fatalf("ServiceDoorbell: %v", err)
	}

	bridge := NewBridge(resolve, vq.Arrive)
	n, err := bridge.Pull(hostChan)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if n != 1 {
		t.Fatalf("Pull fed %d messages, want 1", n)
	}
}

func TestOffloadedVirtqBridgeUsesTableForLargeBatch(t *testing.T) {
	dpaChan := NewCreditChannel()
	hostChan := NewCreditChannel()
	cmd := VirtqCreateCmd{Idx: 0, Size: 64, VhcaID: 3, InitialHWAvail: 0}
	off := NewOffloadedVirtq(cmd, 1, dpaChan)

	descs := make(map[uint16][]HeadDesc)
	for i := uint16(0); i < maxHeadsPerMessage+5; i++ {
		descs[i] = []HeadDesc{{Addr: uint64(i) * 16, Len: 16}}
	}
	resolve := func(head uint16) ([]HeadDesc, bool) {
		d, ok := descs[head]
		return d, ok
	}

	if err := off.ServiceDoorbell(maxHeadsPerMessage+5, resolve, hostChan); err != nil {
		t.Fatalf("ServiceDoorbell: %v", err)
	}

	msg, err := hostChan.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if msg.Type != MsgVQTable {
		t.Fatalf("message type = %v, want MsgVQTable for a batch exceeding %d heads", msg.Type, maxHeadsPerMessage)
	}
	first, count := decodeVQTable(msg)
	if first != 0 || count != maxHeadsPerMessage+5 {
		t.Fatalf("decodeVQTable = (%d, %d), want (0, %d)", first, count, maxHeadsPerMessage+5)
	}
}
