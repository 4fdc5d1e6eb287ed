package dpa

import (
	"errors"
	"fmt"
	"sync"
)

// MsgType is a point-to-point credit-channel record type (spec §4.4
// "Point-to-point credit channel"), grounded on the teacher's
// devices/virtio/vsock.go VIRTIO_VSOCK_OP_CREDIT_UPDATE/
// VIRTIO_VSOCK_OP_CREDIT_REQUEST handling, generalized from per-guest
// connections to per-DPA-thread channels.
type MsgType uint8

const (
	MsgCreditUpdate MsgType = iota
	MsgVQHeads
	MsgVQTable
	MsgVQMSIX
	MsgNVMeSQHead
	MsgNVMeCQTail
	MsgNVMeMSIX
)

// MessageSize is the fixed record size of every point-to-point message
// (spec §4.4: "64-byte fixed-size records").
const MessageSize = 64

// Message is one fixed 64-byte point-to-point record.
type Message struct {
	Type    MsgType
	Payload [MessageSize - 1]byte
}

func (m Message) encode() []byte {
	b := make([]byte, MessageSize)
	b[0] = byte(m.Type)
	copy(b[1:], m.Payload[:])
	return b
}

func decodeMessage(b []byte) Message {
	var m Message
	m.Type = MsgType(b[0])
	copy(m.Payload[:], b[1:])
	return m
}

// CreditCount is SNAP_DPA_P2P_CREDIT_COUNT: each side of a connected
// RC-QP pair starts with this many credits (spec §4.4).
const CreditCount = 64

var (
	ErrNoCredits    = errors.New("dpa: p2p channel has no send credits")
	ErrChannelEmpty = errors.New("dpa: p2p channel has no pending messages")
)

// CreditChannel is a connected point-to-point message channel between
// the host controller and one DPA thread, credit-limited so neither
// side can overrun the other's receive buffer (spec §4.4). One credit
// is always reserved so a throttled side can still emit a refund.
type CreditChannel struct {
	mu          sync.Mutex
	sendCredits int
	recvCredits int
	inbox       []Message
}

// NewCreditChannel creates a channel with both sides starting at
// CreditCount credits.
func NewCreditChannel() *CreditChannel {
	return &CreditChannel{sendCredits: CreditCount, recvCredits: CreditCount}
}

// Send enqueues msg to the peer, consuming one credit. The last
// reserved credit may only be used to send a MsgCreditUpdate (spec
// §4.4: "one credit must always be reserved so a side can emit a
// credit-refund even when throttled").
func (c *CreditChannel) Send(peer *CreditChannel, msg Message) error {
	c.mu.Lock()
	if c.sendCredits <= 1 && msg.Type != MsgCreditUpdate {
		c.mu.Unlock()
		return ErrNoCredits
	}
	if c.sendCredits == 0 {
		c.mu.Unlock()
		return fmt.Errorf("dpa: %w", ErrNoCredits)
	}
	c.sendCredits--
	c.mu.Unlock()

	peer.mu.Lock()
	peer.inbox = append(peer.inbox, msg)
	peer.mu.Unlock()
	return nil
}

// Recv dequeues the oldest pending message, consuming one receive
// credit, returning ErrChannelEmpty if nothing is pending.
func (c *CreditChannel) Recv() (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbox) == 0 {
		return Message{}, ErrChannelEmpty
	}
	msg := c.inbox[0]
	c.inbox = c.inbox[1:]
	if c.recvCredits > 0 {
		c.recvCredits--
	}
	return msg, nil
}

// RefundCredits grants n send credits back, typically driven by a
// received MsgCreditUpdate, capped at CreditCount.
func (c *CreditChannel) RefundCredits(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendCredits += n
	if c.sendCredits > CreditCount {
		c.sendCredits = CreditCount
	}
}

// SendCredits reports the sender's remaining credits (test/diagnostic use).
func (c *CreditChannel) SendCredits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCredits
}

// creditUpdateMessage builds a MsgCreditUpdate record carrying the
// number of credits being refunded in its first payload byte.
func creditUpdateMessage(n int) Message {
	var m Message
	m.Type = MsgCreditUpdate
	m.Payload[0] = byte(n)
	return m
}

// SendCreditRefund sends peer a MsgCreditUpdate announcing n credits
// being returned, using the reserved last credit if necessary.
func (c *CreditChannel) SendCreditRefund(peer *CreditChannel, n int) error {
	return c.Send(peer, creditUpdateMessage(n))
}

// ApplyCreditUpdate applies an inbound MsgCreditUpdate's payload to
// this channel's send-credit counter; the caller is expected to have
// already consumed the message via Recv.
func (c *CreditChannel) ApplyCreditUpdate(msg Message) {
	if msg.Type != MsgCreditUpdate {
		return
	}
	c.RefundCredits(int(msg.Payload[0]))
}
