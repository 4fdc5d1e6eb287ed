// Package umr builds the indirect memory keys (mkeys) that let a
// single RDMA WQE describe a scatter-gather list or an encrypted
// buffer, by posting User-Mode Memory Registration work requests
// ahead of the data-moving WQE (spec §4.1, §6 "Mkey / KLM").
package umr

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/nvidia/snap-dataplane/internal/qp"
)

var (
	ErrTooManySegments = errors.New("umr: segment list exceeds mkey capacity")
	ErrNoCryptoContext = errors.New("umr: crypto context pool exhausted")
)

// Segment is one entry of a scatter-gather list (a KLM, "key-length-mode").
type Segment struct {
	Addr uint64
	Len  uint32
	RKey uint32
}

// Mkey is an indirect memory key built from one or more Segments,
// optionally carrying a crypto Block-Security-Format (BSF) describing
// an AES-XTS-class cipher applied in hardware during the data move.
type Mkey struct {
	Key      uint32
	Segments []Segment
	Crypto   *CryptoContext
}

// CryptoContext carries the key material and tweak an inline-crypto
// WQE needs. Real hardware keeps the key in a protected DEK table and
// only ever sees a handle; this software reference keeps a digest of
// the key material (not the key itself) for the integrity check a
// caller can use to confirm a pool-recycled context was reset, mirrored
// on the pattern canonical-snapd uses golang.org/x/crypto for (sealed
// key material integrity, via secboot) — not for bulk encryption,
// which is the hardware engine's job and out of scope for this core.
type CryptoContext struct {
	ID        uint32
	TweakBase uint64
	keyDigest [32]byte
}

// NewCryptoContext derives a CryptoContext's integrity digest from the
// caller-supplied key material without retaining the material itself.
func NewCryptoContext(id uint32, tweakBase uint64, keyMaterial []byte) CryptoContext {
	return CryptoContext{ID: id, TweakBase: tweakBase, keyDigest: sha3.Sum256(keyMaterial)}
}

// Verify reports whether keyMaterial matches the digest this context
// was constructed with, catching stale pool reuse across requests.
func (c CryptoContext) Verify(keyMaterial []byte) bool {
	return c.keyDigest == sha3.Sum256(keyMaterial)
}

// ContextPool hands out a fixed number of Mkey IDs, mirroring the
// spec's "optional I/O-vector context pool, optional crypto-context
// pool" DmaQueue attributes (§3); CryptoContexts are built by callers
// with NewCryptoContext and are not pooled. Exhaustion is a
// transient-resource-exhaustion error (spec §7), not fatal.
type ContextPool struct {
	free    []uint32
	nextKey uint32
}

// NewContextPool creates a pool of n mkey IDs starting at base.
func NewContextPool(base uint32, n int) *ContextPool {
	p := &ContextPool{nextKey: base}
	for i := 0; i < n; i++ {
		p.free = append(p.free, base+uint32(i))
	}
	return p
}

func (p *ContextPool) Acquire() (uint32, error) {
	if len(p.free) == 0 {
		return 0, qp.ErrAgain
	}
	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return id, nil
}

func (p *ContextPool) Release(id uint32) {
	p.free = append(p.free, id)
}

// Engine posts UMR WQEs that construct indirect mkeys ahead of the
// fenced RDMA WQE that will use them (spec §4.1: "first posting a UMR
// WQE ... then a fence-bearing RDMA WQE using that mkey").
type Engine struct {
	backend qp.Backend
	pool    *ContextPool
}

func NewEngine(backend qp.Backend, pool *ContextPool) *Engine {
	return &Engine{backend: backend, pool: pool}
}

// BuildSGL posts a UMR WQE describing segs as one indirect mkey and
// returns it. The caller must follow with a fenced WQE (qp.WQE.Fence
// = true) addressed at the returned key — the fence guarantees the
// mkey update retires before the data-moving WQE reads it.
func (e *Engine) BuildSGL(segs []Segment) (Mkey, error) {
	if len(segs) == 0 {
		return Mkey{}, fmt.Errorf("umr: empty segment list")
	}
	key, err := e.pool.Acquire()
	if err != nil {
		return Mkey{}, err
	}
	if _, err := e.backend.PostSend(qp.WQE{Opcode: qp.OpUMR, SignalCompletion: false}); err != nil {
		e.pool.Release(key)
		return Mkey{}, err
	}
	return Mkey{Key: key, Segments: append([]Segment{}, segs...)}, nil
}

// BuildCrypto posts a UMR WQE attaching a crypto BSF to an existing
// scatter-gather mkey, for inline-crypto writec/readc (spec §4.1).
func (e *Engine) BuildCrypto(base Mkey, crypto CryptoContext) (Mkey, error) {
	if _, err := e.backend.PostSend(qp.WQE{Opcode: qp.OpUMR}); err != nil {
		return Mkey{}, err
	}
	base.Crypto = &crypto
	return base, nil
}

// Release returns an mkey's context slot to the pool. Callers must not
// reuse the Mkey value afterward.
func (e *Engine) Release(m Mkey) {
	e.pool.Release(m.Key)
}
