package umr

import (
	"testing"

	"github.com/nvidia/snap-dataplane/internal/hostmem"
	"github.com/nvidia/snap-dataplane/internal/qp"
)

func TestBuildSGLAcquiresAndReleases(t *testing.T) {
	mem := hostmem.NewSimulated(256)
	backend := qp.NewSim(mem, make([]byte, 256), 8)
	pool := NewContextPool(100, 2)
	eng := NewEngine(backend, pool)

	mk, err := eng.BuildSGL([]Segment{{Addr: 0, Len: 64, RKey: 1}})
	if err != nil {
		t.Fatalf("BuildSGL: %v", err)
	}
	if mk.Key != 101 {
		t.Fatalf("expected key from top of pool (101), got %d", mk.Key)
	}

	eng.Release(mk)
	mk2, err := eng.BuildSGL([]Segment{{Addr: 0, Len: 64, RKey: 1}})
	if err != nil {
		t.Fatalf("BuildSGL after release: %v", err)
	}
	if mk2.Key != mk.Key {
		t.Fatalf("expected released key to be reused, got %d want %d", mk2.Key, mk.Key)
	}
}

func TestBuildSGLRejectsEmpty(t *testing.T) {
	mem := hostmem.NewSimulated(64)
	backend := qp.NewSim(mem, make([]byte, 64), 8)
	pool := NewContextPool(0, 1)
	eng := NewEngine(backend, pool)

	if _, err := eng.BuildSGL(nil); err == nil {
		t.Fatalf("expected error for empty segment list")
	}
}

func TestContextPoolExhaustion(t *testing.T) {
	mem := hostmem.NewSimulated(64)
	backend := qp.NewSim(mem, make([]byte, 64), 8)
	pool := NewContextPool(0, 1)
	eng := NewEngine(backend, pool)

	if _, err := eng.BuildSGL([]Segment{{Len: 1}}); err != nil {
		t.Fatalf("first BuildSGL: %v", err)
	}
	if _, err := eng.BuildSGL([]Segment{{Len: 1}}); err != qp.ErrAgain {
		t.Fatalf("expected pool exhaustion to surface qp.ErrAgain, got %v", err)
	}
}

func TestCryptoContextVerify(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	cc := NewCryptoContext(7, 0xdeadbeef, key)
	if !cc.Verify(key) {
		t.Fatalf("Verify should succeed with the original key material")
	}
	if cc.Verify([]byte("different key material")) {
		t.Fatalf("Verify should fail with different key material")
	}
}

func TestBuildCryptoAttachesContext(t *testing.T) {
	mem := hostmem.NewSimulated(64)
	backend := qp.NewSim(mem, make([]byte, 64), 8)
	pool := NewContextPool(0, 1)
	eng := NewEngine(backend, pool)

	mk, err := eng.BuildSGL([]Segment{{Len: 16}})
	if err != nil {
		t.Fatalf("BuildSGL: %v", err)
	}
	cc := NewCryptoContext(1, 0, []byte("key"))
	mk, err = eng.BuildCrypto(mk, cc)
	if err != nil {
		t.Fatalf("BuildCrypto: %v", err)
	}
	if mk.Crypto == nil || mk.Crypto.ID != 1 {
		t.Fatalf("expected crypto context attached, got %+v", mk.Crypto)
	}
}
