package microhttpd

import (
	"testing"
	"unsafe"

	"github.com/gookit/goutil/testutil/assert"
)

func TestMemoryPoolAllocateBothEnds(t *testing.T) {
	t.Parallel()
	p := newMemoryPool(1024)
	a := p.allocate(10, false)
	assert.Eq(t, 10, len(a))
	assert.Eq(t, alignSize(10), cap(a))
	assert.Eq(t, 1024-alignSize(10), p.free())

	h := p.allocate(100, true)
	assert.Eq(t, 100, len(h))
	assert.Eq(t, 1024-alignSize(100), p.offsetOf(h))
	assert.Eq(t, 1024-alignSize(10)-alignSize(100), p.free())

	if b := p.allocate(2000, false); b != nil {
		t.Fatalf("unexpected allocation of %d bytes. Expecting nil", len(b))
	}
	if b := p.allocate(-1, true); b != nil {
		t.Fatalf("unexpected allocation for negative size")
	}
	// a failed allocation leaves the pool untouched
	assert.Eq(t, 1024-alignSize(10)-alignSize(100), p.free())

	rest := p.allocate(p.free(), false)
	assert.True(t, rest != nil)
	assert.Eq(t, 0, p.free())
	assert.True(t, p.allocate(1, true) == nil)
}

func TestMemoryPoolReallocate(t *testing.T) {
	t.Parallel()
	p := newMemoryPool(1024)
	a := p.allocate(10, false)
	copy(a, "0123456789")

	// the latest forward allocation grows in place
	b := p.reallocate(a, 40)
	assert.Eq(t, 40, len(b))
	assert.Eq(t, 0, p.offsetOf(b))
	assert.Eq(t, "0123456789", string(b[:10]))
	assert.Eq(t, 1024-alignSize(40), p.free())

	x := p.allocate(16, false)
	assert.True(t, x != nil)

	// not the latest anymore: growing copies
	c := p.reallocate(b, 64)
	assert.Eq(t, 64, len(c))
	assert.Eq(t, alignSize(40)+alignSize(16), p.offsetOf(c))
	assert.Eq(t, "0123456789", string(c[:10]))

	// shrinking an old region returns it unchanged
	s := p.reallocate(b, 5)
	assert.Eq(t, 5, len(s))
	assert.Eq(t, 0, p.offsetOf(s))

	// shrinking the latest allocation gives the space back
	before := p.free()
	c = p.reallocate(c, 0)
	assert.Eq(t, 0, len(c))
	assert.Eq(t, before+alignSize(64), p.free())

	if g := p.reallocate(x, 4096); g != nil {
		t.Fatalf("unexpected growth to %d bytes beyond the pool size", len(g))
	}
}

func TestMemoryPoolReallocateForeignBuffer(t *testing.T) {
	t.Parallel()
	p := newMemoryPool(256)
	foreign := []byte("abc")
	b := p.reallocate(foreign, 8)
	assert.Eq(t, 8, len(b))
	assert.Eq(t, "abc", string(b[:3]))
	assert.Eq(t, 0, p.offsetOf(b))
	assert.Eq(t, -1, p.offsetOf(foreign))

	nb := p.reallocate(nil, 16)
	assert.Eq(t, 16, len(nb))
}

func TestMemoryPoolReset(t *testing.T) {
	t.Parallel()
	p := newMemoryPool(512)
	p.allocate(64, false)
	hdr := p.allocate(48, true)
	copy(hdr, "header")
	buf := p.allocate(100, false)
	copy(buf, "GET / HTTP/1.1\r\n")

	kept := p.reset(buf, 3, 128)
	assert.Eq(t, 128, len(kept))
	assert.Eq(t, 0, p.offsetOf(kept))
	assert.Eq(t, "GET", string(kept[:3]))
	for i, ch := range kept[3:] {
		if ch != 0 {
			t.Fatalf("unexpected byte %q at %d after reset. Expecting zero", ch, i+3)
		}
	}
	assert.Eq(t, 512-alignSize(128), p.free())

	assert.True(t, p.reset(nil, 0, 0) == nil)
	assert.Eq(t, 512, p.free())
}

func TestMemoryPoolCache(t *testing.T) {
	t.Parallel()
	mc := &memoryPoolCache{poolSize: 2048}
	p := mc.acquire()
	assert.Eq(t, 2048, p.size())
	p.allocate(100, false)
	mc.release(p)
	assert.Eq(t, 2048, p.free())

	// foreign sizes are dropped
	other := newMemoryPool(64)
	other.allocate(16, false)
	mc.release(other)
	assert.Eq(t, 48, other.free())
	mc.release(nil)
}

func TestAlignSize(t *testing.T) {
	t.Parallel()
	a := int(2 * unsafe.Sizeof(uintptr(0)))
	assert.Eq(t, 0, alignSize(0))
	assert.Eq(t, a, alignSize(1))
	assert.Eq(t, a, alignSize(a))
	assert.Eq(t, 2*a, alignSize(a+1))
}
