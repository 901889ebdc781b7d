package microhttpd

import (
	"sync"
	"unsafe"
)

// poolAlign is the rounding applied to every pool allocation.
const poolAlign = 2 * unsafe.Sizeof(uintptr(0))

func alignSize(n int) int {
	return (n + int(poolAlign) - 1) &^ (int(poolAlign) - 1)
}

// memoryPool is a connection scoped bump allocator.
//
// Short lived, growable regions (the read and write buffers) are taken
// from the low end, allocations that live as long as the request (header
// records) from the high end. Nothing is freed individually; the whole
// pool is reclaimed by reset.
//
// Every returned slice has its capacity set to the aligned size of the
// allocation, which is how reallocate recognizes the most recent forward
// allocation.
type memoryPool struct {
	mem []byte
	// 正向分配的下一个偏移
	pos int
	// 反向分配的下边界，pos <= end 恒成立
	end int
}

func newMemoryPool(size int) *memoryPool {
	return &memoryPool{mem: make([]byte, size), end: size}
}

func (p *memoryPool) size() int {
	return len(p.mem)
}

// free returns the number of bytes still available.
func (p *memoryPool) free() int {
	return p.end - p.pos
}

// allocate returns size bytes or nil if the pool cannot satisfy the request.
func (p *memoryPool) allocate(size int, fromEnd bool) []byte {
	asize := alignSize(size)
	if size < 0 || asize < size {
		return nil
	}
	if p.pos+asize > p.end {
		return nil
	}
	if fromEnd {
		p.end -= asize
		return p.mem[p.end : p.end+size : p.end+asize]
	}
	b := p.mem[p.pos : p.pos+size : p.pos+asize]
	p.pos += asize
	return b
}

// offsetOf reports where b starts inside the pool, or -1.
func (p *memoryPool) offsetOf(b []byte) int {
	if cap(b) == 0 || len(p.mem) == 0 {
		return -1
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(p.mem)))
	ptr := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	if ptr < base || ptr >= base+uintptr(len(p.mem)) {
		return -1
	}
	return int(ptr - base)
}

// reallocate resizes old to newSize.
//
// The most recent forward allocation is grown or shrunk in place. Any
// other region is returned unchanged when shrinking, and copied into a
// fresh forward allocation when growing; the old bytes stay dead in the
// pool until the next reset. nil means the pool is exhausted, old is
// still valid in that case.
func (p *memoryPool) reallocate(old []byte, newSize int) []byte {
	asize := alignSize(newSize)
	if newSize < 0 || asize < newSize {
		return nil
	}
	if off := p.offsetOf(old); off >= 0 {
		oldEnd := off + cap(old)
		if oldEnd == p.pos && off < p.end {
			if off+asize > p.end {
				return nil
			}
			if off+asize < p.pos {
				clear(p.mem[off+asize : p.pos])
			}
			p.pos = off + asize
			return p.mem[off : off+newSize : off+asize]
		}
		if newSize <= cap(old) {
			return old[:newSize]
		}
	}
	if p.pos+asize > p.end {
		return nil
	}
	b := p.mem[p.pos : p.pos+newSize : p.pos+asize]
	copy(b, old)
	p.pos += asize
	return b
}

// reset reclaims the whole pool, moving the first copyBytes of keep to the
// start of the arena. The returned slice covers newSize bytes at the base,
// nil when keep is nil.
func (p *memoryPool) reset(keep []byte, copyBytes, newSize int) []byte {
	if keep != nil && copyBytes > 0 {
		if p.offsetOf(keep) != 0 {
			copy(p.mem[:copyBytes], keep[:copyBytes])
		}
	} else {
		copyBytes = 0
	}
	clear(p.mem[copyBytes:])
	p.pos = 0
	p.end = len(p.mem)
	if keep == nil {
		return nil
	}
	p.pos = alignSize(newSize)
	return p.mem[:newSize:p.pos]
}

// memoryPoolCache recycles pools of one size between connections.
type memoryPoolCache struct {
	poolSize int
	p        sync.Pool
}

func (mc *memoryPoolCache) acquire() *memoryPool {
	if v := mc.p.Get(); v != nil {
		return v.(*memoryPool)
	}
	return newMemoryPool(mc.poolSize)
}

func (mc *memoryPoolCache) release(p *memoryPool) {
	if p == nil || p.size() != mc.poolSize {
		return
	}
	p.reset(nil, 0, 0)
	mc.p.Put(p)
}
