package vm

import (
	"fmt"
	"sync"
)

// FramePool hands out physical page frames. Freed frames are kept on a
// free list and reused before new frames are minted.
//
// Frame addresses start at one page so that zero can mean "no frame".
type FramePool struct {
	mu       sync.Mutex
	pageSize uint64
	limit    uint64 // maximum frames in use; 0 means unlimited
	next     PhysAddr
	free     []PhysAddr
	inUse    map[PhysAddr]struct{}
}

// NewFramePool returns a pool of frames of pageSize bytes. limit caps the
// number of frames that may be in use at once; zero disables the cap.
func NewFramePool(pageSize, limit uint64) *FramePool {
	return &FramePool{
		pageSize: pageSize,
		limit:    limit,
		next:     PhysAddr(pageSize),
		inUse:    make(map[PhysAddr]struct{}),
	}
}

// AllocatePage returns a free frame, or zero if the pool is exhausted.
func (p *FramePool) AllocatePage() PhysAddr {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.limit != 0 && uint64(len(p.inUse)) >= p.limit {
		return 0
	}

	var f PhysAddr
	if n := len(p.free); n > 0 {
		f = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		f = p.next
		p.next += PhysAddr(p.pageSize)
	}
	p.inUse[f] = struct{}{}
	return f
}

// FreePage returns f to the pool. Freeing a frame that is not in use panics.
func (p *FramePool) FreePage(f PhysAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f == 0 || uint64(f)%p.pageSize != 0 {
		panic(fmt.Sprintf("vm: FreePage of bad frame %#x", uint64(f)))
	}
	if _, ok := p.inUse[f]; !ok {
		panic(fmt.Sprintf("vm: FreePage of frame %#x that is not in use", uint64(f)))
	}
	delete(p.inUse, f)
	p.free = append(p.free, f)
}

// InUse returns the number of frames currently handed out.
func (p *FramePool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

var _ PageAllocator = (*FramePool)(nil)
