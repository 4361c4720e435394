package cache

import (
	"runtime"
	"sync/atomic"

	"github.com/joshuapare/kheap/heap/frame"
	"github.com/joshuapare/kheap/internal/mem"
)

// A ref names a free object by its arena offset and carries the generation
// of the list head it was read from. Both live in one word so a single CAS
// covers them.
const (
	offsetBits = 40
	genBits    = 64 - offsetBits

	offsetMask = uint64(1)<<offsetBits - 1
	genMask    = uint64(1)<<genBits - 1

	// emptyOffset is the empty sentinel. Its next is itself.
	emptyOffset = offsetMask

	// MaxArena is the largest arena a ref can address.
	MaxArena = emptyOffset
)

func makeRef(off, gen uint64) uint64 {
	return (gen&genMask)<<offsetBits | off&offsetMask
}

func refOffset(r uint64) uint64 { return r & offsetMask }
func refGen(r uint64) uint64    { return r >> offsetBits }

var emptyRef = makeRef(emptyOffset, 0)

// freeList is one lock-free LIFO of free objects.
type freeList struct {
	head atomic.Uint64

	// hazard holds offset+1 of the node a popper is consuming, or zero.
	hazard atomic.Uint64

	_ [48]byte // one list per cache line
}

func newFreeLists(n int) []freeList {
	lists := make([]freeList, n)
	for i := range lists {
		lists[i].head.Store(emptyRef)
	}
	return lists
}

// backoff yields the processor after a run of failed attempts.
type backoff int

func (b *backoff) wait() {
	*b++
	if *b >= 64 {
		runtime.Gosched()
		*b = 0
	}
}

// pop removes the head of l. It reports false when l holds only the sentinel.
//
// A popper first claims the hazard slot for the node it saw at the head and
// then re-reads the head. While the slot is held no other popper can take
// that node, so its next word is stable; a concurrent push moves the head and
// bumps the generation, which fails the final CAS.
//
// There is one hazard slot per list, so poppers of one list take turns: a
// popper preempted while holding the slot stalls the others until it runs
// again. Pushes never wait on the slot. Spreading traffic over per-CPU lists
// keeps the slot uncontended.
func pop(a *mem.Arena, l *freeList) (uint64, bool) {
	var spins backoff
	for {
		h := l.head.Load()
		off := refOffset(h)
		if off == emptyOffset {
			return 0, false
		}
		if l.hazard.Load() == off+1 {
			spins.wait()
			continue
		}
		if !l.hazard.CompareAndSwap(0, off+1) {
			spins.wait()
			continue
		}
		if l.head.Load() != h {
			l.hazard.Store(0)
			spins.wait()
			continue
		}

		next := a.Load(a.Addr(off) + frame.NextOffset)
		ok := l.head.CompareAndSwap(h, makeRef(refOffset(next), refGen(h)+1))
		l.hazard.Store(0)
		if ok {
			return off, true
		}
		spins.wait()
	}
}

// push splices the chain first..last onto l. The chain must already be
// linked through its next words; last's next is overwritten.
func push(a *mem.Arena, l *freeList, first, last uint64) {
	var spins backoff
	tail := a.Addr(last) + frame.NextOffset
	for {
		h := l.head.Load()
		a.Store(tail, makeRef(refOffset(h), 0))
		if l.head.CompareAndSwap(h, makeRef(first, refGen(h)+1)) {
			return
		}
		spins.wait()
	}
}

// link points the node at off to next.
func link(a *mem.Arena, off, next uint64) {
	a.Store(a.Addr(off)+frame.NextOffset, makeRef(next, 0))
}

// pushAll links offs in order and pushes them as one chain.
func pushAll(a *mem.Arena, l *freeList, offs []uint64) {
	if len(offs) == 0 {
		return
	}
	for i := 0; i+1 < len(offs); i++ {
		link(a, offs[i], offs[i+1])
	}
	push(a, l, offs[0], offs[len(offs)-1])
}

// length walks l. It is only meaningful while the list is quiescent.
func length(a *mem.Arena, l *freeList) int {
	n := 0
	for off := refOffset(l.head.Load()); off != emptyOffset; n++ {
		off = refOffset(a.Load(a.Addr(off) + frame.NextOffset))
	}
	return n
}
