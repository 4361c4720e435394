package heap

import "github.com/joshuapare/kheap/heap/cache"

// Stats is a point-in-time view of the heap.
type Stats struct {
	// Classes holds one entry per size class that has ever held a slab.
	Classes []cache.Stats

	Allocations uint64
	Frees       uint64
	Live        uint64

	// Page accounting from the bitmap. ResidentPages includes BitmapPages.
	TotalPages    uint64
	BitmapPages   uint64
	ResidentPages uint64

	SlabsAcquired uint64
	SlabsReleased uint64
}

// Stats returns a snapshot of every counter. Counters of different classes
// are read independently, so under traffic the totals are approximate.
func (a *Allocator) Stats() Stats {
	var st Stats
	if a.init() != nil {
		return st
	}
	for _, c := range a.caches {
		if c.Inert() {
			continue
		}
		cs := c.Stats()
		st.Allocations += cs.Allocations
		st.Frees += cs.Frees
		st.Live += cs.Live
		if cs.SlabsAcquired > 0 {
			st.Classes = append(st.Classes, cs)
		}
	}

	bs := a.slabs.Stats()
	st.TotalPages = a.slabs.Pages()
	st.BitmapPages = a.slabs.Reserved()
	st.ResidentPages = a.slabs.Resident()
	st.SlabsAcquired = bs.SlabsAcquired
	st.SlabsReleased = bs.SlabsReleased
	return st
}

// ResidentPages returns the number of pages currently mapped, bitmap included.
func (a *Allocator) ResidentPages() uint64 {
	if a.init() != nil {
		return 0
	}
	return a.slabs.Resident()
}

// UsableSize returns the capacity of an allocation made for n bytes without
// allocating.
func (a *Allocator) UsableSize(n uint64) (uint64, error) {
	if err := a.init(); err != nil {
		return 0, err
	}
	c, err := a.framer.Frame(n)
	if err != nil {
		return 0, err
	}
	return a.framer.Usable(c), nil
}
