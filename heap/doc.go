// Package heap is a slab-style, size-classed kernel heap.
//
// # Overview
//
// Requests are rounded up, header and footer included, to one of 32
// power-of-two size classes. Each class is served by a cache of lock-free
// free lists; an empty list is refilled with a fresh slab from a bitmap that
// tracks every page of the heap's reserved virtual range. Idle slabs are
// handed back by Recovery, either on demand or from a Reaper.
//
//	heap.Allocator
//	  ├── frame  size classes, header/footer install and strip
//	  ├── cache  32 size classes, tagged free lists, recovery
//	  └── bitmap one bit per page, contiguous slab search
//	        └── vm  address space and physical pages
//
// # Usage Example
//
//	h := heap.New(heap.DefaultOptions())
//	defer h.Close()
//
//	p := h.Allocate(200)
//	buf := h.Bytes(p)
//	copy(buf, "hello")
//	h.Free(p)
//
//	// Return idle slabs under memory pressure.
//	pages := h.Recovery(8)
//
// # Error Handling
//
// Allocate, Free and AllocSize treat every error as fatal and hand it to
// Options.OnFatal, which panics by default. TryAllocate, TryFree and
// TryAllocSize return the error for callers that can degrade gracefully.
// IsPointerValid never fails.
//
// # Configuration
//
// Options.OverrunCheck controls the footer magic. Options.PageFloor rounds
// every request up to a page before choosing a class, so with the default
// options the smallest object is one page. Options.Vigilant tracks every
// slab and scans all live objects after each allocate and free.
package heap
