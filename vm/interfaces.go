// Package vm defines the virtual-memory and physical-page collaborators the
// heap consumes, plus in-process implementations of both.
//
// The heap never touches page tables or frame lists itself. It calls Map once
// per page when it formats a new slab or sets up its bitmap, and Unmap once per
// page when it reclaims a slab.
package vm

// PhysAddr is the address of a physical page frame. Zero means "no frame".
type PhysAddr uint64

// Flags describe the protection of a virtual mapping.
type Flags uint32

const (
	// Write allows stores through the mapping.
	Write Flags = 1 << iota
	// KernelMode restricts the mapping to privileged code.
	KernelMode
	// Execute allows instruction fetch.
	Execute
)

// HeapFlags are the flags the heap uses for every page it maps.
const HeapFlags = Write | KernelMode

// AddressSpace maps physical frames into virtual pages.
type AddressSpace interface {
	// Map installs phys at virt. It returns false if virt is already mapped
	// or lies outside the space.
	Map(phys PhysAddr, virt uint64, flags Flags) bool
	// Unmap removes the mapping at virt. Unmapping an unmapped page is a no-op.
	Unmap(virt uint64)
	// IsMapped reports whether virt currently has a mapping.
	IsMapped(virt uint64) bool
	// GetMapping returns the frame and flags mapped at virt.
	GetMapping(virt uint64) (PhysAddr, Flags)
}

// PageAllocator supplies and reclaims physical page frames.
type PageAllocator interface {
	// AllocatePage returns a free frame, or zero when none remain.
	AllocatePage() PhysAddr
	// FreePage returns a frame to the pool.
	FreePage(p PhysAddr)
}

// Reservation is the byte window that backs a reserved virtual range.
type Reservation interface {
	// Base returns the first virtual address of the range.
	Base() uint64
	// Bytes returns the window; index i backs virtual address Base()+i.
	Bytes() []byte
}
