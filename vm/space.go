package vm

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
)

// DefaultPageSize is the native page size the heap assumes.
const DefaultPageSize = 4096

var (
	// ErrBadRange indicates a reservation that is empty, misaligned or too large.
	ErrBadRange = errors.New("vm: bad reservation range")

	// ErrClosed indicates use of a released reservation.
	ErrClosed = errors.New("vm: space closed")
)

// mapping is one page-table entry.
type mapping struct {
	phys  PhysAddr
	flags Flags
}

// Space is a reserved virtual range with a page table. It implements both
// AddressSpace and Reservation.
//
// Memory in the range is always addressable through Bytes; the page table
// records which pages are logically mapped. Unmapping a page hands its
// resident memory back to the operating system, so the next mapping of the
// same page reads zeros.
type Space struct {
	base      uint64
	pageSize  uint64
	pageShift uint

	mu      sync.RWMutex
	data    []byte
	release func([]byte) error
	table   []mapping
	mapped  int
}

// Reserve reserves size bytes of virtual range starting at base.
// base and size must be multiples of pageSize, which must be a power of two.
func Reserve(base, size, pageSize uint64) (*Space, error) {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("%w: page size %d is not a power of two", ErrBadRange, pageSize)
	}
	if size == 0 || size%pageSize != 0 || base%pageSize != 0 {
		return nil, fmt.Errorf("%w: base=%#x size=%d page=%d", ErrBadRange, base, size, pageSize)
	}
	if size > uint64(^uint(0)>>1) || base+size < base {
		return nil, fmt.Errorf("%w: size %d does not fit the address space", ErrBadRange, size)
	}

	data, release, err := reserve(int(size))
	if err != nil {
		return nil, fmt.Errorf("vm: reserve %d bytes: %w", size, err)
	}

	return &Space{
		base:      base,
		pageSize:  pageSize,
		pageShift: uint(bits.TrailingZeros64(pageSize)),
		data:      data,
		release:   release,
		table:     make([]mapping, size/pageSize),
	}, nil
}

// Base returns the first virtual address of the reservation.
func (s *Space) Base() uint64 { return s.base }

// Size returns the reservation length in bytes.
func (s *Space) Size() uint64 { return uint64(len(s.table)) << s.pageShift }

// PageSize returns the page size used by the page table.
func (s *Space) PageSize() uint64 { return s.pageSize }

// Bytes returns the window backing the reservation.
func (s *Space) Bytes() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

// page converts virt to a page-table index.
func (s *Space) page(virt uint64) (int, bool) {
	if virt < s.base {
		return 0, false
	}
	idx := (virt - s.base) >> s.pageShift
	if idx >= uint64(len(s.table)) {
		return 0, false
	}
	return int(idx), true
}

// Map installs phys at the page containing virt.
func (s *Space) Map(phys PhysAddr, virt uint64, flags Flags) bool {
	if phys == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return false
	}
	idx, ok := s.page(virt)
	if !ok || s.table[idx].phys != 0 {
		return false
	}
	s.table[idx] = mapping{phys: phys, flags: flags}
	s.mapped++
	return true
}

// Unmap removes the mapping at the page containing virt and discards its contents.
func (s *Space) Unmap(virt uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return
	}
	idx, ok := s.page(virt)
	if !ok || s.table[idx].phys == 0 {
		return
	}
	s.table[idx] = mapping{}
	s.mapped--
	off := uint64(idx) << s.pageShift
	// Discard failures only leave the page resident; the mapping is gone either way.
	_ = discard(s.data[off : off+s.pageSize])
}

// IsMapped reports whether the page containing virt is mapped.
func (s *Space) IsMapped(virt uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.page(virt)
	return ok && s.table[idx].phys != 0
}

// GetMapping returns the frame and flags mapped at the page containing virt.
func (s *Space) GetMapping(virt uint64) (PhysAddr, Flags) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.page(virt)
	if !ok {
		return 0, 0
	}
	m := s.table[idx]
	return m.phys, m.flags
}

// MappedPages returns the number of pages currently mapped.
func (s *Space) MappedPages() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mapped
}

// Close releases the reservation. Further Map calls fail.
func (s *Space) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil
	}
	err := s.release(s.data)
	s.data = nil
	for i := range s.table {
		s.table[i] = mapping{}
	}
	s.mapped = 0
	return err
}

var (
	_ AddressSpace = (*Space)(nil)
	_ Reservation  = (*Space)(nil)
)
