// Package bitmap allocates page-granular slabs from the heap's reserved
// virtual range.
//
// One bit tracks each native page: set means mapped and owned by a slab (or
// by the bitmap itself), clear means free. The bitmap lives in the first
// pages of the range it describes.
//
// Slab acquisition is rare compared with object allocation, so every
// operation runs under one coarse spin lock.
package bitmap

import (
	"fmt"
	"io"
	"log/slog"
	"math/bits"

	"github.com/joshuapare/kheap/internal/heaperr"
	"github.com/joshuapare/kheap/internal/mem"
	"github.com/joshuapare/kheap/internal/spin"
	"github.com/joshuapare/kheap/vm"
)

// Config describes the range managed by an Allocator and its collaborators.
type Config struct {
	Arena    *mem.Arena
	PageSize uint64
	Space    vm.AddressSpace
	Pages    vm.PageAllocator
	Guard    spin.Guard
	Logger   *slog.Logger
}

// Allocator hands out and reclaims contiguous runs of mapped pages.
type Allocator struct {
	mu *spin.Lock

	arena     *mem.Arena
	space     vm.AddressSpace
	pages     vm.PageAllocator
	log       *slog.Logger
	pageSize  uint64
	pageShift uint

	words    []uint64 // lives inside the arena
	nbits    uint64
	reserved uint64 // pages holding the bitmap itself
	resident uint64

	stats Stats
}

// Stats counts slab traffic.
type Stats struct {
	SlabsAcquired uint64
	SlabsReleased uint64
	PagesAcquired uint64
	PagesReleased uint64
}

// New lays the bitmap out at the start of the arena, maps and zeroes its
// pages and marks them used.
func New(cfg Config) (*Allocator, error) {
	if cfg.Arena == nil || cfg.Space == nil || cfg.Pages == nil {
		return nil, fmt.Errorf("%w: bitmap needs an arena and both collaborators", heaperr.ErrMisuse)
	}
	ps := cfg.PageSize
	if ps < mem.WordSize || ps&(ps-1) != 0 {
		return nil, fmt.Errorf("%w: page size %d", heaperr.ErrMisuse, ps)
	}
	if cfg.Arena.Base()%ps != 0 || cfg.Arena.Size()%ps != 0 {
		return nil, fmt.Errorf("%w: arena is not page aligned", heaperr.ErrMisuse)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	b := &Allocator{
		mu:        spin.NewLock(cfg.Guard),
		arena:     cfg.Arena,
		space:     cfg.Space,
		pages:     cfg.Pages,
		log:       log,
		pageSize:  ps,
		pageShift: uint(bits.TrailingZeros64(ps)),
		nbits:     cfg.Arena.Size() / ps,
	}

	nwords := (b.nbits + wordBits - 1) / wordBits
	b.reserved = (nwords*mem.WordSize + ps - 1) / ps
	if b.reserved >= b.nbits {
		return nil, fmt.Errorf("%w: range of %d pages cannot hold its own bitmap", heaperr.ErrMisuse, b.nbits)
	}

	base := cfg.Arena.Base()
	if err := b.mapPages(base, b.reserved); err != nil {
		return nil, err
	}
	cfg.Arena.Zero(base, b.reserved*ps)

	b.words = cfg.Arena.Words(base, nwords)
	// Bits past the end of the range read as permanently used.
	if tail := b.nbits % wordBits; tail != 0 {
		b.words[nwords-1] = allOnes &^ lowMask(tail)
	}
	setRange(b.words, 0, b.reserved)
	b.resident = b.reserved

	b.log.Debug("bitmap initialised",
		"base", fmt.Sprintf("%#x", base),
		"pages", b.nbits,
		"bitmap_pages", b.reserved)
	return b, nil
}

// GetSlab maps a run of size/PageSize contiguous free pages and returns its
// base address. size must be a non-zero multiple of the page size.
func (b *Allocator) GetSlab(size uint64) (uint64, error) {
	if size == 0 || size%b.pageSize != 0 {
		return 0, fmt.Errorf("%w: slab of %d bytes is not a whole number of %d-byte pages",
			heaperr.ErrMisuse, size, b.pageSize)
	}
	n := size >> b.pageShift

	b.mu.Acquire()
	defer b.mu.Release()

	start, ok := b.search(n)
	if !ok {
		return 0, fmt.Errorf("%w: no run of %d free pages for a %d-byte slab",
			heaperr.ErrExhausted, n, size)
	}
	setRange(b.words, start, n)

	addr := b.arena.Base() + start<<b.pageShift
	if err := b.mapPages(addr, n); err != nil {
		clearRange(b.words, start, n)
		return 0, err
	}
	b.resident += n
	b.stats.SlabsAcquired++
	b.stats.PagesAcquired += n

	b.log.Debug("slab acquired", "addr", fmt.Sprintf("%#x", addr), "pages", n)
	return addr, nil
}

// FreeSlab unmaps the slab at addr and returns its pages to the bitmap.
func (b *Allocator) FreeSlab(addr, length uint64) error {
	if length == 0 || length%b.pageSize != 0 || addr%b.pageSize != 0 {
		return fmt.Errorf("%w: slab %#x+%d is not page aligned", heaperr.ErrMisuse, addr, length)
	}
	if !b.arena.Contains(addr, length) {
		return fmt.Errorf("%w: slab %#x+%d", heaperr.ErrOutOfRange, addr, length)
	}
	start := b.arena.Offset(addr) >> b.pageShift
	n := length >> b.pageShift

	b.mu.Acquire()
	defer b.mu.Release()

	if start < b.reserved {
		return fmt.Errorf("%w: slab %#x overlaps the bitmap", heaperr.ErrMisuse, addr)
	}
	if !allSet(b.words, start, n) {
		return fmt.Errorf("%w: slab %#x+%d is not fully allocated", heaperr.ErrMisuse, addr, length)
	}

	b.unmapPages(addr, n)
	clearRange(b.words, start, n)
	b.resident -= n
	b.stats.SlabsReleased++
	b.stats.PagesReleased += n

	b.log.Debug("slab released", "addr", fmt.Sprintf("%#x", addr), "pages", n)
	return nil
}

// search picks the strategy for an n-page run. Caller holds the lock.
func (b *Allocator) search(n uint64) (uint64, bool) {
	switch {
	case n == 1:
		return findOne(b.words)
	case n <= wordBits:
		if start, ok := findInWord(b.words, n); ok {
			return start, true
		}
		return findSpanning(b.words, n)
	default:
		return findLarge(b.words, n)
	}
}

// mapPages backs n pages starting at addr with fresh frames, undoing any
// partial work on failure.
func (b *Allocator) mapPages(addr, n uint64) error {
	for i := range n {
		virt := addr + i<<b.pageShift
		phys := b.pages.AllocatePage()
		if phys == 0 {
			b.unmapPages(addr, i)
			return fmt.Errorf("%w: out of physical pages at %#x", heaperr.ErrMapFailed, virt)
		}
		if !b.space.Map(phys, virt, vm.HeapFlags) {
			b.pages.FreePage(phys)
			b.unmapPages(addr, i)
			return fmt.Errorf("%w: map %#x", heaperr.ErrMapFailed, virt)
		}
	}
	return nil
}

func (b *Allocator) unmapPages(addr, n uint64) {
	for i := range n {
		virt := addr + i<<b.pageShift
		phys, _ := b.space.GetMapping(virt)
		b.space.Unmap(virt)
		if phys != 0 {
			b.pages.FreePage(phys)
		}
	}
}

// Resident returns the number of pages currently mapped, bitmap included.
func (b *Allocator) Resident() uint64 {
	b.mu.Acquire()
	defer b.mu.Release()
	return b.resident
}

// Pages returns the number of pages the bitmap covers.
func (b *Allocator) Pages() uint64 { return b.nbits }

// Reserved returns the number of pages occupied by the bitmap itself.
func (b *Allocator) Reserved() uint64 { return b.reserved }

// PopCount returns the number of set bits that describe real pages.
func (b *Allocator) PopCount() uint64 {
	b.mu.Acquire()
	defer b.mu.Release()

	var n uint64
	for i, w := range b.words {
		if i == len(b.words)-1 {
			if tail := b.nbits % wordBits; tail != 0 {
				w &= lowMask(tail)
			}
		}
		n += uint64(bits.OnesCount64(w))
	}
	return n
}

// IsAllocated reports whether the page containing addr belongs to a slab or the bitmap.
func (b *Allocator) IsAllocated(addr uint64) bool {
	if !b.arena.Contains(addr, 1) {
		return false
	}
	b.mu.Acquire()
	defer b.mu.Release()
	return anySet(b.words, b.arena.Offset(addr)>>b.pageShift, 1)
}

// Stats returns a snapshot of slab traffic.
func (b *Allocator) Stats() Stats {
	b.mu.Acquire()
	defer b.mu.Release()
	return b.stats
}
