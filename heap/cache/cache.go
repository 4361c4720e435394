// Package cache implements one size class of the heap: a set of lock-free
// free lists of equal-size objects carved from slabs, and the recovery pass
// that hands idle slabs back to the bitmap.
package cache

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math/bits"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/kheap/heap/frame"
	"github.com/joshuapare/kheap/internal/heaperr"
	"github.com/joshuapare/kheap/internal/mem"
	"github.com/joshuapare/kheap/internal/spin"
)

// MaxCPUs is the largest number of per-CPU free lists a cache keeps.
const MaxCPUs = 256

// SlabSource supplies and reclaims page-aligned slabs.
type SlabSource interface {
	GetSlab(size uint64) (uint64, error)
	FreeSlab(addr, length uint64) error
}

// Env is the shared context every cache of one heap is built from.
type Env struct {
	Arena  *mem.Arena
	Slabs  SlabSource
	Framer frame.Framer

	// CPUs is the number of free lists per cache. CPU picks the list for
	// the calling context; nil always picks the first.
	CPUs int
	CPU  func() int

	// TrackSlabs records every slab so Verify can scan it.
	TrackSlabs bool

	Guard  spin.Guard
	Logger *slog.Logger
}

// Cache serves objects of one power-of-two size.
type Cache struct {
	arena  *mem.Arena
	slabs  SlabSource
	framer frame.Framer
	log    *slog.Logger
	cpu    func() int

	class    int
	objSize  uint64
	slabSize uint64
	perSlab  uint64
	align    uint64

	lists []freeList

	// mu serialises recovery passes; pass counts their starts and ends.
	mu   *spin.Lock
	pass atomic.Uint64

	track   bool
	trackMu sync.Mutex
	tracked map[uint64]struct{}

	allocs, frees          atomic.Uint64
	slabsGot, slabsFreed   atomic.Uint64
	recoveries, corruption atomic.Uint64
}

// Stats is a snapshot of one cache's counters.
type Stats struct {
	ObjectSize    uint64
	SlabSize      uint64
	Allocations   uint64
	Frees         uint64
	Live          uint64
	SlabsAcquired uint64
	SlabsReleased uint64
	SlabsResident uint64
	Recoveries    uint64
	Corruptions   uint64
}

// New builds the cache for objectSize. Sizes below frame.MinObjectSize cannot
// hold a free-list node; their cache is inert and refuses to allocate.
func New(env Env, objectSize uint64) (*Cache, error) {
	if env.Arena == nil || env.Slabs == nil {
		return nil, fmt.Errorf("%w: cache needs an arena and a slab source", heaperr.ErrMisuse)
	}
	if objectSize == 0 || objectSize&(objectSize-1) != 0 {
		return nil, fmt.Errorf("%w: object size %d is not a power of two", heaperr.ErrMisuse, objectSize)
	}
	if env.Arena.Size() >= MaxArena {
		return nil, fmt.Errorf("%w: arena of %d bytes is too large to index", heaperr.ErrMisuse, env.Arena.Size())
	}
	page := env.Framer.PageSize
	slabSize := max(objectSize, page)
	if page == 0 || slabSize%objectSize != 0 {
		return nil, fmt.Errorf("%w: slab of %d bytes is not a multiple of %d-byte objects",
			heaperr.ErrMisuse, slabSize, objectSize)
	}

	cpus := env.CPUs
	if cpus <= 0 {
		cpus = 1
	}
	if cpus > MaxCPUs {
		return nil, fmt.Errorf("%w: %d CPUs exceeds the maximum of %d", heaperr.ErrMisuse, cpus, MaxCPUs)
	}

	log := env.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Cache{
		arena:    env.Arena,
		slabs:    env.Slabs,
		framer:   env.Framer,
		log:      log,
		cpu:      env.CPU,
		class:    bits.TrailingZeros64(objectSize),
		objSize:  objectSize,
		slabSize: slabSize,
		perSlab:  slabSize / objectSize,
		align:    min(objectSize, page),
		mu:       spin.NewLock(env.Guard),
		track:    env.TrackSlabs,
	}
	if c.Inert() {
		return c, nil
	}
	c.lists = newFreeLists(cpus)
	if c.track {
		c.tracked = make(map[uint64]struct{})
	}
	return c, nil
}

// Inert reports whether the cache exists only to fill its size-class slot.
func (c *Cache) Inert() bool { return c.objSize < frame.MinObjectSize }

// Class returns the size-class index.
func (c *Cache) Class() int { return c.class }

// ObjectSize returns the size of every object in the cache.
func (c *Cache) ObjectSize() uint64 { return c.objSize }

// SlabSize returns the size of the slabs the cache carves.
func (c *Cache) SlabSize() uint64 { return c.slabSize }

func (c *Cache) list() *freeList {
	if c.cpu == nil || len(c.lists) == 1 {
		return &c.lists[0]
	}
	i := c.cpu() % len(c.lists)
	if i < 0 {
		i = 0
	}
	return &c.lists[i]
}

// Allocate returns the raw address of an object claimed for the caller. The
// object's state word reads MagicClaimed until the caller frames it.
func (c *Cache) Allocate() (uint64, error) {
	if c.Inert() {
		return 0, fmt.Errorf("%w: %d-byte objects cannot be allocated", heaperr.ErrMisuse, c.objSize)
	}
	l := c.list()

	var off uint64
	for {
		start := c.pass.Load()
		var ok bool
		if off, ok = pop(c.arena, l); ok {
			break
		}
		raw, err := c.grow(l)
		if err == nil {
			c.allocs.Add(1)
			return raw, nil
		}
		// free nodes may have been held by a recovery pass
		if !c.waitPass(start) {
			return 0, err
		}
	}

	raw := c.arena.Addr(off)
	if !c.arena.CompareAndSwap(raw+frame.StateOffset, frame.MagicFree, frame.MagicClaimed) {
		c.corruption.Add(1)
		return 0, fmt.Errorf("%w: free-list node %#x of the %d-byte cache has state %#x",
			heaperr.ErrCorrupt, raw, c.objSize, c.arena.Load(raw+frame.StateOffset))
	}
	c.allocs.Add(1)
	return raw, nil
}

// grow formats a fresh slab. Cell 0 goes straight to the caller, the rest
// are pushed onto l as one chain.
func (c *Cache) grow(l *freeList) (uint64, error) {
	slab, err := c.slabs.GetSlab(c.slabSize)
	if err != nil {
		return 0, fmt.Errorf("grow %d-byte cache: %w", c.objSize, err)
	}
	c.slabsGot.Add(1)
	c.trackSlab(slab)

	base := c.arena.Offset(slab)
	for i := uint64(1); i < c.perSlab; i++ {
		cell := slab + i*c.objSize
		c.arena.Store(cell+frame.OwnerOffset, 0)
		c.arena.Store(cell+frame.StateOffset, frame.MagicFree)
		if i+1 < c.perSlab {
			link(c.arena, base+i*c.objSize, base+(i+1)*c.objSize)
		}
	}
	if c.perSlab > 1 {
		push(c.arena, l, base+c.objSize, base+(c.perSlab-1)*c.objSize)
	}

	c.arena.Store(slab+frame.OwnerOffset, 0)
	c.arena.Store(slab+frame.StateOffset, frame.MagicClaimed)

	c.log.Debug("cache grew",
		"object_size", c.objSize,
		"slab", fmt.Sprintf("%#x", slab),
		"objects", c.perSlab)
	return slab, nil
}

// Free returns the live object at raw to the cache.
func (c *Cache) Free(raw uint64) error {
	if c.Inert() {
		return fmt.Errorf("%w: %d-byte objects are never allocated", heaperr.ErrMisuse, c.objSize)
	}
	if err := c.owns(raw); err != nil {
		return err
	}
	if c.framer.OverrunCheck {
		if foot := c.arena.Load(raw + c.objSize - frame.FooterSize); foot != frame.MagicGuard {
			c.corruption.Add(1)
			return fmt.Errorf("%w: possible heap overrun at %#x (footer magic %#x)",
				heaperr.ErrCorrupt, raw, foot)
		}
	}
	if !c.arena.CompareAndSwap(raw+frame.StateOffset, frame.MagicGuard, frame.MagicFree) {
		state := c.arena.Load(raw + frame.StateOffset)
		if state == frame.MagicFree {
			return fmt.Errorf("%w: object %#x", heaperr.ErrDoubleFree, raw)
		}
		c.corruption.Add(1)
		return fmt.Errorf("%w: possible heap underrun at %#x (header magic %#x)",
			heaperr.ErrCorrupt, raw, state)
	}
	c.arena.Store(raw+frame.OwnerOffset, 0)

	off := c.arena.Offset(raw)
	push(c.arena, c.list(), off, off)
	c.frees.Add(1)
	return nil
}

// owns reports an error unless raw is the start of a cell this cache could
// have carved.
func (c *Cache) owns(raw uint64) error {
	if !c.arena.Contains(raw, c.objSize) {
		return fmt.Errorf("%w: object %#x", heaperr.ErrOutOfRange, raw)
	}
	if c.arena.Offset(raw)%c.align != 0 {
		return fmt.Errorf("%w: %#x is not a %d-byte cell", heaperr.ErrCorrupt, raw, c.objSize)
	}
	return nil
}

// IsPointerValid reports whether raw is a live object of this cache with
// intact magics. It never mutates the object.
func (c *Cache) IsPointerValid(raw uint64) bool {
	if c.Inert() || c.owns(raw) != nil {
		return false
	}
	if c.arena.Load(raw+frame.MagicOffset) != frame.MagicGuard {
		return false
	}
	if c.arena.Load(raw+frame.CacheOffset) != uint64(c.class)+1 {
		return false
	}
	if c.framer.OverrunCheck && c.arena.Load(raw+c.objSize-frame.FooterSize) != frame.MagicGuard {
		return false
	}
	return true
}

// FreeObjects counts the objects on every free list. It walks the lists
// without synchronisation and is meant for quiescent heaps and tests.
func (c *Cache) FreeObjects() int {
	n := 0
	for i := range c.lists {
		n += length(c.arena, &c.lists[i])
	}
	return n
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	allocs, frees := c.allocs.Load(), c.frees.Load()
	got, freed := c.slabsGot.Load(), c.slabsFreed.Load()
	st := Stats{
		ObjectSize:    c.objSize,
		SlabSize:      c.slabSize,
		Allocations:   allocs,
		Frees:         frees,
		SlabsAcquired: got,
		SlabsReleased: freed,
		Recoveries:    c.recoveries.Load(),
		Corruptions:   c.corruption.Load(),
	}
	if allocs > frees {
		st.Live = allocs - frees
	}
	if got > freed {
		st.SlabsResident = got - freed
	}
	return st
}

// ============================================================================
// Slab tracking and verification
// ============================================================================

func (c *Cache) trackSlab(slab uint64) {
	if !c.track {
		return
	}
	c.trackMu.Lock()
	c.tracked[slab] = struct{}{}
	c.trackMu.Unlock()
}

func (c *Cache) untrackSlab(slab uint64) {
	if !c.track {
		return
	}
	c.trackMu.Lock()
	delete(c.tracked, slab)
	c.trackMu.Unlock()
}

// TrackedSlabs returns the base addresses of every tracked slab, sorted.
func (c *Cache) TrackedSlabs() []uint64 {
	if !c.track {
		return nil
	}
	c.trackMu.Lock()
	defer c.trackMu.Unlock()
	return slices.Sorted(maps.Keys(c.tracked))
}

// Verify scans every object of every tracked slab. Free and claimed objects
// are skipped; a live object must carry intact header and footer magics and
// name this cache. Without slab tracking there is nothing to scan.
func (c *Cache) Verify() error {
	if !c.track {
		return nil
	}
	c.trackMu.Lock()
	defer c.trackMu.Unlock()

	var errs []error
	for _, slab := range slices.Sorted(maps.Keys(c.tracked)) {
		for i := uint64(0); i < c.perSlab; i++ {
			raw := slab + i*c.objSize
			switch magic := c.arena.Load(raw + frame.MagicOffset); magic {
			case frame.MagicFree, frame.MagicClaimed:
				continue
			case frame.MagicGuard:
			default:
				errs = append(errs, fmt.Errorf("%w: possible heap underrun: object starts at %#x, size %d, block %#x",
					heaperr.ErrCorrupt, raw, c.objSize, raw+frame.HeaderSize))
				continue
			}
			if owner := c.arena.Load(raw + frame.CacheOffset); owner != uint64(c.class)+1 {
				errs = append(errs, fmt.Errorf("%w: object %#x names cache %d",
					heaperr.ErrCorrupt, raw, owner))
			}
			if c.framer.OverrunCheck {
				if foot := c.arena.Load(raw + c.objSize - frame.FooterSize); foot != frame.MagicGuard {
					errs = append(errs, fmt.Errorf("%w: possible heap overrun: object starts at %#x",
						heaperr.ErrCorrupt, raw))
				}
			}
		}
	}
	return errors.Join(errs...)
}
