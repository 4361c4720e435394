package heap

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/kheap/heap/bitmap"
	"github.com/joshuapare/kheap/heap/cache"
	"github.com/joshuapare/kheap/heap/frame"
	"github.com/joshuapare/kheap/heap/track"
	"github.com/joshuapare/kheap/internal/mem"
	"github.com/joshuapare/kheap/vm"
)

// Allocator is the kernel heap. It is built once at startup and shared by
// every caller; the first call into it lays out the bitmap and the size-class
// caches.
//
// Allocate, Free and AllocSize are fail-fast: any error is logged and handed
// to Options.OnFatal. The Try variants return the error instead.
type Allocator struct {
	opts Options
	log  *slog.Logger

	once    sync.Once
	initErr error
	closed  atomic.Bool

	owned  *vm.Space // reservation made by the heap itself
	space  vm.AddressSpace
	arena  *mem.Arena
	framer frame.Framer
	slabs  *bitmap.Allocator
	caches [frame.NumClasses]*cache.Cache
	sites  *track.Tracker
}

// New returns a heap configured by opts. No memory is reserved until first use.
func New(opts Options) *Allocator {
	opts = opts.withDefaults()
	return &Allocator{opts: opts, log: opts.Logger}
}

// Init lays the heap out now instead of on first use.
func (a *Allocator) Init() error {
	return a.init()
}

func (a *Allocator) init() error {
	if a.closed.Load() {
		return ErrClosed
	}
	a.once.Do(func() { a.initErr = a.setup() })
	return a.initErr
}

func (a *Allocator) setup() error {
	o := a.opts
	ps := o.PageSize
	if ps < frame.MinObjectSize || ps&(ps-1) != 0 {
		return fmt.Errorf("%w: page size %d", ErrMisuse, ps)
	}

	res := o.Reservation
	space := o.AddressSpace
	if res == nil {
		if o.HeapSize%ps != 0 || o.HeapBase%ps != 0 {
			return fmt.Errorf("%w: heap %#x+%d is not page aligned", ErrMisuse, o.HeapBase, o.HeapSize)
		}
		if o.HeapSize >= cache.MaxArena {
			return fmt.Errorf("%w: heap of %d bytes is too large", ErrMisuse, o.HeapSize)
		}
		sp, err := vm.Reserve(o.HeapBase, o.HeapSize, ps)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMapFailed, err)
		}
		a.owned = sp
		res = sp
		if space == nil {
			space = sp
		}
	}
	if space == nil {
		as, ok := res.(vm.AddressSpace)
		if !ok {
			return fmt.Errorf("%w: reservation needs an address space", ErrMisuse)
		}
		space = as
	}
	pages := o.Pages
	if pages == nil {
		pages = vm.NewFramePool(ps, o.PhysicalPages)
	}

	arena, err := mem.New(res.Base(), res.Bytes())
	if err != nil {
		return a.abandon(fmt.Errorf("%w: %w", ErrMisuse, err))
	}
	a.arena = arena
	a.space = space
	a.framer = frame.Framer{PageSize: ps, OverrunCheck: o.OverrunCheck, PageFloor: o.PageFloor}

	a.slabs, err = bitmap.New(bitmap.Config{
		Arena:    arena,
		PageSize: ps,
		Space:    space,
		Pages:    pages,
		Guard:    o.Guard,
		Logger:   a.log,
	})
	if err != nil {
		return a.abandon(err)
	}

	env := cache.Env{
		Arena:      arena,
		Slabs:      a.slabs,
		Framer:     a.framer,
		CPUs:       o.CPUs,
		CPU:        o.CPU,
		TrackSlabs: o.Vigilant,
		Guard:      o.Guard,
		Logger:     a.log,
	}
	for c := range a.caches {
		a.caches[c], err = cache.New(env, frame.ClassSize(c))
		if err != nil {
			return a.abandon(err)
		}
	}

	if o.TrackSites {
		a.sites, err = track.New(o.SiteCapacity)
		if err != nil {
			return a.abandon(err)
		}
	}

	a.log.Debug("heap initialised",
		"base", fmt.Sprintf("%#x", arena.Base()),
		"size", arena.Size(),
		"page_size", ps,
		"cpus", o.CPUs,
		"overrun_check", o.OverrunCheck,
		"page_floor", o.PageFloor,
		"vigilant", o.Vigilant)
	return nil
}

func (a *Allocator) abandon(err error) error {
	if a.owned != nil {
		_ = a.owned.Close()
		a.owned = nil
	}
	return err
}

func (a *Allocator) fatal(op string, err error) {
	a.log.Error("heap: fatal", "op", op, "err", err)
	a.opts.OnFatal(err)
}

// ============================================================================
// Allocate
// ============================================================================

// TryAllocate returns a pointer to at least n usable bytes.
func (a *Allocator) TryAllocate(n uint64) (uint64, error) {
	return a.allocate(n, 2)
}

// Allocate is TryAllocate with fail-fast error handling.
func (a *Allocator) Allocate(n uint64) uint64 {
	p, err := a.allocate(n, 2)
	if err != nil {
		a.fatal("allocate", err)
	}
	return p
}

func (a *Allocator) allocate(n uint64, skip int) (uint64, error) {
	if err := a.init(); err != nil {
		return 0, err
	}
	c, err := a.framer.Frame(n)
	if err != nil {
		return 0, err
	}
	raw, err := a.caches[c].Allocate()
	if err != nil {
		return 0, err
	}
	p := a.framer.Install(a.arena, raw, c)

	if a.sites != nil {
		a.sites.Record(track.Caller(skip), p, frame.ClassSize(c))
	}
	if a.opts.Vigilant {
		if err := a.Verify(); err != nil {
			return 0, err
		}
	}
	return p, nil
}

// ============================================================================
// Free
// ============================================================================

// TryFree releases the allocation at p.
func (a *Allocator) TryFree(p uint64) error {
	if err := a.init(); err != nil {
		return err
	}
	c, raw, err := a.framer.Strip(a.arena, p)
	if err != nil {
		return err
	}
	if err := a.caches[c].Free(raw); err != nil {
		return err
	}
	if a.sites != nil {
		a.sites.Forget(p)
	}
	if a.opts.Vigilant {
		return a.Verify()
	}
	return nil
}

// Free is TryFree with fail-fast error handling.
func (a *Allocator) Free(p uint64) {
	if err := a.TryFree(p); err != nil {
		a.fatal("free", err)
	}
}

// ============================================================================
// Queries
// ============================================================================

// TryAllocSize returns the usable size of the allocation at p.
func (a *Allocator) TryAllocSize(p uint64) (uint64, error) {
	if err := a.init(); err != nil {
		return 0, err
	}
	c, _, err := a.framer.Strip(a.arena, p)
	if err != nil {
		return 0, err
	}
	return a.framer.Usable(c), nil
}

// AllocSize is TryAllocSize with fail-fast error handling.
func (a *Allocator) AllocSize(p uint64) uint64 {
	n, err := a.TryAllocSize(p)
	if err != nil {
		a.fatal("alloc size", err)
	}
	return n
}

// IsPointerValid reports whether p is a live allocation with intact header
// and footer. It never mutates the heap and never fails.
func (a *Allocator) IsPointerValid(p uint64) bool {
	if a.init() != nil {
		return false
	}
	if p%mem.WordSize != 0 || p < a.arena.Base()+frame.HeaderSize || !a.arena.Contains(p, 1) {
		return false
	}
	raw := p - frame.HeaderSize
	if !a.space.IsMapped(raw) {
		return false
	}
	c, err := a.framer.Check(a.arena, raw)
	if err != nil {
		return false
	}
	return a.caches[c].IsPointerValid(raw)
}

// Bytes returns the usable window of the allocation at p, or nil if p is
// not a valid allocation. The slice aliases heap memory and must not be
// used after p is freed.
func (a *Allocator) Bytes(p uint64) []byte {
	if !a.IsPointerValid(p) {
		return nil
	}
	n, err := a.TryAllocSize(p)
	if err != nil {
		return nil
	}
	return a.arena.Bytes(p, n)
}

// Site returns the allocation site of a live pointer when site tracking is on.
func (a *Allocator) Site(p uint64) (track.Site, bool) {
	if a.sites == nil {
		return track.Site{}, false
	}
	return a.sites.Lookup(p)
}

// Sites returns every tracked allocation site, largest live footprint first.
func (a *Allocator) Sites() []track.Site {
	if a.sites == nil {
		return nil
	}
	return a.sites.Sites()
}

// ============================================================================
// Recovery
// ============================================================================

// Recovery releases up to maxSlabs fully idle slabs across all size classes
// and returns the number of pages freed. It never fails.
func (a *Allocator) Recovery(maxSlabs int) uint64 {
	if a.init() != nil {
		return 0
	}
	var slabs int
	var bytes uint64
	for _, c := range a.caches {
		if slabs >= maxSlabs {
			break
		}
		n, b := c.Recovery(maxSlabs - slabs)
		slabs += n
		bytes += b
	}
	pages := bytes / a.opts.PageSize
	if slabs > 0 {
		a.log.Debug("heap recovery", "slabs", slabs, "pages", pages)
	}
	return pages
}

// Verify scans every tracked slab of every size class and reports all
// corrupt objects. Slabs are only tracked when Options.Vigilant is set.
func (a *Allocator) Verify() error {
	if err := a.init(); err != nil {
		return err
	}
	var errs []error
	for _, c := range a.caches {
		if err := c.Verify(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases a reservation the heap made itself. The heap must not be
// used afterwards. Kernels never call it; tools and tests do.
func (a *Allocator) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	if a.owned != nil {
		return a.owned.Close()
	}
	return nil
}
