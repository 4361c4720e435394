package heap

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joshuapare/kheap/internal/spin"
	"github.com/joshuapare/kheap/vm"
)

// Runtime debug flag for slab and recovery logging - controlled by KHEAP_LOG_ALLOC env var.
var logAlloc = os.Getenv("KHEAP_LOG_ALLOC") != ""

const (
	// DefaultHeapBase is the first virtual address of the heap range.
	DefaultHeapBase uint64 = 0xFFFF_9000_0000_0000

	// DefaultHeapSize is the length of the heap range.
	DefaultHeapSize uint64 = 256 << 20

	// DefaultSiteCapacity bounds the allocation-site table.
	DefaultSiteCapacity = 256
)

// Options configures an Allocator. Start from DefaultOptions; boolean
// fields have no zero-value default.
type Options struct {
	// HeapBase and HeapSize describe the virtual range the heap manages.
	// Both must be page aligned. Ignored when Reservation is set.
	// Default: DefaultHeapBase, DefaultHeapSize
	HeapBase uint64
	HeapSize uint64

	// PageSize is the native page size, a power of two.
	// Default: vm.DefaultPageSize
	PageSize uint64

	// CPUs is the number of free lists per size class. CPU reports the
	// index of the calling processor; nil means every caller uses list 0.
	// Default: 1
	CPUs int
	CPU  func() int

	// OverrunCheck writes a footer magic after every allocation and checks
	// it on free.
	// Default: true
	OverrunCheck bool

	// PageFloor rounds every request up to at least one page before
	// choosing a size class.
	// Default: true
	PageFloor bool

	// Vigilant tracks every slab and verifies every live object after each
	// allocate and free. It is very slow.
	// Default: false
	Vigilant bool

	// TrackSites attributes allocations to their call sites. SiteCapacity
	// bounds the number of sites remembered.
	// Default: false, DefaultSiteCapacity
	TrackSites   bool
	SiteCapacity int

	// Reservation, AddressSpace and Pages replace the in-process
	// collaborators. When Reservation is nil the heap reserves its own
	// range and backs it with a frame pool of at most PhysicalPages frames
	// (0 means unlimited).
	Reservation   vm.Reservation
	AddressSpace  vm.AddressSpace
	Pages         vm.PageAllocator
	PhysicalPages uint64

	// Guard disables preemption while the coarse slab lock is held.
	// Default: spin.NoGuard
	Guard spin.Guard

	// Logger receives slab traffic at Debug and fatal conditions at Error.
	// Default: discard, or stderr at Debug when KHEAP_LOG_ALLOC is set
	Logger *slog.Logger

	// OnFatal is called by Allocate, Free and AllocSize on any error.
	// Default: panic(err)
	OnFatal func(error)
}

// DefaultOptions returns the options for a single-core heap with overrun
// checking enabled.
func DefaultOptions() Options {
	return Options{
		HeapBase:     DefaultHeapBase,
		HeapSize:     DefaultHeapSize,
		PageSize:     vm.DefaultPageSize,
		CPUs:         1,
		OverrunCheck: true,
		PageFloor:    true,
		SiteCapacity: DefaultSiteCapacity,
	}
}

// FromEnv overlays settings from the environment:
//
//	KHEAP_HEAP_SIZE          heap range in bytes
//	KHEAP_CPUS               free lists per size class
//	KHEAP_VIGILANT           any non-empty value enables Vigilant
//	KHEAP_NO_OVERRUN_CHECK   any non-empty value disables OverrunCheck
//	KHEAP_TRACK_SITES        any non-empty value enables TrackSites
func (o Options) FromEnv() (Options, error) {
	if v := os.Getenv("KHEAP_HEAP_SIZE"); v != "" {
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return o, fmt.Errorf("heap: KHEAP_HEAP_SIZE: %w", err)
		}
		o.HeapSize = n
	}
	if v := os.Getenv("KHEAP_CPUS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return o, fmt.Errorf("heap: KHEAP_CPUS: %w", err)
		}
		o.CPUs = n
	}
	if os.Getenv("KHEAP_VIGILANT") != "" {
		o.Vigilant = true
	}
	if os.Getenv("KHEAP_NO_OVERRUN_CHECK") != "" {
		o.OverrunCheck = false
	}
	if os.Getenv("KHEAP_TRACK_SITES") != "" {
		o.TrackSites = true
	}
	return o, nil
}

// withDefaults fills zero-valued numeric fields.
func (o Options) withDefaults() Options {
	if o.HeapBase == 0 && o.Reservation == nil {
		o.HeapBase = DefaultHeapBase
	}
	if o.HeapSize == 0 {
		o.HeapSize = DefaultHeapSize
	}
	if o.PageSize == 0 {
		o.PageSize = vm.DefaultPageSize
	}
	if o.CPUs <= 0 {
		o.CPUs = 1
	}
	if o.SiteCapacity <= 0 {
		o.SiteCapacity = DefaultSiteCapacity
	}
	if o.Logger == nil {
		o.Logger = defaultLogger()
	}
	if o.OnFatal == nil {
		o.OnFatal = func(err error) { panic(err) }
	}
	return o
}

func defaultLogger() *slog.Logger {
	if logAlloc {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.DiscardHandler)
}
