package main

import (
	"strings"

	"github.com/joshuapare/kheap/cmd/heapctl/export"
	"github.com/joshuapare/kheap/heap"
	"github.com/joshuapare/kheap/heap/track"
)

// Report is what heapctl prints after driving a heap.
type Report struct {
	Stats heap.Stats   `json:"stats"`
	Sites []track.Site `json:"sites,omitempty"`

	// Set by stress only
	Stress *StressResult `json:"stress,omitempty"`
}

func newReport(h *heap.Allocator) Report {
	return Report{Stats: h.Stats(), Sites: h.Sites()}
}

func printReport(r Report) error {
	if output != "" {
		if err := export.JSON(&export.File{Path: output}, r); err != nil {
			return err
		}
		printVerbose("Report written to %s\n", output)
	}
	if jsonOut {
		return printJSON(r)
	}

	st := r.Stats
	printInfo("\nHeap Statistics\n")
	printInfo("%s\n\n", strings.Repeat("=", 40))

	printInfo("Pages:\n")
	printInfo("  Total: %d\n", st.TotalPages)
	printInfo("  Resident: %d (bitmap %d)\n", st.ResidentPages, st.BitmapPages)
	printInfo("  Slabs: %d acquired, %d released\n\n", st.SlabsAcquired, st.SlabsReleased)

	printInfo("Objects:\n")
	printInfo("  Allocations: %d\n", st.Allocations)
	printInfo("  Frees: %d\n", st.Frees)
	printInfo("  Live: %d\n\n", st.Live)

	if len(st.Classes) > 0 {
		printInfo("Size Classes:\n")
		printInfo("  %10s %10s %12s %10s %8s %8s %10s\n",
			"object", "slab", "allocs", "live", "slabs", "freed", "corrupt")
		for _, c := range st.Classes {
			printInfo("  %10d %10d %12d %10d %8d %8d %10d\n",
				c.ObjectSize, c.SlabSize, c.Allocations, c.Live,
				c.SlabsResident, c.SlabsReleased, c.Corruptions)
		}
		printInfo("\n")
	}

	if len(r.Sites) > 0 {
		printInfo("Allocation Sites:\n")
		for i, s := range r.Sites {
			if i == 10 {
				printInfo("  ... (%d more sites)\n", len(r.Sites)-10)
				break
			}
			printInfo("  %s\n    %d allocs, %d frees, %d bytes live\n", s.Frame, s.Allocs, s.Frees, s.Live)
		}
		printInfo("\n")
	}

	if s := r.Stress; s != nil {
		printInfo("Stress:\n")
		printInfo("  Workers: %d\n", s.Workers)
		printInfo("  Operations: %d in %s\n", s.Operations, s.Elapsed)
		printInfo("  Out of memory: %d\n", s.OutOfMemory)
		printInfo("  Pages recovered: %d\n", s.PagesRecovered)
		if s.Reaper != nil {
			printInfo("  Reaper: %d wakeups, %d passes, %d pages\n",
				s.Reaper.Wakeups, s.Reaper.Passes, s.Reaper.PagesFreed)
		}
	}
	return nil
}
