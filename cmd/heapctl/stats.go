package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/kheap/heap"
)

var (
	statsSizes   []uint
	statsCount   int
	statsFree    int
	statsRecover int
)

func init() {
	cmd := newStatsCmd()
	addHeapFlags(cmd)
	f := cmd.Flags()
	f.UintSliceVar(&statsSizes, "sizes", []uint{64, 1000, 4096, 65536}, "Request sizes to allocate")
	f.IntVar(&statsCount, "count", 64, "Allocations per size")
	f.IntVar(&statsFree, "free", 50, "Percentage of allocations to free afterwards")
	f.IntVar(&statsRecover, "recover", 0, "Slabs to recover after freeing")
	rootCmd.AddCommand(cmd)
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show heap statistics after a fixed workload",
		Long: `The stats command allocates --count objects of each --sizes request,
frees the first --free percent of every size, optionally runs recovery, and
prints the per-class and page statistics of the result.

Example:
  heapctl stats
  heapctl stats --sizes 24,200 --count 1000 --free 100 --recover 64
  heapctl stats --no-page-floor --sites --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats()
		},
	}
}

func runStats() error {
	if statsFree < 0 || statsFree > 100 {
		return fmt.Errorf("--free must be between 0 and 100, got %d", statsFree)
	}

	h, err := openHeap()
	if err != nil {
		return err
	}
	defer h.Close()

	pages, err := fixedWorkload(h, statsSizes, statsCount, statsFree, statsRecover)
	if err != nil {
		return err
	}
	printVerbose("Recovery freed %d pages\n", pages)
	return printReport(newReport(h))
}

// fixedWorkload allocates count objects of every size, frees freePct percent
// of each size in allocation order, then recovers up to budget slabs. It
// returns the pages recovery freed.
func fixedWorkload(h *heap.Allocator, sizes []uint, count, freePct, budget int) (uint64, error) {
	for _, size := range sizes {
		ptrs := make([]uint64, 0, count)
		for range count {
			p, err := h.TryAllocate(uint64(size))
			if errors.Is(err, heap.ErrExhausted) {
				printVerbose("Heap exhausted at %d bytes after %d objects\n", size, len(ptrs))
				break
			}
			if err != nil {
				return 0, fmt.Errorf("allocate %d bytes: %w", size, err)
			}
			ptrs = append(ptrs, p)
		}
		for _, p := range ptrs[:len(ptrs)*freePct/100] {
			if err := h.TryFree(p); err != nil {
				return 0, fmt.Errorf("free %#x: %w", p, err)
			}
		}
	}
	if budget <= 0 {
		return 0, nil
	}
	return h.Recovery(budget), nil
}
