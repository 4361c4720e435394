package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/joshuapare/kheap/cmd/heapctl/logger"
)

var stressCfg StressConfig

func init() {
	cmd := newStressCmd()
	addHeapFlags(cmd)
	f := cmd.Flags()
	f.IntVar(&stressCfg.Workers, "workers", 4, "Concurrent workers")
	f.IntVar(&stressCfg.Ops, "ops", 100000, "Operations per worker")
	f.Uint64Var(&stressCfg.MaxSize, "max-size", 16384, "Largest request in bytes")
	f.Float64Var(&stressCfg.FreeRatio, "free-ratio", 0.45, "Chance that an operation frees an object")
	f.Int64Var(&stressCfg.Seed, "seed", 1, "Random seed")
	f.IntVar(&stressCfg.RecoverEvery, "recover-every", 0, "Run recovery every N operations per worker")
	f.Uint64Var(&stressCfg.HighWater, "high-water", 0, "Start a reaper above this many resident pages")
	f.BoolVar(&stressCfg.Drain, "drain", true, "Free every object before reporting")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stress",
		Short: "Drive random allocation traffic through a heap",
		Long: `The stress command runs concurrent workers that allocate and free
random sizes, fill every object, and check the fill before freeing it. Any
corruption, double free or lost object aborts the run.

Example:
  heapctl stress
  heapctl stress --workers 8 --cpus 8 --ops 1000000
  heapctl stress --vigilant --ops 2000 --sites
  heapctl stress --heap-size 8388608 --high-water 512 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(cmd.Context())
		},
	}
}

func runStress(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	h, err := openHeap()
	if err != nil {
		return err
	}
	defer h.Close()

	printVerbose("Running %d workers x %d operations\n", stressCfg.Workers, stressCfg.Ops)
	res, err := runStressWorkload(ctx, h, stressCfg)
	if err != nil {
		logger.Error("stress failed", "err", err)
		return err
	}
	logger.Info("stress finished",
		"operations", res.Operations,
		"elapsed", res.Elapsed,
		"out_of_memory", res.OutOfMemory)

	if err := h.Verify(); err != nil {
		printError("heap verification failed: %v\n", err)
		return err
	}

	r := newReport(h)
	r.Stress = res
	return printReport(r)
}
