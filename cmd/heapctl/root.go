package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/kheap/cmd/heapctl/logger"
	"github.com/joshuapare/kheap/heap"
)

var (
	// Global flags
	verbose bool
	quiet   bool
	jsonOut bool
	logDir  string
	output  string

	// Heap flags shared by every command that builds a heap
	heapSize  uint64
	cpus      int
	vigilant  bool
	noFloor   bool
	noOverrun bool
	sites     bool
)

// out formats numbers with thousands separators.
var out = message.NewPrinter(language.English)

var rootCmd = &cobra.Command{
	Use:   "heapctl",
	Short: "Exercise and inspect the kheap slab allocator",
	Long: `heapctl builds an in-process kheap heap, drives allocation traffic
through it, and reports what the size-class caches and the page bitmap did.
Heap defaults come from the KHEAP_* environment variables and can be
overridden with flags.`,
	Version: "0.1.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logDir == "" {
			return nil
		}
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		return logger.Init(logger.Options{Enabled: true, LogDir: logDir, Level: level})
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Write JSON logs to this directory")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "", "Also write the JSON report to this file")
}

// addHeapFlags registers the heap configuration flags on cmd.
func addHeapFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Uint64Var(&heapSize, "heap-size", 0, "Heap size in bytes (default from KHEAP_HEAP_SIZE or 256MiB)")
	f.IntVar(&cpus, "cpus", 0, "Free lists per size class (default from KHEAP_CPUS or 1)")
	f.BoolVar(&vigilant, "vigilant", false, "Verify every live object after each allocate and free")
	f.BoolVar(&noFloor, "no-page-floor", false, "Allow objects smaller than a page")
	f.BoolVar(&noOverrun, "no-overrun-check", false, "Do not write or check footers")
	f.BoolVar(&sites, "sites", false, "Track allocation sites")
}

// heapOptions merges environment defaults with the command line.
func heapOptions() (heap.Options, error) {
	opts, err := heap.DefaultOptions().FromEnv()
	if err != nil {
		return opts, err
	}
	if heapSize != 0 {
		opts.HeapSize = heapSize
	}
	if cpus != 0 {
		opts.CPUs = cpus
	}
	opts.Vigilant = opts.Vigilant || vigilant
	opts.TrackSites = opts.TrackSites || sites
	if noFloor {
		opts.PageFloor = false
	}
	if noOverrun {
		opts.OverrunCheck = false
	}
	opts.Logger = logger.L
	return opts, nil
}

// openHeap builds a heap from the flags and lays it out.
func openHeap() (*heap.Allocator, error) {
	opts, err := heapOptions()
	if err != nil {
		return nil, err
	}
	h := heap.New(opts)
	if err := h.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialise heap: %w", err)
	}
	printVerbose("Heap: %s bytes at %#x, %d CPU list(s)\n",
		out.Sprintf("%d", opts.HeapSize), opts.HeapBase, opts.CPUs)
	logger.Info("heap opened", "size", opts.HeapSize, "cpus", opts.CPUs, "vigilant", opts.Vigilant)
	return h, nil
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...interface{}) {
	if !quiet {
		out.Fprintf(os.Stdout, format, args...)
	}
}

// printError prints an error message
func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format, args...)
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...interface{}) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
