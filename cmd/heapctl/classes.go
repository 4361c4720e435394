package main

import (
	"github.com/spf13/cobra"

	"github.com/joshuapare/kheap/heap/frame"
)

func init() {
	cmd := newClassesCmd()
	addHeapFlags(cmd)
	rootCmd.AddCommand(cmd)
}

func newClassesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classes",
		Short: "Show the size-class table",
		Long: `The classes command prints every size class with the slab size it is
carved from and the usable bytes an object of that class offers.

Example:
  heapctl classes
  heapctl classes --no-page-floor --no-overrun-check`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClasses()
		},
	}
}

// ClassInfo describes one size class.
type ClassInfo struct {
	Class      int    `json:"class"`
	ObjectSize uint64 `json:"object_size"`
	SlabSize   uint64 `json:"slab_size"`
	Usable     uint64 `json:"usable"`
}

func runClasses() error {
	opts, err := heapOptions()
	if err != nil {
		return err
	}
	fr := frame.Framer{PageSize: opts.PageSize, OverrunCheck: opts.OverrunCheck, PageFloor: opts.PageFloor}

	var classes []ClassInfo
	for c := 0; c < frame.NumClasses; c++ {
		size := frame.ClassSize(c)
		if size < fr.Floor() || size > opts.HeapSize {
			continue
		}
		slab := size
		if slab < opts.PageSize {
			slab = opts.PageSize
		}
		classes = append(classes, ClassInfo{Class: c, ObjectSize: size, SlabSize: slab, Usable: fr.Usable(c)})
	}

	if jsonOut {
		return printJSON(classes)
	}
	printInfo("%6s %12s %12s %12s\n", "class", "object", "slab", "usable")
	for _, c := range classes {
		printInfo("%6d %12d %12d %12d\n", c.Class, c.ObjectSize, c.SlabSize, c.Usable)
	}
	return nil
}
