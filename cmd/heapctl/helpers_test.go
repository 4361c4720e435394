package main

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stdout = w

	// drain concurrently so large reports cannot fill the pipe
	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r)
		done <- buf.String()
	}()

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout
	return <-done, fnErr
}

// assertContains checks that output contains all expected strings
func assertContains(t *testing.T, output string, expected []string) {
	t.Helper()
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("output missing expected string %q\nGot: %s", want, output)
		}
	}
}

// resetFlags restores every package-level flag variable after a test.
func resetFlags(t *testing.T) {
	t.Helper()
	saved := struct {
		verbose, quiet, jsonOut             bool
		output                              string
		heapSize                            uint64
		cpus                                int
		vigilant, noFloor, noOverrun, sites bool
		stress                              StressConfig
		sizes                               []uint
		count, free, recover                int
	}{
		verbose, quiet, jsonOut,
		output,
		heapSize, cpus,
		vigilant, noFloor, noOverrun, sites,
		stressCfg,
		statsSizes, statsCount, statsFree, statsRecover,
	}
	t.Cleanup(func() {
		verbose, quiet, jsonOut = saved.verbose, saved.quiet, saved.jsonOut
		output = saved.output
		heapSize, cpus = saved.heapSize, saved.cpus
		vigilant, noFloor, noOverrun, sites = saved.vigilant, saved.noFloor, saved.noOverrun, saved.sites
		stressCfg = saved.stress
		statsSizes, statsCount, statsFree, statsRecover = saved.sizes, saved.count, saved.free, saved.recover
	})
}
