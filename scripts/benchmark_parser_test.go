package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOutput = `goos: linux
goarch: amd64
pkg: github.com/joshuapare/kheap/heap
Benchmark_Heap_AllocFree_Page-8     	 5000000	       240.5 ns/op	       0 B/op	       0 allocs/op
Benchmark_Heap_Parallel-8           	20000000	        61.0 ns/op
{"Action":"output","Output":"Benchmark_Cache_Pop-8 1000000 1200 ns/op 16 B/op 1 allocs/op\n"}
BenchmarkLegacy 100 5 ns/op
PASS
`

func Test_Parser_ParsesPlainAndJSON(t *testing.T) {
	results := parseBenchmarks(strings.NewReader(sampleOutput))
	require.Len(t, results, 4)

	assert.Equal(t, BenchmarkResult{
		Name: "Benchmark_Heap_AllocFree_Page", Component: "Heap", Case: "AllocFree_Page",
		Procs: 8, Iterations: 5000000, NsPerOp: 240.5,
	}, results[0])

	assert.Equal(t, "Parallel", results[1].Case)
	assert.Zero(t, results[1].AllocsPerOp)

	assert.Equal(t, "Cache", results[2].Component)
	assert.Equal(t, int64(16), results[2].BytesPerOp)
	assert.Equal(t, int64(1), results[2].AllocsPerOp)

	assert.Equal(t, "Other", results[3].Component)
	assert.Equal(t, 1, results[3].Procs)
}

func Test_Parser_CompareWithBaseline(t *testing.T) {
	current := parseBenchmarks(strings.NewReader(sampleOutput))
	baseline := parseBenchmarks(strings.NewReader(
		"Benchmark_Heap_AllocFree_Page-8 1000 481 ns/op\n"))

	cmp := compare(current, baseline)
	require.Len(t, cmp, 4)

	// sorted by component: Cache, Heap, Heap, Other
	assert.Equal(t, "Cache", cmp[0].Current.Component)
	assert.Nil(t, cmp[0].Baseline)

	page := cmp[1]
	require.NotNil(t, page.Baseline)
	assert.InDelta(t, 2.0, page.Speedup, 0.01)
}

func Test_Parser_MarkdownReport(t *testing.T) {
	current := parseBenchmarks(strings.NewReader(sampleOutput))
	baseline := parseBenchmarks(strings.NewReader(
		"Benchmark_Heap_AllocFree_Page-8 1000 481 ns/op\n"))

	report := generateMarkdownReport(compare(current, baseline), time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	assert.Contains(t, report, "Generated: 2026-01-02 03:04:05")
	assert.Contains(t, report, "- **Compared with baseline**: 1")
	assert.Contains(t, report, "faster by more than 5%: 1")
	assert.Contains(t, report, "## Heap")
	assert.Contains(t, report, "| AllocFree_Page | 8 | 240.5 | 0 | 0 | 481.0 | 2.00x |")
	assert.Contains(t, report, "| Pop | 8 | 1,200.0 | 16 | 1 | - | - |")
}
