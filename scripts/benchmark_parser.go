// Command benchmark_parser turns go test -bench output for the heap into a
// markdown report, optionally comparing it with a baseline run.
//
//	go test -run '^$' -bench . ./heap/... > new.txt
//	go run ./scripts -input new.txt -base old.txt -output report.md
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// BenchmarkResult represents a parsed benchmark result.
type BenchmarkResult struct {
	Name        string // without the -procs suffix
	Component   string // Heap, Cache, ... from Benchmark_<Component>_<Case>
	Case        string
	Procs       int
	Iterations  int
	NsPerOp     float64
	BytesPerOp  int64
	AllocsPerOp int64
}

// ComparisonResult pairs a benchmark with its baseline.
type ComparisonResult struct {
	Current  BenchmarkResult
	Baseline *BenchmarkResult
	Speedup  float64 // baseline ns/op over current ns/op
}

var (
	inputFile  = flag.String("input", "", "Input file with benchmark output (stdin if not specified)")
	baseFile   = flag.String("base", "", "Baseline benchmark output to compare against")
	outputFile = flag.String("output", "", "Output markdown file (stdout if not specified)")
	quiet      = flag.Bool("quiet", false, "Suppress progress output")
)

var benchmarkRegex = regexp.MustCompile(
	`^(Benchmark\S+?)(?:-(\d+))?\s+(\d+)\s+([\d.]+)\s+ns/op(?:\s+(\d+)\s+B/op)?(?:\s+(\d+)\s+allocs/op)?`,
)

func main() {
	flag.Parse()

	current, err := parseFile(*inputFile, os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}
	var baseline []BenchmarkResult
	if *baseFile != "" {
		if baseline, err = parseFile(*baseFile, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading baseline: %v\n", err)
			os.Exit(1)
		}
	}
	if !*quiet {
		fmt.Fprintf(os.Stderr, "Parsed %d results, %d baseline results\n", len(current), len(baseline))
	}

	report := generateMarkdownReport(compare(current, baseline), time.Now())

	if *outputFile == "" {
		fmt.Fprint(os.Stdout, report)
		return
	}
	if err := os.WriteFile(*outputFile, []byte(report), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output file: %v\n", err)
		os.Exit(1)
	}
	if !*quiet {
		fmt.Fprintf(os.Stderr, "Report written to %s\n", *outputFile)
	}
}

func parseFile(path string, fallback io.Reader) ([]BenchmarkResult, error) {
	if path == "" {
		return parseBenchmarks(fallback), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseBenchmarks(f), nil
}

// parseBenchmarks reads plain or -json go test output.
func parseBenchmarks(r io.Reader) []BenchmarkResult {
	var results []BenchmarkResult
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := scanner.Text()

		var event struct{ Output string }
		if err := json.Unmarshal([]byte(line), &event); err == nil && event.Output != "" {
			line = event.Output
		}

		m := benchmarkRegex.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}

		res := BenchmarkResult{Name: m[1], Procs: 1}
		res.Component, res.Case = splitName(m[1])
		if m[2] != "" {
			res.Procs, _ = strconv.Atoi(m[2])
		}
		res.Iterations, _ = strconv.Atoi(m[3])
		res.NsPerOp, _ = strconv.ParseFloat(m[4], 64)
		if m[5] != "" {
			res.BytesPerOp, _ = strconv.ParseInt(m[5], 10, 64)
		}
		if m[6] != "" {
			res.AllocsPerOp, _ = strconv.ParseInt(m[6], 10, 64)
		}
		results = append(results, res)
	}
	return results
}

// splitName splits Benchmark_Heap_AllocFree_Page into "Heap" and
// "AllocFree_Page". Names without underscores land in component "Other".
func splitName(name string) (string, string) {
	rest := strings.TrimPrefix(strings.TrimPrefix(name, "Benchmark"), "_")
	component, c, ok := strings.Cut(rest, "_")
	if !ok {
		return "Other", rest
	}
	return component, c
}

func compare(current, baseline []BenchmarkResult) []ComparisonResult {
	base := make(map[string]BenchmarkResult, len(baseline))
	for _, b := range baseline {
		base[b.Name] = b
	}

	comparisons := make([]ComparisonResult, 0, len(current))
	for _, cur := range current {
		cmp := ComparisonResult{Current: cur}
		if b, ok := base[cur.Name]; ok {
			cmp.Baseline = &b
			if cur.NsPerOp > 0 {
				cmp.Speedup = b.NsPerOp / cur.NsPerOp
			}
		}
		comparisons = append(comparisons, cmp)
	}

	sort.SliceStable(comparisons, func(i, j int) bool {
		a, b := comparisons[i].Current, comparisons[j].Current
		if a.Component != b.Component {
			return a.Component < b.Component
		}
		return a.Case < b.Case
	})
	return comparisons
}

func generateMarkdownReport(comparisons []ComparisonResult, now time.Time) string {
	p := message.NewPrinter(language.English)
	var sb strings.Builder

	sb.WriteString("# Benchmark Report\n\n")
	p.Fprintf(&sb, "Generated: %s\n\n", now.Format("2006-01-02 15:04:05"))

	faster, slower, compared := 0, 0, 0
	for _, c := range comparisons {
		if c.Baseline == nil {
			continue
		}
		compared++
		switch {
		case c.Speedup > 1.05:
			faster++
		case c.Speedup < 0.95:
			slower++
		}
	}

	sb.WriteString("## Summary\n\n")
	p.Fprintf(&sb, "- **Benchmarks**: %d\n", len(comparisons))
	if compared > 0 {
		p.Fprintf(&sb, "- **Compared with baseline**: %d\n", compared)
		p.Fprintf(&sb, "  - faster by more than 5%%: %d\n", faster)
		p.Fprintf(&sb, "  - slower by more than 5%%: %d\n", slower)
	}
	sb.WriteString("\n")

	component := ""
	for _, c := range comparisons {
		cur := c.Current
		if cur.Component != component {
			component = cur.Component
			p.Fprintf(&sb, "## %s\n\n", component)
			sb.WriteString("| Case | Procs | ns/op | B/op | allocs/op | Baseline ns/op | Speedup |\n")
			sb.WriteString("|------|------:|------:|-----:|----------:|---------------:|--------:|\n")
		}
		base, speedup := "-", "-"
		if c.Baseline != nil {
			base = p.Sprintf("%.1f", c.Baseline.NsPerOp)
			speedup = p.Sprintf("%.2fx", c.Speedup)
		}
		p.Fprintf(&sb, "| %s | %d | %.1f | %d | %d | %s | %s |\n",
			cur.Case, cur.Procs, cur.NsPerOp, cur.BytesPerOp, cur.AllocsPerOp, base, speedup)
	}
	return sb.String()
}
