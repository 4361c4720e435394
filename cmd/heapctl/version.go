package main

import (
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/joshuapare/kheap/heap"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const kheapModule = "github.com/joshuapare/kheap"

// VersionInfo is what the version command reports.
type VersionInfo struct {
	Version   string            `json:"version"`
	Commit    string            `json:"commit"`
	Built     string            `json:"built"`
	GoVersion string            `json:"go_version"`
	Platform  string            `json:"platform"`
	Heap      string            `json:"heap_module"`
	Settings  map[string]string `json:"settings,omitempty"`

	DefaultHeapSize uint64 `json:"default_heap_size"`
	PageSize        uint64 `json:"page_size"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVersion()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// versionInfo fills in what the binary knows about itself. Stamped values
// from -ldflags win over the VCS settings recorded by the go tool.
func versionInfo(bi *debug.BuildInfo, ok bool) VersionInfo {
	opts := heap.DefaultOptions()
	info := VersionInfo{
		Version:         version,
		Commit:          commit,
		Built:           date,
		GoVersion:       runtime.Version(),
		Platform:        runtime.GOOS + "/" + runtime.GOARCH,
		Heap:            "unknown",
		DefaultHeapSize: opts.HeapSize,
		PageSize:        opts.PageSize,
	}
	if !ok || bi == nil {
		return info
	}

	info.GoVersion = bi.GoVersion
	for _, dep := range bi.Deps {
		if dep.Path != kheapModule {
			continue
		}
		info.Heap = dep.Version
		if dep.Replace != nil {
			info.Heap = "local " + dep.Replace.Path
		}
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "none" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.Built == "unknown" {
				info.Built = s.Value
			}
		case "vcs.modified", "CGO_ENABLED", "GOARCH", "GOOS", "-race", "-tags":
			if info.Settings == nil {
				info.Settings = make(map[string]string)
			}
			info.Settings[s.Key] = s.Value
		}
	}
	return info
}

func runVersion() error {
	info := versionInfo(debug.ReadBuildInfo())
	if jsonOut {
		return printJSON(info)
	}
	printInfo("heapctl %s\n", info.Version)
	printInfo("  commit: %s\n", info.Commit)
	printInfo("  built: %s\n", info.Built)
	printInfo("  go: %s %s\n", info.GoVersion, info.Platform)
	printInfo("  kheap: %s\n", info.Heap)
	printInfo("  default heap: %d bytes, %d-byte pages\n", info.DefaultHeapSize, info.PageSize)
	if info.Settings["vcs.modified"] == "true" {
		printInfo("  working tree was modified\n")
	}
	return nil
}
