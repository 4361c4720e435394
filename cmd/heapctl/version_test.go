package main

import (
	"encoding/json"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kheap/heap"
)

func Test_Version_WithoutBuildInfo(t *testing.T) {
	info := versionInfo(nil, false)
	assert.Equal(t, version, info.Version)
	assert.Equal(t, "unknown", info.Heap)
	assert.Equal(t, heap.DefaultHeapSize, info.DefaultHeapSize)
	assert.Nil(t, info.Settings)
}

func Test_Version_ReadsBuildSettings(t *testing.T) {
	bi := &debug.BuildInfo{
		GoVersion: "go1.25.3",
		Deps: []*debug.Module{
			{Path: "github.com/spf13/cobra", Version: "v1.10.1"},
			{Path: kheapModule, Version: "v0.0.0", Replace: &debug.Module{Path: "../../"}},
		},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abc123"},
			{Key: "vcs.time", Value: "2026-10-01T10:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
			{Key: "-race", Value: "true"},
			{Key: "-ldflags", Value: "-s"},
		},
	}

	info := versionInfo(bi, true)
	assert.Equal(t, "go1.25.3", info.GoVersion)
	assert.Equal(t, "local ../../", info.Heap)
	assert.Equal(t, "abc123", info.Commit)
	assert.Equal(t, "2026-10-01T10:00:00Z", info.Built)
	assert.Equal(t, map[string]string{"vcs.modified": "true", "-race": "true"}, info.Settings)
}

func Test_Version_StampedValuesWin(t *testing.T) {
	saved := commit
	commit = "release"
	t.Cleanup(func() { commit = saved })

	info := versionInfo(&debug.BuildInfo{Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "abc"}}}, true)
	assert.Equal(t, "release", info.Commit)
}

func Test_Version_JSONOutput(t *testing.T) {
	resetFlags(t)
	jsonOut = true

	out, err := captureOutput(t, runVersion)
	require.NoError(t, err)

	var info VersionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, version, info.Version)
	assert.NotZero(t, info.PageSize)
}
