package version

import (
	"runtime/debug"
	"testing"
)

func TestResolveFallsBackToBuildInfo(t *testing.T) {
	old := readBuildInfo
	t.Cleanup(func() { readBuildInfo = old })
	readBuildInfo = func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			GoVersion: "go1.26.0",
			Main:      debug.Module{Version: "v0.3.1"},
			Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "0123456789abcdef0123"},
				{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			},
		}, true
	}

	info := Resolve()
	if info.Version != "v0.3.1" || info.Commit != "0123456789abcdef0123" || info.BuildTime != "2026-01-02T03:04:05Z" || info.GoVersion != "go1.26.0" {
		t.Fatalf("Resolve() = %+v", info)
	}
	if got, want := String(), "v0.3.1 (0123456789ab)"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestResolveWithoutBuildInfo(t *testing.T) {
	old := readBuildInfo
	t.Cleanup(func() { readBuildInfo = old })
	readBuildInfo = func() (*debug.BuildInfo, bool) { return nil, false }

	info := Resolve()
	if info.Version == "" || info.Commit != "" {
		t.Fatalf("Resolve() = %+v", info)
	}
}
