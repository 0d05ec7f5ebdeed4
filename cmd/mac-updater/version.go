package main

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version information - injected at build time via ldflags
var (
	Version   = "dev"
	Build     = "unknown"
	BuildTime = ""
)

// versionString describes the running binary for the debug log.
func versionString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "mac-updater version %s", Version)

	if Build != "unknown" && Build != "" {
		fmt.Fprintf(&b, " (build: %s)", Build)
	}
	if BuildTime != "" {
		fmt.Fprintf(&b, " [%s]", BuildTime)
	}

	fmt.Fprintf(&b, " %s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)

	if Version == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" && len(setting.Value) > 7 {
					fmt.Fprintf(&b, " commit %s", setting.Value[:7])
					break
				}
			}
		}
	}
	return b.String()
}
