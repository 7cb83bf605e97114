// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package version holds the build metadata stamped in with -ldflags -X.
package version

import (
	"fmt"
	"runtime"
)

var (
	version   = "unknown"
	commit    = "unknown"
	buildDate = "unknown"
)

func Version() string   { return version }
func Commit() string    { return commit }
func BuildDate() string { return buildDate }

// String is the one-line banner printed by -version.
func String() string {
	return fmt.Sprintf("nutanix-prometheus-exporter %s (commit %s, built %s, %s/%s)",
		version, commit, buildDate, runtime.GOOS, runtime.GOARCH)
}
