/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version provides build version information.
package version

import "fmt"

// Version is the current version of Munin Collect.
// Set at build time via ldflags:
//
//	-X github.com/friendsincode/munin_collect/internal/version.Version=X.Y.Z
var Version = "0.3.0"

// Commit is the git commit the binary was built from, set via ldflags.
var Commit = "unknown"

// String returns a human-readable version line.
func String() string {
	return fmt.Sprintf("munincollect %s (%s)", Version, Commit)
}
