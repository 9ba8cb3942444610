// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

// Package buildvars contains variables injected at build time.
package buildvars

// Version is set at link time via `-ldflags -X github.com/toeirei/keywarden/buildvars.Version=...`.
// It will be empty for local or development builds.
var Version string

// VersionOrDefault returns Version if set, otherwise the provided default.
func VersionOrDefault(def string) string {
	if len(Version) > 0 {
		return Version
	}
	return def
}
