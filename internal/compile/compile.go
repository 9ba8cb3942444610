// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

// package compile renders resolved grant sets into the exact text of the
// per-host access files. Compilation is pure and deterministic: the same
// resolved input always yields byte-identical output, and every non-empty
// artifact ends with a trailing newline.
package compile // import "github.com/toeirei/keywarden/internal/compile"

import (
	"fmt"
	"strings"

	"github.com/toeirei/keywarden/internal/model"
)

// AuthorizedKeys renders a resolved grant set as authorized_keys content.
// Line format: `[options] keytype base64 [comment]`; empty options omit the
// prefix entirely. An empty set compiles to an empty artifact.
func AuthorizedKeys(set *model.ResolvedGrantSet) string {
	var b strings.Builder
	for _, g := range set.Grants {
		if g.Options != "" {
			b.WriteString(g.Options)
			b.WriteString(" ")
		}
		b.WriteString(g.Algorithm)
		b.WriteString(" ")
		b.WriteString(g.KeyData)
		if g.Comment != "" {
			b.WriteString(" ")
			b.WriteString(g.Comment)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// KnownHosts renders a host's trusted host keys as a known_hosts fragment,
// one line per key row. A host with zero host keys compiles to an empty but
// valid artifact; whether an empty trust store is acceptable is the
// deployment driver's call, not the compiler's.
func KnownHosts(host model.Host, keys []model.HostKey) string {
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(knownHostsPattern(host))
		b.WriteString(" ")
		b.WriteString(k.Algorithm)
		b.WriteString(" ")
		b.WriteString(k.KeyData)
		b.WriteString("\n")
	}
	return b.String()
}

// knownHostsPattern returns the host pattern for a known_hosts line: the
// hostname, prefixed by the display name as an alias when it differs, in
// bracketed form when the port is non-standard.
func knownHostsPattern(host model.Host) string {
	hostname := host.Hostname
	if host.Port != 0 && host.Port != 22 {
		hostname = fmt.Sprintf("[%s]:%d", host.Hostname, host.Port)
	}
	if host.Name != "" && host.Name != host.Hostname {
		return host.Name + "," + hostname
	}
	return hostname
}

// LineCount returns the number of non-empty lines in an artifact. The
// convergence planner uses it for the lockout guard.
func LineCount(content string) int {
	count := 0
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}
