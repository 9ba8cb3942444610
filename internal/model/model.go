// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

// package model defines the core data structures shared across Keywarden:
// the desired-state entities read from the store, the resolved grant tuples
// derived from them, and the plan/report types produced by the engine.
package model // import "github.com/toeirei/keywarden/internal/model"

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Host is a managed machine the engine deploys access files to.
type Host struct {
	ID       int
	Name     string
	Hostname string
	Port     int
	Username string
}

// Addr returns the dialable network address for the host, defaulting to
// port 22 when none is configured.
func (h Host) Addr() string {
	port := h.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(h.Hostname, strconv.Itoa(port))
}

// String returns the user@host representation used in logs and reports.
func (h Host) String() string {
	if h.Name != "" && h.Name != h.Hostname {
		return fmt.Sprintf("%s (%s@%s)", h.Name, h.Username, h.Hostname)
	}
	return fmt.Sprintf("%s@%s", h.Username, h.Hostname)
}

// User is a human whose keys may be authorized on hosts. A disabled user
// contributes no keys anywhere, regardless of surviving grant rows.
type User struct {
	ID       int
	Username string
	Enabled  bool
}

// Grant links a user (or, nominally, a group) to a host with an optional
// options payload (forced commands, from-restrictions, ...). Exactly one of
// UserID/GroupID is set; group grants have no membership source and are
// rejected at resolve time.
type Grant struct {
	ID      int
	HostID  int
	UserID  int
	GroupID int
	Options string
}

// Group is a named collection intended for bulk grants. The schema carries
// no membership relation, so grants referencing a group cannot be resolved.
type Group struct {
	ID   int
	Name string
}

// UserKey is a public key owned by exactly one user.
type UserKey struct {
	ID        int
	UserID    int
	Algorithm string
	KeyData   string
	Comment   string
}

// String returns the authorized_keys representation of the key.
func (k UserKey) String() string {
	if k.Comment != "" {
		return fmt.Sprintf("%s %s %s", k.Algorithm, k.KeyData, k.Comment)
	}
	return fmt.Sprintf("%s %s", k.Algorithm, k.KeyData)
}

// HostKey is a public key asserted to belong to a host, used for
// known_hosts generation and transport host-key pinning. A host may carry
// several rows, one per algorithm.
type HostKey struct {
	ID        int
	HostID    int
	Algorithm string
	KeyData   string
}

// ResolvedGrant is one (user, key, options) tuple authorized on a host
// after enablement and validation rules have been applied.
type ResolvedGrant struct {
	Username    string
	Algorithm   string
	KeyData     string
	Comment     string
	Fingerprint string
	Options     string
}

// SkippedKey records a key row dropped during resolution, with the reason.
// Skipping is a per-key warning, never a host-level failure.
type SkippedKey struct {
	Username string
	KeyID    int
	Reason   string
}

// ResolvedGrantSet is the deterministic, deduplicated output of the grant
// resolver for one host. Grants are sorted by username, then fingerprint.
type ResolvedGrantSet struct {
	HostID   int
	HostName string
	Grants   []ResolvedGrant
	Skipped  []SkippedKey
}

// ArtifactKind names the per-host file an artifact converges.
type ArtifactKind string

const (
	ArtifactAuthorizedKeys ArtifactKind = "authorized_keys"
	ArtifactKnownHosts     ArtifactKind = "known_hosts"
)

// PlanAction is the convergence decision for one artifact.
type PlanAction string

const (
	PlanNoOp    PlanAction = "noop"
	PlanReplace PlanAction = "replace"
)

// Plan describes how to converge one artifact on one host. Replace plans
// always carry the full new content; remote files are replaced wholesale.
type Plan struct {
	HostID       int
	Kind         ArtifactKind
	Action       PlanAction
	Content      string
	Fingerprint  string
	LineCount    int
	ManualReview bool
	Reason       string
}

// HostState is the engine-owned record of what was last deployed to a host
// for one artifact kind. It is persisted per host, not cached in-process,
// so orchestrator restarts stay correct.
type HostState struct {
	HostID      int
	Kind        ArtifactKind
	Fingerprint string
	LineCount   int
	DeployedAt  time.Time
}

// Outcome is the terminal state of one host in a fleet run.
type Outcome string

const (
	OutcomeNoOp         Outcome = "noop"
	OutcomeCommitted    Outcome = "committed"
	OutcomeFailed       Outcome = "failed"
	OutcomeManualReview Outcome = "manual_review"
)

// HostReport is the per-host entry in a run report.
type HostReport struct {
	HostID      int       `json:"host_id"`
	HostName    string    `json:"host"`
	Outcome     Outcome   `json:"outcome"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// RunReport aggregates the terminal state of every host in one fleet run.
// A run never aborts as a whole; the report always enumerates every host.
type RunReport struct {
	ID         string       `json:"id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Hosts      []HostReport `json:"hosts"`
}

// Counts returns the number of hosts per outcome.
func (r *RunReport) Counts() map[Outcome]int {
	counts := make(map[Outcome]int, 4)
	for _, h := range r.Hosts {
		counts[h.Outcome]++
	}
	return counts
}

// Failed reports whether any host ended in a failed state.
func (r *RunReport) Failed() bool {
	for _, h := range r.Hosts {
		if h.Outcome == OutcomeFailed {
			return true
		}
	}
	return false
}

// AuditLogEntry is one row of the engine's action trail.
type AuditLogEntry struct {
	ID        int
	Timestamp string
	Action    string
	Details   string
}
