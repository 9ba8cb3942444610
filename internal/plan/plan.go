// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

// package plan diffs a compiled artifact against the last-deployed state of
// a host and decides whether anything needs to happen. Plans are wholesale:
// a Replace always carries the full new content, never a line-level patch.
package plan // import "github.com/toeirei/keywarden/internal/plan"

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/toeirei/keywarden/internal/compile"
	"github.com/toeirei/keywarden/internal/model"
)

// Fingerprint returns the content hash used to detect artifact changes.
func Fingerprint(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Planner builds convergence plans. MinSurvivingLines is the lockout
// threshold: replacing a previously populated authorized_keys file with
// fewer surviving lines than this is escalated to manual review instead of
// auto-applied.
type Planner struct {
	MinSurvivingLines int
}

// Build compares the compiled content against the last-deployed state and
// returns the plan for one artifact on one host. last may be nil when the
// host has never been deployed.
func (p Planner) Build(hostID int, kind model.ArtifactKind, content string, last *model.HostState) model.Plan {
	fingerprint := Fingerprint(content)
	lineCount := compile.LineCount(content)

	out := model.Plan{
		HostID:      hostID,
		Kind:        kind,
		Content:     content,
		Fingerprint: fingerprint,
		LineCount:   lineCount,
	}

	if last != nil && last.Fingerprint == fingerprint {
		out.Action = model.PlanNoOp
		return out
	}

	out.Action = model.PlanReplace

	// Lockout guard: never auto-shrink an authorized_keys file that had
	// access lines below the review threshold. Availability of access
	// beats strict convergence.
	min := p.MinSurvivingLines
	if min <= 0 {
		min = 1
	}
	if kind == model.ArtifactAuthorizedKeys && last != nil && last.LineCount > 0 && lineCount < min {
		out.ManualReview = true
		out.Reason = fmt.Sprintf("replace would shrink authorized_keys from %d to %d lines (threshold %d)", last.LineCount, lineCount, min)
	}

	return out
}
