// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/toeirei/keywarden/internal/logging"
	"github.com/toeirei/keywarden/internal/model"
)

// Remote artifact locations, relative to the target account's home.
const (
	AuthorizedKeysPath = ".ssh/authorized_keys"
	KnownHostsPath     = ".ssh/known_hosts"
	remoteSSHDir       = ".ssh"
)

// RemotePath returns the deployment target for an artifact kind.
func RemotePath(kind model.ArtifactKind) string {
	if kind == model.ArtifactKnownHosts {
		return KnownHostsPath
	}
	return AuthorizedKeysPath
}

// Driver executes a single plan against an open transport: stage the new
// content under a temporary name, read it back to verify, then atomically
// rename it over the live file. Staging and verification are retried on
// transient transport failures; everything else, and the commit rename,
// is attempted exactly once.
type Driver struct {
	// Retries is the number of additional attempts after the first for the
	// stage and verify steps.
	Retries int
	// Backoff is the pause between retry attempts.
	Backoff time.Duration
}

// Apply converges one artifact on the remote host. A nil error means the
// plan's content is now the live file. ErrVerifyMismatch, ErrCommitFailed
// and non-transient transport errors are terminal; transient errors
// exhausted the retry budget.
func (d *Driver) Apply(ctx context.Context, t Transport, plan model.Plan) error {
	if plan.Action == model.PlanNoOp {
		return nil
	}

	finalPath := RemotePath(plan.Kind)
	stagePath := fmt.Sprintf("%s.keywarden.%d", finalPath, time.Now().UnixNano())
	content := []byte(plan.Content)

	var lastErr error
	for attempt := 0; attempt <= d.Retries; attempt++ {
		if attempt > 0 {
			logging.Debugf("deploy: retrying stage of %s (attempt %d/%d): %v", finalPath, attempt+1, d.Retries+1, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.Backoff):
			}
		}
		lastErr = d.stageAndVerify(ctx, t, stagePath, content)
		if lastErr == nil {
			break
		}
		// A verification mismatch means the transport delivered corrupted
		// bytes; retrying would re-stage the same content against a channel
		// we no longer trust. Surface it and leave the live file alone.
		if lastErr == ErrVerifyMismatch || ctx.Err() != nil {
			d.cleanup(t, stagePath)
			return lastErr
		}
		// Only transient network failures earn another attempt; permission
		// or protocol errors will fail the same way every time.
		if !IsTransientError(lastErr) {
			d.cleanup(t, stagePath)
			return lastErr
		}
	}
	if lastErr != nil {
		d.cleanup(t, stagePath)
		return lastErr
	}

	// Point of no return. The rename either lands fully or leaves the old
	// file in place; either way we do not retry, because a second rename
	// against unknown remote state could clobber a partially moved file.
	if err := t.AtomicReplace(ctx, stagePath, finalPath); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCommitFailed, finalPath, err)
	}
	logging.Debugf("deploy: committed %s (%d lines, fingerprint %s)", finalPath, plan.LineCount, plan.Fingerprint)
	return nil
}

// stageAndVerify writes the content to the staging path and reads it back.
func (d *Driver) stageAndVerify(ctx context.Context, t Transport, stagePath string, content []byte) error {
	if err := t.MkdirAll(ctx, remoteSSHDir, 0700); err != nil {
		return fmt.Errorf("failed to ensure %s: %w", remoteSSHDir, err)
	}
	if err := t.Write(ctx, stagePath, content); err != nil {
		return err
	}
	if err := t.Chmod(ctx, stagePath, 0600); err != nil {
		return err
	}
	readBack, err := t.Read(ctx, stagePath)
	if err != nil {
		return err
	}
	if !bytes.Equal(readBack, content) {
		return ErrVerifyMismatch
	}
	return nil
}

// cleanup removes a leftover staging file. Best effort: a stale staging file
// is harmless, and the host may already be unreachable.
func (d *Driver) cleanup(t Transport, stagePath string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.Remove(ctx, stagePath); err != nil {
		logging.Debugf("deploy: could not remove staging file %s: %v", stagePath, err)
	}
}
