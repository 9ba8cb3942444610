// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

// package deploy applies convergence plans to live hosts through an
// injected transport. Every remote operation carries a deadline; staging
// and verification failures are retried, commits are not.
package deploy // import "github.com/toeirei/keywarden/internal/deploy"

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/toeirei/keywarden/internal/model"
)

// Transport is the file-level remote access abstraction the driver writes
// through. Implementations must honor context cancellation and deadlines on
// every call.
type Transport interface {
	// Write creates or truncates path with the given content.
	Write(ctx context.Context, path string, data []byte) error
	// Read returns the full content of path.
	Read(ctx context.Context, path string) ([]byte, error)
	// Chmod sets the permission bits on path.
	Chmod(ctx context.Context, path string, mode os.FileMode) error
	// MkdirAll creates dir and any missing parents with the given mode.
	// Existing directories are left untouched.
	MkdirAll(ctx context.Context, dir string, mode os.FileMode) error
	// AtomicReplace renames tmpPath over finalPath in one step.
	AtomicReplace(ctx context.Context, tmpPath, finalPath string) error
	// Remove deletes path; used for best-effort cleanup of staging files.
	Remove(ctx context.Context, path string) error
	Close() error
}

// Dialer opens a Transport to a host, verifying the host's identity against
// its trusted host keys.
type Dialer interface {
	Dial(ctx context.Context, host model.Host, hostKeys []model.HostKey) (Transport, error)
}

// Driver-level failure classes. The fleet orchestrator maps these onto
// per-host outcomes.
var (
	// ErrVerifyMismatch means the staged file read back differently than
	// written; the live file was not touched.
	ErrVerifyMismatch = errors.New("staged content verification mismatch")
	// ErrCommitFailed wraps a failure during the atomic replace step. It is
	// never retried in-process; the next run starts from a fresh plan.
	ErrCommitFailed = errors.New("commit failed")
)

// IsTimeoutError reports whether err looks like a network timeout.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "i/o timeout")
}

// IsConnectionRefusedError reports whether err looks like an unreachable host.
func IsConnectionRefusedError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "no route to host")
}

// IsTransientError reports whether err is worth another attempt. Timeouts
// and unreachable hosts come and go; anything else (permission denied,
// protocol errors, a dead session) fails identically on the next try.
func IsTransientError(err error) bool {
	return IsTimeoutError(err) || IsConnectionRefusedError(err)
}
