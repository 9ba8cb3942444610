// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/toeirei/keywarden/internal/model"
)

// fakeTransport is an in-memory Transport that records operations and can
// inject failures per step.
type fakeTransport struct {
	mu    sync.Mutex
	files map[string][]byte
	modes map[string]os.FileMode
	ops   []string

	writeErrs   int   // fail this many Write calls, then succeed
	writeErr    error // error injected by writeErrs; defaults to a timeout
	readErr     error
	commitErr   error
	corruptRead bool // Read returns altered bytes
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{files: map[string][]byte{}, modes: map[string]os.FileMode{}}
}

func (f *fakeTransport) record(op string) {
	f.ops = append(f.ops, op)
}

func (f *fakeTransport) Write(_ context.Context, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("write " + path)
	if f.writeErrs > 0 {
		f.writeErrs--
		if f.writeErr != nil {
			return f.writeErr
		}
		return errors.New("dial tcp: i/o timeout")
	}
	f.files[path] = append([]byte(nil), data...)
	return nil
}

func (f *fakeTransport) Read(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("read " + path)
	if f.readErr != nil {
		return nil, f.readErr
	}
	data, ok := f.files[path]
	if !ok {
		return nil, errors.New("file does not exist")
	}
	if f.corruptRead {
		return append([]byte("garbage"), data...), nil
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeTransport) Chmod(_ context.Context, path string, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("chmod " + path)
	f.modes[path] = mode
	return nil
}

func (f *fakeTransport) MkdirAll(_ context.Context, dir string, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("mkdir " + dir)
	f.modes[dir] = mode
	return nil
}

func (f *fakeTransport) AtomicReplace(_ context.Context, tmpPath, finalPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("rename " + tmpPath + " -> " + finalPath)
	if f.commitErr != nil {
		return f.commitErr
	}
	data, ok := f.files[tmpPath]
	if !ok {
		return errors.New("staging file missing")
	}
	f.files[finalPath] = data
	delete(f.files, tmpPath)
	return nil
}

func (f *fakeTransport) Remove(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove " + path)
	delete(f.files, path)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) countOps(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, op := range f.ops {
		if strings.HasPrefix(op, prefix) {
			n++
		}
	}
	return n
}

func replacePlan() model.Plan {
	content := "ssh-ed25519 AAAAfirst alice\n"
	return model.Plan{
		HostID:    1,
		Kind:      model.ArtifactAuthorizedKeys,
		Action:    model.PlanReplace,
		Content:   content,
		LineCount: 1,
	}
}

func TestApply_HappyPath(t *testing.T) {
	ft := newFakeTransport()
	d := &Driver{Retries: 2}

	if err := d.Apply(context.Background(), ft, replacePlan()); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	got, ok := ft.files[AuthorizedKeysPath]
	if !ok {
		t.Fatal("final file was not written")
	}
	if string(got) != replacePlan().Content {
		t.Errorf("unexpected final content: %q", got)
	}
	if ft.modes[remoteSSHDir] != 0700 {
		t.Errorf(".ssh mode = %o, want 0700", ft.modes[remoteSSHDir])
	}
	// No staging debris.
	for path := range ft.files {
		if strings.Contains(path, ".keywarden.") {
			t.Errorf("staging file left behind: %s", path)
		}
	}
}

func TestApply_NoOpDoesNothing(t *testing.T) {
	ft := newFakeTransport()
	d := &Driver{}

	p := replacePlan()
	p.Action = model.PlanNoOp
	if err := d.Apply(context.Background(), ft, p); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(ft.ops) != 0 {
		t.Errorf("noop plan touched the transport: %v", ft.ops)
	}
}

func TestApply_RetriesStaging(t *testing.T) {
	ft := newFakeTransport()
	ft.writeErrs = 2
	d := &Driver{Retries: 3}

	if err := d.Apply(context.Background(), ft, replacePlan()); err != nil {
		t.Fatalf("Apply should survive transient write failures: %v", err)
	}
	if n := ft.countOps("write"); n != 3 {
		t.Errorf("expected 3 write attempts, got %d", n)
	}
}

func TestApply_RetryBudgetExhausted(t *testing.T) {
	ft := newFakeTransport()
	ft.writeErrs = 10
	d := &Driver{Retries: 2}

	if err := d.Apply(context.Background(), ft, replacePlan()); err == nil {
		t.Fatal("expected error after retry budget exhausted")
	}
	if n := ft.countOps("write"); n != 3 {
		t.Errorf("expected 3 write attempts (1 + 2 retries), got %d", n)
	}
	if _, ok := ft.files[AuthorizedKeysPath]; ok {
		t.Error("live file must not be touched on staging failure")
	}
}

func TestApply_NonTransientErrorFailsFast(t *testing.T) {
	ft := newFakeTransport()
	ft.writeErrs = 10
	ft.writeErr = errors.New("permission denied")
	d := &Driver{Retries: 5}

	if err := d.Apply(context.Background(), ft, replacePlan()); err == nil {
		t.Fatal("expected error from permission failure")
	}
	if n := ft.countOps("write"); n != 1 {
		t.Errorf("permission errors must not be retried, got %d write attempts", n)
	}
	if _, ok := ft.files[AuthorizedKeysPath]; ok {
		t.Error("live file must not be touched on staging failure")
	}
}

func TestApply_VerifyMismatchIsFatal(t *testing.T) {
	ft := newFakeTransport()
	ft.corruptRead = true
	d := &Driver{Retries: 5}

	err := d.Apply(context.Background(), ft, replacePlan())
	if !errors.Is(err, ErrVerifyMismatch) {
		t.Fatalf("expected ErrVerifyMismatch, got %v", err)
	}
	if n := ft.countOps("write"); n != 1 {
		t.Errorf("verification mismatch must not be retried, got %d write attempts", n)
	}
	if n := ft.countOps("rename"); n != 0 {
		t.Error("mismatched content must never be committed")
	}
}

func TestApply_CommitNeverRetried(t *testing.T) {
	ft := newFakeTransport()
	ft.commitErr = errors.New("rename rejected")
	d := &Driver{Retries: 5}

	err := d.Apply(context.Background(), ft, replacePlan())
	if !errors.Is(err, ErrCommitFailed) {
		t.Fatalf("expected ErrCommitFailed, got %v", err)
	}
	if n := ft.countOps("rename"); n != 1 {
		t.Errorf("commit must be attempted exactly once, got %d", n)
	}
}

func TestApply_CancelledContext(t *testing.T) {
	ft := newFakeTransport()
	ft.writeErrs = 10
	d := &Driver{Retries: 5, Backoff: 0}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Apply(ctx, ft, replacePlan())
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if _, ok := ft.files[AuthorizedKeysPath]; ok {
		t.Error("cancelled apply must not commit")
	}
}

func TestIsTimeoutError(t *testing.T) {
	if !IsTimeoutError(context.DeadlineExceeded) {
		t.Error("deadline exceeded should classify as timeout")
	}
	if !IsTimeoutError(errors.New("dial tcp: i/o timeout")) {
		t.Error("i/o timeout should classify as timeout")
	}
	if IsTimeoutError(errors.New("permission denied")) {
		t.Error("permission denied is not a timeout")
	}
	if IsTimeoutError(nil) {
		t.Error("nil is not a timeout")
	}
}

func TestIsConnectionRefusedError(t *testing.T) {
	if !IsConnectionRefusedError(errors.New("dial tcp 10.0.0.1:22: connect: connection refused")) {
		t.Error("connection refused should classify")
	}
	if IsConnectionRefusedError(errors.New("i/o timeout")) {
		t.Error("timeout is not a refusal")
	}
}

func TestIsTransientError(t *testing.T) {
	for _, msg := range []string{"dial tcp: i/o timeout", "connect: connection refused", "no route to host"} {
		if !IsTransientError(errors.New(msg)) {
			t.Errorf("%q should classify as transient", msg)
		}
	}
	for _, msg := range []string{"permission denied", "sftp: bad message"} {
		if IsTransientError(errors.New(msg)) {
			t.Errorf("%q must not classify as transient", msg)
		}
	}
}
