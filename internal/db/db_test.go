// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/toeirei/keywarden/internal/model"
)

func TestMapDBError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"mysql duplicate", errors.New("Error 1062: Duplicate entry"), ErrDuplicate},
		{"postgres unique", errors.New("ERROR: duplicate key value violates unique constraint (SQLSTATE 23505)"), ErrDuplicate},
		{"sqlite unique", errors.New("constraint failed: UNIQUE constraint failed: user_keys.key_data"), ErrDuplicate},
		{"unrelated", errors.New("connection refused"), errors.New("connection refused")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapDBError(tt.in)
			if tt.want == nil {
				if got != nil {
					t.Fatalf("MapDBError(nil) = %v", got)
				}
				return
			}
			if errors.Is(tt.want, ErrDuplicate) {
				if !errors.Is(got, ErrDuplicate) {
					t.Fatalf("expected ErrDuplicate, got %v", got)
				}
				return
			}
			if got == nil || got.Error() != tt.want.Error() {
				t.Fatalf("MapDBError passthrough broken: %v", got)
			}
		})
	}
}

func TestSplitStatements(t *testing.T) {
	script := `
CREATE TABLE a (id INTEGER);

CREATE TABLE b (id INTEGER);
`
	stmts := splitStatements(script)
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %v", len(stmts), stmts)
	}
	for _, s := range stmts {
		if s == "" || s[len(s)-1] == ';' {
			t.Errorf("statement not trimmed: %q", s)
		}
	}
	if got := splitStatements("  ;; \n ;"); len(got) != 0 {
		t.Errorf("empty script yielded statements: %v", got)
	}
}

func TestFakeStore_LeaseLifecycle(t *testing.T) {
	st := NewFakeStore()
	ctx := context.Background()

	ok, err := st.AcquireLease(ctx, 1, "run-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	// Same owner may re-acquire.
	if ok, _ := st.AcquireLease(ctx, 1, "run-a", time.Minute); !ok {
		t.Error("same owner should re-acquire its lease")
	}

	// Different owner is refused while the lease is live.
	if ok, _ := st.AcquireLease(ctx, 1, "run-b", time.Minute); ok {
		t.Error("live lease must not be taken by another owner")
	}

	// Release by a non-owner is a no-op.
	if err := st.ReleaseLease(ctx, 1, "run-b"); err != nil {
		t.Fatalf("foreign release errored: %v", err)
	}
	if ok, _ := st.AcquireLease(ctx, 1, "run-b", time.Minute); ok {
		t.Error("foreign release must not free the lease")
	}

	// Release by the owner frees it.
	if err := st.ReleaseLease(ctx, 1, "run-a"); err != nil {
		t.Fatalf("release errored: %v", err)
	}
	if ok, _ := st.AcquireLease(ctx, 1, "run-b", time.Minute); !ok {
		t.Error("released lease should be acquirable")
	}
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	src := NewFakeStore()
	src.Hosts = []model.Host{{ID: 1, Name: "web-1", Hostname: "web1.example.com", Username: "deploy"}}
	src.Users = []model.User{{ID: 10, Username: "alice", Enabled: true}}
	src.UserKeys = []model.UserKey{{ID: 1, UserID: 10, Algorithm: "ssh-ed25519", KeyData: "AAAAtest"}}
	src.States["1/authorized_keys"] = model.HostState{
		HostID: 1, Kind: model.ArtifactAuthorizedKeys, Fingerprint: "fp", LineCount: 1, DeployedAt: time.Now().UTC(),
	}

	var buf bytes.Buffer
	if err := Backup(context.Background(), src, &buf); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("backup produced no bytes")
	}

	dst := NewFakeStore()
	if err := Restore(context.Background(), dst, &buf); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if len(dst.Hosts) != 1 || dst.Hosts[0].Name != "web-1" {
		t.Errorf("hosts not restored: %+v", dst.Hosts)
	}
	if len(dst.Users) != 1 || len(dst.UserKeys) != 1 {
		t.Errorf("users/keys not restored: %+v %+v", dst.Users, dst.UserKeys)
	}
	if st, ok := dst.States["1/authorized_keys"]; !ok || st.Fingerprint != "fp" {
		t.Errorf("host state not restored: %+v", dst.States)
	}
}

func TestBackupRestore_GarbageInput(t *testing.T) {
	st := NewFakeStore()
	if err := Restore(context.Background(), st, bytes.NewReader([]byte("not a snapshot"))); err == nil {
		t.Fatal("expected error for garbage input")
	}
}
