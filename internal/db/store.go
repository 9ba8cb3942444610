// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"time"

	"github.com/toeirei/keywarden/internal/model"
)

// Store defines all database operations used by the engine. The desired
// state side is strictly read-only; the engine only writes its own derived
// records (host state, leases, reports, audit trail). Lookup methods return
// (nil, nil) when the row does not exist.
type Store interface {
	// Desired state (read-only).
	GetAllHosts(ctx context.Context) ([]model.Host, error)
	GetHostByID(ctx context.Context, id int) (*model.Host, error)
	GetHostByName(ctx context.Context, name string) (*model.Host, error)
	GetGrantsForHost(ctx context.Context, hostID int) ([]model.Grant, error)
	GetUserByID(ctx context.Context, id int) (*model.User, error)
	GetKeysForUser(ctx context.Context, userID int) ([]model.UserKey, error)
	GetAllUserKeys(ctx context.Context) ([]model.UserKey, error)
	GetHostKeys(ctx context.Context, hostID int) ([]model.HostKey, error)

	// Host key bootstrap (operator action via trust-host).
	AddHostKey(ctx context.Context, hostID int, algorithm, keyData string) error

	// Engine-owned deployment state.
	GetHostState(ctx context.Context, hostID int, kind model.ArtifactKind) (*model.HostState, error)
	UpsertHostState(ctx context.Context, state model.HostState) error

	// Per-host deployment leases. Acquire returns false on contention with
	// a live lease; expired leases are taken over.
	AcquireLease(ctx context.Context, hostID int, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, hostID int, owner string) error

	// Run reports.
	SaveRunReport(ctx context.Context, report *model.RunReport) error
	GetRunReport(ctx context.Context, id string) (*model.RunReport, error)
	GetLatestRunReport(ctx context.Context) (*model.RunReport, error)

	// Audit trail.
	LogAction(ctx context.Context, action, details string) error
	GetAuditLog(ctx context.Context, limit int) ([]model.AuditLogEntry, error)

	// Snapshot backup/restore.
	ExportSnapshot(ctx context.Context) (*model.Snapshot, error)
	ImportSnapshot(ctx context.Context, snap *model.Snapshot) error

	Close() error
}
