// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/toeirei/keywarden/internal/model"
	"github.com/uptrace/bun"
)

// HostModel maps the `hosts` table for Bun queries.
type HostModel struct {
	bun.BaseModel `bun:"table:hosts"`
	ID            int    `bun:"id,pk,autoincrement"`
	Name          string `bun:"name"`
	Hostname      string `bun:"hostname"`
	Port          int    `bun:"port"`
	Username      string `bun:"username"`
}

// UserModel maps the `users` table.
type UserModel struct {
	bun.BaseModel `bun:"table:users"`
	ID            int    `bun:"id,pk,autoincrement"`
	Username      string `bun:"username"`
	Enabled       bool   `bun:"enabled"`
}

// GroupModel maps the `groups` table.
type GroupModel struct {
	bun.BaseModel `bun:"table:groups"`
	ID            int    `bun:"id,pk,autoincrement"`
	Name          string `bun:"name"`
}

// GrantModel maps the `user_in_host` table.
type GrantModel struct {
	bun.BaseModel `bun:"table:user_in_host"`
	ID            int           `bun:"id,pk,autoincrement"`
	HostID        int           `bun:"host_id"`
	UserID        sql.NullInt64 `bun:"user_id"`
	GroupID       sql.NullInt64 `bun:"group_id"`
	Options       string        `bun:"options"`
}

// UserKeyModel maps the `user_keys` table.
type UserKeyModel struct {
	bun.BaseModel `bun:"table:user_keys"`
	ID            int    `bun:"id,pk,autoincrement"`
	UserID        int    `bun:"user_id"`
	Algorithm     string `bun:"algorithm"`
	KeyData       string `bun:"key_data"`
	Comment       string `bun:"comment"`
}

// HostKeyModel maps the `host_keys` table.
type HostKeyModel struct {
	bun.BaseModel `bun:"table:host_keys"`
	ID            int    `bun:"id,pk,autoincrement"`
	HostID        int    `bun:"host_id"`
	Algorithm     string `bun:"algorithm"`
	KeyData       string `bun:"key_data"`
}

// HostStateModel maps the engine-owned `host_state` table.
type HostStateModel struct {
	bun.BaseModel `bun:"table:host_state"`
	HostID        int       `bun:"host_id,pk"`
	Kind          string    `bun:"kind,pk"`
	Fingerprint   string    `bun:"fingerprint"`
	LineCount     int       `bun:"line_count"`
	DeployedAt    time.Time `bun:"deployed_at"`
}

// LeaseModel maps the `deploy_leases` table.
type LeaseModel struct {
	bun.BaseModel `bun:"table:deploy_leases"`
	HostID        int       `bun:"host_id,pk"`
	Owner         string    `bun:"owner"`
	ExpiresAt     time.Time `bun:"expires_at"`
}

// RunReportModel maps the `run_reports` table; the report body is stored as JSON.
type RunReportModel struct {
	bun.BaseModel `bun:"table:run_reports"`
	ID            string    `bun:"id,pk"`
	StartedAt     time.Time `bun:"started_at"`
	Payload       string    `bun:"payload"`
}

// AuditLogModel maps the `audit_log` table.
type AuditLogModel struct {
	bun.BaseModel `bun:"table:audit_log"`
	ID            int    `bun:"id,pk,autoincrement"`
	Timestamp     string `bun:"timestamp"`
	Action        string `bun:"action"`
	Details       string `bun:"details"`
}

// bunStore implements Store on top of a *bun.DB. The same implementation
// serves all three dialects; bun renders the differences.
type bunStore struct {
	bun *bun.DB
}

var _ Store = (*bunStore)(nil)

func (s *bunStore) Close() error {
	return s.bun.Close()
}

func hostModelToModel(m HostModel) model.Host {
	return model.Host{ID: m.ID, Name: m.Name, Hostname: m.Hostname, Port: m.Port, Username: m.Username}
}

func (s *bunStore) GetAllHosts(ctx context.Context) ([]model.Host, error) {
	var rows []HostModel
	if err := s.bun.NewSelect().Model(&rows).Order("name ASC").Scan(ctx); err != nil {
		return nil, err
	}
	hosts := make([]model.Host, 0, len(rows))
	for _, r := range rows {
		hosts = append(hosts, hostModelToModel(r))
	}
	return hosts, nil
}

func (s *bunStore) GetHostByID(ctx context.Context, id int) (*model.Host, error) {
	var row HostModel
	err := s.bun.NewSelect().Model(&row).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h := hostModelToModel(row)
	return &h, nil
}

func (s *bunStore) GetHostByName(ctx context.Context, name string) (*model.Host, error) {
	var row HostModel
	err := s.bun.NewSelect().Model(&row).Where("name = ?", name).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h := hostModelToModel(row)
	return &h, nil
}

func (s *bunStore) GetGrantsForHost(ctx context.Context, hostID int) ([]model.Grant, error) {
	var rows []GrantModel
	if err := s.bun.NewSelect().Model(&rows).Where("host_id = ?", hostID).Order("id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	grants := make([]model.Grant, 0, len(rows))
	for _, r := range rows {
		grants = append(grants, model.Grant{
			ID:      r.ID,
			HostID:  r.HostID,
			UserID:  int(r.UserID.Int64),
			GroupID: int(r.GroupID.Int64),
			Options: r.Options,
		})
	}
	return grants, nil
}

func (s *bunStore) GetUserByID(ctx context.Context, id int) (*model.User, error) {
	var row UserModel
	err := s.bun.NewSelect().Model(&row).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &model.User{ID: row.ID, Username: row.Username, Enabled: row.Enabled}, nil
}

func userKeyModelToModel(m UserKeyModel) model.UserKey {
	return model.UserKey{ID: m.ID, UserID: m.UserID, Algorithm: m.Algorithm, KeyData: m.KeyData, Comment: m.Comment}
}

func (s *bunStore) GetKeysForUser(ctx context.Context, userID int) ([]model.UserKey, error) {
	var rows []UserKeyModel
	if err := s.bun.NewSelect().Model(&rows).Where("user_id = ?", userID).Order("id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	keys := make([]model.UserKey, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, userKeyModelToModel(r))
	}
	return keys, nil
}

func (s *bunStore) GetAllUserKeys(ctx context.Context) ([]model.UserKey, error) {
	var rows []UserKeyModel
	if err := s.bun.NewSelect().Model(&rows).Order("id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	keys := make([]model.UserKey, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, userKeyModelToModel(r))
	}
	return keys, nil
}

func (s *bunStore) GetHostKeys(ctx context.Context, hostID int) ([]model.HostKey, error) {
	var rows []HostKeyModel
	if err := s.bun.NewSelect().Model(&rows).Where("host_id = ?", hostID).Order("algorithm ASC").Scan(ctx); err != nil {
		return nil, err
	}
	keys := make([]model.HostKey, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, model.HostKey{ID: r.ID, HostID: r.HostID, Algorithm: r.Algorithm, KeyData: r.KeyData})
	}
	return keys, nil
}

func (s *bunStore) AddHostKey(ctx context.Context, hostID int, algorithm, keyData string) error {
	_, err := s.bun.NewInsert().Model(&HostKeyModel{
		HostID:    hostID,
		Algorithm: algorithm,
		KeyData:   keyData,
	}).Exec(ctx)
	return MapDBError(err)
}

func (s *bunStore) GetHostState(ctx context.Context, hostID int, kind model.ArtifactKind) (*model.HostState, error) {
	var row HostStateModel
	err := s.bun.NewSelect().Model(&row).
		Where("host_id = ?", hostID).
		Where("kind = ?", string(kind)).
		Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &model.HostState{
		HostID:      row.HostID,
		Kind:        model.ArtifactKind(row.Kind),
		Fingerprint: row.Fingerprint,
		LineCount:   row.LineCount,
		DeployedAt:  row.DeployedAt,
	}, nil
}

func (s *bunStore) UpsertHostState(ctx context.Context, state model.HostState) error {
	row := HostStateModel{
		HostID:      state.HostID,
		Kind:        string(state.Kind),
		Fingerprint: state.Fingerprint,
		LineCount:   state.LineCount,
		DeployedAt:  state.DeployedAt,
	}
	// Update-then-insert instead of ON CONFLICT so the same code serves all
	// three dialects. The per-host lease already serializes writers.
	res, err := s.bun.NewUpdate().Model(&row).
		Column("fingerprint", "line_count", "deployed_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = s.bun.NewInsert().Model(&row).Exec(ctx)
	return err
}

func (s *bunStore) AcquireLease(ctx context.Context, hostID int, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tx, err := s.bun.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing LeaseModel
	err = tx.NewSelect().Model(&existing).Where("host_id = ?", hostID).Limit(1).Scan(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.NewInsert().Model(&LeaseModel{
			HostID:    hostID,
			Owner:     owner,
			ExpiresAt: now.Add(ttl),
		}).Exec(ctx)
		if err != nil {
			// A concurrent run inserted first; treat as contention.
			if errors.Is(MapDBError(err), ErrDuplicate) {
				return false, nil
			}
			return false, err
		}
	case err != nil:
		return false, err
	default:
		// A live lease held by someone else is contention; stale or own
		// leases are taken over.
		if existing.Owner != owner && existing.ExpiresAt.After(now) {
			return false, nil
		}
		_, err = tx.NewUpdate().Model(&LeaseModel{}).
			Set("owner = ?", owner).
			Set("expires_at = ?", now.Add(ttl)).
			Where("host_id = ?", hostID).
			Exec(ctx)
		if err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *bunStore) ReleaseLease(ctx context.Context, hostID int, owner string) error {
	_, err := s.bun.NewDelete().Model(&LeaseModel{}).
		Where("host_id = ?", hostID).
		Where("owner = ?", owner).
		Exec(ctx)
	return err
}

func (s *bunStore) SaveRunReport(ctx context.Context, report *model.RunReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode run report: %w", err)
	}
	_, err = s.bun.NewInsert().Model(&RunReportModel{
		ID:        report.ID,
		StartedAt: report.StartedAt,
		Payload:   string(payload),
	}).Exec(ctx)
	return MapDBError(err)
}

func decodeRunReport(row RunReportModel) (*model.RunReport, error) {
	var report model.RunReport
	if err := json.Unmarshal([]byte(row.Payload), &report); err != nil {
		return nil, fmt.Errorf("failed to decode run report %s: %w", row.ID, err)
	}
	return &report, nil
}

func (s *bunStore) GetRunReport(ctx context.Context, id string) (*model.RunReport, error) {
	var row RunReportModel
	err := s.bun.NewSelect().Model(&row).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRunReport(row)
}

func (s *bunStore) GetLatestRunReport(ctx context.Context) (*model.RunReport, error) {
	var row RunReportModel
	err := s.bun.NewSelect().Model(&row).Order("started_at DESC").Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRunReport(row)
}

func (s *bunStore) LogAction(ctx context.Context, action, details string) error {
	_, err := s.bun.NewInsert().Model(&AuditLogModel{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Action:    action,
		Details:   details,
	}).Exec(ctx)
	return err
}

func (s *bunStore) GetAuditLog(ctx context.Context, limit int) ([]model.AuditLogEntry, error) {
	var rows []AuditLogModel
	q := s.bun.NewSelect().Model(&rows).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	entries := make([]model.AuditLogEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, model.AuditLogEntry{ID: r.ID, Timestamp: r.Timestamp, Action: r.Action, Details: r.Details})
	}
	return entries, nil
}
