// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/toeirei/keywarden/internal/model"
)

// Backup writes a zstd-compressed JSON snapshot of the store to w.
func Backup(ctx context.Context, st Store, w io.Writer) error {
	data, err := st.ExportSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("export snapshot: %w", err)
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer func() { _ = zw.Close() }()
	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return zw.Close()
}

// Restore reads a zstd-compressed JSON snapshot and imports it into the store.
func Restore(ctx context.Context, st Store, r io.Reader) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()
	var data model.Snapshot
	if err := json.NewDecoder(zr).Decode(&data); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return st.ImportSnapshot(ctx, &data)
}

func (s *bunStore) ExportSnapshot(ctx context.Context) (*model.Snapshot, error) {
	snap := &model.Snapshot{}

	var err error
	if snap.Hosts, err = s.GetAllHosts(ctx); err != nil {
		return nil, err
	}

	var userRows []UserModel
	if err := s.bun.NewSelect().Model(&userRows).Order("id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	for _, r := range userRows {
		snap.Users = append(snap.Users, model.User{ID: r.ID, Username: r.Username, Enabled: r.Enabled})
	}

	var groupRows []GroupModel
	if err := s.bun.NewSelect().Model(&groupRows).Order("id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	for _, r := range groupRows {
		snap.Groups = append(snap.Groups, model.Group{ID: r.ID, Name: r.Name})
	}

	var grantRows []GrantModel
	if err := s.bun.NewSelect().Model(&grantRows).Order("id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	for _, r := range grantRows {
		snap.Grants = append(snap.Grants, model.Grant{
			ID: r.ID, HostID: r.HostID,
			UserID: int(r.UserID.Int64), GroupID: int(r.GroupID.Int64),
			Options: r.Options,
		})
	}

	if snap.UserKeys, err = s.GetAllUserKeys(ctx); err != nil {
		return nil, err
	}

	var hostKeyRows []HostKeyModel
	if err := s.bun.NewSelect().Model(&hostKeyRows).Order("id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	for _, r := range hostKeyRows {
		snap.HostKeys = append(snap.HostKeys, model.HostKey{ID: r.ID, HostID: r.HostID, Algorithm: r.Algorithm, KeyData: r.KeyData})
	}

	var stateRows []HostStateModel
	if err := s.bun.NewSelect().Model(&stateRows).Scan(ctx); err != nil {
		return nil, err
	}
	for _, r := range stateRows {
		snap.HostState = append(snap.HostState, model.HostState{
			HostID: r.HostID, Kind: model.ArtifactKind(r.Kind),
			Fingerprint: r.Fingerprint, LineCount: r.LineCount, DeployedAt: r.DeployedAt,
		})
	}

	if snap.AuditLog, err = s.GetAuditLog(ctx, 0); err != nil {
		return nil, err
	}

	return snap, nil
}

func (s *bunStore) ImportSnapshot(ctx context.Context, snap *model.Snapshot) error {
	tx, err := s.bun.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Restore is wholesale: clear engine and desired-state tables first.
	// DELETE instead of TRUNCATE: SQLite has no TRUNCATE, and bun quotes the
	// identifiers per dialect ("groups" is reserved in MySQL).
	for _, table := range []string{"audit_log", "host_state", "deploy_leases", "user_keys", "host_keys", "user_in_host", "groups", "users", "hosts"} {
		if _, err := tx.NewDelete().Table(table).Where("1 = 1").Exec(ctx); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, h := range snap.Hosts {
		row := HostModel{ID: h.ID, Name: h.Name, Hostname: h.Hostname, Port: h.Port, Username: h.Username}
		if _, err := tx.NewInsert().Model(&row).Exec(ctx); err != nil {
			return fmt.Errorf("restore host %s: %w", h.Name, err)
		}
	}
	for _, u := range snap.Users {
		row := UserModel{ID: u.ID, Username: u.Username, Enabled: u.Enabled}
		if _, err := tx.NewInsert().Model(&row).Exec(ctx); err != nil {
			return fmt.Errorf("restore user %s: %w", u.Username, err)
		}
	}
	for _, g := range snap.Groups {
		row := GroupModel{ID: g.ID, Name: g.Name}
		if _, err := tx.NewInsert().Model(&row).Exec(ctx); err != nil {
			return fmt.Errorf("restore group %s: %w", g.Name, err)
		}
	}
	for _, g := range snap.Grants {
		row := GrantModel{ID: g.ID, HostID: g.HostID, Options: g.Options}
		if g.UserID != 0 {
			row.UserID = sql.NullInt64{Int64: int64(g.UserID), Valid: true}
		}
		if g.GroupID != 0 {
			row.GroupID = sql.NullInt64{Int64: int64(g.GroupID), Valid: true}
		}
		if _, err := tx.NewInsert().Model(&row).Exec(ctx); err != nil {
			return fmt.Errorf("restore grant %d: %w", g.ID, err)
		}
	}
	for _, k := range snap.UserKeys {
		row := UserKeyModel{ID: k.ID, UserID: k.UserID, Algorithm: k.Algorithm, KeyData: k.KeyData, Comment: k.Comment}
		if _, err := tx.NewInsert().Model(&row).Exec(ctx); err != nil {
			return fmt.Errorf("restore user key %d: %w", k.ID, err)
		}
	}
	for _, k := range snap.HostKeys {
		row := HostKeyModel{ID: k.ID, HostID: k.HostID, Algorithm: k.Algorithm, KeyData: k.KeyData}
		if _, err := tx.NewInsert().Model(&row).Exec(ctx); err != nil {
			return fmt.Errorf("restore host key %d: %w", k.ID, err)
		}
	}
	for _, st := range snap.HostState {
		row := HostStateModel{HostID: st.HostID, Kind: string(st.Kind), Fingerprint: st.Fingerprint, LineCount: st.LineCount, DeployedAt: st.DeployedAt}
		if _, err := tx.NewInsert().Model(&row).Exec(ctx); err != nil {
			return fmt.Errorf("restore host state %d/%s: %w", st.HostID, st.Kind, err)
		}
	}
	for _, e := range snap.AuditLog {
		row := AuditLogModel{ID: e.ID, Timestamp: e.Timestamp, Action: e.Action, Details: e.Details}
		if _, err := tx.NewInsert().Model(&row).Exec(ctx); err != nil {
			return fmt.Errorf("restore audit entry %d: %w", e.ID, err)
		}
	}

	return tx.Commit()
}
