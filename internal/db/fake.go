// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/toeirei/keywarden/internal/model"
)

// FakeStore is an in-memory Store for tests. Seed the exported slices
// directly; engine-owned state is managed through the interface methods.
type FakeStore struct {
	mu sync.Mutex

	Hosts    []model.Host
	Users    []model.User
	Groups   []model.Group
	Grants   []model.Grant
	UserKeys []model.UserKey
	HostKeys []model.HostKey

	States  map[string]model.HostState
	Leases  map[int]fakeLease
	Reports []*model.RunReport
	Audit   []model.AuditLogEntry

	// Err, when set, is returned by every method; used to test error paths.
	Err error
}

type fakeLease struct {
	owner     string
	expiresAt time.Time
}

var _ Store = (*FakeStore)(nil)

// NewFakeStore returns an empty in-memory store.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		States: make(map[string]model.HostState),
		Leases: make(map[int]fakeLease),
	}
}

func stateKey(hostID int, kind model.ArtifactKind) string {
	return fmt.Sprintf("%d/%s", hostID, kind)
}

func (f *FakeStore) Close() error { return nil }

func (f *FakeStore) GetAllHosts(ctx context.Context) ([]model.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	hosts := append([]model.Host(nil), f.Hosts...)
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
	return hosts, nil
}

func (f *FakeStore) GetHostByID(ctx context.Context, id int) (*model.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	for _, h := range f.Hosts {
		if h.ID == id {
			host := h
			return &host, nil
		}
	}
	return nil, nil
}

func (f *FakeStore) GetHostByName(ctx context.Context, name string) (*model.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	for _, h := range f.Hosts {
		if h.Name == name {
			host := h
			return &host, nil
		}
	}
	return nil, nil
}

func (f *FakeStore) GetGrantsForHost(ctx context.Context, hostID int) ([]model.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var grants []model.Grant
	for _, g := range f.Grants {
		if g.HostID == hostID {
			grants = append(grants, g)
		}
	}
	return grants, nil
}

func (f *FakeStore) GetUserByID(ctx context.Context, id int) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	for _, u := range f.Users {
		if u.ID == id {
			user := u
			return &user, nil
		}
	}
	return nil, nil
}

func (f *FakeStore) GetKeysForUser(ctx context.Context, userID int) ([]model.UserKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var keys []model.UserKey
	for _, k := range f.UserKeys {
		if k.UserID == userID {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *FakeStore) GetAllUserKeys(ctx context.Context) ([]model.UserKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return append([]model.UserKey(nil), f.UserKeys...), nil
}

func (f *FakeStore) GetHostKeys(ctx context.Context, hostID int) ([]model.HostKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var keys []model.HostKey
	for _, k := range f.HostKeys {
		if k.HostID == hostID {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Algorithm < keys[j].Algorithm })
	return keys, nil
}

func (f *FakeStore) AddHostKey(ctx context.Context, hostID int, algorithm, keyData string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.HostKeys = append(f.HostKeys, model.HostKey{
		ID:        len(f.HostKeys) + 1,
		HostID:    hostID,
		Algorithm: algorithm,
		KeyData:   keyData,
	})
	return nil
}

func (f *FakeStore) GetHostState(ctx context.Context, hostID int, kind model.ArtifactKind) (*model.HostState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if st, ok := f.States[stateKey(hostID, kind)]; ok {
		state := st
		return &state, nil
	}
	return nil, nil
}

func (f *FakeStore) UpsertHostState(ctx context.Context, state model.HostState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.States[stateKey(state.HostID, state.Kind)] = state
	return nil
}

func (f *FakeStore) AcquireLease(ctx context.Context, hostID int, owner string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return false, f.Err
	}
	now := time.Now()
	if lease, ok := f.Leases[hostID]; ok && lease.owner != owner && lease.expiresAt.After(now) {
		return false, nil
	}
	f.Leases[hostID] = fakeLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (f *FakeStore) ReleaseLease(ctx context.Context, hostID int, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if lease, ok := f.Leases[hostID]; ok && lease.owner == owner {
		delete(f.Leases, hostID)
	}
	return nil
}

func (f *FakeStore) SaveRunReport(ctx context.Context, report *model.RunReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Reports = append(f.Reports, report)
	return nil
}

func (f *FakeStore) GetRunReport(ctx context.Context, id string) (*model.RunReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	for _, r := range f.Reports {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

func (f *FakeStore) GetLatestRunReport(ctx context.Context) (*model.RunReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if len(f.Reports) == 0 {
		return nil, nil
	}
	return f.Reports[len(f.Reports)-1], nil
}

func (f *FakeStore) LogAction(ctx context.Context, action, details string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Audit = append(f.Audit, model.AuditLogEntry{
		ID:        len(f.Audit) + 1,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Action:    action,
		Details:   details,
	})
	return nil
}

func (f *FakeStore) GetAuditLog(ctx context.Context, limit int) ([]model.AuditLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	entries := append([]model.AuditLogEntry(nil), f.Audit...)
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func (f *FakeStore) ExportSnapshot(ctx context.Context) (*model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	snap := &model.Snapshot{
		Hosts:    append([]model.Host(nil), f.Hosts...),
		Users:    append([]model.User(nil), f.Users...),
		Groups:   append([]model.Group(nil), f.Groups...),
		Grants:   append([]model.Grant(nil), f.Grants...),
		UserKeys: append([]model.UserKey(nil), f.UserKeys...),
		HostKeys: append([]model.HostKey(nil), f.HostKeys...),
		AuditLog: append([]model.AuditLogEntry(nil), f.Audit...),
	}
	for _, st := range f.States {
		snap.HostState = append(snap.HostState, st)
	}
	sort.Slice(snap.HostState, func(i, j int) bool {
		if snap.HostState[i].HostID != snap.HostState[j].HostID {
			return snap.HostState[i].HostID < snap.HostState[j].HostID
		}
		return snap.HostState[i].Kind < snap.HostState[j].Kind
	})
	return snap, nil
}

func (f *FakeStore) ImportSnapshot(ctx context.Context, snap *model.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Hosts = append([]model.Host(nil), snap.Hosts...)
	f.Users = append([]model.User(nil), snap.Users...)
	f.Groups = append([]model.Group(nil), snap.Groups...)
	f.Grants = append([]model.Grant(nil), snap.Grants...)
	f.UserKeys = append([]model.UserKey(nil), snap.UserKeys...)
	f.HostKeys = append([]model.HostKey(nil), snap.HostKeys...)
	f.Audit = append([]model.AuditLogEntry(nil), snap.AuditLog...)
	f.States = make(map[string]model.HostState, len(snap.HostState))
	for _, st := range snap.HostState {
		f.States[stateKey(st.HostID, st.Kind)] = st
	}
	return nil
}
