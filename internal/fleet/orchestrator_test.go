// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

package fleet

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/toeirei/keywarden/internal/db"
	"github.com/toeirei/keywarden/internal/deploy"
	"github.com/toeirei/keywarden/internal/model"
)

const (
	aliceKey   = "AAAAC3NzaC1lZDI1NTE5AAAAIP4gom+GSJ42YUddPM6m7f6mr/85I+wZ1ExqytTRvlNg"
	bobKey     = "AAAAC3NzaC1lZDI1NTE5AAAAIHE6NAD7BSDsf/blKmg/UycMkcOwxtKq/gSVcknuSJ+R"
	hostKeyB64 = "AAAAC3NzaC1lZDI1NTE5AAAAIHE6NAD7BSDsf/blKmg/UycMkcOwxtKq/gSVcknuSJ+R"
)

// memTransport is a minimal in-memory Transport for orchestrator tests.
type memTransport struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemTransport() *memTransport {
	return &memTransport{files: map[string][]byte{}}
}

func (m *memTransport) Write(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = append([]byte(nil), data...)
	return nil
}

func (m *memTransport) Read(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return nil, errors.New("file does not exist")
	}
	return append([]byte(nil), data...), nil
}

func (m *memTransport) Chmod(context.Context, string, os.FileMode) error { return nil }

func (m *memTransport) MkdirAll(context.Context, string, os.FileMode) error { return nil }

func (m *memTransport) AtomicReplace(_ context.Context, tmpPath, finalPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[tmpPath]
	if !ok {
		return errors.New("staging file missing")
	}
	m.files[finalPath] = data
	delete(m.files, tmpPath)
	return nil
}

func (m *memTransport) Remove(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
	return nil
}

func (m *memTransport) Close() error { return nil }

// fakeDialer hands out per-host memTransports and can fail named hosts.
type fakeDialer struct {
	mu         sync.Mutex
	transports map[string]*memTransport
	failHosts  map[string]error
	dials      int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{transports: map[string]*memTransport{}, failHosts: map[string]error{}}
}

func (d *fakeDialer) Dial(_ context.Context, host model.Host, _ []model.HostKey) (deploy.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if err, ok := d.failHosts[host.Name]; ok {
		return nil, err
	}
	t, ok := d.transports[host.Name]
	if !ok {
		t = newMemTransport()
		d.transports[host.Name] = t
	}
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func seedStore() *db.FakeStore {
	st := db.NewFakeStore()
	st.Hosts = []model.Host{
		{ID: 1, Name: "web-1", Hostname: "web1.example.com", Username: "deploy"},
		{ID: 2, Name: "db-1", Hostname: "db1.example.com", Username: "deploy"},
	}
	st.Users = []model.User{
		{ID: 10, Username: "alice", Enabled: true},
		{ID: 11, Username: "bob", Enabled: true},
	}
	st.Grants = []model.Grant{
		{ID: 1, HostID: 1, UserID: 10},
		{ID: 2, HostID: 1, UserID: 11},
		{ID: 3, HostID: 2, UserID: 10},
	}
	st.UserKeys = []model.UserKey{
		{ID: 1, UserID: 10, Algorithm: "ssh-ed25519", KeyData: aliceKey, Comment: "alice@workstation"},
		{ID: 2, UserID: 11, Algorithm: "ssh-ed25519", KeyData: bobKey, Comment: "bob@laptop"},
	}
	st.HostKeys = []model.HostKey{
		{ID: 1, HostID: 1, Algorithm: "ssh-ed25519", KeyData: hostKeyB64},
		{ID: 2, HostID: 2, Algorithm: "ssh-ed25519", KeyData: hostKeyB64},
	}
	return st
}

func testConfig() Config {
	return Config{
		Concurrency: 4,
		OpTimeout:   5 * time.Second,
		LeaseTTL:    time.Minute,
	}
}

func outcomeOf(t *testing.T, report *model.RunReport, hostName string) model.HostReport {
	t.Helper()
	for _, h := range report.Hosts {
		if h.HostName == hostName {
			return h
		}
	}
	t.Fatalf("host %s missing from report", hostName)
	return model.HostReport{}
}

func TestRunOnce_CommitsAndConverges(t *testing.T) {
	st := seedStore()
	dialer := newFakeDialer()
	orch := New(st, dialer, testConfig())

	report, err := orch.RunOnce(context.Background(), nil)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if len(report.Hosts) != 2 {
		t.Fatalf("report must enumerate every host, got %d", len(report.Hosts))
	}
	for _, h := range report.Hosts {
		if h.Outcome != model.OutcomeCommitted {
			t.Errorf("%s: outcome = %s, want committed (%s)", h.HostName, h.Outcome, h.Error)
		}
	}

	// The deployed authorized_keys for web-1 carries both users, sorted.
	web1 := dialer.transports["web-1"]
	content, err := web1.Read(context.Background(), deploy.AuthorizedKeysPath)
	if err != nil {
		t.Fatalf("authorized_keys not deployed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 key lines on web-1, got %d: %q", len(lines), content)
	}
	if !strings.Contains(lines[0], "alice@workstation") || !strings.Contains(lines[1], "bob@laptop") {
		t.Errorf("unexpected line order:\n%s", content)
	}

	if _, err := web1.Read(context.Background(), deploy.KnownHostsPath); err != nil {
		t.Errorf("known_hosts not deployed: %v", err)
	}

	// Report persisted.
	saved, err := st.GetLatestRunReport(context.Background())
	if err != nil || saved == nil {
		t.Fatalf("run report not persisted: %v", err)
	}
	if saved.ID != report.ID {
		t.Errorf("persisted report id %s != returned %s", saved.ID, report.ID)
	}
}

func TestRunOnce_SecondRunIsNoOp(t *testing.T) {
	st := seedStore()
	dialer := newFakeDialer()
	orch := New(st, dialer, testConfig())

	if _, err := orch.RunOnce(context.Background(), nil); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	dialsAfterFirst := dialer.dialCount()

	report, err := orch.RunOnce(context.Background(), nil)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	for _, h := range report.Hosts {
		if h.Outcome != model.OutcomeNoOp {
			t.Errorf("%s: second run outcome = %s, want noop", h.HostName, h.Outcome)
		}
	}
	if dialer.dialCount() != dialsAfterFirst {
		t.Error("noop run must not dial any host")
	}
}

func TestRunOnce_FailureIsolation(t *testing.T) {
	st := seedStore()
	dialer := newFakeDialer()
	dialer.failHosts["db-1"] = errors.New("connection refused")
	orch := New(st, dialer, testConfig())

	report, err := orch.RunOnce(context.Background(), nil)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if len(report.Hosts) != 2 {
		t.Fatalf("failed host missing from report: %d entries", len(report.Hosts))
	}
	if hr := outcomeOf(t, report, "db-1"); hr.Outcome != model.OutcomeFailed || hr.Error == "" {
		t.Errorf("db-1: outcome = %s (%q), want failed with error", hr.Outcome, hr.Error)
	}
	if hr := outcomeOf(t, report, "web-1"); hr.Outcome != model.OutcomeCommitted {
		t.Errorf("web-1 must not be affected by db-1's failure, got %s", hr.Outcome)
	}
	if !report.Failed() {
		t.Error("report.Failed() must be true when any host failed")
	}
}

func TestRunOnce_LeaseContention(t *testing.T) {
	st := seedStore()
	if ok, err := st.AcquireLease(context.Background(), 1, "another-run", time.Minute); err != nil || !ok {
		t.Fatalf("seeding lease failed: %v", err)
	}
	dialer := newFakeDialer()
	orch := New(st, dialer, testConfig())

	report, err := orch.RunOnce(context.Background(), []int{1})
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	hr := outcomeOf(t, report, "web-1")
	if hr.Outcome != model.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", hr.Outcome)
	}
	if !strings.Contains(hr.Error, "lease contention") {
		t.Errorf("unexpected error: %q", hr.Error)
	}
	if dialer.dialCount() != 0 {
		t.Error("contended host must not be dialed")
	}
}

func TestRunOnce_ExpiredLeaseTakenOver(t *testing.T) {
	st := seedStore()
	if ok, err := st.AcquireLease(context.Background(), 1, "crashed-run", -time.Second); err != nil || !ok {
		t.Fatalf("seeding lease failed: %v", err)
	}
	dialer := newFakeDialer()
	orch := New(st, dialer, testConfig())

	report, err := orch.RunOnce(context.Background(), []int{1})
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if hr := outcomeOf(t, report, "web-1"); hr.Outcome != model.OutcomeCommitted {
		t.Errorf("expired lease should be taken over, got %s (%s)", hr.Outcome, hr.Error)
	}
}

func TestRunOnce_ManualReviewBlocksDeployment(t *testing.T) {
	st := seedStore()
	// web-1 previously had 2 authorized_keys lines; dropping every grant
	// would shrink it to zero.
	st.States["1/authorized_keys"] = model.HostState{
		HostID: 1, Kind: model.ArtifactAuthorizedKeys,
		Fingerprint: "old", LineCount: 2, DeployedAt: time.Now(),
	}
	st.Grants = []model.Grant{}
	dialer := newFakeDialer()
	orch := New(st, dialer, testConfig())

	report, err := orch.RunOnce(context.Background(), []int{1})
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	hr := outcomeOf(t, report, "web-1")
	if hr.Outcome != model.OutcomeManualReview {
		t.Fatalf("outcome = %s, want manual_review", hr.Outcome)
	}
	if dialer.dialCount() != 0 {
		t.Error("manual review must block the deployment entirely")
	}
	if _, ok := st.Leases[1]; ok {
		t.Error("manual review must not leave a lease behind")
	}
}

func TestRunOnce_Cancelled(t *testing.T) {
	st := seedStore()
	dialer := newFakeDialer()
	orch := New(st, dialer, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := orch.RunOnce(ctx, []int{1})
	if err != nil {
		t.Fatalf("cancelled run must still produce a report: %v", err)
	}
	hr := outcomeOf(t, report, "web-1")
	if hr.Outcome != model.OutcomeFailed || !strings.Contains(hr.Error, "cancelled") {
		t.Errorf("outcome = %s (%q), want failed/cancelled", hr.Outcome, hr.Error)
	}
}

func TestRunOnce_UnknownHostID(t *testing.T) {
	st := seedStore()
	orch := New(st, newFakeDialer(), testConfig())
	if _, err := orch.RunOnce(context.Background(), []int{99}); err == nil {
		t.Fatal("expected error for unknown host id")
	}
}

func TestPreview_PlansWithoutDeploying(t *testing.T) {
	st := seedStore()
	dialer := newFakeDialer()
	orch := New(st, dialer, testConfig())

	previews, err := orch.Preview(context.Background(), nil, false)
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	if len(previews) != 2 {
		t.Fatalf("expected 2 previews, got %d", len(previews))
	}
	for _, pv := range previews {
		if pv.Err != nil {
			t.Errorf("%s: preview error: %v", pv.Host.Name, pv.Err)
		}
		if len(pv.Plans) != 2 {
			t.Errorf("%s: expected plans for both artifacts, got %d", pv.Host.Name, len(pv.Plans))
		}
		for _, p := range pv.Plans {
			if p.Action != model.PlanReplace {
				t.Errorf("%s/%s: expected replace on first contact, got %s", pv.Host.Name, p.Kind, p.Action)
			}
		}
	}
	if dialer.dialCount() != 0 {
		t.Error("offline preview must not dial")
	}
	if len(st.Leases) != 0 {
		t.Error("preview must not take leases")
	}
}

func TestPreview_LiveDriftDetection(t *testing.T) {
	st := seedStore()
	dialer := newFakeDialer()
	orch := New(st, dialer, testConfig())

	// Converge first so live files exist and plans are noops.
	if _, err := orch.RunOnce(context.Background(), []int{1}); err != nil {
		t.Fatalf("seeding run failed: %v", err)
	}

	previews, err := orch.Preview(context.Background(), []int{1}, true)
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	if len(previews[0].LiveDrift) != 0 {
		t.Fatalf("converged host reported drift: %+v", previews[0].LiveDrift)
	}

	// Tamper with the live file behind the engine's back.
	web1 := dialer.transports["web-1"]
	if err := web1.Write(context.Background(), deploy.AuthorizedKeysPath, []byte("ssh-ed25519 AAAArogue intruder\n")); err != nil {
		t.Fatal(err)
	}

	previews, err = orch.Preview(context.Background(), []int{1}, true)
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	drift := previews[0].LiveDrift
	if len(drift) != 1 || drift[0].Kind != model.ArtifactAuthorizedKeys || drift[0].ReadErr != nil {
		t.Errorf("expected content drift on authorized_keys, got %+v", drift)
	}
}
