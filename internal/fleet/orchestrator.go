// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

// package fleet runs the full convergence pipeline across many hosts with
// bounded concurrency. One host's failure never aborts the run; every host
// always lands in the run report with a terminal outcome.
package fleet // import "github.com/toeirei/keywarden/internal/fleet"

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/toeirei/keywarden/internal/compile"
	"github.com/toeirei/keywarden/internal/db"
	"github.com/toeirei/keywarden/internal/deploy"
	"github.com/toeirei/keywarden/internal/logging"
	"github.com/toeirei/keywarden/internal/model"
	"github.com/toeirei/keywarden/internal/plan"
	"github.com/toeirei/keywarden/internal/resolve"
)

// Config carries the orchestration knobs, resolved from configuration by
// the caller.
type Config struct {
	// Concurrency caps the number of hosts converged in parallel.
	Concurrency int
	// OpTimeout bounds each per-host remote operation window.
	OpTimeout time.Duration
	// Retries and Backoff are handed to the deployment driver.
	Retries int
	Backoff time.Duration
	// MinSurvivingLines is the lockout-guard floor for authorized_keys.
	MinSurvivingLines int
	// LeaseTTL is how long a per-host deploy lease stays live.
	LeaseTTL time.Duration
}

// Orchestrator drives resolve -> compile -> plan -> deploy for a set of
// hosts and persists the resulting run report.
type Orchestrator struct {
	store  db.Store
	dialer deploy.Dialer
	cfg    Config
	owner  string
}

// New builds an orchestrator. The dialer may be nil only for dry runs.
func New(store db.Store, dialer deploy.Dialer, cfg Config) *Orchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	return &Orchestrator{
		store:  store,
		dialer: dialer,
		cfg:    cfg,
		owner:  uuid.New().String(),
	}
}

// RunOnce converges the given hosts, or the whole fleet when hostIDs is
// empty. The returned report enumerates every selected host; it is also
// persisted to the store before returning. The error covers only report
// persistence and host selection, never individual host failures.
func (o *Orchestrator) RunOnce(ctx context.Context, hostIDs []int) (*model.RunReport, error) {
	hosts, err := o.selectHosts(ctx, hostIDs)
	if err != nil {
		return nil, err
	}

	report := &model.RunReport{
		ID:        uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)

	for _, host := range hosts {
		host := host
		g.Go(func() error {
			hr := o.convergeHost(gctx, host)
			mu.Lock()
			report.Hosts = append(report.Hosts, hr)
			mu.Unlock()
			// Never propagate: one bad host must not cancel its peers.
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Hosts, func(i, j int) bool { return report.Hosts[i].HostName < report.Hosts[j].HostName })
	report.FinishedAt = time.Now().UTC()

	// Persist with a fresh context; the run context may already be
	// cancelled, and a cancelled run still gets a report.
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.SaveRunReport(saveCtx, report); err != nil {
		return report, fmt.Errorf("run finished but report could not be saved: %w", err)
	}
	counts := report.Counts()
	_ = o.store.LogAction(saveCtx, "fleet.run", fmt.Sprintf(
		"run %s: %d hosts (%d committed, %d noop, %d failed, %d manual review)",
		report.ID, len(report.Hosts),
		counts[model.OutcomeCommitted], counts[model.OutcomeNoOp],
		counts[model.OutcomeFailed], counts[model.OutcomeManualReview]))
	return report, nil
}

func (o *Orchestrator) selectHosts(ctx context.Context, hostIDs []int) ([]model.Host, error) {
	if len(hostIDs) == 0 {
		return o.store.GetAllHosts(ctx)
	}
	hosts := make([]model.Host, 0, len(hostIDs))
	for _, id := range hostIDs {
		h, err := o.store.GetHostByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if h == nil {
			return nil, fmt.Errorf("unknown host id %d", id)
		}
		hosts = append(hosts, *h)
	}
	return hosts, nil
}

// convergeHost runs the full pipeline for one host and maps every exit path
// onto a terminal HostReport. Outcome precedence across the host's artifacts
// is failed > manual_review > committed > noop.
func (o *Orchestrator) convergeHost(ctx context.Context, host model.Host) model.HostReport {
	hr := model.HostReport{HostID: host.ID, HostName: host.Name, Timestamp: time.Now().UTC()}

	fail := func(err error) model.HostReport {
		hr.Outcome = model.OutcomeFailed
		hr.Error = err.Error()
		hr.Timestamp = time.Now().UTC()
		logging.Warnf("fleet: %s failed: %v", host.Name, err)
		return hr
	}

	if err := ctx.Err(); err != nil {
		return fail(errors.New("cancelled"))
	}

	plans, skipped, err := o.planHost(ctx, host)
	if err != nil {
		return fail(err)
	}
	for _, sk := range skipped {
		logging.Warnf("fleet: %s: skipped key %d for %s: %s", host.Name, sk.KeyID, sk.Username, sk.Reason)
	}

	outcome := model.OutcomeNoOp
	for _, p := range plans {
		if p.ManualReview {
			outcome = model.OutcomeManualReview
			hr.Error = p.Reason
		}
		if p.Fingerprint != "" && p.Kind == model.ArtifactAuthorizedKeys {
			hr.Fingerprint = p.Fingerprint
		}
	}
	if outcome == model.OutcomeManualReview {
		hr.Outcome = outcome
		hr.Timestamp = time.Now().UTC()
		logging.Warnf("fleet: %s held for manual review: %s", host.Name, hr.Error)
		return hr
	}
	if !anyReplace(plans) {
		hr.Outcome = model.OutcomeNoOp
		hr.Timestamp = time.Now().UTC()
		return hr
	}

	if err := ctx.Err(); err != nil {
		return fail(errors.New("cancelled"))
	}

	acquired, err := o.store.AcquireLease(ctx, host.ID, o.owner, o.cfg.LeaseTTL)
	if err != nil {
		return fail(fmt.Errorf("lease acquisition: %w", err))
	}
	if !acquired {
		return fail(errors.New("lease contention: another deployment holds this host"))
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.store.ReleaseLease(relCtx, host.ID, o.owner); err != nil {
			logging.Warnf("fleet: could not release lease for %s: %v", host.Name, err)
		}
	}()

	if err := o.deployHost(ctx, host, plans); err != nil {
		return fail(err)
	}

	hr.Outcome = model.OutcomeCommitted
	hr.Timestamp = time.Now().UTC()
	logging.Infof("fleet: %s converged", host.Name)
	return hr
}

// planHost resolves and compiles both artifacts for the host and builds
// their convergence plans against the persisted host state.
func (o *Orchestrator) planHost(ctx context.Context, host model.Host) ([]model.Plan, []model.SkippedKey, error) {
	resolver := resolve.New(o.store)
	set, err := resolver.Resolve(ctx, host.ID)
	if err != nil {
		return nil, nil, err
	}

	hostKeys, err := o.store.GetHostKeys(ctx, host.ID)
	if err != nil {
		return nil, nil, err
	}

	planner := plan.Planner{MinSurvivingLines: o.cfg.MinSurvivingLines}
	artifacts := []struct {
		kind    model.ArtifactKind
		content string
	}{
		{model.ArtifactAuthorizedKeys, compile.AuthorizedKeys(set)},
		{model.ArtifactKnownHosts, compile.KnownHosts(host, hostKeys)},
	}

	plans := make([]model.Plan, 0, len(artifacts))
	for _, a := range artifacts {
		last, err := o.store.GetHostState(ctx, host.ID, a.kind)
		if err != nil {
			return nil, nil, err
		}
		plans = append(plans, planner.Build(host.ID, a.kind, a.content, last))
	}
	return plans, set.Skipped, nil
}

// deployHost dials the host once and applies every replace plan over the
// shared transport, recording the new host state after each commit.
func (o *Orchestrator) deployHost(ctx context.Context, host model.Host, plans []model.Plan) error {
	hostKeys, err := o.store.GetHostKeys(ctx, host.ID)
	if err != nil {
		return err
	}

	dialCtx, cancel := o.opContext(ctx)
	t, err := o.dialer.Dial(dialCtx, host, hostKeys)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer t.Close()

	driver := &deploy.Driver{Retries: o.cfg.Retries, Backoff: o.cfg.Backoff}
	for _, p := range plans {
		if p.Action != model.PlanReplace {
			continue
		}
		opCtx, cancel := o.opContext(ctx)
		err := driver.Apply(opCtx, t, p)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return errors.New("cancelled")
			}
			return fmt.Errorf("%s: %w", p.Kind, err)
		}
		state := model.HostState{
			HostID:      host.ID,
			Kind:        p.Kind,
			Fingerprint: p.Fingerprint,
			LineCount:   p.LineCount,
			DeployedAt:  time.Now().UTC(),
		}
		if err := o.store.UpsertHostState(ctx, state); err != nil {
			// The file is live but the record is stale; the next run will
			// re-plan a replace and converge to the same content.
			return fmt.Errorf("%s committed but state not recorded: %w", p.Kind, err)
		}
	}
	return nil
}

func (o *Orchestrator) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.cfg.OpTimeout)
}

func anyReplace(plans []model.Plan) bool {
	for _, p := range plans {
		if p.Action == model.PlanReplace {
			return true
		}
	}
	return false
}
