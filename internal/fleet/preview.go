// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/toeirei/keywarden/internal/deploy"
	"github.com/toeirei/keywarden/internal/model"
	"github.com/toeirei/keywarden/internal/plan"
)

// DriftFinding reports one artifact whose live remote file does not match
// its compiled content. ReadErr is set when the file could not be read at
// all (missing, permissions, transport failure).
type DriftFinding struct {
	Kind    model.ArtifactKind
	ReadErr error
}

// HostPreview is the planning result for one host without any deployment:
// what would change, and why.
type HostPreview struct {
	Host    model.Host
	Plans   []model.Plan
	Skipped []model.SkippedKey
	// LiveDrift holds per-artifact drift findings when the preview ran
	// against the live hosts.
	LiveDrift []DriftFinding
	// Err is set when the host could not be planned (or reached, in live
	// mode); the other fields are then empty.
	Err error
}

// Preview runs resolution, compilation and planning for the selected hosts
// without taking leases or writing anything. With live set, it additionally
// dials each host and compares the actual remote files against the compiled
// artifacts, catching drift introduced behind the engine's back.
func (o *Orchestrator) Preview(ctx context.Context, hostIDs []int, live bool) ([]HostPreview, error) {
	hosts, err := o.selectHosts(ctx, hostIDs)
	if err != nil {
		return nil, err
	}

	previews := make([]HostPreview, 0, len(hosts))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)

	for _, host := range hosts {
		host := host
		g.Go(func() error {
			pv := o.previewHost(gctx, host, live)
			mu.Lock()
			previews = append(previews, pv)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(previews, func(i, j int) bool { return previews[i].Host.Name < previews[j].Host.Name })
	return previews, nil
}

func (o *Orchestrator) previewHost(ctx context.Context, host model.Host, live bool) HostPreview {
	pv := HostPreview{Host: host}

	plans, skipped, err := o.planHost(ctx, host)
	if err != nil {
		pv.Err = err
		return pv
	}
	pv.Plans = plans
	pv.Skipped = skipped

	if !live {
		return pv
	}

	hostKeys, err := o.store.GetHostKeys(ctx, host.ID)
	if err != nil {
		pv.Err = err
		return pv
	}
	dialCtx, cancel := o.opContext(ctx)
	t, err := o.dialer.Dial(dialCtx, host, hostKeys)
	cancel()
	if err != nil {
		pv.Err = fmt.Errorf("dial: %w", err)
		return pv
	}
	defer t.Close()

	for _, p := range plans {
		opCtx, cancel := o.opContext(ctx)
		remote, err := t.Read(opCtx, deploy.RemotePath(p.Kind))
		cancel()
		if err != nil {
			// A missing file is drift of its own kind; report it as such
			// rather than failing the whole preview.
			pv.LiveDrift = append(pv.LiveDrift, DriftFinding{Kind: p.Kind, ReadErr: err})
			continue
		}
		if plan.Fingerprint(string(remote)) != p.Fingerprint {
			pv.LiveDrift = append(pv.LiveDrift, DriftFinding{Kind: p.Kind})
		}
	}
	return pv
}
