// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/toeirei/keywarden/internal/i18n"
	"github.com/toeirei/keywarden/internal/model"
)

func newSyncCmd() *cobra.Command {
	var hostNames []string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Converge the fleet onto the desired access state",
		Long: `Resolves grants for every host (or the hosts named with --host),
compiles their authorized_keys and known_hosts files, and deploys whatever
changed. The process exit code is non-zero when any host failed.`,
		PreRunE:            setupServices,
		PersistentPostRunE: teardownServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			hostIDs, err := resolveHostNames(ctx, hostNames)
			if err != nil {
				return err
			}

			dialer, err := newDialer()
			if err != nil {
				return err
			}
			orch := newOrchestrator(dialer)

			selected := len(hostIDs)
			if selected == 0 {
				all, err := store.GetAllHosts(ctx)
				if err != nil {
					return err
				}
				selected = len(all)
			}
			fmt.Println(i18n.T("sync.starting", selected, settings.Concurrency))
			report, err := orch.RunOnce(ctx, hostIDs)
			if report != nil {
				printRunReport(report)
			}
			if err != nil {
				return err
			}
			if report.Failed() {
				return fmt.Errorf("%d host(s) failed", report.Counts()[model.OutcomeFailed])
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&hostNames, "host", nil, "limit the run to the named host(s); repeatable")
	return cmd
}

// resolveHostNames maps --host values to host IDs. An empty selection means
// the whole fleet.
func resolveHostNames(ctx context.Context, names []string) ([]int, error) {
	ids := make([]int, 0, len(names))
	for _, name := range names {
		h, err := store.GetHostByName(ctx, name)
		if err != nil {
			return nil, err
		}
		if h == nil {
			return nil, fmt.Errorf("unknown host %q", name)
		}
		ids = append(ids, h.ID)
	}
	return ids, nil
}

func printRunReport(report *model.RunReport) {
	for _, h := range report.Hosts {
		switch h.Outcome {
		case model.OutcomeNoOp:
			fmt.Println(i18n.T("sync.host_noop", h.HostName))
		case model.OutcomeCommitted:
			fmt.Println(i18n.T("sync.host_committed", h.HostName, h.Fingerprint))
		case model.OutcomeManualReview:
			fmt.Println(i18n.T("sync.host_manual_review", h.HostName, h.Error))
		case model.OutcomeFailed:
			fmt.Println(i18n.T("sync.host_failed", h.HostName, h.Error))
		}
	}
	counts := report.Counts()
	fmt.Println(i18n.T("sync.complete",
		counts[model.OutcomeCommitted], counts[model.OutcomeNoOp],
		counts[model.OutcomeManualReview], counts[model.OutcomeFailed]))
	fmt.Println(i18n.T("sync.run_id", report.ID))
}
