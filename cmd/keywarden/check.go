// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/toeirei/keywarden/internal/deploy"
	"github.com/toeirei/keywarden/internal/fleet"
	"github.com/toeirei/keywarden/internal/i18n"
	"github.com/toeirei/keywarden/internal/model"
)

func newCheckCmd() *cobra.Command {
	var hostNames []string
	var live bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Show what a sync would change, without deploying",
		Long: `Resolves and compiles every selected host's artifacts and prints the
convergence decision for each. With --live, additionally connects to each
host and compares the actual remote files against the compiled artifacts.`,
		PreRunE:            setupServices,
		PersistentPostRunE: teardownServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			hostIDs, err := resolveHostNames(ctx, hostNames)
			if err != nil {
				return err
			}

			var dialer deploy.Dialer
			if live {
				if dialer, err = newDialer(); err != nil {
					return err
				}
			}
			orch := newOrchestrator(dialer)

			previews, err := orch.Preview(ctx, hostIDs, live)
			if err != nil {
				return err
			}

			drifted := 0
			for _, pv := range previews {
				if pv.Err != nil {
					fmt.Println(i18n.T("check.resolve_failed", pv.Host.Name, pv.Err))
					drifted++
					continue
				}
				fmt.Println(i18n.T("check.host_header", pv.Host.Name))
				for _, sk := range pv.Skipped {
					fmt.Println(i18n.T("check.skipped_key", sk.KeyID, sk.Username, sk.Reason))
				}
				for _, p := range pv.Plans {
					switch {
					case p.ManualReview:
						fmt.Println(i18n.T("check.plan_manual_review", p.Kind, p.Reason))
						drifted++
					case p.Action == model.PlanReplace:
						fmt.Println(i18n.T("check.plan_replace", p.Kind, p.LineCount, p.Fingerprint))
						drifted++
					default:
						fmt.Println(i18n.T("check.plan_noop", p.Kind, p.Fingerprint))
					}
				}
				if live {
					drifted += printLiveDrift(pv)
				}
			}
			if drifted > 0 {
				return fmt.Errorf("%d artifact(s) out of converged state", drifted)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&hostNames, "host", nil, "limit the check to the named host(s); repeatable")
	cmd.Flags().BoolVar(&live, "live", false, "also read the live remote files and report drift")
	return cmd
}

func printLiveDrift(pv fleet.HostPreview) int {
	if len(pv.LiveDrift) == 0 {
		for _, p := range pv.Plans {
			fmt.Println(i18n.T("check.live_match", p.Kind))
		}
		return 0
	}
	for _, finding := range pv.LiveDrift {
		if finding.ReadErr != nil {
			fmt.Println(i18n.T("check.live_error", finding.Kind, finding.ReadErr))
		} else {
			fmt.Println(i18n.T("check.live_drift", finding.Kind))
		}
	}
	return len(pv.LiveDrift)
}
