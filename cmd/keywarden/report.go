// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toeirei/keywarden/internal/i18n"
	"github.com/toeirei/keywarden/internal/model"
)

func newReportCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:                "report [run-id]",
		Short:              "Show the latest run report, or a specific one by id",
		Args:               cobra.MaximumNArgs(1),
		PreRunE:            setupServices,
		PersistentPostRunE: teardownServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var report *model.RunReport
			var err error
			if len(args) == 1 {
				report, err = store.GetRunReport(ctx, args[0])
			} else {
				report, err = store.GetLatestRunReport(ctx)
			}
			if err != nil {
				return err
			}
			if report == nil {
				fmt.Println(i18n.T("report.none"))
				return nil
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			fmt.Printf("Run %s (%s - %s)\n", report.ID,
				report.StartedAt.Format("2006-01-02 15:04:05"),
				report.FinishedAt.Format("15:04:05"))
			printRunReport(report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the report as JSON")
	return cmd
}
