// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toeirei/keywarden/internal/db"
	"github.com/toeirei/keywarden/internal/i18n"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "backup <file>",
		Short:              "Write a compressed snapshot of the whole database",
		Args:               cobra.ExactArgs(1),
		PreRunE:            setupServices,
		PersistentPostRunE: teardownServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.OpenFile(args[0], os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
			if err != nil {
				return err
			}
			defer f.Close()

			if err := db.Backup(cmd.Context(), store, f); err != nil {
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Println(i18n.T("backup.done", args[0]))
			return nil
		},
	}
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "restore <file>",
		Short: "Replace the database contents from a snapshot",
		Long: `Wipes every table and re-imports the snapshot. This is destructive;
pass --yes to skip the confirmation prompt.`,
		Args:               cobra.ExactArgs(1),
		PreRunE:            setupServices,
		PersistentPostRunE: teardownServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				fmt.Print("This will erase all current data. Type 'yes' to continue: ")
				var answer string
				fmt.Scanln(&answer)
				if answer != "yes" {
					fmt.Println("Aborted.")
					return nil
				}
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			if err := db.Restore(cmd.Context(), store, f); err != nil {
				return err
			}
			_ = store.LogAction(cmd.Context(), "restore", fmt.Sprintf("restored snapshot from %s", args[0]))
			fmt.Println(i18n.T("restore.done", args[0]))
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	return cmd
}
