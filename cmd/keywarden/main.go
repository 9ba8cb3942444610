// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

// Command keywarden compiles SSH access grants from a relational store into
// per-host authorized_keys and known_hosts files and converges a fleet onto
// them. See --help for the available subcommands.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/toeirei/keywarden/buildvars"
	"github.com/toeirei/keywarden/internal/config"
	"github.com/toeirei/keywarden/internal/db"
	"github.com/toeirei/keywarden/internal/deploy"
	"github.com/toeirei/keywarden/internal/fleet"
	"github.com/toeirei/keywarden/internal/i18n"
	"github.com/toeirei/keywarden/internal/logging"
	"github.com/toeirei/keywarden/internal/state"
)

var (
	cfgFile  string
	verbose  bool
	settings config.Settings
	store    db.Store
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		logging.Errorf("%v", err)
		os.Exit(1)
	}
}

// NewRootCmd creates and configures a fresh root command. Tests use this to
// get isolated command trees.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keywarden",
		Short: "Keywarden converges SSH access across a fleet from a single source of truth.",
		Long: `Keywarden treats a database of hosts, users and grants as the source
of truth for SSH access. It compiles each host's authorized_keys and
known_hosts files from that state and deploys them atomically, replacing
whatever is on the host. Run 'keywarden sync' to converge the fleet.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = buildvars.VersionOrDefault("dev")

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches user and system config dirs)")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug output")
	cmd.PersistentFlags().String("db_type", "", "database type (sqlite, postgres, mysql)")
	cmd.PersistentFlags().String("db_dsn", "", "database connection string")
	cmd.PersistentFlags().Int("concurrency", 0, "maximum hosts converged in parallel")

	cmd.AddCommand(
		newSyncCmd(),
		newCheckCmd(),
		newReportCmd(),
		newValidateKeyCmd(),
		newTrustHostCmd(),
		newBackupCmd(),
		newRestoreCmd(),
		newVersionCmd(),
	)
	return cmd
}

// setupServices loads configuration, initializes i18n and opens the store.
// Subcommands that touch the database use it as their PreRunE.
func setupServices(cmd *cobra.Command, _ []string) error {
	var usedFile string
	var err error
	settings, usedFile, err = config.Load(cmd.Root(), cfgFile)
	if err != nil {
		return fmt.Errorf("%s", i18n.T("errors.config", err))
	}

	if verbose || settings.Verbose {
		logging.SetDebug(true)
	}
	i18n.Init(settings.Language)

	// First run (or the config file was deleted): persist the defaults so
	// subsequent runs have a file to inspect and edit.
	if usedFile == "" && cfgFile == "" {
		if werr := config.WriteConfigFile(&settings, false); werr != nil {
			logging.Warnf("could not write default config file: %v", werr)
		}
	}

	store, err = db.New(settings.DBType, settings.DBDSN)
	if err != nil {
		return fmt.Errorf("%s", i18n.T("errors.db_init", err))
	}
	return nil
}

// teardownServices closes the store; it is the matching PersistentPostRunE.
func teardownServices(*cobra.Command, []string) error {
	if store != nil {
		return store.Close()
	}
	return nil
}

// newDialer builds the SSH dialer from the configured identity file,
// prompting once for a passphrase when the key is encrypted.
func newDialer() (deploy.Dialer, error) {
	d := &deploy.SSHDialer{DialTimeout: settings.OpTimeout}
	if settings.IdentityFile == "" {
		return d, nil
	}

	pemKey, err := os.ReadFile(settings.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("could not read identity file %s: %w", settings.IdentityFile, err)
	}
	d.PrivateKey = pemKey

	if needsPassphrase(pemKey) {
		pass := state.PassphraseCache.Get()
		if pass == nil {
			fmt.Fprint(os.Stderr, i18n.T("passphrase.prompt"))
			pass, err = term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return nil, fmt.Errorf("could not read passphrase: %w", err)
			}
			state.PassphraseCache.Set(pass)
		}
		d.Passphrase = pass
	}
	return d, nil
}

func needsPassphrase(pemKey []byte) bool {
	_, err := ssh.ParsePrivateKey(pemKey)
	var missing *ssh.PassphraseMissingError
	return errors.As(err, &missing)
}

func newOrchestrator(dialer deploy.Dialer) *fleet.Orchestrator {
	return fleet.New(store, dialer, fleet.Config{
		Concurrency:       settings.Concurrency,
		OpTimeout:         settings.OpTimeout,
		Retries:           settings.Retries,
		Backoff:           settings.Backoff,
		MinSurvivingLines: settings.ManualReviewMin,
		LeaseTTL:          settings.LeaseTTL,
	})
}
