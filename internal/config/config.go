// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

// package config loads Keywarden settings with the usual precedence:
// defaults, then config file (keywarden.yaml), then environment variables
// (KEYWARDEN_*), then command-line flags.
package config // import "github.com/toeirei/keywarden/internal/config"

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Settings holds every knob the engine consumes.
type Settings struct {
	// Database backend: "sqlite", "postgres" or "mysql", plus its DSN.
	DBType string `mapstructure:"db_type" yaml:"db_type"`
	DBDSN  string `mapstructure:"db_dsn" yaml:"db_dsn"`

	// IdentityFile is the operator private key used to authenticate the
	// deploy transport. When empty, the SSH agent is the only auth source.
	IdentityFile string `mapstructure:"identity_file" yaml:"identity_file"`

	// Concurrency bounds the number of host pipelines running at once.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`

	// OpTimeout bounds each network operation (store reads aside, every
	// transport call gets its own deadline).
	OpTimeout time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`

	// Retries and Backoff govern re-attempts of staging/verification
	// failures. Commit failures are never retried.
	Retries int           `mapstructure:"retries" yaml:"retries"`
	Backoff time.Duration `mapstructure:"backoff" yaml:"backoff"`

	// ManualReviewMin is the minimum number of surviving authorized_keys
	// lines below which a replace of a previously populated file is
	// escalated to manual review instead of auto-applied.
	ManualReviewMin int `mapstructure:"manual_review_min" yaml:"manual_review_min"`

	// LeaseTTL bounds how long a per-host deployment lease may be held
	// before a crashed run's lease is considered stale.
	LeaseTTL time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl"`

	Language string `mapstructure:"language" yaml:"language"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose"`
}

// Defaults returns the built-in settings used when nothing else is configured.
func Defaults() map[string]any {
	return map[string]any{
		"db_type":           "sqlite",
		"db_dsn":            "keywarden.db",
		"identity_file":     "",
		"concurrency":       8,
		"op_timeout":        15 * time.Second,
		"retries":           3,
		"backoff":           500 * time.Millisecond,
		"manual_review_min": 1,
		"lease_ttl":         5 * time.Minute,
		"language":          "en",
		"verbose":           false,
	}
}

// getConfigPath returns the full path for the configuration file.
func getConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "Keywarden")
		default:
			configDir = "/etc/keywarden"
		}
	} else {
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "keywarden")
	}

	return filepath.Join(configDir, "keywarden.yaml"), nil
}

// Load builds Settings from defaults, config files, environment and flags.
// An explicit config file path (from --config) takes precedence over the
// standard search locations. The second return value is the config file
// that was actually read, empty when the run is on defaults only; callers
// use it to persist a default file on first run.
func Load(cmd *cobra.Command, explicitPath string) (Settings, string, error) {
	var s Settings
	v := viper.New()

	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	v.SetConfigName("keywarden")
	v.SetConfigType("yaml")

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	}

	if userConfigPath, err := getConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := getConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; anything else is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return s, "", err
		}
	}

	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix("keywarden")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return s, "", err
		}
	}

	if err := v.Unmarshal(&s); err != nil {
		return s, "", err
	}

	return s, v.ConfigFileUsed(), nil
}

// WriteConfigFile persists the settings as YAML to the user or system
// config location.
func WriteConfigFile(s *Settings, system bool) error {
	path, err := getConfigPath(system)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}

	// 0600 since the file may carry a DSN with credentials.
	return os.WriteFile(path, data, 0600)
}
