// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brwyatt/dffmpeg/internal/auth"
	"github.com/brwyatt/dffmpeg/internal/config"
	"github.com/brwyatt/dffmpeg/internal/store"
	"github.com/brwyatt/dffmpeg/internal/store/memory"
	"github.com/brwyatt/dffmpeg/internal/store/sqlite"
	"github.com/brwyatt/dffmpeg/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dffmpeg-admin",
	Short: "Operator CLI for the DFFmpeg Coordinator",
	Long: `dffmpeg-admin is the operator-facing command line tool for a DFFmpeg
Coordinator deployment: identity provisioning, key-ring rotation, and
read-only job/worker inspection against the Coordinator's own store.

It opens the configured store directly rather than calling the HTTP API,
so it must run with access to the same database the coordinator process
uses.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to coordinator config file (YAML)")
	rootCmd.AddCommand(identityCmd, keysCmd, jobsCmd, workersCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a command error to spec.md §6's admin CLI exit codes:
// 2 for user error (bad flags/args), 1 for an operational failure
// (store/database error). usageError marks the former; everything else
// is treated as operational.
func exitCodeFor(err error) int {
	if _, ok := err.(usageError); ok {
		return 2
	}
	return 1
}

// usageError marks a cobra/arg-validation failure as a user error (exit 2)
// rather than an operational one (exit 1).
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }
func (u usageError) Unwrap() error { return u.err }

func newUsageError(format string, args ...any) error {
	return usageError{err: fmt.Errorf(format, args...)}
}

// loadConfig resolves the coordinator configuration the admin CLI operates
// against, with the same ENV > file > defaults precedence cmd/coordinator uses.
func loadConfig() (config.AppConfig, error) {
	var loader *config.Loader
	if configPath != "" {
		loader = config.NewLoader(configPath)
	} else {
		loader = config.NewLoaderFromEnv()
	}
	cfg, err := loader.Load()
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openStore resolves the configured store the same way cmd/coordinator
// does, so the admin CLI always reads and writes the database the
// coordinator process itself uses.
func openStore(cfg config.AppConfig) (store.Store, error) {
	switch cfg.Database.Dialect {
	case "sqlite":
		sqliteCfg := sqlite.DefaultConfig()
		if cfg.Database.MaxOpenConns > 0 {
			sqliteCfg.MaxOpenConns = cfg.Database.MaxOpenConns
		}
		return sqlite.Open(cfg.Database.Path, sqliteCfg)
	case "memory", "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown database dialect %q", cfg.Database.Dialect)
	}
}

// openKeyRing builds the credential-encryption key ring from the same
// configuration section cmd/coordinator uses, so rotation and identity
// creation encrypt under keys the running coordinator can also decrypt.
func openKeyRing(cfg config.AuthConfig) (*auth.KeyRing, error) {
	entries := make(map[string]auth.KeyEntry, len(cfg.KeyRing))
	for _, e := range cfg.KeyRing {
		entries[e.ID] = auth.KeyEntry{Algorithm: e.Algorithm, Secret: []byte(e.Secret)}
	}
	return auth.NewKeyRing(entries, cfg.DefaultKeyID)
}
