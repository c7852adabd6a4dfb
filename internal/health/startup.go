// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/brwyatt/dffmpeg/internal/config"
	"github.com/brwyatt/dffmpeg/internal/log"
)

// PerformStartupChecks validates configuration-derived preconditions
// before the Coordinator starts accepting traffic: a parseable listen
// address, a consistent TLS cert/key pair, and a writable database path
// when running against SQLite. It never touches ffmpeg/worker-side
// binaries — the Coordinator dispatches jobs, it never executes them.
func PerformStartupChecks(ctx context.Context, cfg config.AppConfig) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkListenAddr(logger, cfg.Listen.Addr); err != nil {
		return fmt.Errorf("listen address check failed: %w", err)
	}

	if err := checkTLSPair(logger, cfg.Listen.TLSCert, cfg.Listen.TLSKey); err != nil {
		return fmt.Errorf("TLS configuration check failed: %w", err)
	}

	if err := checkDatabase(logger, cfg.Database); err != nil {
		return fmt.Errorf("database check failed: %w", err)
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	logger.Info().Str("addr", addr).Msg("listen address is valid")
	return nil
}

func checkTLSPair(logger zerolog.Logger, cert, key string) error {
	if cert == "" && key == "" {
		return nil
	}
	if cert == "" || key == "" {
		return fmt.Errorf("TLS configuration requires both cert and key to be set")
	}
	if err := checkFileReadable(cert); err != nil {
		return fmt.Errorf("TLS cert: %w", err)
	}
	if err := checkFileReadable(key); err != nil {
		return fmt.Errorf("TLS key: %w", err)
	}
	logger.Info().Msg("TLS configuration is valid")
	return nil
}

func checkDatabase(logger zerolog.Logger, dbCfg config.DatabaseConfig) error {
	if dbCfg.Dialect != "sqlite" {
		return nil
	}
	dir := filepath.Dir(dbCfg.Path)
	if dir == "" {
		dir = "."
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("database directory does not exist: %s", dir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("database parent path is not a directory: %s", dir)
	}

	testFile := filepath.Join(dir, ".dffmpeg-write-test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("database directory is not writable: %s (%w)", dir, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("path", dbCfg.Path).Msg("database directory is writable")
	return nil
}

func checkFileReadable(path string) error {
	f, err := os.Open(path) // #nosec G304 -- path comes from operator config; verifying readability is expected
	if err != nil {
		return err
	}
	return f.Close()
}
