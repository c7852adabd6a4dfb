// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader("").Load()
	require.NoError(t, err)

	assert.Equal(t, ":8443", cfg.Listen.Addr)
	assert.Equal(t, "memory", cfg.Database.Dialect)
	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, []string{"http_polling"}, cfg.Transports.Enabled)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 2.0, cfg.Janitor.ClientHeartbeatMissedFactor)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	yamlContent := `
listen:
  addr: ":9443"
database:
  dialect: sqlite
  path: /var/lib/dffmpeg/coordinator.db
scheduler:
  tickInterval: 500ms
transports:
  enabled: ["http_polling", "mqtt"]
  mqtt:
    brokerUrl: "tcp://broker:1883"
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o600))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, ":9443", cfg.Listen.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Dialect)
	assert.Equal(t, "/var/lib/dffmpeg/coordinator.db", cfg.Database.Path)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.TickInterval)
	assert.Equal(t, []string{"http_polling", "mqtt"}, cfg.Transports.Enabled)
	assert.Equal(t, "tcp://broker:1883", cfg.Transports.MQTTBrokerURL)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen:\n  addr: \":9443\"\n"), 0o600))

	t.Setenv("DFFMPEG_LISTEN_ADDR", ":7000")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Listen.Addr)
}

func TestValidateRejectsUnknownDialect(t *testing.T) {
	cfg := defaultAppConfig()
	cfg.Database.Dialect = "postgres"
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateRejectsMismatchedTLSPair(t *testing.T) {
	cfg := defaultAppConfig()
	cfg.Listen.TLSCert = "cert.pem"
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRequiresMQTTBrokerWhenEnabled(t *testing.T) {
	cfg := defaultAppConfig()
	cfg.Transports.Enabled = []string{"mqtt"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mqtt")
}
