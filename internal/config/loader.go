// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config resolves the Coordinator's configuration with ENV > File
// > Defaults precedence (SPEC_FULL.md §A.2), the same layering the
// teacher's internal/config.Loader applies, trimmed to the sections this
// domain needs: listen, database, auth, scheduler, janitor, transports,
// binaries, logging, metrics, rate limiting, and cache.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brwyatt/dffmpeg/internal/log"
)

// EnvConfigPath names the environment variable holding the path to the
// YAML configuration file.
const EnvConfigPath = "DFFMPEG_COORDINATOR_CONFIG"

// EnvDev sets AppConfig.Dev. No component reads that flag: it changes
// neither the log format (always JSON) nor any TLS requirement.
const EnvDev = "DFFMPEG_COORDINATOR_DEV"

// Loader resolves an AppConfig from defaults, an optional YAML file, and
// the process environment, in that increasing order of precedence.
type Loader struct {
	configPath string
}

// NewLoader creates a Loader reading the YAML file at configPath, if
// configPath is non-empty.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// NewLoaderFromEnv creates a Loader using DFFMPEG_COORDINATOR_CONFIG as the
// file path, if set.
func NewLoaderFromEnv() *Loader {
	return NewLoader(os.Getenv(EnvConfigPath))
}

// Load resolves the configuration with ENV > File > Defaults precedence.
func (l *Loader) Load() (AppConfig, error) {
	logger := log.WithComponent("config")

	cfg := defaultAppConfig()

	if l.configPath != "" {
		file, err := l.loadFile(l.configPath)
		if err != nil {
			return AppConfig{}, fmt.Errorf("config: load file: %w", err)
		}
		mergeFileConfig(&cfg, file)
		logger.Info().Str("path", l.configPath).Msg("loaded configuration file")
	}

	mergeEnvConfig(&cfg)

	cfg.Dev = ParseBool(EnvDev, cfg.Dev)

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

func (l *Loader) loadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(false)
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &fc, nil
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		Listen: ListenConfig{
			Addr: ":8443",
		},
		Database: DatabaseConfig{
			Dialect:      "memory",
			Path:         "dffmpeg-coordinator.db",
			MaxOpenConns: 1,
		},
		Auth: AuthConfig{
			TrustedProxies: nil,
		},
		Scheduler: SchedulerConfig{
			TickInterval: time.Second,
		},
		Janitor: JanitorConfig{
			TickInterval:                5 * time.Second,
			WorkerThresholdFactor:       3.0,
			JobAssignmentTimeout:        30 * time.Second,
			JobHeartbeatThresholdFactor: 3.0,
			JobPendingTimeout:           24 * time.Hour,
			ClientHeartbeatMissedFactor: 2.0,
		},
		Transports: TransportsConfig{
			Enabled:         []string{"http_polling"},
			MQTTTopicPrefix: "dffmpeg",
			LongPollWait:    25 * time.Second,
		},
		Binaries: BinariesConfig{
			Allowed: nil,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Service: "dffmpeg-coordinator",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		RateLimit: RateLimitConfig{
			Enabled:   true,
			GlobalRPS: 50,
			Burst:     100,
		},
	}
}

func mergeFileConfig(cfg *AppConfig, fc *FileConfig) {
	if fc.Listen.Addr != "" {
		cfg.Listen.Addr = fc.Listen.Addr
	}
	if fc.Listen.TLSCert != "" {
		cfg.Listen.TLSCert = fc.Listen.TLSCert
	}
	if fc.Listen.TLSKey != "" {
		cfg.Listen.TLSKey = fc.Listen.TLSKey
	}

	if fc.Database.Dialect != "" {
		cfg.Database.Dialect = fc.Database.Dialect
	}
	if fc.Database.Path != "" {
		cfg.Database.Path = fc.Database.Path
	}
	if fc.Database.MaxOpenConns > 0 {
		cfg.Database.MaxOpenConns = fc.Database.MaxOpenConns
	}

	for _, e := range fc.Auth.KeyRing {
		cfg.Auth.KeyRing = append(cfg.Auth.KeyRing, KeyRingEntryConfig{
			ID: e.ID, Algorithm: e.Algorithm, Secret: e.Secret,
		})
	}
	if fc.Auth.DefaultKeyID != "" {
		cfg.Auth.DefaultKeyID = fc.Auth.DefaultKeyID
	}
	if len(fc.Auth.TrustedProxies) > 0 {
		cfg.Auth.TrustedProxies = fc.Auth.TrustedProxies
	}

	if d, err := time.ParseDuration(fc.Scheduler.TickInterval); err == nil && fc.Scheduler.TickInterval != "" {
		cfg.Scheduler.TickInterval = d
	}

	if d, err := time.ParseDuration(fc.Janitor.TickInterval); err == nil && fc.Janitor.TickInterval != "" {
		cfg.Janitor.TickInterval = d
	}
	if fc.Janitor.WorkerThresholdFactor != "" {
		if f, err := parseFloatString(fc.Janitor.WorkerThresholdFactor); err == nil {
			cfg.Janitor.WorkerThresholdFactor = f
		}
	}
	if d, err := time.ParseDuration(fc.Janitor.JobAssignmentTimeout); err == nil && fc.Janitor.JobAssignmentTimeout != "" {
		cfg.Janitor.JobAssignmentTimeout = d
	}
	if fc.Janitor.JobHeartbeatThresholdFactor != "" {
		if f, err := parseFloatString(fc.Janitor.JobHeartbeatThresholdFactor); err == nil {
			cfg.Janitor.JobHeartbeatThresholdFactor = f
		}
	}
	if d, err := time.ParseDuration(fc.Janitor.JobPendingTimeout); err == nil && fc.Janitor.JobPendingTimeout != "" {
		cfg.Janitor.JobPendingTimeout = d
	}
	if fc.Janitor.ClientHeartbeatMissedFactor != "" {
		if f, err := parseFloatString(fc.Janitor.ClientHeartbeatMissedFactor); err == nil {
			cfg.Janitor.ClientHeartbeatMissedFactor = f
		}
	}

	if len(fc.Transports.Enabled) > 0 {
		cfg.Transports.Enabled = fc.Transports.Enabled
	}
	if fc.Transports.MQTT.BrokerURL != "" {
		cfg.Transports.MQTTBrokerURL = fc.Transports.MQTT.BrokerURL
	}
	if fc.Transports.MQTT.ClientID != "" {
		cfg.Transports.MQTTClientID = fc.Transports.MQTT.ClientID
	}
	if fc.Transports.MQTT.TopicPrefix != "" {
		cfg.Transports.MQTTTopicPrefix = fc.Transports.MQTT.TopicPrefix
	}
	if fc.Transports.AMQP.URL != "" {
		cfg.Transports.AMQPURL = fc.Transports.AMQP.URL
	}
	if fc.Transports.AMQP.Exchange != "" {
		cfg.Transports.AMQPExchange = fc.Transports.AMQP.Exchange
	}
	if d, err := time.ParseDuration(fc.Transports.LongPollWait); err == nil && fc.Transports.LongPollWait != "" {
		cfg.Transports.LongPollWait = d
	}

	if len(fc.Binaries.Allowed) > 0 {
		cfg.Binaries.Allowed = fc.Binaries.Allowed
	}

	if fc.Logging.Level != "" {
		cfg.Logging.Level = fc.Logging.Level
	}
	if fc.Logging.Service != "" {
		cfg.Logging.Service = fc.Logging.Service
	}

	if fc.Metrics.Enabled != nil {
		cfg.Metrics.Enabled = *fc.Metrics.Enabled
	}
	if fc.Metrics.Addr != "" {
		cfg.Metrics.Addr = fc.Metrics.Addr
	}

	if fc.RateLimit.Enabled != nil {
		cfg.RateLimit.Enabled = *fc.RateLimit.Enabled
	}
	if fc.RateLimit.GlobalRPS > 0 {
		cfg.RateLimit.GlobalRPS = fc.RateLimit.GlobalRPS
	}
	if fc.RateLimit.Burst > 0 {
		cfg.RateLimit.Burst = fc.RateLimit.Burst
	}
	if len(fc.RateLimit.Whitelist) > 0 {
		cfg.RateLimit.Whitelist = fc.RateLimit.Whitelist
	}

	if fc.Cache.RedisAddr != "" {
		cfg.Cache.RedisAddr = fc.Cache.RedisAddr
	}
}

func mergeEnvConfig(cfg *AppConfig) {
	cfg.Listen.Addr = ParseString("DFFMPEG_LISTEN_ADDR", cfg.Listen.Addr)
	cfg.Listen.TLSCert = ParseString("DFFMPEG_TLS_CERT", cfg.Listen.TLSCert)
	cfg.Listen.TLSKey = ParseString("DFFMPEG_TLS_KEY", cfg.Listen.TLSKey)

	cfg.Database.Dialect = ParseString("DFFMPEG_DATABASE_DIALECT", cfg.Database.Dialect)
	cfg.Database.Path = ParseString("DFFMPEG_DATABASE_PATH", cfg.Database.Path)
	cfg.Database.MaxOpenConns = ParseInt("DFFMPEG_DATABASE_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)

	cfg.Auth.DefaultKeyID = ParseString("DFFMPEG_AUTH_DEFAULT_KEY_ID", cfg.Auth.DefaultKeyID)
	cfg.Auth.TrustedProxies = ParseStringSlice("DFFMPEG_AUTH_TRUSTED_PROXIES", cfg.Auth.TrustedProxies)
	if secret := os.Getenv("DFFMPEG_AUTH_HMAC_SECRET"); secret != "" {
		keyID := ParseString("DFFMPEG_AUTH_HMAC_KEY_ID", "")
		cfg.Auth.KeyRing = append(cfg.Auth.KeyRing, KeyRingEntryConfig{
			ID: keyID, Algorithm: "aes-gcm", Secret: secret,
		})
		if keyID != "" {
			cfg.Auth.DefaultKeyID = keyID
		}
	}

	cfg.Scheduler.TickInterval = ParseDuration("DFFMPEG_SCHEDULER_TICK_INTERVAL", cfg.Scheduler.TickInterval)

	cfg.Janitor.TickInterval = ParseDuration("DFFMPEG_JANITOR_TICK_INTERVAL", cfg.Janitor.TickInterval)
	cfg.Janitor.WorkerThresholdFactor = ParseFloat("DFFMPEG_JANITOR_WORKER_THRESHOLD_FACTOR", cfg.Janitor.WorkerThresholdFactor)
	cfg.Janitor.JobAssignmentTimeout = ParseDuration("DFFMPEG_JANITOR_JOB_ASSIGNMENT_TIMEOUT", cfg.Janitor.JobAssignmentTimeout)
	cfg.Janitor.JobHeartbeatThresholdFactor = ParseFloat("DFFMPEG_JANITOR_JOB_HEARTBEAT_THRESHOLD_FACTOR", cfg.Janitor.JobHeartbeatThresholdFactor)
	cfg.Janitor.JobPendingTimeout = ParseDuration("DFFMPEG_JANITOR_JOB_PENDING_TIMEOUT", cfg.Janitor.JobPendingTimeout)
	cfg.Janitor.ClientHeartbeatMissedFactor = ParseFloat("DFFMPEG_JANITOR_CLIENT_HEARTBEAT_MISSED_FACTOR", cfg.Janitor.ClientHeartbeatMissedFactor)

	cfg.Transports.Enabled = ParseStringSlice("DFFMPEG_TRANSPORTS_ENABLED", cfg.Transports.Enabled)
	cfg.Transports.MQTTBrokerURL = ParseString("DFFMPEG_MQTT_BROKER_URL", cfg.Transports.MQTTBrokerURL)
	cfg.Transports.MQTTClientID = ParseString("DFFMPEG_MQTT_CLIENT_ID", cfg.Transports.MQTTClientID)
	cfg.Transports.MQTTTopicPrefix = ParseString("DFFMPEG_MQTT_TOPIC_PREFIX", cfg.Transports.MQTTTopicPrefix)
	cfg.Transports.AMQPURL = ParseString("DFFMPEG_AMQP_URL", cfg.Transports.AMQPURL)
	cfg.Transports.AMQPExchange = ParseString("DFFMPEG_AMQP_EXCHANGE", cfg.Transports.AMQPExchange)
	cfg.Transports.LongPollWait = ParseDuration("DFFMPEG_LONG_POLL_WAIT", cfg.Transports.LongPollWait)

	cfg.Binaries.Allowed = ParseStringSlice("DFFMPEG_BINARIES_ALLOWED", cfg.Binaries.Allowed)

	cfg.Logging.Level = ParseString("DFFMPEG_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Service = ParseString("DFFMPEG_LOG_SERVICE", cfg.Logging.Service)

	cfg.Metrics.Enabled = ParseBool("DFFMPEG_METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Addr = ParseString("DFFMPEG_METRICS_ADDR", cfg.Metrics.Addr)

	cfg.RateLimit.Enabled = ParseBool("DFFMPEG_RATE_LIMIT_ENABLED", cfg.RateLimit.Enabled)
	cfg.RateLimit.GlobalRPS = ParseInt("DFFMPEG_RATE_LIMIT_GLOBAL_RPS", cfg.RateLimit.GlobalRPS)
	cfg.RateLimit.Burst = ParseInt("DFFMPEG_RATE_LIMIT_BURST", cfg.RateLimit.Burst)
	cfg.RateLimit.Whitelist = ParseStringSlice("DFFMPEG_RATE_LIMIT_WHITELIST", cfg.RateLimit.Whitelist)

	cfg.Cache.RedisAddr = ParseString("DFFMPEG_REDIS_ADDR", cfg.Cache.RedisAddr)
}

func parseFloatString(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	return f, err
}
