// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

// FileConfig is the YAML configuration file structure (C.f. SPEC_FULL.md
// §A.2). Every field is optional: absence means "fall through to ENV,
// then to the compiled-in default".
type FileConfig struct {
	Listen    ListenFileConfig    `yaml:"listen,omitempty"`
	Database  DatabaseFileConfig  `yaml:"database,omitempty"`
	Auth      AuthFileConfig      `yaml:"auth,omitempty"`
	Scheduler SchedulerFileConfig `yaml:"scheduler,omitempty"`
	Janitor   JanitorFileConfig   `yaml:"janitor,omitempty"`
	Transports TransportsFileConfig `yaml:"transports,omitempty"`
	Binaries  BinariesFileConfig  `yaml:"binaries,omitempty"`
	Logging   LoggingFileConfig   `yaml:"logging,omitempty"`
	Metrics   MetricsFileConfig   `yaml:"metrics,omitempty"`
	RateLimit RateLimitFileConfig `yaml:"rateLimit,omitempty"`
	Cache     CacheFileConfig     `yaml:"cache,omitempty"`
}

type ListenFileConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	TLSCert  string `yaml:"tlsCert,omitempty"`
	TLSKey   string `yaml:"tlsKey,omitempty"`
}

type DatabaseFileConfig struct {
	Dialect      string `yaml:"dialect,omitempty"` // "memory" or "sqlite"
	Path         string `yaml:"path,omitempty"`    // sqlite file path
	MaxOpenConns int    `yaml:"maxOpenConns,omitempty"`
}

type KeyRingEntryFileConfig struct {
	ID        string `yaml:"id"`
	Algorithm string `yaml:"algorithm"`
	Secret    string `yaml:"secret"`
}

type AuthFileConfig struct {
	KeyRing         []KeyRingEntryFileConfig `yaml:"keyRing,omitempty"`
	DefaultKeyID    string                   `yaml:"defaultKeyId,omitempty"`
	TrustedProxies  []string                 `yaml:"trustedProxies,omitempty"`
}

type SchedulerFileConfig struct {
	TickInterval string `yaml:"tickInterval,omitempty"`
}

type JanitorFileConfig struct {
	TickInterval                string `yaml:"tickInterval,omitempty"`
	WorkerThresholdFactor        string `yaml:"workerThresholdFactor,omitempty"`
	JobAssignmentTimeout         string `yaml:"jobAssignmentTimeout,omitempty"`
	JobHeartbeatThresholdFactor  string `yaml:"jobHeartbeatThresholdFactor,omitempty"`
	JobPendingTimeout            string `yaml:"jobPendingTimeout,omitempty"`
	ClientHeartbeatMissedFactor  string `yaml:"clientHeartbeatMissedFactor,omitempty"`
}

type TransportsFileConfig struct {
	Enabled     []string          `yaml:"enabled,omitempty"`
	MQTT        MQTTFileConfig    `yaml:"mqtt,omitempty"`
	AMQP        AMQPFileConfig    `yaml:"amqp,omitempty"`
	LongPollWait string           `yaml:"longPollWait,omitempty"`
}

type MQTTFileConfig struct {
	BrokerURL   string `yaml:"brokerUrl,omitempty"`
	ClientID    string `yaml:"clientId,omitempty"`
	TopicPrefix string `yaml:"topicPrefix,omitempty"`
}

type AMQPFileConfig struct {
	URL      string `yaml:"url,omitempty"`
	Exchange string `yaml:"exchange,omitempty"`
}

type BinariesFileConfig struct {
	Allowed []string `yaml:"allowed,omitempty"`
}

type LoggingFileConfig struct {
	Level   string `yaml:"level,omitempty"`
	Service string `yaml:"service,omitempty"`
}

type MetricsFileConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Addr    string `yaml:"addr,omitempty"`
}

type RateLimitFileConfig struct {
	Enabled   *bool    `yaml:"enabled,omitempty"`
	GlobalRPS int      `yaml:"globalRps,omitempty"`
	Burst     int      `yaml:"burst,omitempty"`
	Whitelist []string `yaml:"whitelist,omitempty"`
}

type CacheFileConfig struct {
	RedisAddr string `yaml:"redisAddr,omitempty"`
}

// AppConfig is the fully resolved, ready-to-use Coordinator configuration:
// defaults overridden by file overridden by environment.
type AppConfig struct {
	Dev bool

	Listen    ListenConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Scheduler SchedulerConfig
	Janitor   JanitorConfig
	Transports TransportsConfig
	Binaries  BinariesConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
}

type ListenConfig struct {
	Addr    string
	TLSCert string
	TLSKey  string
}

type DatabaseConfig struct {
	Dialect      string
	Path         string
	MaxOpenConns int
}

type KeyRingEntryConfig struct {
	ID        string
	Algorithm string
	Secret    string
}

type AuthConfig struct {
	KeyRing        []KeyRingEntryConfig
	DefaultKeyID   string
	TrustedProxies []string
}

type SchedulerConfig struct {
	TickInterval time.Duration
}

type JanitorConfig struct {
	TickInterval                time.Duration
	WorkerThresholdFactor       float64
	JobAssignmentTimeout        time.Duration
	JobHeartbeatThresholdFactor float64
	JobPendingTimeout           time.Duration
	ClientHeartbeatMissedFactor float64
}

type TransportsConfig struct {
	Enabled      []string
	MQTTBrokerURL   string
	MQTTClientID    string
	MQTTTopicPrefix string
	AMQPURL      string
	AMQPExchange string
	LongPollWait time.Duration
}

type BinariesConfig struct {
	Allowed []string
}

type LoggingConfig struct {
	Level   string
	Service string
}

type MetricsConfig struct {
	Enabled bool
	Addr    string
}

type RateLimitConfig struct {
	Enabled   bool
	GlobalRPS int
	Burst     int
	Whitelist []string
}

type CacheConfig struct {
	RedisAddr string
}
