// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig wraps every validation failure surfaced by Validate, so
// callers (cmd/coordinator) can map it to the configuration-error exit
// code without string-matching.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Validate checks the resolved configuration for internal consistency.
// It does not touch the filesystem or network; reachability checks (TLS
// cert readable, database writable) belong to internal/health's startup
// probes, which run after Validate succeeds.
func (c AppConfig) Validate() error {
	var errs []string

	if c.Listen.Addr == "" {
		errs = append(errs, "listen.addr must not be empty")
	}
	if (c.Listen.TLSCert == "") != (c.Listen.TLSKey == "") {
		errs = append(errs, "listen.tlsCert and listen.tlsKey must both be set or both be empty")
	}

	switch c.Database.Dialect {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.dialect %q must be one of: memory, sqlite", c.Database.Dialect))
	}
	if c.Database.Dialect == "sqlite" && c.Database.Path == "" {
		errs = append(errs, "database.path is required when database.dialect=sqlite")
	}

	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, "scheduler.tickInterval must be positive")
	}

	if c.Janitor.TickInterval <= 0 {
		errs = append(errs, "janitor.tickInterval must be positive")
	}
	if c.Janitor.WorkerThresholdFactor <= 0 {
		errs = append(errs, "janitor.workerThresholdFactor must be positive")
	}
	if c.Janitor.JobAssignmentTimeout <= 0 {
		errs = append(errs, "janitor.jobAssignmentTimeout must be positive")
	}
	if c.Janitor.JobHeartbeatThresholdFactor <= 0 {
		errs = append(errs, "janitor.jobHeartbeatThresholdFactor must be positive")
	}
	if c.Janitor.JobPendingTimeout <= 0 {
		errs = append(errs, "janitor.jobPendingTimeout must be positive")
	}
	if c.Janitor.ClientHeartbeatMissedFactor <= 0 {
		errs = append(errs, "janitor.clientHeartbeatMissedFactor must be positive")
	}

	if len(c.Transports.Enabled) == 0 {
		errs = append(errs, "transports.enabled must name at least one transport")
	}
	for _, t := range c.Transports.Enabled {
		switch t {
		case "http_polling", "mqtt", "amqp":
		default:
			errs = append(errs, fmt.Sprintf("transports.enabled contains unknown transport %q", t))
		}
	}
	if contains(c.Transports.Enabled, "mqtt") && c.Transports.MQTTBrokerURL == "" {
		errs = append(errs, "transports.mqtt.brokerUrl is required when mqtt is enabled")
	}
	if contains(c.Transports.Enabled, "amqp") && c.Transports.AMQPURL == "" {
		errs = append(errs, "transports.amqp.url is required when amqp is enabled")
	}

	if len(errs) == 0 {
		return nil
	}
	msg := errs[0]
	for _, e := range errs[1:] {
		msg += "; " + e
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
