// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package audit provides structured audit logging for security-sensitive
// Coordinator operations — auth accept/reject decisions, role-rejections,
// and key-ring rotations — following the WHO/WHAT/WHEN pattern for
// forensics. It is purely additive observability: nothing here influences
// control flow.
package audit

import (
	"context"
	"time"

	"github.com/brwyatt/dffmpeg/internal/log"
	"github.com/rs/zerolog"
)

// EventType identifies the kind of audit event.
type EventType string

const (
	EventAuthSuccess    EventType = "auth.success"
	EventAuthFailure    EventType = "auth.failure"
	EventAuthMissing    EventType = "auth.missing"
	EventAPIAccess      EventType = "api.access"
	EventAPIForbidden   EventType = "api.forbidden"
	EventAPIRateLimit   EventType = "api.ratelimit"
	EventKeyRingRotated EventType = "keyring.rotated"
)

// Event is a structured audit event.
type Event struct {
	Timestamp  time.Time         `json:"timestamp"`
	Type       EventType         `json:"type"`
	Actor      string            `json:"actor"`             // WHO: client_id, worker_id, IP, or "system"
	Action     string            `json:"action"`            // WHAT: human-readable action description
	Resource   string            `json:"resource"`          // Resource affected (e.g., route, job_id)
	Result     string            `json:"result"`            // success, failure, denied
	RemoteAddr string            `json:"remote_addr"`       // Client IP address
	RequestID  string            `json:"request_id"`        // Correlation ID
	Details    map[string]string `json:"details,omitempty"` // Additional context
}

// Logger emits Events as structured zerolog entries under the "audit" component.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger.
func NewLogger() *Logger {
	l := log.WithComponent("audit").With().Str("log_type", "audit").Logger()
	return &Logger{logger: l}
}

// Log writes an audit event.
func (l *Logger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	entry := l.logger.Info().
		Time("timestamp", event.Timestamp).
		Str("event_type", string(event.Type)).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("resource", event.Resource).
		Str("result", event.Result)

	if event.RemoteAddr != "" {
		entry = entry.Str("remote_addr", event.RemoteAddr)
	}
	if event.RequestID != "" {
		entry = entry.Str("request_id", event.RequestID)
	}
	for k, v := range event.Details {
		entry = entry.Str(k, v)
	}
	entry.Msg("audit event")
}

// LogFromContext logs an event, filling RequestID from ctx when absent.
// RemoteAddr is not taken from ctx.
func (l *Logger) LogFromContext(ctx context.Context, event Event) {
	if event.RequestID == "" {
		event.RequestID = log.RequestIDFromContext(ctx)
	}
	l.Log(event)
}

// AuthSuccess logs a successful HMAC verification.
func (l *Logger) AuthSuccess(remoteAddr, endpoint string) {
	l.Log(Event{
		Type:       EventAuthSuccess,
		Actor:      remoteAddr,
		Action:     "authenticated successfully",
		Resource:   endpoint,
		Result:     "success",
		RemoteAddr: remoteAddr,
	})
}

// AuthFailure logs a rejected request, with reason as the rejection cause
// (malformed headers, clock skew, unknown identity, CIDR mismatch, bad signature).
func (l *Logger) AuthFailure(remoteAddr, endpoint, reason string) {
	l.Log(Event{
		Type:       EventAuthFailure,
		Actor:      remoteAddr,
		Action:     "authentication rejected",
		Resource:   endpoint,
		Result:     "failure",
		RemoteAddr: remoteAddr,
		Details:    map[string]string{"reason": reason},
	})
}

// AuthMissing logs a request that carried no signing headers at all.
func (l *Logger) AuthMissing(remoteAddr, endpoint string) {
	l.Log(Event{
		Type:       EventAuthMissing,
		Actor:      remoteAddr,
		Action:     "accessed endpoint without authentication",
		Resource:   endpoint,
		Result:     "denied",
		RemoteAddr: remoteAddr,
	})
}

// Forbidden logs a role/ownership check rejection.
func (l *Logger) Forbidden(actor, endpoint, reason string) {
	l.Log(Event{
		Type:     EventAPIForbidden,
		Actor:    actor,
		Action:   "role or ownership check rejected",
		Resource: endpoint,
		Result:   "denied",
		Details:  map[string]string{"reason": reason},
	})
}

// APIAccess logs a completed API request.
func (l *Logger) APIAccess(remoteAddr, method, endpoint string, statusCode int) {
	result := "success"
	if statusCode >= 400 {
		result = "failure"
	}
	l.Log(Event{
		Type:       EventAPIAccess,
		Actor:      remoteAddr,
		Action:     method + " " + endpoint,
		Resource:   endpoint,
		Result:     result,
		RemoteAddr: remoteAddr,
		Details: map[string]string{
			"method":      method,
			"status_code": formatInt(statusCode),
		},
	})
}

// RateLimitExceeded logs a throttled request.
func (l *Logger) RateLimitExceeded(remoteAddr, endpoint string) {
	l.Log(Event{
		Type:       EventAPIRateLimit,
		Actor:      remoteAddr,
		Action:     "rate limit exceeded",
		Resource:   endpoint,
		Result:     "denied",
		RemoteAddr: remoteAddr,
	})
}

// KeyRingRotated logs a batch key-rotation operation performed by the admin CLI.
func (l *Logger) KeyRingRotated(actor, newKeyID string, count int) {
	l.Log(Event{
		Type:     EventKeyRingRotated,
		Actor:    actor,
		Action:   "rotated identity credentials",
		Resource: "keyring",
		Result:   "success",
		Details: map[string]string{
			"new_key_id": newKeyID,
			"count":      formatInt(count),
		},
	})
}

func formatInt(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
