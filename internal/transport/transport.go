// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package transport implements the transport registry and downlink
// delivery layer (C3): a named plugin interface, peer/coordinator
// preference-order negotiation, and three built-ins — http_polling
// (durable, store-backed long-poll), mqtt (best-effort QoS 1), and amqp
// (durable, broker-routed).
package transport

import (
	"context"
	"fmt"

	"github.com/brwyatt/dffmpeg/internal/model"
	"github.com/brwyatt/dffmpeg/internal/ratelimit"
)

// Names of the built-in transports.
const (
	NameHTTPPolling = "http_polling"
	NameMQTT        = "mqtt"
	NameAMQP        = "amqp"
)

// Target identifies who a downlink message is addressed to and, for
// broker transports that need it for topic/routing-key construction,
// which job it concerns.
type Target struct {
	RecipientID string // worker_id or client_id, matches DownlinkMessage.RecipientID
	IsWorker    bool
	JobID       string // set when the message concerns a specific job (client-addressed)
}

// Transport is a named plugin exposing the server-side send interface
// (§4.3). CanSend lets the registry skip a transport whose underlying
// connection is known to be unavailable without attempting Send.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	CanSend(target Target) bool
	Send(ctx context.Context, target Target, msg *model.DownlinkMessage) error
}

// Registry holds the Coordinator's enabled transports, in the
// Coordinator's own configured preference order, and negotiates a
// single choice per peer.
type Registry struct {
	enabled []Transport
	byName  map[string]Transport

	// SendLimiter, when set, paces downlink sends per recipient and per
	// transport so one noisy peer or a scheduler burst cannot exhaust a
	// broker's throughput budget. Unset (nil) means unpaced.
	SendLimiter *ratelimit.Limiter
}

// NewRegistry builds a Registry from transports in Coordinator preference
// order. http_polling must be present — it is the universal fallback
// (§4.3) — registration fails loudly otherwise rather than silently
// degrading peers that have no other transport in common.
func NewRegistry(transports ...Transport) (*Registry, error) {
	byName := make(map[string]Transport, len(transports))
	for _, t := range transports {
		byName[t.Name()] = t
	}
	if _, ok := byName[NameHTTPPolling]; !ok {
		return nil, fmt.Errorf("transport: %s must be registered", NameHTTPPolling)
	}
	return &Registry{enabled: transports, byName: byName}, nil
}

// EnabledNames returns the Coordinator's enabled transport names, in
// Coordinator preference order.
func (r *Registry) EnabledNames() []string {
	names := make([]string, len(r.enabled))
	for i, t := range r.enabled {
		names[i] = t.Name()
	}
	return names
}

// Negotiate intersects peerPreference with the Coordinator's enabled set,
// preserving *peer* order (§4.3), and returns the first match. Falls back
// to http_polling if peerPreference contains no match — it is required to
// be in both sets, so this never fails outright.
func (r *Registry) Negotiate(peerPreference []string) string {
	for _, name := range peerPreference {
		if _, ok := r.byName[name]; ok {
			return name
		}
	}
	return NameHTTPPolling
}

// Get returns the transport registered under name, or nil if absent.
func (r *Registry) Get(name string) Transport {
	return r.byName[name]
}

// Send dispatches msg via the transport chosen for target's recipient.
// Delivery failures on best-effort transports (mqtt, amqp) are the
// caller's responsibility to treat as TransportUnavailable — the
// repository remains the authoritative record regardless (§4.3). A
// transport whose CanSend reports false is skipped with an error and
// Send is not attempted.
func (r *Registry) Send(ctx context.Context, transportName string, target Target, msg *model.DownlinkMessage) error {
	t, ok := r.byName[transportName]
	if !ok {
		return fmt.Errorf("transport: unknown transport %q", transportName)
	}
	if !t.CanSend(target) {
		return fmt.Errorf("transport: %q unavailable for %q", transportName, target.RecipientID)
	}
	if r.SendLimiter != nil && !r.SendLimiter.Allow(target.RecipientID, transportName) {
		return fmt.Errorf("transport: send to %q via %q rate-limited", target.RecipientID, transportName)
	}
	return t.Send(ctx, target, msg)
}
