// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransportSendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dffmpeg_coordinator_transport_send_total",
		Help: "Total downlink sends attempted per transport",
	}, []string{"transport"})

	TransportSendDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dffmpeg_coordinator_transport_send_dropped_total",
		Help: "Total downlink sends that failed to reach the transport, by transport and reason",
	}, []string{"transport", "reason"})
)

// IncTransportSend records a send attempt on the named transport.
func IncTransportSend(transport string) {
	TransportSendTotal.WithLabelValues(transport).Inc()
}

// IncTransportDrop records a failed send with a concrete reason.
func IncTransportDrop(transport, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	TransportSendDroppedTotal.WithLabelValues(transport, reason).Inc()
}
