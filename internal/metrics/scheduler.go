// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SchedulerAssignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dffmpeg_coordinator_scheduler_assignments_total",
		Help: "Total pending->assigned transitions made by the scheduler.",
	}, []string{"binary"})

	SchedulerPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dffmpeg_coordinator_scheduler_pass_duration_seconds",
		Help:    "Wall time of one scheduler pass (tick or wake-up).",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})
)

// ObserveSchedulerAssignment records one successful job assignment.
func ObserveSchedulerAssignment(binary string) {
	SchedulerAssignmentsTotal.WithLabelValues(binary).Inc()
}
