// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// JanitorSweepActionsTotal counts rows each sweep actually mutated, by
// sweep name (S1..S6) and the failure_kind/outcome applied, if any.
var JanitorSweepActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dffmpeg_coordinator_janitor_sweep_actions_total",
	Help: "Total rows mutated by each janitor sweep, by sweep and outcome.",
}, []string{"sweep", "outcome"})

// JanitorAssignmentRetriesTotal is the process-local, non-persisted
// assignment-timeout retry counter (spec.md §4.5 S2, §9: "not persisted as
// a first-class field; observable via logs" — here also via this metric).
var JanitorAssignmentRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dffmpeg_coordinator_janitor_assignment_retries_total",
	Help: "Total S2 assignment-timeout reverts (assigned job never accepted in time).",
}, []string{"binary"})

// IncJanitorSweep records one mutated row for sweep/outcome.
func IncJanitorSweep(sweep, outcome string) {
	JanitorSweepActionsTotal.WithLabelValues(sweep, outcome).Inc()
}
