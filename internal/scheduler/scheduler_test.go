// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/brwyatt/dffmpeg/internal/model"
	"github.com/brwyatt/dffmpeg/internal/store/memory"
	"github.com/brwyatt/dffmpeg/internal/transport"
)

func getCounterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if labelsMatch(m.GetLabel(), labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func getHistogramSampleCount(t *testing.T, name string) uint64 {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			var total uint64
			for _, m := range mf.Metric {
				total += m.GetHistogram().GetSampleCount()
			}
			return total
		}
	}
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(pairs) != len(labels) {
		return false
	}
	for _, pair := range pairs {
		if labels[pair.GetName()] != pair.GetValue() {
			return false
		}
	}
	return true
}

func newTestRegistry(t *testing.T, st *memory.Store) *transport.Registry {
	t.Helper()
	reg, err := transport.NewRegistry(transport.NewHTTPPolling(st))
	require.NoError(t, err)
	return reg
}

func TestScheduler_RunPass_AssignsEligibleJobAndNotifies(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	now := time.Now()

	_, err := st.WorkerRegister(ctx, "w1", 15, "1.0", []string{"ffmpeg"}, []string{"M"}, transport.NameHTTPPolling, now)
	require.NoError(t, err)

	require.NoError(t, st.JobsSubmit(ctx, &model.Job{
		JobID:             "job1",
		SubmitterID:       "client1",
		State:             model.JobPending,
		Binary:            "ffmpeg",
		RequiredVariables: []string{"M"},
		CreatedAt:         now,
		StateEnteredAt:    now,
	}))

	sched := New(st, newTestRegistry(t, st), Config{AllowedBinaries: []string{"ffmpeg"}})
	logger := discardLogger()
	sched.runPass(ctx, logger)

	job, err := st.JobGet(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.JobAssigned, job.State)
	assert.Equal(t, "w1", job.AssigneeID)

	msgs, err := st.DownlinkDrain(ctx, "w1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.DownlinkJobAssigned, msgs[0].Kind)
	assert.Equal(t, "job1", msgs[0].Payload["job_id"])
}

func TestScheduler_RunPass_RecordsAssignmentMetrics(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	now := time.Now()

	_, err := st.WorkerRegister(ctx, "w1", 15, "1.0", []string{"ffmpeg"}, nil, transport.NameHTTPPolling, now)
	require.NoError(t, err)

	require.NoError(t, st.JobsSubmit(ctx, &model.Job{
		JobID:          "job1",
		SubmitterID:    "client1",
		State:          model.JobPending,
		Binary:         "ffmpeg",
		CreatedAt:      now,
		StateEnteredAt: now,
	}))

	before := getCounterValue(t, "dffmpeg_coordinator_scheduler_assignments_total", map[string]string{"binary": "ffmpeg"})
	beforePasses := getHistogramSampleCount(t, "dffmpeg_coordinator_scheduler_pass_duration_seconds")

	sched := New(st, newTestRegistry(t, st), Config{AllowedBinaries: []string{"ffmpeg"}})
	sched.runPass(ctx, discardLogger())

	after := getCounterValue(t, "dffmpeg_coordinator_scheduler_assignments_total", map[string]string{"binary": "ffmpeg"})
	afterPasses := getHistogramSampleCount(t, "dffmpeg_coordinator_scheduler_pass_duration_seconds")

	assert.Equal(t, before+1, after)
	assert.Equal(t, beforePasses+1, afterPasses)
}

func TestScheduler_RunPass_NoEligibleWorkerLeavesJobPending(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	now := time.Now()

	require.NoError(t, st.JobsSubmit(ctx, &model.Job{
		JobID:             "job1",
		SubmitterID:       "client1",
		State:             model.JobPending,
		Binary:            "ffmpeg",
		RequiredVariables: []string{"Z"},
		CreatedAt:         now,
		StateEnteredAt:    now,
	}))

	sched := New(st, newTestRegistry(t, st), Config{AllowedBinaries: []string{"ffmpeg"}})
	sched.runPass(ctx, discardLogger())

	job, err := st.JobGet(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.State)
}

func TestScheduler_Wake_CoalescesPendingSignal(t *testing.T) {
	st := memory.New()
	sched := New(st, newTestRegistry(t, st), Config{})
	sched.Wake()
	sched.Wake() // second call must not block: channel is already full
	select {
	case <-sched.wake:
	default:
		t.Fatal("expected a coalesced wake signal")
	}
}

func TestScheduler_Run_StopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	st := memory.New()
	sched := New(st, newTestRegistry(t, st), Config{TickInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}
