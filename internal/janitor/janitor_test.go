// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/brwyatt/dffmpeg/internal/model"
	"github.com/brwyatt/dffmpeg/internal/store/memory"
	"github.com/brwyatt/dffmpeg/internal/transport"
)

func discardLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestRegistry(t *testing.T, st *memory.Store) *transport.Registry {
	t.Helper()
	reg, err := transport.NewRegistry(transport.NewHTTPPolling(st))
	require.NoError(t, err)
	return reg
}

func testConfig() Config {
	return Config{
		TickInterval:                time.Second,
		WorkerThresholdFactor:       3.0,
		JobAssignmentTimeout:        30 * time.Second,
		JobHeartbeatThresholdFactor: 3.0,
		JobPendingTimeout:           24 * time.Hour,
	}
}

func TestSweepStaleWorkers_MarksOfflineAndFailsRunningJob(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	now := time.Now()

	_, err := st.WorkerRegister(ctx, "w1", 15, "1.0", []string{"ffmpeg"}, nil, transport.NameHTTPPolling, now.Add(-1*time.Hour))
	require.NoError(t, err)
	require.NoError(t, st.WorkerHeartbeat(ctx, "w1", now.Add(-1*time.Minute))) // 60s > 3*15s threshold

	require.NoError(t, st.JobsSubmit(ctx, &model.Job{
		JobID:          "job1",
		SubmitterID:    "client1",
		AssigneeID:     "w1",
		State:          model.JobRunning,
		Binary:         "ffmpeg",
		CreatedAt:      now.Add(-time.Hour),
		StateEnteredAt: now.Add(-time.Hour),
	}))

	j := New(st, newTestRegistry(t, st), testConfig())
	j.sweepStaleWorkers(ctx, discardLogger())

	w, err := st.WorkerGet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkerOffline, w.Status)

	job, err := st.JobGet(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.State)
	assert.Equal(t, model.FailureWorkerLost, job.FailureKind)
}

func TestSweepStaleWorkers_RevertsAssignedJobToPending(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	now := time.Now()

	_, err := st.WorkerRegister(ctx, "w1", 15, "1.0", []string{"ffmpeg"}, nil, transport.NameHTTPPolling, now.Add(-1*time.Hour))
	require.NoError(t, err)
	require.NoError(t, st.WorkerHeartbeat(ctx, "w1", now.Add(-1*time.Minute)))

	require.NoError(t, st.JobsSubmit(ctx, &model.Job{
		JobID:          "job1",
		SubmitterID:    "client1",
		AssigneeID:     "w1",
		State:          model.JobAssigned,
		Binary:         "ffmpeg",
		CreatedAt:      now.Add(-time.Hour),
		AssignedAt:     now.Add(-time.Hour),
		StateEnteredAt: now.Add(-time.Hour),
	}))

	j := New(st, newTestRegistry(t, st), testConfig())
	j.sweepStaleWorkers(ctx, discardLogger())

	job, err := st.JobGet(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.State)
	assert.Equal(t, "", job.AssigneeID)
}

func TestSweepStaleWorkers_IgnoresFreshWorker(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	now := time.Now()

	_, err := st.WorkerRegister(ctx, "w1", 15, "1.0", []string{"ffmpeg"}, nil, transport.NameHTTPPolling, now)
	require.NoError(t, err)

	j := New(st, newTestRegistry(t, st), testConfig())
	j.sweepStaleWorkers(ctx, discardLogger())

	w, err := st.WorkerGet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkerOnline, w.Status)
}

func TestSweepAssignmentTimeouts_RevertsToPending(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	now := time.Now()

	_, err := st.WorkerRegister(ctx, "w1", 15, "1.0", []string{"ffmpeg"}, nil, transport.NameHTTPPolling, now)
	require.NoError(t, err)

	require.NoError(t, st.JobsSubmit(ctx, &model.Job{
		JobID:          "job1",
		SubmitterID:    "client1",
		AssigneeID:     "w1",
		State:          model.JobAssigned,
		Binary:         "ffmpeg",
		CreatedAt:      now.Add(-time.Minute),
		AssignedAt:     now.Add(-time.Minute), // > 30s timeout
		StateEnteredAt: now.Add(-time.Minute),
	}))

	j := New(st, newTestRegistry(t, st), testConfig())
	j.sweepAssignmentTimeouts(ctx, discardLogger())

	job, err := st.JobGet(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.State)
	assert.Equal(t, "", job.AssigneeID)
}

func TestSweepAssignmentTimeouts_LeavesRecentAssignment(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	now := time.Now()

	_, err := st.WorkerRegister(ctx, "w1", 15, "1.0", []string{"ffmpeg"}, nil, transport.NameHTTPPolling, now)
	require.NoError(t, err)

	require.NoError(t, st.JobsSubmit(ctx, &model.Job{
		JobID:          "job1",
		SubmitterID:    "client1",
		AssigneeID:     "w1",
		State:          model.JobAssigned,
		Binary:         "ffmpeg",
		CreatedAt:      now,
		AssignedAt:     now,
		StateEnteredAt: now,
	}))

	j := New(st, newTestRegistry(t, st), testConfig())
	j.sweepAssignmentTimeouts(ctx, discardLogger())

	job, err := st.JobGet(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.JobAssigned, job.State)
}

func TestSweepHeartbeatLost_FailsJob(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	now := time.Now()

	require.NoError(t, st.JobsSubmit(ctx, &model.Job{
		JobID:              "job1",
		SubmitterID:        "client1",
		AssigneeID:         "w1",
		State:              model.JobRunning,
		Binary:             "ffmpeg",
		CreatedAt:          now.Add(-time.Hour),
		StateEnteredAt:     now.Add(-time.Hour),
		HeartbeatIntervalS: 5,
		LastHeartbeatAt:    now.Add(-time.Minute), // 60s > 3*5s threshold
	}))

	j := New(st, newTestRegistry(t, st), testConfig())
	j.sweepHeartbeatLost(ctx, discardLogger())

	job, err := st.JobGet(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.State)
	assert.Equal(t, model.FailureHeartbeatLost, job.FailureKind)
}

func TestSweepHeartbeatLost_IgnoresRecentHeartbeat(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	now := time.Now()

	require.NoError(t, st.JobsSubmit(ctx, &model.Job{
		JobID:              "job1",
		SubmitterID:        "client1",
		State:              model.JobRunning,
		Binary:             "ffmpeg",
		CreatedAt:          now,
		StateEnteredAt:     now,
		HeartbeatIntervalS: 30,
		LastHeartbeatAt:    now,
	}))

	j := New(st, newTestRegistry(t, st), testConfig())
	j.sweepHeartbeatLost(ctx, discardLogger())

	job, err := st.JobGet(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, job.State)
}

func TestSweepPendingTimeouts_FailsWhenNoEligibleWorkerEverExisted(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	now := time.Now()

	require.NoError(t, st.JobsSubmit(ctx, &model.Job{
		JobID:          "job1",
		SubmitterID:    "client1",
		State:          model.JobPending,
		Binary:         "rare-codec",
		CreatedAt:      now.Add(-48 * time.Hour),
		StateEnteredAt: now.Add(-48 * time.Hour),
	}))

	j := New(st, newTestRegistry(t, st), testConfig())
	j.sweepPendingTimeouts(ctx, discardLogger())

	job, err := st.JobGet(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.State)
	assert.Equal(t, model.FailureNoEligibleWorker, job.FailureKind)
}

func TestSweepPendingTimeouts_SparesJobWithEverEligibleWorker(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	now := time.Now()

	_, err := st.WorkerRegister(ctx, "w1", 15, "1.0", []string{"ffmpeg"}, nil, transport.NameHTTPPolling, now)
	require.NoError(t, err)
	require.NoError(t, st.WorkerMarkOffline(ctx, "w1")) // offline now, but once existed

	require.NoError(t, st.JobsSubmit(ctx, &model.Job{
		JobID:          "job1",
		SubmitterID:    "client1",
		State:          model.JobPending,
		Binary:         "ffmpeg",
		CreatedAt:      now.Add(-48 * time.Hour),
		StateEnteredAt: now.Add(-48 * time.Hour),
	}))

	j := New(st, newTestRegistry(t, st), testConfig())
	j.sweepPendingTimeouts(ctx, discardLogger())

	job, err := st.JobGet(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.State)
}

func TestSweepCancelingTimeouts_ForceCancels(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	now := time.Now()

	require.NoError(t, st.JobsSubmit(ctx, &model.Job{
		JobID:          "job1",
		SubmitterID:    "client1",
		AssigneeID:     "w1",
		State:          model.JobCanceling,
		Binary:         "ffmpeg",
		CreatedAt:      now.Add(-time.Hour),
		StateEnteredAt: now.Add(-time.Minute), // > 30s assignment timeout
	}))

	j := New(st, newTestRegistry(t, st), testConfig())
	j.sweepCancelingTimeouts(ctx, discardLogger())

	job, err := st.JobGet(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.JobCanceled, job.State)
}

func TestSweepCancelingTimeouts_LeavesRecentCancelRequest(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	now := time.Now()

	require.NoError(t, st.JobsSubmit(ctx, &model.Job{
		JobID:          "job1",
		SubmitterID:    "client1",
		State:          model.JobCanceling,
		Binary:         "ffmpeg",
		CreatedAt:      now,
		StateEnteredAt: now,
	}))

	j := New(st, newTestRegistry(t, st), testConfig())
	j.sweepCancelingTimeouts(ctx, discardLogger())

	job, err := st.JobGet(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.JobCanceling, job.State)
}

func TestSweepAll_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	now := time.Now()

	require.NoError(t, st.JobsSubmit(ctx, &model.Job{
		JobID:          "job1",
		SubmitterID:    "client1",
		State:          model.JobCanceling,
		Binary:         "ffmpeg",
		CreatedAt:      now.Add(-time.Hour),
		StateEnteredAt: now.Add(-time.Minute),
	}))

	j := New(st, newTestRegistry(t, st), testConfig())
	logger := discardLogger()
	j.sweepAll(ctx, logger)
	j.sweepAll(ctx, logger) // re-running against an already-terminal job must not error or re-mutate

	job, err := st.JobGet(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.JobCanceled, job.State)
}

func TestReapWorker_MarksOfflineAndFailsRunningJob(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	now := time.Now()

	_, err := st.WorkerRegister(ctx, "w1", 15, "1.0", []string{"ffmpeg"}, nil, transport.NameHTTPPolling, now)
	require.NoError(t, err)

	require.NoError(t, st.JobsSubmit(ctx, &model.Job{
		JobID:          "job1",
		SubmitterID:    "client1",
		AssigneeID:     "w1",
		State:          model.JobRunning,
		Binary:         "ffmpeg",
		CreatedAt:      now,
		StateEnteredAt: now,
	}))

	j := New(st, newTestRegistry(t, st), testConfig())
	require.NoError(t, j.ReapWorker(ctx, "w1"))

	w, err := st.WorkerGet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkerOffline, w.Status)

	job, err := st.JobGet(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.State)
	assert.Equal(t, model.FailureWorkerLost, job.FailureKind)
}

func TestReapWorker_RevertsAssignedJobToPending(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	now := time.Now()

	_, err := st.WorkerRegister(ctx, "w1", 15, "1.0", []string{"ffmpeg"}, nil, transport.NameHTTPPolling, now)
	require.NoError(t, err)

	require.NoError(t, st.JobsSubmit(ctx, &model.Job{
		JobID:          "job1",
		SubmitterID:    "client1",
		AssigneeID:     "w1",
		State:          model.JobAssigned,
		Binary:         "ffmpeg",
		CreatedAt:      now,
		AssignedAt:     now,
		StateEnteredAt: now,
	}))

	j := New(st, newTestRegistry(t, st), testConfig())
	require.NoError(t, j.ReapWorker(ctx, "w1"))

	job, err := st.JobGet(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.State)
	assert.Equal(t, "", job.AssigneeID)
}

func TestReapWorker_UnknownWorkerReturnsError(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	j := New(st, newTestRegistry(t, st), testConfig())
	err := j.ReapWorker(ctx, "missing")
	assert.Error(t, err)
}

func TestJanitor_Run_StopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	st := memory.New()
	cfg := testConfig()
	cfg.TickInterval = 10 * time.Millisecond
	j := New(st, newTestRegistry(t, st), cfg)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after context cancellation")
	}
}
