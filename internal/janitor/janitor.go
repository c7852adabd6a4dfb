// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package janitor runs the Coordinator's periodic liveness sweeps (C5,
// spec.md §4.5): S1 reaps stale workers and the jobs they were holding, S2
// reverts jobs that were never accepted within the assignment timeout, S3
// fails jobs whose heartbeat went silent, S4 fails pending jobs that no
// worker could ever have served, S5 force-cancels jobs stuck in
// canceling, and S6 moves active-mode jobs whose client heartbeat went
// silent to canceling. Each sweep is an independent, idempotent, conditional
// per-row transaction: re-running a sweep against an already-cleaned
// table is always a no-op.
package janitor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/brwyatt/dffmpeg/internal/log"
	"github.com/brwyatt/dffmpeg/internal/metrics"
	"github.com/brwyatt/dffmpeg/internal/model"
	"github.com/brwyatt/dffmpeg/internal/pathvar"
	"github.com/brwyatt/dffmpeg/internal/resilience"
	"github.com/brwyatt/dffmpeg/internal/store"
	"github.com/brwyatt/dffmpeg/internal/transport"
	"github.com/brwyatt/dffmpeg/internal/ulid"
)

// Config controls sweep timing and the §4.5 timeout thresholds.
type Config struct {
	TickInterval time.Duration // how often all six sweeps run

	// WorkerThresholdFactor multiplies a worker's own registration_interval_s
	// to derive its staleness threshold (S1): a worker is stale when
	// now - last_seen_at > factor * registration_interval_s.
	WorkerThresholdFactor float64

	// JobAssignmentTimeout bounds how long an assigned job may wait to be
	// accepted (S2) and how long a canceling job may wait to confirm (S5).
	JobAssignmentTimeout time.Duration

	// JobHeartbeatThresholdFactor multiplies a job's own
	// heartbeat_interval_s to derive its heartbeat-loss threshold (S3).
	JobHeartbeatThresholdFactor float64

	// JobPendingTimeout bounds how long a pending job may wait before S4
	// fails it, provided no worker has ever been eligible for it.
	JobPendingTimeout time.Duration

	// ClientHeartbeatMissedFactor multiplies an active-mode job's own
	// heartbeat_interval_s to derive the client-heartbeat-loss threshold
	// (S6, spec.md §4.6: "if missed for > 2 x interval, Coordinator
	// cancels the job"). Detached-mode jobs are exempt.
	ClientHeartbeatMissedFactor float64
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.WorkerThresholdFactor <= 0 {
		c.WorkerThresholdFactor = 3.0
	}
	if c.JobAssignmentTimeout <= 0 {
		c.JobAssignmentTimeout = 30 * time.Second
	}
	if c.JobHeartbeatThresholdFactor <= 0 {
		c.JobHeartbeatThresholdFactor = 3.0
	}
	if c.JobPendingTimeout <= 0 {
		c.JobPendingTimeout = 24 * time.Hour
	}
	if c.ClientHeartbeatMissedFactor <= 0 {
		c.ClientHeartbeatMissedFactor = 2.0
	}
	return c
}

// Janitor runs the six sweeps on a timer until its context is canceled.
type Janitor struct {
	Store      store.Store
	Transports *transport.Registry
	Config     Config
}

// New constructs a Janitor. cfg's zero fields take the §4.5 defaults.
func New(st store.Store, transports *transport.Registry, cfg Config) *Janitor {
	return &Janitor{Store: st, Transports: transports, Config: cfg.withDefaults()}
}

// Run blocks, sweeping on every tick, until ctx is canceled.
func (j *Janitor) Run(ctx context.Context) error {
	logger := log.WithComponent("janitor")
	ticker := time.NewTicker(j.Config.TickInterval)
	defer ticker.Stop()

	logger.Info().Dur("tick_interval", j.Config.TickInterval).Msg("janitor started")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("janitor stopped")
			return ctx.Err()
		case <-ticker.C:
			j.sweepAll(ctx, logger)
		}
	}
}

// sweepAll runs S1 through S6 in order. A failure in one sweep is logged
// and does not block the others.
func (j *Janitor) sweepAll(ctx context.Context, logger zerolog.Logger) {
	j.sweepStaleWorkers(ctx, logger)
	j.sweepAssignmentTimeouts(ctx, logger)
	j.sweepHeartbeatLost(ctx, logger)
	j.sweepPendingTimeouts(ctx, logger)
	j.sweepCancelingTimeouts(ctx, logger)
	j.sweepClientHeartbeatMissed(ctx, logger)
}

// transitionWithRetry calls Store.JobTransition, retrying internally on a
// lost-race conditional update or a transient storage error (§7: "Conflict
// and TransientStorage are retried internally where safe — scheduling,
// janitor, log append"). Every sweep's transition is itself a conditional
// update guarded by a from-state list, so retrying is always safe: a retry
// either succeeds or fails the same guard again.
func (j *Janitor) transitionWithRetry(ctx context.Context, jobID string, from []model.JobState, to model.JobState, now time.Time, mutate func(*model.Job)) error {
	return resilience.RetryWithBackoff(ctx, 3, 20*time.Millisecond, func(err error) bool {
		return errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrTransient)
	}, func() error {
		return j.Store.JobTransition(ctx, jobID, from, to, now, mutate)
	})
}

// sweepStaleWorkers is S1: workers whose last_seen_at has exceeded their
// own registration-interval-derived threshold are marked offline, their
// running jobs fail with worker_lost, and their assigned jobs revert to
// pending so the scheduler can re-dispatch them.
func (j *Janitor) sweepStaleWorkers(ctx context.Context, logger zerolog.Logger) {
	now := time.Now()
	// WorkersStaleSince only takes a single absolute threshold, but each
	// worker's staleness window depends on its own registration interval;
	// pass "now" to fetch every online worker and apply the per-worker
	// factor here.
	candidates, err := j.Store.WorkersStaleSince(ctx, now)
	if err != nil {
		logger.Error().Err(err).Msg("S1: query stale workers failed")
		return
	}
	for _, w := range candidates {
		threshold := time.Duration(float64(w.RegistrationIntervalS)*j.Config.WorkerThresholdFactor) * time.Second
		if now.Sub(w.LastSeenAt) <= threshold {
			continue
		}

		if err := j.Store.WorkerMarkOffline(ctx, w.WorkerID); err != nil {
			logger.Error().Err(err).Str("worker_id", w.WorkerID).Msg("S1: mark worker offline failed")
			continue
		}
		logger.Warn().Str("worker_id", w.WorkerID).Msg("S1: worker stale, marked offline")
		metrics.IncJanitorSweep("S1", "worker_offline")

		for _, jobID := range w.RunningJobIDs {
			j.failJobOnWorkerLoss(ctx, logger, jobID, w.WorkerID)
		}
	}
}

// failJobOnWorkerLoss transitions one job held by a just-offlined worker:
// running jobs fail with worker_lost, assigned jobs revert to pending for
// the scheduler to retry. A canceling job is left for S5 to force-cancel.
func (j *Janitor) failJobOnWorkerLoss(ctx context.Context, logger zerolog.Logger, jobID, workerID string) {
	now := time.Now()

	err := j.transitionWithRetry(ctx, jobID, []model.JobState{model.JobRunning}, model.JobFailed, now, func(job *model.Job) {
		job.FailureKind = model.FailureWorkerLost
		job.EndedAt = now
	})
	if err == nil {
		logger.Warn().Str("job_id", jobID).Str("worker_id", workerID).Msg("S1: job failed, worker lost")
		metrics.IncJanitorSweep("S1", "job_failed_worker_lost")
		j.notifyClient(ctx, logger, jobID, model.DownlinkJobStateChanged, map[string]any{"job_id": jobID, "state": string(model.JobFailed)})
		return
	}

	err = j.transitionWithRetry(ctx, jobID, []model.JobState{model.JobAssigned}, model.JobPending, now, func(job *model.Job) {
		job.AssigneeID = ""
	})
	if err == nil {
		logger.Warn().Str("job_id", jobID).Str("worker_id", workerID).Msg("S1: assigned job reverted to pending, worker lost")
		metrics.IncJanitorSweep("S1", "job_reverted_worker_lost")
	}
}

// ReapWorker marks workerID offline and fails or reverts the running and
// assigned jobs it was holding, exactly as S1 does for a worker discovered stale. It is exported
// for the worker-deregister API handler (§3: "transitioned to offline by
// explicit deregister or by the janitor"), which needs S1's reaping without
// waiting for the next sweep tick.
func (j *Janitor) ReapWorker(ctx context.Context, workerID string) error {
	logger := log.WithComponent("janitor")
	w, err := j.Store.WorkerGet(ctx, workerID)
	if err != nil {
		return err
	}
	if err := j.Store.WorkerMarkOffline(ctx, workerID); err != nil {
		return err
	}
	for _, jobID := range w.RunningJobIDs {
		j.failJobOnWorkerLoss(ctx, logger, jobID, workerID)
	}
	return nil
}

// sweepAssignmentTimeouts is S2: a job stuck in assigned longer than
// JobAssignmentTimeout without being accepted reverts to pending. The
// retry counter is process-local and never persisted (SPEC_FULL.md §D).
func (j *Janitor) sweepAssignmentTimeouts(ctx context.Context, logger zerolog.Logger) {
	threshold := time.Now().Add(-j.Config.JobAssignmentTimeout)
	jobs, err := j.Store.JobsInStateOlderThan(ctx, []model.JobState{model.JobAssigned}, store.FieldAssignedAt, threshold)
	if err != nil {
		logger.Error().Err(err).Msg("S2: query assignment timeouts failed")
		return
	}
	for _, job := range jobs {
		now := time.Now()
		assigneeID := job.AssigneeID
		err := j.transitionWithRetry(ctx, job.JobID, []model.JobState{model.JobAssigned}, model.JobPending, now, func(jb *model.Job) {
			jb.AssigneeID = ""
		})
		if err != nil {
			continue
		}
		logger.Warn().Str("job_id", job.JobID).Str("worker_id", assigneeID).Msg("S2: assignment timed out, reverted to pending")
		metrics.IncJanitorSweep("S2", "reverted")
		metrics.JanitorAssignmentRetriesTotal.WithLabelValues(job.Binary).Inc()

		if assigneeID != "" {
			j.notifyWorker(ctx, logger, assigneeID, job.JobID, model.DownlinkJobCanceled, map[string]any{"job_id": job.JobID, "reason": "assignment_timeout"})
		}
	}
}

// sweepHeartbeatLost is S3: a running or canceling job whose heartbeat has
// gone silent longer than the job's own heartbeat-threshold fails with
// heartbeat_lost.
func (j *Janitor) sweepHeartbeatLost(ctx context.Context, logger zerolog.Logger) {
	now := time.Now()
	// As with S1, the per-job threshold depends on the job's own
	// heartbeat_interval_s, so fetch broadly and filter precisely here.
	jobs, err := j.Store.JobsInStateOlderThan(ctx, []model.JobState{model.JobRunning, model.JobCanceling}, store.FieldLastHeartbeatAt, now)
	if err != nil {
		logger.Error().Err(err).Msg("S3: query heartbeat-lost jobs failed")
		return
	}
	for _, job := range jobs {
		threshold := time.Duration(float64(job.HeartbeatIntervalS)*j.Config.JobHeartbeatThresholdFactor) * time.Second
		if now.Sub(job.LastHeartbeatAt) <= threshold {
			continue
		}

		err := j.transitionWithRetry(ctx, job.JobID, []model.JobState{model.JobRunning, model.JobCanceling}, model.JobFailed, now, func(jb *model.Job) {
			jb.FailureKind = model.FailureHeartbeatLost
			jb.EndedAt = now
		})
		if err != nil {
			continue
		}
		logger.Warn().Str("job_id", job.JobID).Msg("S3: job failed, heartbeat lost")
		metrics.IncJanitorSweep("S3", "failed_heartbeat_lost")
		j.notifyClient(ctx, logger, job.JobID, model.DownlinkJobStateChanged, map[string]any{"job_id": job.JobID, "state": string(model.JobFailed)})
		if job.AssigneeID != "" {
			j.notifyWorker(ctx, logger, job.AssigneeID, job.JobID, model.DownlinkJobCanceled, map[string]any{"job_id": job.JobID, "reason": "heartbeat_lost"})
		}
	}
}

// sweepPendingTimeouts is S4: a pending job aged past JobPendingTimeout
// fails with no_eligible_worker, but only when no registered worker has
// ever been able to serve it (a worker that merely hasn't polled recently
// does not count against it, since Workers are never deleted).
func (j *Janitor) sweepPendingTimeouts(ctx context.Context, logger zerolog.Logger) {
	threshold := time.Now().Add(-j.Config.JobPendingTimeout)
	jobs, err := j.Store.JobsInStateOlderThan(ctx, []model.JobState{model.JobPending}, store.FieldCreatedAt, threshold)
	if err != nil {
		logger.Error().Err(err).Msg("S4: query pending timeouts failed")
		return
	}
	if len(jobs) == 0 {
		return
	}
	workers, err := j.Store.WorkersAll(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("S4: query all workers failed")
		return
	}

	for _, job := range jobs {
		if pathvar.EverEligible(job.Binary, job.RequiredVariables, workers) {
			continue
		}
		now := time.Now()
		err := j.transitionWithRetry(ctx, job.JobID, []model.JobState{model.JobPending}, model.JobFailed, now, func(jb *model.Job) {
			jb.FailureKind = model.FailureNoEligibleWorker
			jb.EndedAt = now
		})
		if err != nil {
			continue
		}
		logger.Warn().Str("job_id", job.JobID).Msg("S4: pending job failed, no eligible worker ever existed")
		metrics.IncJanitorSweep("S4", "failed_no_eligible_worker")
		j.notifyClient(ctx, logger, job.JobID, model.DownlinkJobStateChanged, map[string]any{"job_id": job.JobID, "state": string(model.JobFailed)})
	}
}

// sweepCancelingTimeouts is S5: a job stuck in canceling longer than
// JobAssignmentTimeout, measured from when it entered canceling, is
// force-canceled. This is the documented resolution for a canceling job
// whose assignee goes offline simultaneously: S5 wins.
func (j *Janitor) sweepCancelingTimeouts(ctx context.Context, logger zerolog.Logger) {
	threshold := time.Now().Add(-j.Config.JobAssignmentTimeout)
	jobs, err := j.Store.JobsInStateOlderThan(ctx, []model.JobState{model.JobCanceling}, store.FieldStateEnteredAt, threshold)
	if err != nil {
		logger.Error().Err(err).Msg("S5: query canceling timeouts failed")
		return
	}
	for _, job := range jobs {
		now := time.Now()
		err := j.transitionWithRetry(ctx, job.JobID, []model.JobState{model.JobCanceling}, model.JobCanceled, now, func(jb *model.Job) {
			jb.EndedAt = now
		})
		if err != nil {
			continue
		}
		logger.Warn().Str("job_id", job.JobID).Msg("S5: canceling job force-canceled")
		metrics.IncJanitorSweep("S5", "force_canceled")
		j.notifyClient(ctx, logger, job.JobID, model.DownlinkJobStateChanged, map[string]any{"job_id": job.JobID, "state": string(model.JobCanceled)})
		if job.AssigneeID != "" {
			j.notifyWorker(ctx, logger, job.AssigneeID, job.JobID, model.DownlinkJobCanceled, map[string]any{"job_id": job.JobID, "reason": "cancel_timeout"})
		}
	}
}

// sweepClientHeartbeatMissed is S6 (spec.md §4.6): an active-mode job whose
// submitter has stopped sending client heartbeats moves to canceling, the
// same transition a client-initiated cancel would cause; S5 eventually
// force-cancels it if the worker never acknowledges. Detached-mode jobs
// are immune by construction.
func (j *Janitor) sweepClientHeartbeatMissed(ctx context.Context, logger zerolog.Logger) {
	now := time.Now()
	jobs, err := j.Store.JobsInStateOlderThan(ctx, []model.JobState{model.JobAssigned, model.JobRunning}, store.FieldLastClientHeartbeatAt, now)
	if err != nil {
		logger.Error().Err(err).Msg("S6: query client-heartbeat-missed jobs failed")
		return
	}
	for _, job := range jobs {
		if job.Mode != model.ModeActive {
			continue
		}
		baseline := job.LastClientHeartbeat
		if baseline.IsZero() {
			baseline = job.AssignedAt // grace period before the client's first heartbeat
		}
		threshold := time.Duration(float64(job.HeartbeatIntervalS)*j.Config.ClientHeartbeatMissedFactor) * time.Second
		if now.Sub(baseline) <= threshold {
			continue
		}

		err := j.transitionWithRetry(ctx, job.JobID, []model.JobState{model.JobAssigned, model.JobRunning}, model.JobCanceling, now, nil)
		if err != nil {
			continue
		}
		logger.Warn().Str("job_id", job.JobID).Msg("S6: job canceling, client heartbeat missed")
		metrics.IncJanitorSweep("S6", "canceling_client_heartbeat_missed")
		if job.AssigneeID != "" {
			j.notifyWorker(ctx, logger, job.AssigneeID, job.JobID, model.DownlinkJobCanceled, map[string]any{"job_id": job.JobID, "reason": "client_heartbeat_missed"})
		}
	}
}

// notifyClient best-effort notifies a job's submitter over its negotiated
// transport. Delivery failure never blocks the sweep: the repository
// transition already committed and remains authoritative (§7).
func (j *Janitor) notifyClient(ctx context.Context, logger zerolog.Logger, jobID string, kind model.DownlinkKind, payload map[string]any) {
	job, err := j.Store.JobGet(ctx, jobID)
	if err != nil {
		return
	}
	j.send(ctx, logger, transport.Target{RecipientID: job.SubmitterID, IsWorker: false, JobID: jobID}, kind, payload)
}

// notifyWorker best-effort notifies a worker over its negotiated transport.
func (j *Janitor) notifyWorker(ctx context.Context, logger zerolog.Logger, workerID, jobID string, kind model.DownlinkKind, payload map[string]any) {
	j.send(ctx, logger, transport.Target{RecipientID: workerID, IsWorker: true, JobID: jobID}, kind, payload)
}

func (j *Janitor) send(ctx context.Context, logger zerolog.Logger, target transport.Target, kind model.DownlinkKind, payload map[string]any) {
	transportName := transport.NameHTTPPolling
	if target.IsWorker {
		if w, err := j.Store.WorkerGet(ctx, target.RecipientID); err == nil && w.TransportChoice != "" && j.Transports.Get(w.TransportChoice) != nil {
			transportName = w.TransportChoice
		}
	}

	msg := &model.DownlinkMessage{
		MessageID: ulid.New(),
		Kind:      kind,
		Schema:    "v1",
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := j.Transports.Send(ctx, transportName, target, msg); err != nil {
		logger.Warn().Err(err).Str("transport", transportName).Str("recipient_id", target.RecipientID).Msg("janitor downlink send failed")
	}
}
