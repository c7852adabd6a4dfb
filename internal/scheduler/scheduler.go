// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package scheduler drives the Coordinator's pending->assigned transition
// (C4). The eligibility filter and tie-break order are owned by the
// repository's atomic jobs_assign_one primitive (§4.4); this package only
// decides when to call it and fires the resulting downlink notification.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/brwyatt/dffmpeg/internal/log"
	"github.com/brwyatt/dffmpeg/internal/metrics"
	"github.com/brwyatt/dffmpeg/internal/model"
	"github.com/brwyatt/dffmpeg/internal/store"
	"github.com/brwyatt/dffmpeg/internal/transport"
	"github.com/brwyatt/dffmpeg/internal/ulid"
)

// Config controls scheduler timing and the global binary allow-list.
type Config struct {
	TickInterval    time.Duration // default 1s (§4.4)
	AllowedBinaries []string
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	return c
}

// Scheduler matches pending jobs to eligible workers on a timer and on
// wake-up events, coalescing concurrent wake-ups into a single pass.
type Scheduler struct {
	Store      store.Store
	Transports *transport.Registry
	Config     Config

	wake chan struct{}
}

// New constructs a Scheduler. cfg's zero TickInterval defaults to 1s.
func New(st store.Store, transports *transport.Registry, cfg Config) *Scheduler {
	return &Scheduler{
		Store:      st,
		Transports: transports,
		Config:     cfg.withDefaults(),
		wake:       make(chan struct{}, 1),
	}
}

// Wake requests an out-of-band scheduling pass (job submitted, worker came
// online, worker completed a job). It never blocks: a pending wake-up
// already queued satisfies any additional request (§4.4 coalescing).
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run blocks processing ticks and wake-ups until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := log.WithComponent("scheduler")
	ticker := time.NewTicker(s.Config.TickInterval)
	defer ticker.Stop()

	logger.Info().Dur("tick_interval", s.Config.TickInterval).Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runPass(ctx, logger)
		case <-s.wake:
			s.runPass(ctx, logger)
		}
	}
}

// runPass assigns as many (job, worker) pairs as are currently viable. The
// repository's conditional update makes re-running this with nothing left
// to assign a no-op (§4.4: cooperative and idempotent).
func (s *Scheduler) runPass(ctx context.Context, logger zerolog.Logger) {
	start := time.Now()
	defer func() { metrics.SchedulerPassDuration.Observe(time.Since(start).Seconds()) }()

	for {
		jobID, workerID, err := s.Store.JobsAssignOne(ctx, s.Config.AllowedBinaries, time.Now())
		if err != nil {
			logger.Error().Err(err).Msg("jobs_assign_one failed")
			return
		}
		if jobID == "" {
			return
		}
		logger.Info().Str(log.FieldJobID, jobID).Str(log.FieldWorkerID, workerID).Msg("job assigned")
		assignCtx := log.ContextWithWorkerID(log.ContextWithJobID(ctx, jobID), workerID)
		assignLogger := log.WithContext(assignCtx, logger)

		if job, err := s.Store.JobGet(assignCtx, jobID); err != nil {
			assignLogger.Warn().Err(err).Msg("could not resolve job for assignment metric")
		} else {
			metrics.ObserveSchedulerAssignment(job.Binary)
		}

		s.notifyAssigned(assignCtx, assignLogger, jobID, workerID)
	}
}

func (s *Scheduler) notifyAssigned(ctx context.Context, logger zerolog.Logger, jobID, workerID string) {
	w, err := s.Store.WorkerGet(ctx, workerID)
	if err != nil {
		logger.Warn().Err(err).Msg("could not resolve worker for downlink, skipping")
		return
	}
	transportName := w.TransportChoice
	if transportName == "" || s.Transports.Get(transportName) == nil {
		transportName = transport.NameHTTPPolling
	}

	msg := &model.DownlinkMessage{
		MessageID: ulid.New(),
		Kind:      model.DownlinkJobAssigned,
		Schema:    "v1",
		Payload:   map[string]any{"job_id": jobID},
		CreatedAt: time.Now(),
	}
	target := transport.Target{RecipientID: workerID, IsWorker: true, JobID: jobID}
	if err := s.Transports.Send(ctx, transportName, target, msg); err != nil {
		// TransportUnavailable is logged and suppressed (§7): the assignment
		// already committed in the repository, which remains authoritative.
		logger.Warn().Err(err).Str("transport", transportName).Msg("downlink send failed")
	}
}
