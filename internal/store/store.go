// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package store defines the Coordinator's repository layer (C1): a narrow
// transactional API, not a generic ORM surface. Every write that reads then
// writes is either a single-transaction operation or a conditional update
// expressed as "UPDATE ... WHERE state IN (...)" so that losing a race
// surfaces as ErrConflict rather than silently clobbering a concurrent writer.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/brwyatt/dffmpeg/internal/model"
)

// Sentinel errors returned by Store methods. Callers map these to the
// HTTP-level taxonomy in internal/apierr; the store package itself has no
// notion of HTTP.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrUnknownWorker = errors.New("unknown worker")
	ErrValidation    = errors.New("validation")
	ErrTransient     = errors.New("transient storage error")
)

// JobFilter narrows jobs_query (C1) results.
type JobFilter struct {
	SubmitterID string
	AssigneeID  string
	States      []model.JobState
	Since       time.Time
	Until       time.Time
}

// Store is the Coordinator's repository interface. Implementations: an
// in-memory double for tests (memory.Store) and a SQLite dialect
// (sqlite.Store) — concrete Postgres/MySQL drivers are out of scope
// (spec.md §1 treats the storage layer abstractly beyond these two).
type Store interface {
	// --- Identity (C1) ---
	IdentityPut(ctx context.Context, id *model.Identity) error
	IdentityGet(ctx context.Context, clientID string) (*model.Identity, error)
	IdentityDelete(ctx context.Context, clientID string) error
	// IdentitiesAll returns every known identity, ordered by client_id. Used
	// by the admin CLI's batch key-ring rotation scan (§C.1).
	IdentitiesAll(ctx context.Context) ([]*model.Identity, error)

	// --- Worker (C1) ---
	WorkerRegister(ctx context.Context, workerID string, intervalS int, version string, binaries, variables []string, transportChoice string, now time.Time) (*model.Worker, error)
	WorkerHeartbeat(ctx context.Context, workerID string, now time.Time) error
	WorkerMarkOffline(ctx context.Context, workerID string) error
	WorkerGet(ctx context.Context, workerID string) (*model.Worker, error)
	WorkersOnline(ctx context.Context) ([]*model.Worker, error)
	// WorkersAll returns every known worker regardless of status; used by
	// the janitor's S4 sweep (§4.5) to decide whether a pending job ever
	// had an eligible worker, since Workers are never deleted.
	WorkersAll(ctx context.Context) ([]*model.Worker, error)

	// --- Job (C1, C4) ---
	JobsSubmit(ctx context.Context, job *model.Job) error
	// JobsAssignOne is the atomic scheduling primitive (§4.4): it picks the
	// oldest eligible pending job and assigns it to an eligible worker in one
	// step, or returns ("", "", nil) if no pair is viable.
	JobsAssignOne(ctx context.Context, allowedBinaries []string, now time.Time) (jobID, workerID string, err error)
	JobTransition(ctx context.Context, jobID string, from []model.JobState, to model.JobState, now time.Time, mutate func(*model.Job)) error
	JobGet(ctx context.Context, jobID string) (*model.Job, error)
	JobHeartbeat(ctx context.Context, jobID string, now time.Time) error
	JobClientHeartbeat(ctx context.Context, jobID string, now time.Time) error
	JobAppendLog(ctx context.Context, jobID string, lines []model.LogChunk) (firstSeq, lastSeq int64, err error)
	JobLogs(ctx context.Context, jobID string, sinceSeq int64, limit int) ([]model.LogChunk, error)
	JobsQuery(ctx context.Context, filter JobFilter, limit int) ([]*model.Job, error)

	// --- Janitor sweep support (C5) ---
	JobsInStateOlderThan(ctx context.Context, states []model.JobState, field JanitorTimeField, threshold time.Time) ([]*model.Job, error)
	WorkersStaleSince(ctx context.Context, threshold time.Time) ([]*model.Worker, error)

	// --- Downlink (C3) ---
	DownlinkEnqueue(ctx context.Context, msg *model.DownlinkMessage) error
	DownlinkDrain(ctx context.Context, recipientID string, max int) ([]*model.DownlinkMessage, error)

	Close() error
}

// JanitorTimeField selects which timestamp column a sweep filters by.
type JanitorTimeField string

const (
	FieldAssignedAt            JanitorTimeField = "assigned_at"
	FieldLastHeartbeatAt       JanitorTimeField = "last_heartbeat_at"
	FieldLastClientHeartbeatAt JanitorTimeField = "last_client_heartbeat_at"
	FieldCreatedAt             JanitorTimeField = "created_at"
	FieldStateEnteredAt        JanitorTimeField = "state_entered_at"
)
