// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/brwyatt/dffmpeg/internal/apierr"
	"github.com/brwyatt/dffmpeg/internal/auth"
	"github.com/brwyatt/dffmpeg/internal/log"
	"github.com/brwyatt/dffmpeg/internal/model"
	"github.com/brwyatt/dffmpeg/internal/pathvar"
	"github.com/brwyatt/dffmpeg/internal/resilience"
	"github.com/brwyatt/dffmpeg/internal/scheduler"
	"github.com/brwyatt/dffmpeg/internal/store"
	"github.com/brwyatt/dffmpeg/internal/transport"
	"github.com/brwyatt/dffmpeg/internal/ulid"
)

// JobHandlers implements the job half of the REST surface (§5): submit,
// inspect, cancel, and the worker-facing accept/log/progress/complete
// reports. It reads job state before transitioning so it can decide among
// the several legal transitions a single endpoint may trigger (§5 E4).
type JobHandlers struct {
	Store           store.Store
	Transports      *transport.Registry
	Scheduler       *scheduler.Scheduler
	AllowedBinaries []string
}

type submitJobRequest struct {
	Binary             string            `json:"binary"`
	Argv               []model.ArgvToken `json:"argv"`
	Mode               model.JobMode     `json:"mode"`
	HeartbeatIntervalS int               `json:"heartbeat_interval_s,omitempty"`
}

type submitJobResponse struct {
	JobID string         `json:"job_id"`
	State model.JobState `json:"state"`
}

// Submit implements POST /api/v1/jobs (§5).
func (h *JobHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	if err := auth.RequireRole(id, model.RoleClient, model.RoleAdmin); err != nil {
		writeError(w, r, err)
		return
	}

	var req submitJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := pathvar.ValidateBinary(req.Binary, h.AllowedBinaries); err != nil {
		writeError(w, r, err)
		return
	}
	if err := pathvar.ValidateArgv(req.Argv); err != nil {
		writeError(w, r, err)
		return
	}
	mode := req.Mode
	if mode == "" {
		mode = model.ModeDetached
	}
	if mode != model.ModeActive && mode != model.ModeDetached {
		writeError(w, r, apierr.New(apierr.KindValidationError, "mode must be active or detached"))
		return
	}
	heartbeat := req.HeartbeatIntervalS
	if heartbeat <= 0 {
		heartbeat = 30
	}

	now := time.Now()
	job := &model.Job{
		JobID:              ulid.NewAt(now),
		SubmitterID:        id.ClientID,
		State:              model.JobPending,
		Binary:             req.Binary,
		Argv:               req.Argv,
		RequiredVariables:  pathvar.DeriveRequiredVariables(req.Argv),
		Mode:               mode,
		CreatedAt:          now,
		StateEnteredAt:     now,
		HeartbeatIntervalS: heartbeat,
	}
	if err := h.Store.JobsSubmit(r.Context(), job); err != nil {
		writeError(w, r, mapStoreErr(err))
		return
	}
	if h.Scheduler != nil {
		h.Scheduler.Wake()
	}
	writeJSON(w, http.StatusCreated, submitJobResponse{JobID: job.JobID, State: job.State})
}

type jobResponse struct {
	JobID               string             `json:"job_id"`
	SubmitterID         string             `json:"submitter_id"`
	AssigneeID          string             `json:"assignee_id,omitempty"`
	State               model.JobState     `json:"state"`
	Binary              string             `json:"binary"`
	Argv                []model.ArgvToken  `json:"argv"`
	RequiredVariables   []string           `json:"required_variables"`
	Mode                model.JobMode      `json:"mode"`
	CreatedAt           time.Time          `json:"created_at"`
	AssignedAt          *time.Time         `json:"assigned_at,omitempty"`
	StartedAt           *time.Time         `json:"started_at,omitempty"`
	EndedAt             *time.Time         `json:"ended_at,omitempty"`
	HeartbeatIntervalS  int                `json:"heartbeat_interval_s"`
	LastHeartbeatAt     *time.Time         `json:"last_heartbeat_at,omitempty"`
	ExitCode            *int               `json:"exit_code,omitempty"`
	FailureKind         model.FailureKind  `json:"failure_kind,omitempty"`
	TransportChoice     string             `json:"transport_choice,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func jobToResponse(j *model.Job) jobResponse {
	return jobResponse{
		JobID:              j.JobID,
		SubmitterID:        j.SubmitterID,
		AssigneeID:         j.AssigneeID,
		State:              j.State,
		Binary:             j.Binary,
		Argv:               j.Argv,
		RequiredVariables:  j.RequiredVariables,
		Mode:               j.Mode,
		CreatedAt:          j.CreatedAt,
		AssignedAt:         timePtr(j.AssignedAt),
		StartedAt:          timePtr(j.StartedAt),
		EndedAt:            timePtr(j.EndedAt),
		HeartbeatIntervalS: j.HeartbeatIntervalS,
		LastHeartbeatAt:    timePtr(j.LastHeartbeatAt),
		ExitCode:           j.ExitCode,
		FailureKind:        j.FailureKind,
		TransportChoice:    j.TransportChoice,
	}
}

// requireJobAccess loads the job and checks that id may see it: its
// submitter, its current or former assignee, or an admin.
func (h *JobHandlers) requireJobAccess(ctx context.Context, id *model.Identity, jobID string) (*model.Job, error) {
	job, err := h.Store.JobGet(ctx, jobID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if id.Role == model.RoleAdmin || id.ClientID == job.SubmitterID || id.ClientID == job.AssigneeID {
		return job, nil
	}
	return nil, apierr.New(apierr.KindForbidden, "not permitted to view this job")
}

// Get implements GET /api/v1/jobs/{id}.
func (h *JobHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	jobID := chi.URLParam(r, "id")
	job, err := h.requireJobAccess(r.Context(), id, jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(job))
}

// Cancel implements POST /api/v1/jobs/{id}/cancel (§5): pending jobs cancel
// outright, assigned/running jobs move to canceling pending worker
// acknowledgment (or S5's eventual force-cancel), and an already-terminal or
// already-canceling job is an idempotent no-op.
func (h *JobHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	jobID := chi.URLParam(r, "id")

	for attempt := 0; attempt < 3; attempt++ {
		job, err := h.Store.JobGet(r.Context(), jobID)
		if err != nil {
			writeError(w, r, mapStoreErr(err))
			return
		}
		if id.Role != model.RoleAdmin && id.ClientID != job.SubmitterID {
			writeError(w, r, apierr.New(apierr.KindForbidden, "only the submitter may cancel this job"))
			return
		}
		if job.State.IsTerminal() || job.State == model.JobCanceling {
			writeJSON(w, http.StatusOK, jobToResponse(job))
			return
		}

		now := time.Now()
		var to model.JobState
		if job.State == model.JobPending {
			to = model.JobCanceled
		} else {
			to = model.JobCanceling
		}
		err = h.Store.JobTransition(r.Context(), jobID, []model.JobState{job.State}, to, now, func(jb *model.Job) {
			if to == model.JobCanceled {
				jb.EndedAt = now
			}
		})
		if err == nil {
			if to == model.JobCanceling && job.AssigneeID != "" {
				h.notifyWorker(r.Context(), job.AssigneeID, jobID, model.DownlinkJobCanceled, map[string]any{"job_id": jobID, "reason": "client_requested"})
			}
			updated, getErr := h.Store.JobGet(r.Context(), jobID)
			if getErr != nil {
				writeError(w, r, mapStoreErr(getErr))
				return
			}
			writeJSON(w, http.StatusOK, jobToResponse(updated))
			return
		}
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		writeError(w, r, mapStoreErr(err))
		return
	}
	writeError(w, r, apierr.New(apierr.KindConflict, "job state changed concurrently, retry"))
}

// ClientHeartbeat implements POST /api/v1/jobs/{id}/heartbeat (§5): only
// meaningful for active-mode jobs, the janitor's S6 sweep is what actually
// cancels on a missed heartbeat.
func (h *JobHandlers) ClientHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	jobID := chi.URLParam(r, "id")
	job, err := h.Store.JobGet(r.Context(), jobID)
	if err != nil {
		writeError(w, r, mapStoreErr(err))
		return
	}
	if id.Role != model.RoleAdmin && id.ClientID != job.SubmitterID {
		writeError(w, r, apierr.New(apierr.KindForbidden, "only the submitter may heartbeat this job"))
		return
	}
	if job.State.IsTerminal() {
		writeJSON(w, http.StatusOK, jobToResponse(job))
		return
	}
	if err := h.Store.JobClientHeartbeat(r.Context(), jobID, time.Now()); err != nil {
		writeError(w, r, mapStoreErr(err))
		return
	}
	updated, err := h.Store.JobGet(r.Context(), jobID)
	if err != nil {
		writeError(w, r, mapStoreErr(err))
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(updated))
}

// Accept implements POST /api/v1/jobs/{id}/accept: assigned -> running.
func (h *JobHandlers) Accept(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	if err := auth.RequireRole(id, model.RoleWorker); err != nil {
		writeError(w, r, err)
		return
	}
	jobID := chi.URLParam(r, "id")
	job, err := h.Store.JobGet(r.Context(), jobID)
	if err != nil {
		writeError(w, r, mapStoreErr(err))
		return
	}
	if job.AssigneeID != id.ClientID {
		writeError(w, r, apierr.New(apierr.KindForbidden, "not the assignee of this job"))
		return
	}
	now := time.Now()
	err = h.Store.JobTransition(r.Context(), jobID, []model.JobState{model.JobAssigned}, model.JobRunning, now, func(jb *model.Job) {
		jb.StartedAt = now
		jb.LastHeartbeatAt = now
	})
	if err != nil {
		writeError(w, r, mapStoreErr(err))
		return
	}
	updated, err := h.Store.JobGet(r.Context(), jobID)
	if err != nil {
		writeError(w, r, mapStoreErr(err))
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(updated))
}

type appendLogRequest struct {
	Lines []logLineRequest `json:"lines"`
}

type logLineRequest struct {
	Stream model.LogStream `json:"stream"`
	Text   string          `json:"text"`
}

type appendLogResponse struct {
	FirstSeq int64 `json:"first_seq"`
	LastSeq  int64 `json:"last_seq"`
}

// AppendLog implements POST /api/v1/jobs/{id}/log.
func (h *JobHandlers) AppendLog(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	if err := auth.RequireRole(id, model.RoleWorker); err != nil {
		writeError(w, r, err)
		return
	}
	jobID := chi.URLParam(r, "id")
	job, err := h.Store.JobGet(r.Context(), jobID)
	if err != nil {
		writeError(w, r, mapStoreErr(err))
		return
	}
	if job.AssigneeID != id.ClientID {
		writeError(w, r, apierr.New(apierr.KindForbidden, "not the assignee of this job"))
		return
	}
	var req appendLogRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Lines) == 0 {
		writeError(w, r, apierr.New(apierr.KindValidationError, "lines must not be empty"))
		return
	}
	now := time.Now()
	chunks := make([]model.LogChunk, len(req.Lines))
	for i, ln := range req.Lines {
		stream := ln.Stream
		if stream == "" {
			stream = model.StreamStdout
		}
		chunks[i] = model.LogChunk{JobID: jobID, Stream: stream, Text: ln.Text, EmittedAt: now}
	}
	var first, last int64
	err = resilience.RetryWithBackoff(r.Context(), 3, 20*time.Millisecond, isTransientStoreErr, func() error {
		var innerErr error
		first, last, innerErr = h.Store.JobAppendLog(r.Context(), jobID, chunks)
		return innerErr
	})
	if err != nil {
		writeError(w, r, mapStoreErr(err))
		return
	}
	h.notifyClient(r.Context(), job.SubmitterID, jobID, model.DownlinkLogAppend, map[string]any{"job_id": jobID, "first_seq": first, "last_seq": last})
	writeJSON(w, http.StatusOK, appendLogResponse{FirstSeq: first, LastSeq: last})
}

type progressRequest struct {
	Progress map[string]any `json:"progress,omitempty"`
}

// Progress implements POST /api/v1/jobs/{id}/progress: a heartbeat plus an
// optional, opaque structured progress payload relayed to the client.
func (h *JobHandlers) Progress(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	if err := auth.RequireRole(id, model.RoleWorker); err != nil {
		writeError(w, r, err)
		return
	}
	jobID := chi.URLParam(r, "id")
	job, err := h.Store.JobGet(r.Context(), jobID)
	if err != nil {
		writeError(w, r, mapStoreErr(err))
		return
	}
	if job.AssigneeID != id.ClientID {
		writeError(w, r, apierr.New(apierr.KindForbidden, "not the assignee of this job"))
		return
	}
	var req progressRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if err := h.Store.JobHeartbeat(r.Context(), jobID, time.Now()); err != nil {
		writeError(w, r, mapStoreErr(err))
		return
	}
	if len(req.Progress) > 0 {
		h.notifyClient(r.Context(), job.SubmitterID, jobID, model.DownlinkJobStateChanged, map[string]any{"job_id": jobID, "progress": req.Progress})
	}
	writeJSON(w, http.StatusOK, nil)
}

type completeRequest struct {
	ExitCode int `json:"exit_code"`
}

// Complete implements POST /api/v1/jobs/{id}/complete (§5 E4): a canceling
// job always lands on canceled, regardless of exit_code, because the worker
// is acknowledging a cancellation it was already told about; otherwise
// exit_code 0 means completed, nonzero means failed.
func (h *JobHandlers) Complete(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	if err := auth.RequireRole(id, model.RoleWorker); err != nil {
		writeError(w, r, err)
		return
	}
	jobID := chi.URLParam(r, "id")
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	job, err := h.Store.JobGet(r.Context(), jobID)
	if err != nil {
		writeError(w, r, mapStoreErr(err))
		return
	}
	if job.AssigneeID != id.ClientID {
		writeError(w, r, apierr.New(apierr.KindForbidden, "not the assignee of this job"))
		return
	}
	if job.State.IsTerminal() {
		writeJSON(w, http.StatusOK, jobToResponse(job))
		return
	}

	now := time.Now()
	exitCode := req.ExitCode
	var to model.JobState
	switch {
	case job.State == model.JobCanceling:
		to = model.JobCanceled
	case exitCode == 0:
		to = model.JobCompleted
	default:
		to = model.JobFailed
	}

	err = h.Store.JobTransition(r.Context(), jobID, []model.JobState{model.JobAssigned, model.JobRunning, model.JobCanceling}, to, now, func(jb *model.Job) {
		jb.ExitCode = &exitCode
		jb.EndedAt = now
	})
	if err != nil {
		writeError(w, r, mapStoreErr(err))
		return
	}
	if h.Scheduler != nil {
		h.Scheduler.Wake()
	}
	updated, err := h.Store.JobGet(r.Context(), jobID)
	if err != nil {
		writeError(w, r, mapStoreErr(err))
		return
	}
	h.notifyClient(r.Context(), job.SubmitterID, jobID, model.DownlinkJobStateChanged, map[string]any{"job_id": jobID, "state": string(updated.State)})
	writeJSON(w, http.StatusOK, jobToResponse(updated))
}

// notifyClient and notifyWorker best-effort send a downlink message over
// the recipient's negotiated transport. Delivery failure is logged and
// never surfaced to the caller: the repository transition already
// committed and remains authoritative (§7).
func (h *JobHandlers) notifyClient(ctx context.Context, clientID, jobID string, kind model.DownlinkKind, payload map[string]any) {
	h.send(ctx, transport.Target{RecipientID: clientID, IsWorker: false, JobID: jobID}, kind, payload)
}

func (h *JobHandlers) notifyWorker(ctx context.Context, workerID, jobID string, kind model.DownlinkKind, payload map[string]any) {
	h.send(ctx, transport.Target{RecipientID: workerID, IsWorker: true, JobID: jobID}, kind, payload)
}

func (h *JobHandlers) send(ctx context.Context, target transport.Target, kind model.DownlinkKind, payload map[string]any) {
	if h.Transports == nil {
		return
	}
	transportName := transport.NameHTTPPolling
	if target.IsWorker {
		if w, err := h.Store.WorkerGet(ctx, target.RecipientID); err == nil && w.TransportChoice != "" && h.Transports.Get(w.TransportChoice) != nil {
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
	if err := h.Transports.Send(ctx, transportName, target, msg); err != nil {
		downlinkLogger := log.WithComponentFromContext(ctx, "api")
		downlinkLogger.Warn().Err(err).Str("transport", transportName).Str("recipient_id", target.RecipientID).Msg("downlink send failed")
	}
}
