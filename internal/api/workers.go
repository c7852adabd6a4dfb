// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/brwyatt/dffmpeg/internal/apierr"
	"github.com/brwyatt/dffmpeg/internal/auth"
	"github.com/brwyatt/dffmpeg/internal/janitor"
	"github.com/brwyatt/dffmpeg/internal/model"
	"github.com/brwyatt/dffmpeg/internal/scheduler"
	"github.com/brwyatt/dffmpeg/internal/store"
	"github.com/brwyatt/dffmpeg/internal/transport"
)

// WorkerHandlers implements the worker half of the REST surface (§5):
// registration/heartbeat, the long-poll work pull, and deregistration.
type WorkerHandlers struct {
	Store        store.Store
	Transports   *transport.Registry
	Scheduler    *scheduler.Scheduler
	Janitor      *janitor.Janitor
	LongPollWait time.Duration
	PollInterval time.Duration
}

func (h *WorkerHandlers) longPollWait() time.Duration {
	if h.LongPollWait > 0 {
		return h.LongPollWait
	}
	return 25 * time.Second
}

func (h *WorkerHandlers) pollInterval() time.Duration {
	if h.PollInterval > 0 {
		return h.PollInterval
	}
	return 250 * time.Millisecond
}

type registerWorkerRequest struct {
	IntervalS           int      `json:"interval_s"`
	Version             string   `json:"version"`
	AdvertisedBinaries  []string `json:"advertised_binaries"`
	AdvertisedVariables []string `json:"advertised_variables"`
	TransportPreference []string `json:"transport_preference"`
}

type registerWorkerResponse struct {
	WorkerID        string `json:"worker_id"`
	TransportChoice string `json:"transport_choice"`
}

// Register implements POST /api/v1/workers/register (§5): idempotent
// register-or-heartbeat, returning the negotiated transport choice.
func (h *WorkerHandlers) Register(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	if err := auth.RequireRole(id, model.RoleWorker); err != nil {
		writeError(w, r, err)
		return
	}
	var req registerWorkerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.IntervalS <= 0 {
		writeError(w, r, apierr.New(apierr.KindValidationError, "interval_s must be positive"))
		return
	}

	transportChoice := transport.NameHTTPPolling
	if h.Transports != nil && len(req.TransportPreference) > 0 {
		transportChoice = h.Transports.Negotiate(req.TransportPreference)
	}

	worker, err := h.Store.WorkerRegister(r.Context(), id.ClientID, req.IntervalS, req.Version, req.AdvertisedBinaries, req.AdvertisedVariables, transportChoice, time.Now())
	if err != nil {
		writeError(w, r, mapStoreErr(err))
		return
	}
	if h.Scheduler != nil {
		h.Scheduler.Wake()
	}
	writeJSON(w, http.StatusOK, registerWorkerResponse{WorkerID: worker.WorkerID, TransportChoice: worker.TransportChoice})
}

type workItem struct {
	JobID string            `json:"job_id"`
	Binary string           `json:"binary"`
	Argv  []model.ArgvToken `json:"argv"`
}

type workResponse struct {
	Jobs []workItem `json:"jobs"`
}

// Work implements GET /api/v1/workers/{id}/work (§5): a long-poll that
// blocks up to LongPollWait waiting for a job to land in the assigned
// state with this worker as assignee. It also refreshes the worker's
// liveness, since a worker that is polling is, by definition, alive.
func (h *WorkerHandlers) Work(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	if err := auth.RequireRole(id, model.RoleWorker); err != nil {
		writeError(w, r, err)
		return
	}
	workerID := chi.URLParam(r, "id")
	if workerID != id.ClientID {
		writeError(w, r, apierr.New(apierr.KindForbidden, "cannot poll another worker's work queue"))
		return
	}

	if err := h.Store.WorkerHeartbeat(r.Context(), workerID, time.Now()); err != nil {
		writeError(w, r, mapStoreErr(err))
		return
	}

	deadline := time.Now().Add(h.longPollWait())
	ticker := time.NewTicker(h.pollInterval())
	defer ticker.Stop()

	for {
		jobs, err := h.Store.JobsQuery(r.Context(), store.JobFilter{AssigneeID: workerID, States: []model.JobState{model.JobAssigned}}, 0)
		if err != nil {
			writeError(w, r, mapStoreErr(err))
			return
		}
		if len(jobs) > 0 {
			items := make([]workItem, len(jobs))
			for i, j := range jobs {
				items[i] = workItem{JobID: j.JobID, Binary: j.Binary, Argv: j.Argv}
			}
			writeJSON(w, http.StatusOK, workResponse{Jobs: items})
			return
		}
		if time.Now().After(deadline) {
			writeJSON(w, http.StatusOK, workResponse{Jobs: nil})
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// Deregister implements the supplemental worker-deregister endpoint
// (spec.md §3: "transitioned to offline ... by explicit deregister"). It
// reuses the janitor's stale-worker reaping logic so held jobs are failed
// or reverted immediately rather than waiting for S1's next tick.
func (h *WorkerHandlers) Deregister(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	if err := auth.RequireRole(id, model.RoleWorker, model.RoleAdmin); err != nil {
		writeError(w, r, err)
		return
	}
	workerID := chi.URLParam(r, "id")
	if id.Role != model.RoleAdmin && workerID != id.ClientID {
		writeError(w, r, apierr.New(apierr.KindForbidden, "cannot deregister another worker"))
		return
	}
	if h.Janitor == nil {
		if err := h.Store.WorkerMarkOffline(r.Context(), workerID); err != nil {
			writeError(w, r, mapStoreErr(err))
			return
		}
		writeJSON(w, http.StatusOK, nil)
		return
	}
	if err := h.Janitor.ReapWorker(r.Context(), workerID); err != nil {
		writeError(w, r, mapStoreErr(err))
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
