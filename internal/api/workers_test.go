// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brwyatt/dffmpeg/internal/janitor"
	"github.com/brwyatt/dffmpeg/internal/model"
	"github.com/brwyatt/dffmpeg/internal/store"
	"github.com/brwyatt/dffmpeg/internal/store/memory"
	"github.com/brwyatt/dffmpeg/internal/transport"
)

func newWorkerHandlers(t *testing.T) (*WorkerHandlers, *memory.Store) {
	t.Helper()
	st := memory.New()
	return &WorkerHandlers{Store: st, LongPollWait: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond}, st
}

func TestWorkerHandlers_Register(t *testing.T) {
	h, _ := newWorkerHandlers(t)
	worker := &model.Identity{ClientID: "worker-1", Role: model.RoleWorker}

	body, _ := json.Marshal(registerWorkerRequest{IntervalS: 10, Version: "1.0", AdvertisedBinaries: []string{"dffmpeg"}})
	r := withIdentity(httptest.NewRequest(http.MethodPost, "/api/v1/workers/register", bytes.NewReader(body)), worker)
	w := httptest.NewRecorder()

	h.Register(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp registerWorkerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.WorkerID != "worker-1" {
		t.Errorf("expected worker_id worker-1, got %s", resp.WorkerID)
	}
	if resp.TransportChoice != transport.NameHTTPPolling {
		t.Errorf("expected default transport http_polling, got %s", resp.TransportChoice)
	}
}

func TestWorkerHandlers_Work_ReturnsAssignedJob(t *testing.T) {
	h, st := newWorkerHandlers(t)
	ctx := context.Background()
	if _, err := st.WorkerRegister(ctx, "worker-1", 10, "1.0", []string{"dffmpeg"}, nil, transport.NameHTTPPolling, time.Now()); err != nil {
		t.Fatalf("seed worker: %v", err)
	}
	job := &model.Job{JobID: "job-1", SubmitterID: "client-1", AssigneeID: "worker-1", State: model.JobAssigned, Binary: "dffmpeg"}
	if err := st.JobsSubmit(ctx, job); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	worker := &model.Identity{ClientID: "worker-1", Role: model.RoleWorker}
	r := withIdentity(chiRequest(http.MethodGet, "/api/v1/workers/worker-1/work", nil, map[string]string{"id": "worker-1"}), worker)
	w := httptest.NewRecorder()

	h.Work(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp workResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Jobs) != 1 || resp.Jobs[0].JobID != "job-1" {
		t.Fatalf("expected job-1 in work response, got %+v", resp.Jobs)
	}
}

func TestWorkerHandlers_Work_ForbidsPollingAnotherWorker(t *testing.T) {
	h, st := newWorkerHandlers(t)
	ctx := context.Background()
	if _, err := st.WorkerRegister(ctx, "worker-1", 10, "1.0", nil, nil, transport.NameHTTPPolling, time.Now()); err != nil {
		t.Fatalf("seed worker: %v", err)
	}

	worker := &model.Identity{ClientID: "worker-1", Role: model.RoleWorker}
	r := withIdentity(chiRequest(http.MethodGet, "/api/v1/workers/worker-2/work", nil, map[string]string{"id": "worker-2"}), worker)
	w := httptest.NewRecorder()

	h.Work(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestWorkerHandlers_Deregister_ReapsHeldJobs(t *testing.T) {
	st := memory.New()
	jan := janitor.New(st, mustRegistry(t, st), janitor.Config{})
	h := &WorkerHandlers{Store: st, Janitor: jan}

	ctx := context.Background()
	if _, err := st.WorkerRegister(ctx, "worker-1", 10, "1.0", []string{"dffmpeg"}, nil, transport.NameHTTPPolling, time.Now()); err != nil {
		t.Fatalf("seed worker: %v", err)
	}
	job := &model.Job{JobID: "job-1", SubmitterID: "client-1", State: model.JobPending, Binary: "dffmpeg"}
	if err := st.JobsSubmit(ctx, job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	jobID, workerID, err := st.JobsAssignOne(ctx, []string{"dffmpeg"}, time.Now())
	if err != nil || jobID == "" || workerID == "" {
		t.Fatalf("seed assignment: jobID=%q workerID=%q err=%v", jobID, workerID, err)
	}

	worker := &model.Identity{ClientID: "worker-1", Role: model.RoleWorker}
	r := withIdentity(chiRequest(http.MethodPost, "/api/v1/workers/worker-1/deregister", nil, map[string]string{"id": "worker-1"}), worker)
	w := httptest.NewRecorder()

	h.Deregister(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	updatedWorker, err := st.WorkerGet(ctx, "worker-1")
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if updatedWorker.Status != model.WorkerOffline {
		t.Errorf("expected worker offline, got %s", updatedWorker.Status)
	}
	updatedJob, err := st.JobGet(ctx, "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if !updatedJob.State.IsTerminal() && updatedJob.State != model.JobPending {
		t.Errorf("expected reaped job to be failed or reverted to pending, got %s", updatedJob.State)
	}
}

func mustRegistry(t *testing.T, st store.Store) *transport.Registry {
	t.Helper()
	reg, err := transport.NewRegistry(transport.NewHTTPPolling(st))
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}
