// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/brwyatt/dffmpeg/internal/api/middleware"
	"github.com/brwyatt/dffmpeg/internal/auth"
	"github.com/brwyatt/dffmpeg/internal/janitor"
	"github.com/brwyatt/dffmpeg/internal/scheduler"
	"github.com/brwyatt/dffmpeg/internal/store"
	"github.com/brwyatt/dffmpeg/internal/transport"
)

// RouterConfig collects every collaborator the router needs to wire its
// handlers and middleware stack.
type RouterConfig struct {
	Store      store.Store
	Verifier   *auth.Verifier
	Transports *transport.Registry
	Scheduler  *scheduler.Scheduler
	Janitor    *janitor.Janitor

	AllowedBinaries []string
	Middleware      middleware.StackConfig
}

// NewRouter builds the Coordinator's full HTTP surface: unauthenticated
// health endpoints, and the signed, role-checked domain API under
// /api/v1 (§5, §C.4).
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := middleware.NewRouter(cfg.Middleware)

	health := &HealthHandlers{Store: cfg.Store}
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	jobs := &JobHandlers{Store: cfg.Store, Transports: cfg.Transports, Scheduler: cfg.Scheduler, AllowedBinaries: cfg.AllowedBinaries}
	workers := &WorkerHandlers{Store: cfg.Store, Transports: cfg.Transports, Scheduler: cfg.Scheduler, Janitor: cfg.Janitor}
	downlink := &DownlinkHandlers{Store: cfg.Store}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(Authenticate(cfg.Verifier))

		api.Route("/jobs", func(jr chi.Router) {
			jr.Post("/", jobs.Submit)
			jr.Get("/{id}", jobs.Get)
			jr.Post("/{id}/cancel", jobs.Cancel)
			jr.Post("/{id}/heartbeat", jobs.ClientHeartbeat)
			jr.Post("/{id}/accept", jobs.Accept)
			jr.Post("/{id}/log", jobs.AppendLog)
			jr.Post("/{id}/progress", jobs.Progress)
			jr.Post("/{id}/complete", jobs.Complete)
		})

		api.Route("/workers", func(wr chi.Router) {
			wr.Post("/register", workers.Register)
			wr.Get("/{id}/work", workers.Work)
			wr.Post("/{id}/deregister", workers.Deregister)
		})

		api.Get("/downlink", downlink.Drain)
	})

	return r
}
