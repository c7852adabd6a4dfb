// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"net/http"

	"github.com/brwyatt/dffmpeg/internal/store"
)

// HealthHandlers serves /healthz and /readyz. Both are unauthenticated
// (SPEC_FULL.md §C.4) — they carry no domain data and are consumed by
// process supervisors, not API clients.
type HealthHandlers struct {
	Store store.Store
}

func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz additionally confirms the repository is reachable, since a
// Coordinator whose store has gone away should be pulled from rotation
// even though its own process is still alive.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Store.WorkersAll(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
