// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"net/http"
	"time"

	"github.com/brwyatt/dffmpeg/internal/model"
	"github.com/brwyatt/dffmpeg/internal/store"
)

// DownlinkHandlers implements the transport-agnostic drain endpoint (§5):
// GET /api/v1/downlink, a long-poll that blocks until a message is queued
// for the caller or the wait elapses.
type DownlinkHandlers struct {
	Store        store.Store
	LongPollWait time.Duration
	PollInterval time.Duration
	MaxBatch     int
}

func (h *DownlinkHandlers) longPollWait() time.Duration {
	if h.LongPollWait > 0 {
		return h.LongPollWait
	}
	return 25 * time.Second
}

func (h *DownlinkHandlers) pollInterval() time.Duration {
	if h.PollInterval > 0 {
		return h.PollInterval
	}
	return 250 * time.Millisecond
}

func (h *DownlinkHandlers) maxBatch() int {
	if h.MaxBatch > 0 {
		return h.MaxBatch
	}
	return 50
}

type drainResponse struct {
	Messages []*model.DownlinkMessage `json:"messages"`
}

// Drain implements GET /api/v1/downlink (any authenticated peer; §4.3):
// the http_polling transport's delivery mechanism. Messages are removed
// from the DownlinkMessage table on successful drain, so a dropped
// response (client disconnect before reading it) loses that batch — the
// same at-most-once guarantee http_polling documents.
func (h *DownlinkHandlers) Drain(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())

	deadline := time.Now().Add(h.longPollWait())
	ticker := time.NewTicker(h.pollInterval())
	defer ticker.Stop()

	for {
		msgs, err := h.Store.DownlinkDrain(r.Context(), id.ClientID, h.maxBatch())
		if err != nil {
			writeError(w, r, mapStoreErr(err))
			return
		}
		if len(msgs) > 0 {
			writeJSON(w, http.StatusOK, drainResponse{Messages: msgs})
			return
		}
		if time.Now().After(deadline) {
			writeJSON(w, http.StatusOK, drainResponse{Messages: nil})
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
