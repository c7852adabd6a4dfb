// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package transport

import (
	"context"

	"github.com/brwyatt/dffmpeg/internal/model"
	"github.com/brwyatt/dffmpeg/internal/store"
)

// HTTPPolling is the universal-fallback transport (§4.3): messages are
// persisted to the DownlinkMessage table via the repository and removed
// on successful drain by the peer's long-poll GET. It never goes
// "unavailable" — CanSend is always true.
type HTTPPolling struct {
	Store store.Store
}

// NewHTTPPolling constructs the http_polling transport over st.
func NewHTTPPolling(st store.Store) *HTTPPolling {
	return &HTTPPolling{Store: st}
}

func (h *HTTPPolling) Name() string { return NameHTTPPolling }

func (h *HTTPPolling) Start(ctx context.Context) error { return nil }

func (h *HTTPPolling) Stop(ctx context.Context) error { return nil }

func (h *HTTPPolling) CanSend(target Target) bool { return true }

func (h *HTTPPolling) Send(ctx context.Context, target Target, msg *model.DownlinkMessage) error {
	msg.RecipientID = target.RecipientID
	return h.Store.DownlinkEnqueue(ctx, msg)
}

var _ Transport = (*HTTPPolling)(nil)
