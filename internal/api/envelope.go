// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api implements the Coordinator's REST surface (C6): job
// submission/inspection/cancellation, worker registration and work
// pull, log/progress/completion reporting, and downlink drain, each
// authenticated and role-checked via internal/auth.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/brwyatt/dffmpeg/internal/apierr"
	"github.com/brwyatt/dffmpeg/internal/log"
)

// errorBody is the fixed JSON shape returned for every rejected request
// (§7): a stable Kind tag plus a human-readable message, never a stack
// trace or internal error string beyond Message.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		apiLogger := log.WithComponent("api")
		apiLogger.Error().Err(err).Msg("encode response failed")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apierr.StatusFor(err)
	kind := "InternalError"
	msg := "internal error"
	if e, ok := apierr.As(err); ok {
		kind = string(e.Kind)
		msg = e.Message
	}
	if status >= http.StatusInternalServerError {
		reqLogger := log.WithComponentFromContext(r.Context(), "api")
		reqLogger.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Kind: kind, Message: msg})
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return apierr.New(apierr.KindValidationError, "request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierr.Wrap(apierr.KindValidationError, "malformed request body", err)
	}
	return nil
}
