// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"context"
	"net/http"

	"github.com/brwyatt/dffmpeg/internal/apierr"
	"github.com/brwyatt/dffmpeg/internal/auth"
	"github.com/brwyatt/dffmpeg/internal/model"
)

type ctxKey int

const identityCtxKey ctxKey = 0

// Authenticate wraps every domain route with the §4.2 signing protocol,
// storing the resolved Identity in the request context on success. Health
// endpoints are mounted outside this middleware and never see it.
func Authenticate(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := auth.ReadAndRestoreBody(r)
			if err != nil {
				writeError(w, r, apierr.Wrap(apierr.KindValidationError, "could not read request body", err))
				return
			}
			id, err := verifier.Authenticate(r.Context(), r, body)
			if err != nil {
				writeError(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), identityCtxKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func identityFromContext(ctx context.Context) *model.Identity {
	id, _ := ctx.Value(identityCtxKey).(*model.Identity)
	return id
}
