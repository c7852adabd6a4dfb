// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/brwyatt/dffmpeg/internal/log"
)

// HeaderRequestID is the header carrying the correlation ID on both the
// inbound request (if the caller already has one) and every response.
const HeaderRequestID = "X-Request-Id"

// RequestID attaches a correlation ID to every request: the caller's own
// if it sent one, otherwise a freshly generated UUID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		w.Header().Set(HeaderRequestID, reqID)
		ctx := log.ContextWithRequestID(r.Context(), reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
