// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"errors"

	"github.com/brwyatt/dffmpeg/internal/apierr"
	"github.com/brwyatt/dffmpeg/internal/store"
)

// mapStoreErr translates a store.Store sentinel error into the §7 error
// taxonomy. Errors that are already *apierr.Error (e.g. from pathvar
// validation) pass through unchanged.
func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apierr.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apierr.Wrap(apierr.KindNotFound, "not found", err)
	case errors.Is(err, store.ErrConflict):
		return apierr.Wrap(apierr.KindConflict, "state changed concurrently", err)
	case errors.Is(err, store.ErrUnknownWorker):
		return apierr.Wrap(apierr.KindNotFound, "unknown worker", err)
	case errors.Is(err, store.ErrValidation):
		return apierr.Wrap(apierr.KindValidationError, "invalid request", err)
	case errors.Is(err, store.ErrTransient):
		return apierr.Wrap(apierr.KindTransientStorage, "storage temporarily unavailable", err)
	default:
		return apierr.Wrap(apierr.KindTransientStorage, "storage error", err)
	}
}

// isTransientStoreErr reports whether err is a store condition §7 allows
// the Coordinator to retry internally rather than surfacing immediately:
// a lost-race conditional update (ErrConflict) or a transient storage
// failure (ErrTransient, e.g. a DB timeout).
func isTransientStoreErr(err error) bool {
	return errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrTransient)
}
