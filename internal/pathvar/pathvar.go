// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package pathvar implements the path-variable resolver (C7): it
// validates a job's argv tokens and derives required_variables, and
// never inspects or materializes the subpath half of a {variable,
// subpath} token. The Coordinator is deliberately blind to filesystem
// layout (I6) — this package is the one boundary where that blindness
// must be enforced by construction, not by convention.
package pathvar

import (
	"fmt"

	"github.com/brwyatt/dffmpeg/internal/apierr"
	"github.com/brwyatt/dffmpeg/internal/model"
)

// ValidateArgv checks every token's wire-format shape. It never reads
// Subpath content beyond treating it as an opaque string.
func ValidateArgv(argv []model.ArgvToken) error {
	if len(argv) == 0 {
		return apierr.New(apierr.KindValidationError, "argv must not be empty")
	}
	for i, tok := range argv {
		if err := tok.Validate(); err != nil {
			return apierr.Wrap(apierr.KindValidationError, fmt.Sprintf("argv[%d]", i), err)
		}
	}
	return nil
}

// DeriveRequiredVariables returns the distinct variable names argv
// references, in first-seen order. It is the sole authority for
// populating Job.RequiredVariables at submission time.
func DeriveRequiredVariables(argv []model.ArgvToken) []string {
	return model.RequiredVariables(argv)
}

// ValidateBinary rejects binaries outside the Coordinator's global
// allow-list (spec.md §4.6: "Rejected if binary ∉ allowed_binaries").
// An empty allowed list means no binary is permitted, not "allow all" —
// callers must configure it explicitly.
func ValidateBinary(binary string, allowed []string) error {
	for _, b := range allowed {
		if b == binary {
			return nil
		}
	}
	return apierr.New(apierr.KindValidationError, fmt.Sprintf("binary %q is not in the allowed set", binary))
}

// EligibleNow reports whether at least one of the given online workers
// currently advertises binary and every one of requiredVariables. This
// is advisory only — it never blocks submission (a job may legitimately
// wait for a worker that registers later); the janitor's S4 sweep is the
// authority on "no eligible worker has ever existed".
func EligibleNow(binary string, requiredVariables []string, workers []*model.Worker) bool {
	for _, w := range workers {
		if w.Status != model.WorkerOnline {
			continue
		}
		if w.AdvertisesBinary(binary) && w.AdvertisesAllVariables(requiredVariables) {
			return true
		}
	}
	return false
}

// EverEligible reports whether any known worker — online or offline —
// advertises binary and every one of requiredVariables. Workers are never
// deleted, only marked offline, so their advertised sets remain a record of
// capability that once existed. This is the janitor's S4 authority on "no
// eligible worker has ever existed" (§4.5): unlike EligibleNow, status is
// not consulted.
func EverEligible(binary string, requiredVariables []string, workers []*model.Worker) bool {
	for _, w := range workers {
		if w.AdvertisesBinary(binary) && w.AdvertisesAllVariables(requiredVariables) {
			return true
		}
	}
	return false
}
