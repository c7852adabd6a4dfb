// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package apierr is the Coordinator's single error taxonomy (§7): typed,
// sentinel-wrapped errors each carrying an HTTP status and a stable string
// tag, mapped centrally at the API boundary. No panics for control flow.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable string tag identifying an error category.
type Kind string

const (
	KindAuthRejected         Kind = "AuthRejected"
	KindForbidden            Kind = "Forbidden"
	KindNotFound             Kind = "NotFound"
	KindConflict             Kind = "Conflict"
	KindValidationError      Kind = "ValidationError"
	KindTransientStorage     Kind = "TransientStorage"
	KindTransportUnavailable Kind = "TransportUnavailable"
)

var statusByKind = map[Kind]int{
	KindAuthRejected:         http.StatusUnauthorized,
	KindForbidden:            http.StatusForbidden,
	KindNotFound:             http.StatusNotFound,
	KindConflict:             http.StatusConflict,
	KindValidationError:      http.StatusBadRequest,
	KindTransientStorage:     http.StatusServiceUnavailable,
	KindTransportUnavailable: http.StatusInternalServerError,
}

// Error is a typed Coordinator error carrying an HTTP status and Kind tag.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status code for e.Kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// As extracts the first *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// StatusFor maps an arbitrary error to an HTTP status code, defaulting to
// 500 when err is not (or does not wrap) an *Error.
func StatusFor(err error) int {
	if e, ok := As(err); ok {
		return e.Status()
	}
	return http.StatusInternalServerError
}
