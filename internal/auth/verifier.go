// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/brwyatt/dffmpeg/internal/apierr"
	"github.com/brwyatt/dffmpeg/internal/audit"
	"github.com/brwyatt/dffmpeg/internal/model"
	"github.com/brwyatt/dffmpeg/internal/store"
)

// Verifier implements the acceptance policy of §4.2 end to end: header
// extraction, clock-skew check, identity lookup, CIDR filtering, and
// constant-time signature verification.
type Verifier struct {
	Store          store.Store
	KeyRing        *KeyRing
	TrustedProxies []*net.IPNet
	Audit          *audit.Logger
	Now            func() time.Time
}

// NewVerifier builds a Verifier with the given collaborators.
func NewVerifier(st store.Store, ring *KeyRing, trustedProxies []*net.IPNet, auditLogger *audit.Logger) *Verifier {
	return &Verifier{
		Store:          st,
		KeyRing:        ring,
		TrustedProxies: trustedProxies,
		Audit:          auditLogger,
		Now:            time.Now,
	}
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Authenticate validates r against the signing protocol and returns the
// caller's Identity on success. body must be the exact bytes that will be
// (or were) read as the request body — callers read it once and replace
// r.Body with a fresh reader around it.
func (v *Verifier) Authenticate(ctx context.Context, r *http.Request, body []byte) (*model.Identity, error) {
	endpoint := r.URL.Path
	remoteAddr := r.RemoteAddr

	signed, err := ExtractSignedRequest(r)
	if err != nil {
		v.reject(remoteAddr, endpoint, "missing or malformed signing headers")
		return nil, apierr.Wrap(apierr.KindAuthRejected, "malformed signature headers", err)
	}

	if !WithinClockSkew(signed.Timestamp, v.now()) {
		v.reject(remoteAddr, endpoint, "timestamp outside acceptance window")
		return nil, apierr.New(apierr.KindAuthRejected, "timestamp outside acceptance window")
	}

	id, err := v.Store.IdentityGet(ctx, signed.ClientID)
	if err != nil {
		v.reject(remoteAddr, endpoint, "unknown identity")
		return nil, apierr.Wrap(apierr.KindAuthRejected, "unknown identity", err)
	}

	allowedNets, err := ParseCIDRSet(id.AllowedCIDRs)
	if err != nil {
		v.reject(remoteAddr, endpoint, "identity has malformed allowed_cidrs")
		return nil, apierr.Wrap(apierr.KindAuthRejected, "malformed allowed_cidrs", err)
	}
	sourceIP := ResolveSourceIP(r, v.TrustedProxies)
	if !ContainsIP(allowedNets, sourceIP) {
		v.reject(remoteAddr, endpoint, "source IP not in allowed_cidrs")
		return nil, apierr.New(apierr.KindAuthRejected, "source IP not permitted")
	}

	key, _, err := v.KeyRing.Decrypt(id.KeyID, id.HMACKeyStored)
	if err != nil {
		v.reject(remoteAddr, endpoint, "credential decryption failed")
		return nil, apierr.Wrap(apierr.KindAuthRejected, "credential decryption failed", err)
	}

	if !Verify(key, r.Method, r.URL.RequestURI(), signed.Timestamp, body, signed.Signature) {
		v.reject(remoteAddr, endpoint, "signature mismatch")
		return nil, apierr.New(apierr.KindAuthRejected, "signature mismatch")
	}

	if v.Audit != nil {
		v.Audit.AuthSuccess(remoteAddr, endpoint)
	}
	return id, nil
}

func (v *Verifier) reject(remoteAddr, endpoint, reason string) {
	if v.Audit != nil {
		v.Audit.AuthFailure(remoteAddr, endpoint, reason)
	}
}

// RequireRole reports a Forbidden error unless id.Role is one of allowed.
func RequireRole(id *model.Identity, allowed ...model.Role) error {
	for _, r := range allowed {
		if id.Role == r {
			return nil
		}
	}
	return apierr.New(apierr.KindForbidden, fmt.Sprintf("role %q not permitted for this operation", id.Role))
}

// ReadAndRestoreBody drains r.Body, returning its bytes, and replaces
// r.Body with a fresh reader so downstream handlers can still read it.
func ReadAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}
