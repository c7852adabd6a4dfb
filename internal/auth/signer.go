// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package auth implements the HMAC-SHA256 request-signing and
// replay-protection protocol (C2): canonical-string construction,
// constant-time signature verification, key-ring-backed credential
// storage with rotation, and CIDR/trusted-proxy source-IP resolution.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Headers carried by every signed inbound request.
const (
	HeaderClientID  = "X-DFFmpeg-Client-ID"
	HeaderTimestamp = "X-DFFmpeg-Timestamp"
	HeaderSignature = "X-DFFmpeg-Signature"
)

// MaxClockSkew is the acceptance window for |now - timestamp|.
const MaxClockSkew = 30 * time.Second

// SignedRequest is the parsed, not-yet-verified HMAC envelope of a request.
type SignedRequest struct {
	ClientID  string
	Timestamp int64
	Signature string
}

// ExtractSignedRequest reads the three HMAC headers off r. It does not
// verify anything; an empty ClientID/Signature or unparsable Timestamp
// is reported as an error so callers can reject before touching the store.
func ExtractSignedRequest(r *http.Request) (SignedRequest, error) {
	clientID := r.Header.Get(HeaderClientID)
	tsRaw := r.Header.Get(HeaderTimestamp)
	sig := r.Header.Get(HeaderSignature)

	if clientID == "" || tsRaw == "" || sig == "" {
		return SignedRequest{}, fmt.Errorf("auth: missing signing headers")
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(tsRaw), 10, 64)
	if err != nil {
		return SignedRequest{}, fmt.Errorf("auth: malformed timestamp: %w", err)
	}
	return SignedRequest{ClientID: clientID, Timestamp: ts, Signature: sig}, nil
}

// CanonicalString builds "METHOD|PATH|TIMESTAMP|HEX(SHA256(BODY))" — the
// exact string HMAC-SHA256 is computed over. PATH includes the query string.
func CanonicalString(method, path string, timestamp int64, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("%s|%s|%d|%s", strings.ToUpper(method), path, timestamp, hex.EncodeToString(sum[:]))
}

// Sign computes the base64-encoded HMAC-SHA256 signature for a request.
func Sign(key []byte, method, path string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(CanonicalString(method, path, timestamp, body)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the correct signature for the given
// request components, compared in constant time.
func Verify(key []byte, method, path string, timestamp int64, body []byte, sig string) bool {
	if sig == "" {
		return false
	}
	expected := Sign(key, method, path, timestamp, body)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) == 1
}

// WithinClockSkew reports whether timestamp is within MaxClockSkew of now.
func WithinClockSkew(timestamp int64, now time.Time) bool {
	diff := now.Unix() - timestamp
	if diff < 0 {
		diff = -diff
	}
	return time.Duration(diff)*time.Second <= MaxClockSkew
}
