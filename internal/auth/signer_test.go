// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractSignedRequest_RequiresAllHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.local/api/v1/jobs", nil)
	_, err := ExtractSignedRequest(r)
	require.Error(t, err)

	r.Header.Set(HeaderClientID, "client1")
	r.Header.Set(HeaderTimestamp, "1700000000")
	r.Header.Set(HeaderSignature, "sig")
	got, err := ExtractSignedRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "client1", got.ClientID)
	assert.Equal(t, int64(1700000000), got.Timestamp)
	assert.Equal(t, "sig", got.Signature)
}

func TestExtractSignedRequest_RejectsMalformedTimestamp(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.local/x", nil)
	r.Header.Set(HeaderClientID, "client1")
	r.Header.Set(HeaderTimestamp, "not-a-number")
	r.Header.Set(HeaderSignature, "sig")
	_, err := ExtractSignedRequest(r)
	require.Error(t, err)
}

func TestSignAndVerify_RoundTrips(t *testing.T) {
	key := []byte("super-secret-key")
	body := []byte(`{"binary":"ffmpeg"}`)
	ts := int64(1700000000)

	sig := Sign(key, "POST", "/api/v1/jobs", ts, body)
	assert.True(t, Verify(key, "POST", "/api/v1/jobs", ts, body, sig))
}

func TestVerify_RejectsTamperedBody(t *testing.T) {
	key := []byte("super-secret-key")
	sig := Sign(key, "POST", "/api/v1/jobs", 1700000000, []byte("original"))
	assert.False(t, Verify(key, "POST", "/api/v1/jobs", 1700000000, []byte("tampered"), sig))
}

func TestVerify_RejectsWrongKey(t *testing.T) {
	sig := Sign([]byte("key-a"), "GET", "/x", 1700000000, nil)
	assert.False(t, Verify([]byte("key-b"), "GET", "/x", 1700000000, nil, sig))
}

func TestWithinClockSkew(t *testing.T) {
	now := time.Unix(1700000000, 0)
	assert.True(t, WithinClockSkew(now.Unix(), now))
	assert.True(t, WithinClockSkew(now.Add(-29*time.Second).Unix(), now))
	assert.True(t, WithinClockSkew(now.Add(29*time.Second).Unix(), now))
	assert.False(t, WithinClockSkew(now.Add(-31*time.Second).Unix(), now))
	assert.False(t, WithinClockSkew(now.Add(31*time.Second).Unix(), now))
}
