// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package auth

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brwyatt/dffmpeg/internal/apierr"
	"github.com/brwyatt/dffmpeg/internal/model"
	"github.com/brwyatt/dffmpeg/internal/store/memory"
)

func setupVerifier(t *testing.T, secret []byte, cidrs []string) (*Verifier, *memory.Store, time.Time) {
	t.Helper()
	s := memory.New()
	now := time.Now()

	ring, err := NewKeyRing(map[string]KeyEntry{"k1": {Algorithm: "aes-gcm", Secret: []byte("ring-master-secret")}}, "k1")
	require.NoError(t, err)

	ciphertext, err := ring.Encrypt("k1", secret)
	require.NoError(t, err)

	id := &model.Identity{
		ClientID:      "client1",
		Role:          model.RoleClient,
		HMACKeyStored: ciphertext,
		KeyID:         "k1",
		AllowedCIDRs:  cidrs,
		CreatedAt:     now,
	}
	require.NoError(t, s.IdentityPut(context.Background(), id))

	v := NewVerifier(s, ring, nil, nil)
	v.Now = func() time.Time { return now }
	return v, s, now
}

func TestVerifier_Authenticate_AcceptsValidSignature(t *testing.T) {
	secret := []byte("client1-hmac-secret")
	v, _, now := setupVerifier(t, secret, []string{"0.0.0.0/0"})

	body := []byte(`{"binary":"ffmpeg"}`)
	r := httptest.NewRequest(http.MethodPost, "http://x/api/v1/jobs", bytes.NewReader(body))
	r.RemoteAddr = "198.51.100.1:1234"
	ts := now.Unix()
	sig := Sign(secret, http.MethodPost, r.URL.RequestURI(), ts, body)
	r.Header.Set(HeaderClientID, "client1")
	r.Header.Set(HeaderTimestamp, intToString(ts))
	r.Header.Set(HeaderSignature, sig)

	id, err := v.Authenticate(context.Background(), r, body)
	require.NoError(t, err)
	assert.Equal(t, "client1", id.ClientID)
}

func TestVerifier_Authenticate_RejectsExpiredTimestamp(t *testing.T) {
	secret := []byte("client1-hmac-secret")
	v, _, now := setupVerifier(t, secret, []string{"0.0.0.0/0"})

	body := []byte("{}")
	r := httptest.NewRequest(http.MethodPost, "http://x/api/v1/jobs", bytes.NewReader(body))
	r.RemoteAddr = "198.51.100.1:1234"
	staleTS := now.Add(-time.Minute).Unix()
	sig := Sign(secret, http.MethodPost, r.URL.RequestURI(), staleTS, body)
	r.Header.Set(HeaderClientID, "client1")
	r.Header.Set(HeaderTimestamp, intToString(staleTS))
	r.Header.Set(HeaderSignature, sig)

	_, err := v.Authenticate(context.Background(), r, body)
	require.Error(t, err)
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindAuthRejected, e.Kind)
}

func TestVerifier_Authenticate_RejectsUnknownIdentity(t *testing.T) {
	secret := []byte("client1-hmac-secret")
	v, _, now := setupVerifier(t, secret, []string{"0.0.0.0/0"})

	body := []byte("{}")
	r := httptest.NewRequest(http.MethodPost, "http://x/api/v1/jobs", bytes.NewReader(body))
	r.RemoteAddr = "198.51.100.1:1234"
	ts := now.Unix()
	sig := Sign(secret, http.MethodPost, r.URL.RequestURI(), ts, body)
	r.Header.Set(HeaderClientID, "nobody")
	r.Header.Set(HeaderTimestamp, intToString(ts))
	r.Header.Set(HeaderSignature, sig)

	_, err := v.Authenticate(context.Background(), r, body)
	require.Error(t, err)
}

func TestVerifier_Authenticate_RejectsOutOfCIDRSource(t *testing.T) {
	secret := []byte("client1-hmac-secret")
	v, _, now := setupVerifier(t, secret, []string{"10.0.0.0/8"})

	body := []byte("{}")
	r := httptest.NewRequest(http.MethodPost, "http://x/api/v1/jobs", bytes.NewReader(body))
	r.RemoteAddr = "198.51.100.1:1234" // not in 10.0.0.0/8
	ts := now.Unix()
	sig := Sign(secret, http.MethodPost, r.URL.RequestURI(), ts, body)
	r.Header.Set(HeaderClientID, "client1")
	r.Header.Set(HeaderTimestamp, intToString(ts))
	r.Header.Set(HeaderSignature, sig)

	_, err := v.Authenticate(context.Background(), r, body)
	require.Error(t, err)
}

func TestVerifier_Authenticate_RejectsBadSignature(t *testing.T) {
	secret := []byte("client1-hmac-secret")
	v, _, now := setupVerifier(t, secret, []string{"0.0.0.0/0"})

	body := []byte("{}")
	r := httptest.NewRequest(http.MethodPost, "http://x/api/v1/jobs", bytes.NewReader(body))
	r.RemoteAddr = "198.51.100.1:1234"
	ts := now.Unix()
	r.Header.Set(HeaderClientID, "client1")
	r.Header.Set(HeaderTimestamp, intToString(ts))
	r.Header.Set(HeaderSignature, "bm90LWEtcmVhbC1zaWduYXR1cmU=")

	_, err := v.Authenticate(context.Background(), r, body)
	require.Error(t, err)
}

func TestRequireRole(t *testing.T) {
	id := &model.Identity{ClientID: "w1", Role: model.RoleWorker}
	assert.NoError(t, RequireRole(id, model.RoleWorker, model.RoleAdmin))
	assert.Error(t, RequireRole(id, model.RoleClient))
}

func intToString(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [24]byte
	pos := len(buf)
	for v > 0 {
		pos--
		buf[pos] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
