// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
)

// ErrNoMatchingKey is returned when decryption exhausts the key ring
// without finding a key that authenticates the ciphertext.
var ErrNoMatchingKey = errors.New("auth: no key ring entry decrypts this credential")

// KeyEntry is one key ring member: algorithm:secret.
type KeyEntry struct {
	Algorithm string
	Secret    []byte
}

// KeyRing maps key_id -> algorithm:secret, the credential-encryption store
// described in §4.2. The empty key_id is reserved and always means
// "the stored hmac_key_stored is plaintext, not encrypted".
type KeyRing struct {
	entries   map[string]KeyEntry
	defaultID string
}

// NewKeyRing builds a KeyRing from configuration entries, with defaultID
// naming the entry new/rotated secrets are encrypted under.
func NewKeyRing(entries map[string]KeyEntry, defaultID string) (*KeyRing, error) {
	if defaultID != "" {
		if _, ok := entries[defaultID]; !ok {
			return nil, fmt.Errorf("auth: default key_id %q not present in key ring", defaultID)
		}
	}
	copied := make(map[string]KeyEntry, len(entries))
	for k, v := range entries {
		copied[k] = v
	}
	return &KeyRing{entries: copied, defaultID: defaultID}, nil
}

// DefaultKeyID is the key ring entry new credentials are encrypted under.
func (r *KeyRing) DefaultKeyID() string { return r.defaultID }

// Encrypt seals plaintext under the named key ring entry using AES-GCM,
// returning a nonce-prefixed ciphertext. keyID == "" stores plaintext
// (the wire format §4.2 explicitly allows this).
func (r *KeyRing) Encrypt(keyID string, plaintext []byte) ([]byte, error) {
	if keyID == "" {
		return append([]byte(nil), plaintext...), nil
	}
	entry, ok := r.entries[keyID]
	if !ok {
		return nil, fmt.Errorf("auth: unknown key_id %q", keyID)
	}
	gcm, err := newGCM(entry.Secret)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("auth: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext. If keyIDHint is non-empty, that entry is tried
// first, then every other known key_id in sorted order. If empty (the stored
// key_id hint is missing, e.g. mid-migration), every known key_id is
// attempted in sorted order and the first success wins; when none opens it,
// the bytes are the plaintext an empty key_id marks and are returned as-is
// with an empty resolvedKeyID. ErrNoMatchingKey is returned only for a
// non-empty hint that no entry opens.
func (r *KeyRing) Decrypt(keyIDHint string, ciphertext []byte) (plaintext []byte, resolvedKeyID string, err error) {
	if hint, ok := r.entries[keyIDHint]; ok && keyIDHint != "" {
		if pt, err := open(hint.Secret, ciphertext); err == nil {
			return pt, keyIDHint, nil
		}
	}
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		if id == keyIDHint {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if pt, err := open(r.entries[id].Secret, ciphertext); err == nil {
			return pt, id, nil
		}
	}
	if keyIDHint == "" {
		return append([]byte(nil), ciphertext...), "", nil
	}
	return nil, "", ErrNoMatchingKey
}

// RotateTo re-encrypts plaintext-derived credential bytes under newKeyID.
// Callers (the admin CLI's batch rotation) decrypt with the identity's
// current key_id, then call RotateTo to produce the replacement ciphertext.
func (r *KeyRing) RotateTo(newKeyID string, plaintext []byte) ([]byte, error) {
	return r.Encrypt(newKeyID, plaintext)
}

func newGCM(secret []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(normalizeKeyLen(secret))
	if err != nil {
		return nil, fmt.Errorf("auth: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func open(secret, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("auth: ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}

// normalizeKeyLen derives a 32-byte AES-256 key from an arbitrary-length
// secret via SHA-256, so operators can configure human-memorable secrets.
func normalizeKeyLen(secret []byte) []byte {
	if len(secret) == 32 {
		return secret
	}
	sum := sha256.Sum256(secret)
	return sum[:]
}
