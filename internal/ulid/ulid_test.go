// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ulid

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_HasFixedLengthAndAlphabet(t *testing.T) {
	id := New()
	require.Len(t, id, Len)
	assert.True(t, Valid(id))
}

func TestNew_SortsLexicographicallyByCreationTime(t *testing.T) {
	base := time.Now()
	ids := []string{
		NewAt(base),
		NewAt(base.Add(1 * time.Millisecond)),
		NewAt(base.Add(2 * time.Millisecond)),
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	assert.Equal(t, ids, sorted)
}

func TestValid_RejectsWrongLength(t *testing.T) {
	assert.False(t, Valid("too-short"))
	assert.False(t, Valid(""))
}

func TestTime_RoundTrips(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	id := NewAt(at)
	got := Time(id)
	assert.Equal(t, at.UnixMilli(), got.UnixMilli())
}
