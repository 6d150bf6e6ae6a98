package game

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidSecret(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		want   bool
	}{
		{"32 hex chars", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true},
		{"uuid with dashes", "123e4567-e89b-12d3-a456-426614174000", true},
		{"uppercase hex", "ABCDEF0123456789ABCDEF0123456789", true},
		{"too short", "abc123", false},
		{"31 chars", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
		{"non-hex characters", "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz", false},
		{"empty", "", false},
		{"dashes only", "--------------------------------", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidSecret(tt.secret))
		})
	}
}

func TestDerivePlayerIDDeterministic(t *testing.T) {
	secret := "123e4567-e89b-12d3-a456-426614174000"

	first := DerivePlayerID(secret)
	second := DerivePlayerID(secret)

	assert.Equal(t, first, second)
	assert.Equal(t, "123e4567e89b12d3", first)
	assert.Len(t, first, 16)
}

func TestDerivePlayerIDCaseInsensitive(t *testing.T) {
	lower := DerivePlayerID("abcdef0123456789abcdef0123456789")
	upper := DerivePlayerID("ABCDEF0123456789ABCDEF0123456789")
	assert.Equal(t, lower, upper)
}

func TestDerivePlayerIDDoesNotExposeFullSecret(t *testing.T) {
	secret := "aaaaaaaaaaaaaaaabbbbbbbbbbbbbbbb"
	pid := DerivePlayerID(secret)
	assert.NotEqual(t, secret, pid)
	assert.Equal(t, secret[:16], pid)
}

func TestRegistryAdoptAndCancel(t *testing.T) {
	r := newRegistry()

	r.adopt("secret-1", "conn-1")
	assert.Equal(t, "conn-1", r.sessions["secret-1"])
	assert.Equal(t, "secret-1", r.reverse["conn-1"])

	// A newer connection takes over the same session.
	r.adopt("secret-1", "conn-2")
	assert.Equal(t, "conn-2", r.sessions["secret-1"])
	assert.Equal(t, "secret-1", r.reverse["conn-1"], "old reverse entry survives until its disconnect")

	r.cleanupTimers["pid-1"] = time.AfterFunc(time.Hour, func() {})
	r.cancelCleanup("pid-1")
	assert.NotContains(t, r.cleanupTimers, "pid-1")

	// Cancelling an absent timer is a no-op.
	r.cancelCleanup("pid-1")
}

func TestRegistryStopAllCleanups(t *testing.T) {
	r := newRegistry()
	r.cleanupTimers["a"] = time.AfterFunc(time.Hour, func() {})
	r.cleanupTimers["b"] = time.AfterFunc(time.Hour, func() {})

	r.stopAllCleanups()
	assert.Empty(t, r.cleanupTimers)
}
