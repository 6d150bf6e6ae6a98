package game

import (
	"strings"
	"time"
)

// minSecretLength is the minimum number of hex characters in a session
// secret after dashes are stripped.
const minSecretLength = 32

// playerIDLength is how many leading hex characters of the secret form the
// public player ID. Not a hash: it only keeps the raw secret out of
// broadcast state while staying deterministic per device.
const playerIDLength = 16

// normalizeSecret strips dashes and lowercases, the canonical form used for
// both validation and derivation.
func normalizeSecret(secret string) string {
	return strings.ToLower(strings.ReplaceAll(secret, "-", ""))
}

// ValidSecret reports whether a client-supplied secret is acceptable:
// at least 32 hex characters, case-insensitive, dashes ignored.
func ValidSecret(secret string) bool {
	n := normalizeSecret(secret)
	if len(n) < minSecretLength {
		return false
	}
	for _, r := range n {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// DerivePlayerID maps a secret to its stable public player ID: dashes
// stripped, first 16 hex characters. The same device always derives the
// same ID, which is what makes reconnection work.
func DerivePlayerID(secret string) string {
	return normalizeSecret(secret)[:playerIDLength]
}

// registry tracks the secret↔connection↔player relationships plus the
// per-connection welcome bookkeeping. Owned by the engine loop; no locking.
type registry struct {
	// sessions maps secret → the connection currently owning the session.
	sessions map[string]string
	// reverse maps connection ID → secret, for disconnect resolution.
	reverse map[string]string
	// cleanupTimers maps player ID → pending stale-removal timer.
	cleanupTimers map[string]*time.Timer
	// pendingWelcome maps connection ID → player ID with a queued welcome.
	pendingWelcome map[string]string
	// welcomed is the set of connections whose welcome has been sent.
	welcomed map[string]struct{}
}

func newRegistry() *registry {
	return &registry{
		sessions:       make(map[string]string),
		reverse:        make(map[string]string),
		cleanupTimers:  make(map[string]*time.Timer),
		pendingWelcome: make(map[string]string),
		welcomed:       make(map[string]struct{}),
	}
}

// adopt records connID as the current owner of the session secret.
func (r *registry) adopt(secret, connID string) {
	r.sessions[secret] = connID
	r.reverse[connID] = secret
}

// cancelCleanup stops and forgets a pending removal timer, if any.
func (r *registry) cancelCleanup(pid string) {
	if timer, ok := r.cleanupTimers[pid]; ok {
		timer.Stop()
		delete(r.cleanupTimers, pid)
	}
}

// stopAllCleanups cancels every pending removal timer.
func (r *registry) stopAllCleanups() {
	for pid, timer := range r.cleanupTimers {
		timer.Stop()
		delete(r.cleanupTimers, pid)
	}
}
