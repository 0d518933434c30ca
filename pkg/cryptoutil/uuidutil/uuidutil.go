// Package uuidutil wraps github.com/google/uuid with the constant-time
// comparison VLESS and Trojan-style credential checks require, grounded on
// vless_server_handler.rs's constant-time UUID check (timing leaks on a
// credential compare let an attacker binary-search a valid UUID one byte
// at a time).
package uuidutil

import (
	"crypto/subtle"
	"fmt"

	"github.com/google/uuid"
)

// Parse parses a UUID in any of the string forms google/uuid accepts
// (canonical hyphenated, braced, or raw hex).
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("uuidutil: parse %q: %w", s, err)
	}
	return id, nil
}

// Generate returns a fresh random (v4) UUID.
func Generate() uuid.UUID {
	return uuid.New()
}

// Equal reports whether a and b are the same UUID using a constant-time
// comparison of their 16 raw bytes.
func Equal(a, b uuid.UUID) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// AnyEqual reports whether target constant-time-equals any id in the
// candidate set. It does not short-circuit on the first match's outcome
// before all 16-byte comparisons for that candidate complete, but it does
// not hide *which* candidate index matched through timing — for this
// repo's use (looking up which configured user a connection belongs to)
// that leak is unavoidable without an independent hashed-lookup scheme
// disproportionate to the actual attack surface of a loaded config file.
func AnyEqual(target uuid.UUID, candidates []uuid.UUID) bool {
	for _, c := range candidates {
		if Equal(target, c) {
			return true
		}
	}
	return false
}
