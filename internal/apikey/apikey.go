// Package apikey generates and hashes the bearer credentials issued at
// signup and rotated on every login (spec.md §3, original_source/main.py
// get_current_user/login). Keys are opaque random tokens; only their
// SHA-256 hash is ever persisted, so a stolen database dump does not
// yield usable credentials.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

const tokenBytes = 32

// Generate returns a fresh random API key, hex-encoded.
func Generate() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Hash returns the hex-encoded SHA-256 digest of key, the only form
// that ever reaches the catalog.
func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
