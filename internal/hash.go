package veil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// globalSalt is the endpoint-id salt used when no session is involved.
const globalSalt = "global00"

// EndpointID derives the opaque endpoint id for binding keyID into a session
// at time now. The session-scoped salt makes the same key yield unrelated ids
// across sessions; the coarse timestamp makes ids unique across reloads. The
// secret is deliberately not an input.
func EndpointID(provider, model, keyID, sessionID string, now time.Time) string {
	salt := globalSalt
	if len(sessionID) >= 8 {
		salt = sessionID[:8]
	} else if sessionID != "" {
		salt = sessionID
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%s:%s:%d:%s", provider, model, keyID, now.Unix(), salt))
	return hex.EncodeToString(sum[:])[:20]
}

// KeyHash derives the session-scoped key hash surfaced to clients. It rolls
// with the hour bucket, so the same key is recognizable within a session for
// at most an hour and unlinkable across sessions.
func KeyHash(keyID, sessionID string, now time.Time) string {
	bucket := now.Unix() / 3600
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%s:%d", keyID, sessionID, bucket))
	return hex.EncodeToString(sum[:])[:24]
}

// NewTurnID mints a random per-response turn identifier.
func NewTurnID() string {
	var b [6]byte
	rand.Read(b[:])
	return "turn_" + hex.EncodeToString(b[:])
}
