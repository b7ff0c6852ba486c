// Package store defines the counter-store interfaces shared by the gateway
// and the Key Allocator. All cross-process state lives here.
package store

import (
	"context"
	"time"

	veil "github.com/openanonymity/veil/internal"
)

// PoolStore manages the key-id pool sets, one per (provider, model).
type PoolStore interface {
	PoolMembers(ctx context.Context, provider, model string) ([]string, error)
	// ReplacePool atomically swaps the pool membership for one (provider, model).
	ReplacePool(ctx context.Context, provider, model string, keyIDs []string) error
	// Pools enumerates every pool as "provider:model" -> member key ids.
	Pools(ctx context.Context) (map[string][]string, error)
}

// UsageStore manages per-key token counters.
type UsageStore interface {
	// AddUsage atomically adds tokens to the rolling hourly and lifetime
	// counters and refreshes the last-used timestamp.
	AddUsage(ctx context.Context, keyID string, tokens int64) error
	// KeyUsage returns the hourly and lifetime counters (0 when absent).
	KeyUsage(ctx context.Context, keyID string) (hour, total int64, err error)
	// LastUsed returns the unix-seconds last-used timestamp, 0 when never used.
	LastUsed(ctx context.Context, keyID string) (int64, error)
}

// WeightStore manages session-scoped key weights.
type WeightStore interface {
	SetSessionKeyWeight(ctx context.Context, sessionID, keyID string, weight float64) error
	// ClearSessionWeights resets every weight the session holds. Absent
	// sessions are a no-op.
	ClearSessionWeights(ctx context.Context, sessionID string) error
}

// SessionStore manages session records, candidate lists and user history.
type SessionStore interface {
	PutSession(ctx context.Context, s *veil.Session) error
	GetSession(ctx context.Context, id string) (*veil.Session, error)
	DeleteSession(ctx context.Context, id string) error

	PutCandidates(ctx context.Context, sessionID string, cands []veil.Candidate) error
	GetCandidates(ctx context.Context, sessionID string) ([]veil.Candidate, error)
	DeleteCandidates(ctx context.Context, sessionID string) error

	AddUserSession(ctx context.Context, userID int64, sessionID string) error
	// UserOwnedSession reports whether the session id appears in the user's
	// 7-day history; used to tell "expired" apart from "never existed".
	UserOwnedSession(ctx context.Context, userID int64, sessionID string) (bool, error)
}

// EndpointStore manages ephemeral endpoint records.
type EndpointStore interface {
	PutEndpoint(ctx context.Context, ep *veil.Endpoint, ttl time.Duration) error
	GetEndpoint(ctx context.Context, id string) (*veil.Endpoint, error)
	DeleteEndpoint(ctx context.Context, id string) error
}

// SecurityStore records suspicious access attempts.
type SecurityStore interface {
	RecordSuspicious(ctx context.Context, rec *veil.SuspiciousActivity) error
}

// Store combines all counter-store interfaces.
type Store interface {
	PoolStore
	UsageStore
	WeightStore
	SessionStore
	EndpointStore
	SecurityStore
	Ping(ctx context.Context) error
	Close() error
}

// Retention periods for the persistent layout.
const (
	HourlyWindow    = time.Hour
	LifetimeWindow  = 30 * 24 * time.Hour
	LastUsedWindow  = 24 * time.Hour
	UserHistoryTTL  = 7 * 24 * time.Hour
	SuspiciousTTL   = 30 * 24 * time.Hour
	DefaultSessionW = 100.0
)
