// Package keypool implements the Key Allocator core: pool ownership,
// weighted key selection, usage tracking and key-file ingest.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	veil "github.com/openanonymity/veil/internal"
	"github.com/openanonymity/veil/internal/secret"
	"github.com/openanonymity/veil/internal/store"
)

// Manager owns the key pool. It is safe for concurrent use; all mutable
// state lives in the counter store and the secret store.
type Manager struct {
	store   store.Store
	secrets secret.Store
	logger  *slog.Logger
	started time.Time

	totalRequests      atomic.Int64
	successfulRequests atomic.Int64
	failedRequests     atomic.Int64
}

// New builds a Manager. logger may be nil.
func New(st store.Store, secrets secret.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   st,
		secrets: secrets,
		logger:  logger,
		started: time.Now(),
	}
}

// selectionWeight is the piecewise selection weight over hourly usage.
// Fresh keys dominate, lightly used keys follow, heavy keys trail.
func selectionWeight(tokensHour int64) int {
	switch {
	case tokensHour == 0:
		return 100
	case tokensHour < 1000:
		return 50
	case tokensHour < 5000:
		return 20
	default:
		return 5
	}
}

type rankedKey struct {
	id     string
	hour   int64
	total  int64
	weight int
}

// SelectKeys returns up to countPerModel keys per requested "provider/model"
// string and records a default session weight for each. The result is
// partial when some pools are exhausted; ErrNoKeys is returned only when
// nothing could be selected at all.
func (m *Manager) SelectKeys(ctx context.Context, sessionID string, userID int64, models []string, countPerModel int) ([]veil.SelectedKey, error) {
	m.totalRequests.Add(1)
	if countPerModel <= 0 {
		countPerModel = 1
	}

	var out []veil.SelectedKey
	for _, ms := range models {
		provider, model, err := veil.SplitModel(ms)
		if err != nil {
			m.failedRequests.Add(1)
			return nil, err
		}
		keys, err := m.selectForModel(ctx, sessionID, provider, model, countPerModel)
		if err != nil {
			m.failedRequests.Add(1)
			return nil, err
		}
		out = append(out, keys...)
	}

	if len(out) == 0 {
		m.failedRequests.Add(1)
		return nil, fmt.Errorf("%w: models %v", veil.ErrNoKeys, models)
	}
	m.successfulRequests.Add(1)
	m.logger.LogAttrs(ctx, slog.LevelDebug, "keys selected",
		slog.String("session_id", sessionID),
		slog.Int64("user_id", userID),
		slog.Int("count", len(out)))
	return out, nil
}

func (m *Manager) selectForModel(ctx context.Context, sessionID, provider, model string, count int) ([]veil.SelectedKey, error) {
	members, err := m.store.PoolMembers(ctx, provider, model)
	if err != nil {
		return nil, fmt.Errorf("%w: pool %s/%s", veil.ErrUnavailable, provider, model)
	}
	if len(members) == 0 {
		return nil, nil
	}

	ranked := make([]rankedKey, 0, len(members))
	for _, id := range members {
		hour, total, err := m.store.KeyUsage(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: key %s", veil.ErrUnavailable, id)
		}
		ranked = append(ranked, rankedKey{id: id, hour: hour, total: total, weight: selectionWeight(hour)})
	}

	// Deterministic order: weight desc, hourly usage asc, key id as final
	// tie-break. Randomness belongs to the session manager, not here.
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.weight != b.weight {
			return a.weight > b.weight
		}
		if a.hour != b.hour {
			return a.hour < b.hour
		}
		return a.id < b.id
	})

	selected := make([]veil.SelectedKey, 0, count)
	for _, rk := range ranked {
		if len(selected) == count {
			break
		}
		apiKey, err := m.secrets.Read(ctx, secret.KeyPath(provider, model, rk.id))
		if err != nil {
			if errors.Is(err, veil.ErrNotFound) {
				// Pool member without a secret: stale ingest, skip it.
				m.logger.LogAttrs(ctx, slog.LevelWarn, "key secret missing, skipping",
					slog.String("key_id", rk.id),
					slog.String("provider", provider),
					slog.String("model", model))
				continue
			}
			return nil, fmt.Errorf("%w: key %s", veil.ErrUnavailable, rk.id)
		}
		selected = append(selected, veil.SelectedKey{
			KeyID:       rk.id,
			Provider:    provider,
			Model:       model,
			APIKey:      apiKey,
			TokensHour:  rk.hour,
			TokensTotal: rk.total,
			Status:      veil.KeyStatusFor(rk.hour),
		})
	}

	for _, k := range selected {
		if err := m.store.SetSessionKeyWeight(ctx, sessionID, k.KeyID, store.DefaultSessionW); err != nil {
			return nil, fmt.Errorf("%w: weight %s", veil.ErrUnavailable, k.KeyID)
		}
	}
	return selected, nil
}

// ReleaseSession resets every session→key weight the session holds. Absent
// sessions are a no-op.
func (m *Manager) ReleaseSession(ctx context.Context, sessionID string) error {
	if err := m.store.ClearSessionWeights(ctx, sessionID); err != nil {
		return fmt.Errorf("release session %s: %w", sessionID, err)
	}
	return nil
}

// TrackUsage adds tokens to the key's counters.
func (m *Manager) TrackUsage(ctx context.Context, keyID string, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	return m.store.AddUsage(ctx, keyID, tokens)
}

// Health verifies the counter store is reachable.
func (m *Manager) Health(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// PoolStats is the per-pool summary exposed by Stats. Only availability is
// surfaced; member counts and key ids stay private.
type PoolStats struct {
	Available int `json:"available"`
}

// RuntimeStats summarizes allocator activity since start.
type RuntimeStats struct {
	TotalRequests      int64 `json:"total_requests"`
	SuccessfulRequests int64 `json:"successful_requests"`
	FailedRequests     int64 `json:"failed_requests"`
	UptimeSeconds      int64 `json:"uptime_seconds"`
}

// Stats returns pool availability and runtime counters.
func (m *Manager) Stats(ctx context.Context) (map[string]PoolStats, RuntimeStats, error) {
	pools, err := m.store.Pools(ctx)
	if err != nil {
		return nil, RuntimeStats{}, err
	}
	poolStats := make(map[string]PoolStats, len(pools))
	for name, members := range pools {
		avail := 0
		for _, id := range members {
			hour, _, err := m.store.KeyUsage(ctx, id)
			if err != nil {
				return nil, RuntimeStats{}, err
			}
			if veil.KeyStatusFor(hour) != veil.StatusRateLimited {
				avail++
			}
		}
		poolStats[name] = PoolStats{Available: avail}
	}
	return poolStats, m.runtimeStats(), nil
}

// KeyStats is one key's usage detail. Key ids only, never secrets.
type KeyStats struct {
	KeyID       string `json:"key_id"`
	Pool        string `json:"pool"`
	TokensHour  int64  `json:"tokens_hour"`
	TokensTotal int64  `json:"tokens_total"`
	LastUsed    int64  `json:"last_used"`
}

// DetailedStats returns per-key usage across all pools.
func (m *Manager) DetailedStats(ctx context.Context) ([]KeyStats, RuntimeStats, error) {
	pools, err := m.store.Pools(ctx)
	if err != nil {
		return nil, RuntimeStats{}, err
	}
	var out []KeyStats
	for name, members := range pools {
		for _, id := range members {
			hour, total, err := m.store.KeyUsage(ctx, id)
			if err != nil {
				return nil, RuntimeStats{}, err
			}
			last, err := m.store.LastUsed(ctx, id)
			if err != nil {
				return nil, RuntimeStats{}, err
			}
			out = append(out, KeyStats{KeyID: id, Pool: name, TokensHour: hour, TokensTotal: total, LastUsed: last})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out, m.runtimeStats(), nil
}

func (m *Manager) runtimeStats() RuntimeStats {
	return RuntimeStats{
		TotalRequests:      m.totalRequests.Load(),
		SuccessfulRequests: m.successfulRequests.Load(),
		FailedRequests:     m.failedRequests.Load(),
		UptimeSeconds:      int64(time.Since(m.started).Seconds()),
	}
}
