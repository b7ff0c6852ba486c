// Package session implements stateful session lifecycle: key provisioning,
// endpoint candidate generation, endpoint binding, ownership checks, and
// single-turn rotation. All state lives in the counter store so any gateway
// replica can serve any session.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	veil "github.com/openanonymity/veil/internal"
	"github.com/openanonymity/veil/internal/store"
)

// candidatesPerModel is how many endpoints each requested model gets.
const candidatesPerModel = 2

// Manager drives session state transitions.
type Manager struct {
	store     store.Store
	allocator veil.KeyAllocator
	logger    *slog.Logger
}

// New builds a Manager. logger may be nil.
func New(st store.Store, allocator veil.KeyAllocator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, allocator: allocator, logger: logger}
}

// Initialize creates a session for the user, provisions endpoint candidates
// for every requested model, and records the session in the user's history.
func (m *Manager) Initialize(ctx context.Context, userID int64, models []string) (*veil.Session, []veil.Candidate, error) {
	if len(models) == 0 {
		return nil, nil, fmt.Errorf("%w: no models requested", veil.ErrBadRequest)
	}
	for _, model := range models {
		if _, _, err := veil.SplitModel(model); err != nil {
			return nil, nil, err
		}
	}

	s := &veil.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Models:    models,
		Status:    "active",
		CreatedAt: time.Now().Unix(),
	}

	cands, err := m.provision(ctx, s, models)
	if err != nil {
		return nil, nil, err
	}
	if err := m.store.PutSession(ctx, s); err != nil {
		return nil, nil, err
	}
	if err := m.store.AddUserSession(ctx, userID, s.ID); err != nil {
		return nil, nil, err
	}

	m.logger.LogAttrs(ctx, slog.LevelInfo, "session initialized",
		slog.String("session_id", s.ID),
		slog.Int64("user_id", userID),
		slog.Int("candidates", len(cands)))
	return s, cands, nil
}

// UpdateModels reprovisions the session's candidates for a new model list.
// The second return value reports whether the currently bound endpoint
// serves a model that is no longer requested, which forces a disconnect.
func (m *Manager) UpdateModels(ctx context.Context, sessionID string, userID int64, models []string) ([]veil.Candidate, bool, error) {
	if len(models) == 0 {
		return nil, false, fmt.Errorf("%w: no models requested", veil.ErrBadRequest)
	}
	for _, model := range models {
		if _, _, err := veil.SplitModel(model); err != nil {
			return nil, false, err
		}
	}

	s, err := m.loadOwned(ctx, sessionID, userID)
	if err != nil {
		return nil, false, err
	}

	needsDisconnect := s.Bound() && !containsModel(models, s.Provider+"/"+s.Model)

	// A binding that survives the model change keeps its endpoint record;
	// deleting it would strand the session on a dead endpoint id.
	keep := ""
	if !needsDisconnect {
		keep = s.EndpointID
	}
	if err := m.dropEndpoints(ctx, s.ID, keep); err != nil {
		return nil, false, err
	}
	if err := m.allocator.ReleaseSession(ctx, s.ID); err != nil {
		m.logger.LogAttrs(ctx, slog.LevelWarn, "release before reprovision failed",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()))
	}

	if needsDisconnect {
		clearBinding(s)
	}
	s.Models = models

	cands, err := m.provision(ctx, s, models)
	if err != nil {
		return nil, false, err
	}
	if err := m.store.PutSession(ctx, s); err != nil {
		return nil, false, err
	}
	return cands, needsDisconnect, nil
}

// Candidates returns the session's current endpoint candidates.
func (m *Manager) Candidates(ctx context.Context, sessionID string, userID int64) ([]veil.Candidate, error) {
	if _, err := m.loadOwned(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return m.store.GetCandidates(ctx, sessionID)
}

// ChooseEndpoint binds the session to one of its candidates. The choice is
// the client's; the server only verifies membership and liveness.
func (m *Manager) ChooseEndpoint(ctx context.Context, sessionID string, userID int64, endpointID string) (*veil.Endpoint, error) {
	s, err := m.loadOwned(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	cands, err := m.store.GetCandidates(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var chosen *veil.Candidate
	for i := range cands {
		if cands[i].ID == endpointID {
			chosen = &cands[i]
			break
		}
	}
	if chosen == nil {
		return nil, fmt.Errorf("%w: endpoint %s is not a candidate", veil.ErrBadRequest, endpointID)
	}

	ep, err := m.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}

	s.Provider = ep.Provider
	s.Model = ep.Model
	s.EndpointID = ep.ID
	s.APIKeyHash = chosen.APIKeyHash
	if err := m.store.PutSession(ctx, s); err != nil {
		return nil, err
	}

	m.logger.LogAttrs(ctx, slog.LevelInfo, "endpoint bound",
		slog.String("session_id", s.ID),
		slog.String("endpoint_id", ep.ID))
	return ep, nil
}

// ChooseRandom binds the session to a uniformly drawn candidate.
func (m *Manager) ChooseRandom(ctx context.Context, sessionID string, userID int64) (*veil.Endpoint, error) {
	cands, err := m.Candidates(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: session has no candidates", veil.ErrNoKeys)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(cands))))
	if err != nil {
		return nil, fmt.Errorf("draw candidate: %w", err)
	}
	return m.ChooseEndpoint(ctx, sessionID, userID, cands[n.Int64()].ID)
}

// BoundEndpoint returns the session's chosen endpoint record, secret
// included. The caller owns keeping it off the wire.
func (m *Manager) BoundEndpoint(ctx context.Context, sessionID string, userID int64) (*veil.Endpoint, error) {
	s, err := m.loadOwned(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if !s.Bound() {
		return nil, fmt.Errorf("%w: no endpoint chosen", veil.ErrBadRequest)
	}
	return m.store.GetEndpoint(ctx, s.EndpointID)
}

// Session status labels returned by CheckStatus.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusInvalid = "invalid"
)

// CheckStatus classifies a session id for its claimed owner. Unknown ids and
// other users' sessions both come back "invalid" and leave a suspicious
// activity record.
func (m *Manager) CheckStatus(ctx context.Context, sessionID string, userID int64) (string, error) {
	_, err := m.loadOwned(ctx, sessionID, userID)
	switch {
	case err == nil:
		return StatusActive, nil
	case errors.Is(err, veil.ErrSessionExpired):
		return StatusExpired, nil
	case errors.Is(err, veil.ErrSessionNotFound):
		return StatusInvalid, nil
	default:
		return "", err
	}
}

// End tears the session down: endpoints, candidates, key weights, session
// record. Ending an already-expired session succeeds.
func (m *Manager) End(ctx context.Context, sessionID string, userID int64) error {
	_, err := m.loadOwned(ctx, sessionID, userID)
	if errors.Is(err, veil.ErrSessionExpired) {
		// Record is gone; release whatever key weights remain.
		return m.allocator.ReleaseSession(ctx, sessionID)
	}
	if err != nil {
		return err
	}

	if err := m.dropEndpoints(ctx, sessionID, ""); err != nil {
		return err
	}
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	if err := m.allocator.ReleaseSession(ctx, sessionID); err != nil {
		m.logger.LogAttrs(ctx, slog.LevelWarn, "release on end failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
	// The id stays in the user's 7-day history so later lookups report
	// "expired" rather than flagging the user's own session as suspicious.

	m.logger.LogAttrs(ctx, slog.LevelInfo, "session ended",
		slog.String("session_id", sessionID))
	return nil
}

// CompleteTurn rotates the session after a finished turn: the old endpoints
// are destroyed, fresh candidates are provisioned for the same models, and a
// random one is bound so consecutive turns never share an upstream identity.
func (m *Manager) CompleteTurn(ctx context.Context, sessionID string, userID int64) (*veil.Endpoint, []veil.Candidate, error) {
	s, err := m.loadOwned(ctx, sessionID, userID)
	if err != nil {
		return nil, nil, err
	}

	if err := m.dropEndpoints(ctx, s.ID, ""); err != nil {
		return nil, nil, err
	}
	if err := m.allocator.ReleaseSession(ctx, s.ID); err != nil {
		m.logger.LogAttrs(ctx, slog.LevelWarn, "release on turn rotation failed",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()))
	}
	clearBinding(s)

	cands, err := m.provision(ctx, s, s.Models)
	if err != nil {
		return nil, nil, err
	}
	if err := m.store.PutSession(ctx, s); err != nil {
		return nil, nil, err
	}

	ep, err := m.ChooseRandom(ctx, s.ID, userID)
	if err != nil {
		return nil, nil, err
	}
	return ep, cands, nil
}

// provision selects keys for the models and materializes them as endpoint
// records plus the candidate view stored for the client.
func (m *Manager) provision(ctx context.Context, s *veil.Session, models []string) ([]veil.Candidate, error) {
	keys, err := m.allocator.SelectKeys(ctx, s.ID, s.UserID, models, candidatesPerModel)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	cands := make([]veil.Candidate, 0, len(keys))
	for i, k := range keys {
		ep := &veil.Endpoint{
			ID:          veil.EndpointID(k.Provider, k.Model, k.KeyID, s.ID, now),
			SessionID:   s.ID,
			Provider:    k.Provider,
			Model:       k.Model,
			KeyID:       k.KeyID,
			APIKey:      k.APIKey,
			TokensHour:  k.TokensHour,
			TokensTotal: k.TokensTotal,
			Status:      k.Status,
			CreatedAt:   now.Unix(),
		}
		if err := m.store.PutEndpoint(ctx, ep, veil.SessionTTL); err != nil {
			return nil, err
		}
		cands = append(cands, veil.Candidate{
			ID:               ep.ID,
			Name:             fmt.Sprintf("%s-%s-%d", k.Provider, k.Model, i+1),
			Provider:         k.Provider,
			ModelTag:         k.Model,
			ModelsAccessible: []string{k.Provider + "/" + k.Model},
			UsageLoad:        veil.UsageLoadFor(k.TokensHour),
			Status:           k.Status,
			TokenUsageHour:   k.TokensHour,
			TokenUsageTotal:  k.TokensTotal,
			APIKeyHash:       veil.KeyHash(k.KeyID, s.ID, now),
		})
	}
	if err := m.store.PutCandidates(ctx, s.ID, cands); err != nil {
		return nil, err
	}
	return cands, nil
}

// dropEndpoints deletes the session's endpoint records and candidate list.
// keepID, when non-empty, names a still-bound endpoint whose record must
// survive the purge.
func (m *Manager) dropEndpoints(ctx context.Context, sessionID, keepID string) error {
	cands, err := m.store.GetCandidates(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, c := range cands {
		if c.ID == keepID {
			continue
		}
		if err := m.store.DeleteEndpoint(ctx, c.ID); err != nil {
			return err
		}
	}
	return m.store.DeleteCandidates(ctx, sessionID)
}

// loadOwned resolves a session id for its claimed owner. A missing record
// that appears in the user's history is expired; anything else is invalid
// and leaves a suspicious activity record with the caller's address.
func (m *Manager) loadOwned(ctx context.Context, sessionID string, userID int64) (*veil.Session, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, veil.ErrNotFound) {
		owned, herr := m.store.UserOwnedSession(ctx, userID, sessionID)
		if herr == nil && owned {
			return nil, fmt.Errorf("%w: session %s", veil.ErrSessionExpired, sessionID)
		}
		m.recordSuspicious(ctx, userID, sessionID, "unknown session id")
		return nil, fmt.Errorf("%w: session %s", veil.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		m.recordSuspicious(ctx, userID, sessionID, "session owned by another user")
		return nil, fmt.Errorf("%w: session %s", veil.ErrSessionNotFound, sessionID)
	}
	return s, nil
}

func (m *Manager) recordSuspicious(ctx context.Context, userID int64, sessionID, reason string) {
	rec := &veil.SuspiciousActivity{
		UserID:     userID,
		SessionID:  sessionID,
		ClientAddr: veil.ClientAddrFromContext(ctx),
		Reason:     reason,
		Timestamp:  time.Now().Unix(),
	}
	if err := m.store.RecordSuspicious(ctx, rec); err != nil {
		m.logger.LogAttrs(ctx, slog.LevelWarn, "record suspicious activity failed",
			slog.String("error", err.Error()))
	}
	m.logger.LogAttrs(ctx, slog.LevelWarn, "suspicious session access",
		slog.String("session_id", sessionID),
		slog.Int64("user_id", userID),
		slog.String("reason", reason))
}

func clearBinding(s *veil.Session) {
	s.Provider = ""
	s.Model = ""
	s.EndpointID = ""
	s.APIKeyHash = ""
}

func containsModel(models []string, m string) bool {
	for _, v := range models {
		if v == m {
			return true
		}
	}
	return false
}
