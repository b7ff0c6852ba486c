// Package testutil provides configurable test fakes for veil interfaces.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	veil "github.com/openanonymity/veil/internal"
)

// MemoryStore is an in-memory implementation of store.Store for testing.
// TTLs are honored on read so expiry behavior can be exercised with the
// Clock override.
type MemoryStore struct {
	mu sync.RWMutex

	// Clock overrides time.Now for expiry checks. Nil means real time.
	Clock func() time.Time

	pools      map[string]map[string]struct{} // "provider:model" -> key ids
	usageHour  map[string]int64
	usageTotal map[string]int64
	lastUsed   map[string]int64
	weights    map[string]float64 // "session:key"
	sessions   map[string]entry
	candidates map[string]entry
	endpoints  map[string]entry
	userSess   map[int64]map[string]struct{}
	Suspicious []veil.SuspiciousActivity

	FailNext error // next op returns this error once
}

type entry struct {
	val       any
	expiresAt time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:      make(map[string]map[string]struct{}),
		usageHour:  make(map[string]int64),
		usageTotal: make(map[string]int64),
		lastUsed:   make(map[string]int64),
		weights:    make(map[string]float64),
		sessions:   make(map[string]entry),
		candidates: make(map[string]entry),
		endpoints:  make(map[string]entry),
		userSess:   make(map[int64]map[string]struct{}),
	}
}

func (s *MemoryStore) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *MemoryStore) failNext() error {
	if s.FailNext != nil {
		err := s.FailNext
		s.FailNext = nil
		return err
	}
	return nil
}

func (s *MemoryStore) live(e entry) bool {
	return e.expiresAt.IsZero() || s.now().Before(e.expiresAt)
}

// --- PoolStore ---

func (s *MemoryStore) PoolMembers(_ context.Context, provider, model string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext(); err != nil {
		return nil, err
	}
	var out []string
	for id := range s.pools[provider+":"+model] {
		out = append(out, id)
	}
	return out, nil
}

func (s *MemoryStore) ReplacePool(_ context.Context, provider, model string, keyIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext(); err != nil {
		return err
	}
	set := make(map[string]struct{}, len(keyIDs))
	for _, id := range keyIDs {
		set[id] = struct{}{}
	}
	s.pools[provider+":"+model] = set
	return nil
}

func (s *MemoryStore) Pools(_ context.Context) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.pools))
	for name, set := range s.pools {
		var ids []string
		for id := range set {
			ids = append(ids, id)
		}
		out[name] = ids
	}
	return out, nil
}

// --- UsageStore ---

func (s *MemoryStore) AddUsage(_ context.Context, keyID string, tokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext(); err != nil {
		return err
	}
	s.usageHour[keyID] += tokens
	s.usageTotal[keyID] += tokens
	s.lastUsed[keyID] = s.now().Unix()
	return nil
}

func (s *MemoryStore) KeyUsage(_ context.Context, keyID string) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext(); err != nil {
		return 0, 0, err
	}
	return s.usageHour[keyID], s.usageTotal[keyID], nil
}

func (s *MemoryStore) LastUsed(_ context.Context, keyID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUsed[keyID], nil
}

// SetUsage primes counters for a key.
func (s *MemoryStore) SetUsage(keyID string, hour, total int64) {
	s.mu.Lock()
	s.usageHour[keyID] = hour
	s.usageTotal[keyID] = total
	s.mu.Unlock()
}

// --- WeightStore ---

func (s *MemoryStore) SetSessionKeyWeight(_ context.Context, sessionID, keyID string, weight float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weights[sessionID+":"+keyID] = weight
	return nil
}

func (s *MemoryStore) ClearSessionWeights(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.weights {
		if strings.HasPrefix(k, sessionID+":") {
			delete(s.weights, k)
		}
	}
	return nil
}

// Weight returns a session→key weight and whether it exists.
func (s *MemoryStore) Weight(sessionID, keyID string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.weights[sessionID+":"+keyID]
	return w, ok
}

// --- SessionStore ---

func (s *MemoryStore) PutSession(_ context.Context, sess *veil.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext(); err != nil {
		return err
	}
	cp := *sess
	s.sessions[sess.ID] = entry{val: &cp, expiresAt: s.now().Add(veil.SessionTTL)}
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*veil.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok || !s.live(e) {
		return nil, fmt.Errorf("session %s: %w", id, veil.ErrNotFound)
	}
	cp := *e.val.(*veil.Session)
	return &cp, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) PutCandidates(_ context.Context, sessionID string, cands []veil.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]veil.Candidate, len(cands))
	copy(cp, cands)
	s.candidates[sessionID] = entry{val: cp, expiresAt: s.now().Add(veil.SessionTTL)}
	return nil
}

func (s *MemoryStore) GetCandidates(_ context.Context, sessionID string) ([]veil.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.candidates[sessionID]
	if !ok || !s.live(e) {
		return nil, nil
	}
	src := e.val.([]veil.Candidate)
	cp := make([]veil.Candidate, len(src))
	copy(cp, src)
	return cp, nil
}

func (s *MemoryStore) DeleteCandidates(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.candidates, sessionID)
	return nil
}

func (s *MemoryStore) AddUserSession(_ context.Context, userID int64, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userSess[userID] == nil {
		s.userSess[userID] = make(map[string]struct{})
	}
	s.userSess[userID][sessionID] = struct{}{}
	return nil
}

func (s *MemoryStore) UserOwnedSession(_ context.Context, userID int64, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.userSess[userID][sessionID]
	return ok, nil
}

// --- EndpointStore ---

func (s *MemoryStore) PutEndpoint(_ context.Context, ep *veil.Endpoint, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = veil.SessionTTL
	}
	cp := *ep
	s.endpoints[ep.ID] = entry{val: &cp, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) GetEndpoint(_ context.Context, id string) (*veil.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.endpoints[id]
	if !ok || !s.live(e) {
		return nil, fmt.Errorf("endpoint %s: %w", id, veil.ErrEndpointExpired)
	}
	cp := *e.val.(*veil.Endpoint)
	return &cp, nil
}

func (s *MemoryStore) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.endpoints, id)
	return nil
}

// EndpointIDs lists the ids of live endpoint records.
func (s *MemoryStore) EndpointIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, e := range s.endpoints {
		if s.live(e) {
			out = append(out, id)
		}
	}
	return out
}

// --- SecurityStore ---

func (s *MemoryStore) RecordSuspicious(_ context.Context, rec *veil.SuspiciousActivity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Timestamp == 0 {
		rec.Timestamp = s.now().Unix()
	}
	s.Suspicious = append(s.Suspicious, *rec)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }
