package session

import (
	"context"
	"errors"
	"testing"
	"time"

	veil "github.com/openanonymity/veil/internal"
	"github.com/openanonymity/veil/internal/testutil"
)

const (
	modelA = "openai/gpt-4o"
	modelB = "anthropic/claude-3-haiku-20240307"
	userID = int64(42)
)

func newManager(t *testing.T, models ...string) (*Manager, *testutil.MemoryStore, *testutil.FakeAllocator) {
	t.Helper()
	st := testutil.NewMemoryStore()
	alloc := testutil.NewFakeAllocator(models...)
	return New(st, alloc, nil), st, alloc
}

func TestInitialize(t *testing.T) {
	t.Parallel()

	m, st, _ := newManager(t, modelA, modelB)
	ctx := context.Background()

	s, cands, err := m.Initialize(ctx, userID, []string{modelA, modelB})
	if err != nil {
		t.Fatal(err)
	}
	if s.ID == "" || s.UserID != userID || s.Bound() {
		t.Fatalf("session = %+v", s)
	}
	if len(cands) != 2 {
		t.Fatalf("candidates = %d, want 2", len(cands))
	}
	for _, c := range cands {
		if len(c.ID) != 20 {
			t.Errorf("endpoint id %q, want 20 hex chars", c.ID)
		}
		if len(c.APIKeyHash) != 24 {
			t.Errorf("key hash %q, want 24 hex chars", c.APIKeyHash)
		}
	}

	stored, err := st.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != "active" {
		t.Errorf("status = %q", stored.Status)
	}
	owned, err := st.UserOwnedSession(ctx, userID, s.ID)
	if err != nil || !owned {
		t.Errorf("user history missing session: %v %v", owned, err)
	}
}

func TestInitializeRejectsBadModels(t *testing.T) {
	t.Parallel()

	m, _, _ := newManager(t, modelA)
	ctx := context.Background()

	if _, _, err := m.Initialize(ctx, userID, nil); !errors.Is(err, veil.ErrBadRequest) {
		t.Errorf("empty models: err = %v", err)
	}
	if _, _, err := m.Initialize(ctx, userID, []string{"no-slash"}); !errors.Is(err, veil.ErrBadRequest) {
		t.Errorf("malformed model: err = %v", err)
	}
}

func TestInitializeNoKeys(t *testing.T) {
	t.Parallel()

	m, _, alloc := newManager(t, modelA)
	alloc.Err = veil.ErrNoKeys

	_, _, err := m.Initialize(context.Background(), userID, []string{modelA})
	if !errors.Is(err, veil.ErrNoKeys) {
		t.Fatalf("err = %v, want ErrNoKeys", err)
	}
}

func TestChooseEndpoint(t *testing.T) {
	t.Parallel()

	m, _, _ := newManager(t, modelA)
	ctx := context.Background()

	s, cands, err := m.Initialize(ctx, userID, []string{modelA})
	if err != nil {
		t.Fatal(err)
	}

	ep, err := m.ChooseEndpoint(ctx, s.ID, userID, cands[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if ep.ID != cands[0].ID || ep.APIKey == "" {
		t.Fatalf("endpoint = %+v", ep)
	}

	bound, err := m.BoundEndpoint(ctx, s.ID, userID)
	if err != nil {
		t.Fatal(err)
	}
	if bound.ID != ep.ID || bound.APIKey != ep.APIKey {
		t.Errorf("bound = %+v, chosen = %+v", bound, ep)
	}

	if _, err := m.ChooseEndpoint(ctx, s.ID, userID, "deadbeefdeadbeefdead"); !errors.Is(err, veil.ErrBadRequest) {
		t.Errorf("unknown endpoint: err = %v", err)
	}
}

func TestBoundEndpointUnbound(t *testing.T) {
	t.Parallel()

	m, _, _ := newManager(t, modelA)
	ctx := context.Background()

	s, _, err := m.Initialize(ctx, userID, []string{modelA})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.BoundEndpoint(ctx, s.ID, userID); !errors.Is(err, veil.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
}

func TestChooseRandom(t *testing.T) {
	t.Parallel()

	m, _, _ := newManager(t, modelA, modelB)
	ctx := context.Background()

	s, cands, err := m.Initialize(ctx, userID, []string{modelA, modelB})
	if err != nil {
		t.Fatal(err)
	}

	ep, err := m.ChooseRandom(ctx, s.ID, userID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range cands {
		if c.ID == ep.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("random endpoint %s not among candidates", ep.ID)
	}
}

func TestUpdateModelsDisconnect(t *testing.T) {
	t.Parallel()

	m, st, alloc := newManager(t, modelA, modelB)
	ctx := context.Background()

	s, cands, err := m.Initialize(ctx, userID, []string{modelA})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ChooseEndpoint(ctx, s.ID, userID, cands[0].ID); err != nil {
		t.Fatal(err)
	}

	// Bound model no longer requested: binding must be dropped.
	newCands, disconnect, err := m.UpdateModels(ctx, s.ID, userID, []string{modelB})
	if err != nil {
		t.Fatal(err)
	}
	if !disconnect {
		t.Error("expected disconnect when bound model is removed")
	}
	if len(newCands) != 1 || newCands[0].Provider != "anthropic" {
		t.Fatalf("candidates = %+v", newCands)
	}

	stored, err := st.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Bound() {
		t.Errorf("session still bound: %+v", stored)
	}
	if len(alloc.ReleasedSessions()) == 0 {
		t.Error("old key weights never released")
	}

	// Old endpoint record must be gone.
	if _, err := st.GetEndpoint(ctx, cands[0].ID); err == nil {
		t.Error("old endpoint survived reprovision")
	}
}

func TestUpdateModelsKeepsCompatibleBinding(t *testing.T) {
	t.Parallel()

	m, st, _ := newManager(t, modelA, modelB)
	ctx := context.Background()

	s, cands, err := m.Initialize(ctx, userID, []string{modelA})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ChooseEndpoint(ctx, s.ID, userID, cands[0].ID); err != nil {
		t.Fatal(err)
	}

	bound, err := m.BoundEndpoint(ctx, s.ID, userID)
	if err != nil {
		t.Fatal(err)
	}

	// Cross a clock second so the reprovisioned endpoints get fresh ids and
	// cannot collide with the bound one.
	time.Sleep(1100 * time.Millisecond)

	newCands, disconnect, err := m.UpdateModels(ctx, s.ID, userID, []string{modelA, modelB})
	if err != nil {
		t.Fatal(err)
	}
	if disconnect {
		t.Error("bound model still requested, no disconnect expected")
	}
	stored, _ := st.GetSession(ctx, s.ID)
	if !stored.Bound() {
		t.Error("binding dropped although model is still requested")
	}

	// The kept binding must still resolve to a live endpoint record.
	after, err := m.BoundEndpoint(ctx, s.ID, userID)
	if err != nil {
		t.Fatalf("kept binding points at a dead endpoint record: %v", err)
	}
	if after.ID != bound.ID {
		t.Errorf("binding moved from %s to %s across a model update", bound.ID, after.ID)
	}
	for _, c := range newCands {
		if c.ID == bound.ID {
			t.Error("stale bound endpoint listed among fresh candidates")
		}
	}
}

func TestCheckStatus(t *testing.T) {
	t.Parallel()

	m, st, _ := newManager(t, modelA)
	ctx := context.Background()

	s, _, err := m.Initialize(ctx, userID, []string{modelA})
	if err != nil {
		t.Fatal(err)
	}

	if got, err := m.CheckStatus(ctx, s.ID, userID); err != nil || got != StatusActive {
		t.Errorf("status = %q, %v", got, err)
	}

	// Unknown id: invalid, plus a suspicious activity record.
	if got, err := m.CheckStatus(ctx, "11111111111111111111", userID); err != nil || got != StatusInvalid {
		t.Errorf("status = %q, %v", got, err)
	}
	if len(st.Suspicious) != 1 {
		t.Fatalf("suspicious records = %d, want 1", len(st.Suspicious))
	}

	// Another user's session id: also invalid, never revealed as existing.
	if got, err := m.CheckStatus(ctx, s.ID, userID+1); err != nil || got != StatusInvalid {
		t.Errorf("status = %q, %v", got, err)
	}
	if len(st.Suspicious) != 2 {
		t.Fatalf("suspicious records = %d, want 2", len(st.Suspicious))
	}

	// Past the session TTL the record is gone but the user history still
	// knows the id: expired, not invalid.
	st.Clock = func() time.Time { return time.Now().Add(veil.SessionTTL + time.Minute) }
	if got, err := m.CheckStatus(ctx, s.ID, userID); err != nil || got != StatusExpired {
		t.Errorf("status = %q, %v", got, err)
	}
}

func TestEnd(t *testing.T) {
	t.Parallel()

	m, st, alloc := newManager(t, modelA)
	ctx := context.Background()

	s, _, err := m.Initialize(ctx, userID, []string{modelA})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.End(ctx, s.ID, userID); err != nil {
		t.Fatal(err)
	}

	if _, err := st.GetSession(ctx, s.ID); !errors.Is(err, veil.ErrNotFound) {
		t.Errorf("session survived end: %v", err)
	}
	if ids := st.EndpointIDs(); len(ids) != 0 {
		t.Errorf("endpoints survived end: %v", ids)
	}
	released := alloc.ReleasedSessions()
	if len(released) == 0 || released[len(released)-1] != s.ID {
		t.Errorf("released = %v", released)
	}
	// History survives so a later status check reports expired, not invalid.
	owned, _ := st.UserOwnedSession(ctx, userID, s.ID)
	if !owned {
		t.Error("session dropped from user history")
	}
	status, err := m.CheckStatus(ctx, s.ID, userID)
	if err != nil || status != StatusExpired {
		t.Errorf("status after end = %q (%v), want expired", status, err)
	}
}

func TestEndExpired(t *testing.T) {
	t.Parallel()

	m, st, alloc := newManager(t, modelA)
	ctx := context.Background()

	s, _, err := m.Initialize(ctx, userID, []string{modelA})
	if err != nil {
		t.Fatal(err)
	}
	st.Clock = func() time.Time { return time.Now().Add(veil.SessionTTL + time.Minute) }

	if err := m.End(ctx, s.ID, userID); err != nil {
		t.Fatalf("ending expired session: %v", err)
	}
	released := alloc.ReleasedSessions()
	if len(released) == 0 || released[len(released)-1] != s.ID {
		t.Errorf("released = %v", released)
	}
}

func TestCompleteTurn(t *testing.T) {
	t.Parallel()

	m, st, alloc := newManager(t, modelA)
	ctx := context.Background()

	s, cands, err := m.Initialize(ctx, userID, []string{modelA})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ChooseEndpoint(ctx, s.ID, userID, cands[0].ID); err != nil {
		t.Fatal(err)
	}

	ep, newCands, err := m.CompleteTurn(ctx, s.ID, userID)
	if err != nil {
		t.Fatal(err)
	}
	if len(newCands) == 0 {
		t.Fatal("no candidates after turn rotation")
	}
	if ep == nil || ep.ID == "" {
		t.Fatalf("endpoint = %+v", ep)
	}

	stored, err := st.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.EndpointID != ep.ID {
		t.Errorf("session bound to %s, want %s", stored.EndpointID, ep.ID)
	}
	if stored.Models[0] != modelA {
		t.Errorf("models = %v", stored.Models)
	}
	if len(alloc.ReleasedSessions()) == 0 {
		t.Error("old weights never released on rotation")
	}
}
