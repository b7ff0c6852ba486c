package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	veil "github.com/openanonymity/veil/internal"
	"github.com/openanonymity/veil/internal/config"
	"github.com/openanonymity/veil/internal/privacy"
	"github.com/openanonymity/veil/internal/ratelimit"
	"github.com/openanonymity/veil/internal/router"
	"github.com/openanonymity/veil/internal/server"
	"github.com/openanonymity/veil/internal/session"
	"github.com/openanonymity/veil/internal/testutil"
)

const testUserID = 123

type env struct {
	handler   http.Handler
	factory   *testutil.FakeFactory
	store     *testutil.MemoryStore
	allocator *testutil.FakeAllocator
	router    *router.Router
	privacy   *privacy.Pipeline
}

// newEnv wires a full gateway around in-memory fakes. The allocator holds one
// key per model string.
func newEnv(t *testing.T, models ...string) *env {
	t.Helper()
	if len(models) == 0 {
		models = []string{"openai/gpt-4o"}
	}

	st := testutil.NewMemoryStore()
	allocator := testutil.NewFakeAllocator(models...)
	factory := &testutil.FakeFactory{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pipe, err := privacy.NewPipeline(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	rt := router.New(factory, allocator, st, nil, nil, nil, logger, 2)
	t.Cleanup(rt.Close)

	e := &env{
		factory:   factory,
		store:     st,
		allocator: allocator,
		router:    rt,
		privacy:   pipe,
	}
	e.handler = server.New(server.Deps{
		Auth:      testutil.StaticAuth{UserID: testUserID},
		Sessions:  session.New(st, allocator, logger),
		Router:    rt,
		Privacy:   pipe,
		Factory:   factory,
		Allocator: allocator,
		Store:     st,
		Logger:    logger,
	})
	return e
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHealthAndRequestID(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("health = %d %q", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id header")
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	if w := e.do(t, http.MethodGet, "/readyz", nil); w.Code != http.StatusOK {
		t.Fatalf("readyz = %d", w.Code)
	}
}

func TestAuthRejection(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.handler = server.New(server.Deps{
		Auth:    testutil.RejectAuth{},
		Router:  e.router,
		Privacy: e.privacy,
		Factory: e.factory,
		Logger:  logger,
	})

	w := e.do(t, http.MethodPost, "/api/v1/stateless-query", map[string]any{})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	var body struct {
		Error string `json:"error"`
	}
	decode(t, w, &body)
	if body.Error != "unauthenticated" {
		t.Errorf("error kind = %q", body.Error)
	}
}

func TestStatelessQuery(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/stateless-query", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "Hi"}},
		"models":   []string{"openai/gpt-4o"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		TurnID  string `json:"turn_id"`
		Choices []struct {
			Index   int `json:"index"`
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		MetaData struct {
			EndpointID     string           `json:"endpoint_id"`
			Model          string           `json:"model"`
			TotalTokenUsed int              `json:"total_token_used"`
			TemporalMixing *veil.MixingInfo `json:"temporal_mixing"`
			Available      []veil.Candidate `json:"available_endpoints"`
		} `json:"meta_data"`
	}
	decode(t, w, &resp)

	if !strings.HasPrefix(resp.TurnID, "turn_") {
		t.Errorf("turn id = %q", resp.TurnID)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Role != "assistant" ||
		resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("choices = %+v", resp.Choices)
	}
	if resp.Choices[0].Message.Content != "reply from openai/gpt-4o" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if len(resp.MetaData.EndpointID) != 20 {
		t.Errorf("endpoint id = %q", resp.MetaData.EndpointID)
	}
	if resp.MetaData.Model != "openai/gpt-4o" {
		t.Errorf("model = %q", resp.MetaData.Model)
	}
	if resp.MetaData.TotalTokenUsed != 5 {
		t.Errorf("total tokens = %d", resp.MetaData.TotalTokenUsed)
	}
	if resp.MetaData.TemporalMixing != nil {
		t.Errorf("temporal_mixing present without decoys: %+v", resp.MetaData.TemporalMixing)
	}
	if len(resp.MetaData.Available) != 1 {
		t.Errorf("available endpoints = %d", len(resp.MetaData.Available))
	}
}

func TestStatelessQueryWithDecoys(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/stateless-query", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "Hi"}},
		"models":   []string{"openai/gpt-4o"},
		"decoy":    true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		MetaData struct {
			TemporalMixing *veil.MixingInfo `json:"temporal_mixing"`
		} `json:"meta_data"`
	}
	decode(t, w, &resp)
	if resp.MetaData.TemporalMixing == nil ||
		!resp.MetaData.TemporalMixing.Active ||
		resp.MetaData.TemporalMixing.TotalQueries != 3 {
		t.Fatalf("temporal_mixing = %+v, want active with 3 queries", resp.MetaData.TemporalMixing)
	}
	if strings.Contains(w.Body.String(), "position") {
		t.Error("response leaks mixing position")
	}

	e.router.Close() // drain background decoys
	if got := len(e.factory.Dispatches()); got != 3 {
		t.Errorf("dispatches = %d, want 1 real + 2 decoys", got)
	}
}

func TestStatelessQueryStream(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/stateless-query", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "Hi"}},
		"models":   []string{"openai/gpt-4o"},
		"stream":   true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	body := w.Body.String()
	if !strings.Contains(body, `"content":"hello"`) {
		t.Errorf("stream missing content: %q", body)
	}
	if !strings.Contains(body, `"finish_reason":"stop"`) {
		t.Errorf("stream missing finish chunk: %q", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("stream does not end with [DONE]: %q", body)
	}
	if strings.Index(body, `"finish_reason":"stop"`) > strings.Index(body, "[DONE]") {
		t.Error("finish chunk does not precede [DONE]")
	}
}

func TestCreateSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/create-session", map[string]any{
		"user_id": testUserID,
		"models":  []string{"openai/gpt-4o"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		SessionID  string           `json:"session_id"`
		EndpointID string           `json:"endpoint_id"`
		Provider   string           `json:"provider"`
		Model      string           `json:"model"`
		APIKeyHash string           `json:"api_key_hash"`
		Available  []veil.Candidate `json:"available_endpoints"`
	}
	decode(t, w, &resp)
	if resp.SessionID == "" || len(resp.EndpointID) != 20 || len(resp.APIKeyHash) != 24 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Provider != "openai" || resp.Model != "gpt-4o" {
		t.Errorf("bound %s/%s", resp.Provider, resp.Model)
	}
	if len(resp.Available) != 1 {
		t.Errorf("available = %d", len(resp.Available))
	}
	if _, err := e.store.GetSession(context.Background(), resp.SessionID); err != nil {
		t.Errorf("session not stored: %v", err)
	}
}

func TestCreateSessionUserMismatch(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/create-session", map[string]any{
		"user_id": testUserID + 1,
		"models":  []string{"openai/gpt-4o"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestStatefulQueryAutoCreatesSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "OpenAI/gpt-4o-mini")

	w := e.do(t, http.MethodPost, "/api/v1/stateful-query", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "Hi"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		SessionID string `json:"session_id"`
		MetaData  struct {
			Score *float64 `json:"session_privacy_score"`
		} `json:"meta_data"`
	}
	decode(t, w, &resp)
	if resp.SessionID == "" {
		t.Fatal("no session id in stateful response")
	}
	if resp.MetaData.Score == nil || *resp.MetaData.Score != 0.49 {
		t.Errorf("privacy score = %v, want 0.49", resp.MetaData.Score)
	}

	// Single-turn rotation: the session survives, rebound to a fresh endpoint.
	sess, err := e.store.GetSession(context.Background(), resp.SessionID)
	if err != nil {
		t.Fatalf("session after rotation: %v", err)
	}
	if !sess.Bound() {
		t.Error("session not rebound after turn")
	}
}

func TestStatefulQueryMultiTurnKeepsBinding(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "OpenAI/gpt-4o-mini")

	first := e.do(t, http.MethodPost, "/api/v1/stateful-query", map[string]any{
		"messages":   []map[string]string{{"role": "user", "content": "Hi"}},
		"multi_turn": true,
	})
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", first.Code, first.Body.String())
	}
	var resp struct {
		SessionID string `json:"session_id"`
		MetaData  struct {
			EndpointID string `json:"endpoint_id"`
		} `json:"meta_data"`
	}
	decode(t, first, &resp)

	sess, err := e.store.GetSession(context.Background(), resp.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.EndpointID != resp.MetaData.EndpointID {
		t.Errorf("binding = %q, response endpoint = %q", sess.EndpointID, resp.MetaData.EndpointID)
	}

	second := e.do(t, http.MethodPost, "/api/v1/stateful-query", map[string]any{
		"session_id": resp.SessionID,
		"messages":   []map[string]string{{"role": "user", "content": "again"}},
		"multi_turn": true,
	})
	if second.Code != http.StatusOK {
		t.Fatalf("second turn = %d: %s", second.Code, second.Body.String())
	}
	var resp2 struct {
		MetaData struct {
			EndpointID string `json:"endpoint_id"`
		} `json:"meta_data"`
	}
	decode(t, second, &resp2)
	if resp2.MetaData.EndpointID != resp.MetaData.EndpointID {
		t.Error("multi-turn session changed endpoints between turns")
	}
}

func TestValidationFailures(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{
			name: "malformed model",
			body: map[string]any{
				"messages": []map[string]string{{"role": "user", "content": "Hi"}},
				"models":   []string{"no-slash"},
			},
		},
		{
			name: "bad model characters",
			body: map[string]any{
				"messages": []map[string]string{{"role": "user", "content": "Hi"}},
				"models":   []string{"open ai/gpt-4o"},
			},
		},
		{
			name: "invalid role",
			body: map[string]any{
				"messages": []map[string]string{{"role": "robot", "content": "Hi"}},
				"models":   []string{"openai/gpt-4o"},
			},
		},
		{
			name: "empty messages",
			body: map[string]any{
				"messages": []map[string]string{},
				"models":   []string{"openai/gpt-4o"},
			},
		},
		{
			name: "oversized content",
			body: map[string]any{
				"messages": []map[string]string{{"role": "user", "content": strings.Repeat("x", 50_001)}},
				"models":   []string{"openai/gpt-4o"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := e.do(t, http.MethodPost, "/api/v1/stateless-query", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestCatalogRejectsUnknownModel(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "openai/gpt-4o")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.handler = server.New(server.Deps{
		Auth:      testutil.StaticAuth{UserID: testUserID},
		Sessions:  session.New(e.store, e.allocator, logger),
		Router:    e.router,
		Privacy:   e.privacy,
		Factory:   e.factory,
		Catalog:   config.Catalog{"OpenAI": {"gpt-4o"}},
		Allocator: e.allocator,
		Store:     e.store,
		Logger:    logger,
	})

	// Provider names match case-insensitively.
	w := e.do(t, http.MethodPost, "/api/v1/stateless-query", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "Hi"}},
		"models":   []string{"openai/gpt-4o"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("catalogued model = %d: %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodPost, "/api/v1/stateless-query", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "Hi"}},
		"models":   []string{"openai/gpt-5"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("uncatalogued model = %d, want 400: %s", w.Code, w.Body.String())
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	decode(t, w, &body)
	if body.Error != "invalid_input" || !strings.Contains(body.Message, "not offered") {
		t.Errorf("body = %+v", body)
	}
}

func TestNoKeysAvailable(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/stateless-query", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "Hi"}},
		"models":   []string{"openai/gpt-5"},
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503: %s", w.Code, w.Body.String())
	}
	var body struct {
		Error string `json:"error"`
	}
	decode(t, w, &body)
	if body.Error != "no_keys_available" {
		t.Errorf("error kind = %q", body.Error)
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.handler = server.New(server.Deps{
		Auth:      testutil.StaticAuth{UserID: testUserID},
		Sessions:  session.New(e.store, e.allocator, logger),
		Router:    e.router,
		Privacy:   e.privacy,
		Factory:   e.factory,
		Allocator: e.allocator,
		Store:     e.store,
		Limiter:   ratelimit.NewLimiter(2),
		Logger:    logger,
	})

	body := map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "Hi"}},
		"models":   []string{"openai/gpt-4o"},
	}
	for i := range 2 {
		if w := e.do(t, http.MethodPost, "/api/v1/stateless-query", body); w.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, w.Code)
		}
	}
	w := e.do(t, http.MethodPost, "/api/v1/stateless-query", body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

// Plaintext key material must never reach a response body.
func TestSecretConfinement(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "openai/gpt-4o", "anthropic/claude-3-haiku-20240307")

	paths := []struct {
		method string
		path   string
		body   map[string]any
	}{
		{http.MethodPost, "/api/v1/create-session", map[string]any{
			"models": []string{"openai/gpt-4o", "anthropic/claude-3-haiku-20240307"},
		}},
		{http.MethodPost, "/api/v1/stateless-query", map[string]any{
			"messages": []map[string]string{{"role": "user", "content": "Hi"}},
			"models":   []string{"openai/gpt-4o"},
		}},
	}
	for _, p := range paths {
		w := e.do(t, p.method, p.path, p.body)
		if strings.Contains(w.Body.String(), "sk-fake") {
			t.Errorf("%s leaked key material: %s", p.path, w.Body.String())
		}
	}
}
