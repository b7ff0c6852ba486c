// Package veil defines domain types and interfaces for the Veil privacy
// gateway. This package has no project imports -- it is the dependency root.
package veil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// --- Provider drivers ---

// Driver is a single-key, single-model handle onto one upstream LLM.
// A driver instance is bound to exactly one (provider, model, secret) triple
// at construction time; the secret never leaves the instance.
type Driver interface {
	// Provider returns the provider identifier (e.g., "openai", "anthropic").
	Provider() string
	// Model returns the upstream model tag this driver targets.
	Model() string
	// Complete sends a non-streaming chat completion request.
	Complete(ctx context.Context, req *ChatRequest) (*Completion, error)
	// Stream sends a streaming chat completion request. The returned channel
	// is closed after the chunk with Done or Err set.
	Stream(ctx context.Context, req *ChatRequest) (<-chan Chunk, error)
}

// DriverFactory builds driver instances from an explicit provider catalog.
// Each call returns an independent instance; concurrent dispatches over the
// same key must not share mutable driver state.
type DriverFactory interface {
	New(provider, model, secret string) (Driver, error)
	// Providers returns the catalog's provider names.
	Providers() []string
}

// ChatRequest is the normalized request handed to a driver.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completion is a normalized non-streaming provider response.
type Completion struct {
	Content string          `json:"content"`
	Usage   *Usage          `json:"usage,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk represents a single chunk in a streaming response.
type Chunk struct {
	Data  []byte // raw provider JSON for this delta
	Usage *Usage // non-nil on final chunk when the provider reports usage
	Done  bool
	Err   error
}

// --- Key pool ---

// KeyStatus classifies a key by its rolling hourly token usage.
type KeyStatus string

const (
	StatusAvailable   KeyStatus = "Available"
	StatusStandby     KeyStatus = "Standby"
	StatusActive      KeyStatus = "Active"
	StatusRateLimited KeyStatus = "RateLimited"
)

// KeyStatusFor maps an hourly token count to a status.
func KeyStatusFor(tokensHour int64) KeyStatus {
	switch {
	case tokensHour == 0:
		return StatusAvailable
	case tokensHour < 1000:
		return StatusStandby
	case tokensHour < 5000:
		return StatusActive
	default:
		return StatusRateLimited
	}
}

// UsageLoadFor maps an hourly token count to a coarse load label.
func UsageLoadFor(tokensHour int64) string {
	switch {
	case tokensHour == 0:
		return "idle"
	case tokensHour < 1000:
		return "light"
	case tokensHour < 5000:
		return "moderate"
	default:
		return "heavy"
	}
}

// SelectedKey is one key returned by the allocator. APIKey is plaintext
// secret material: it must never be logged, persisted outside the endpoint
// record, or surfaced to a client.
type SelectedKey struct {
	KeyID       string    `json:"key_id"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	APIKey      string    `json:"api_key"`
	TokensHour  int64     `json:"tokens_hour"`
	TokensTotal int64     `json:"tokens_total"`
	Status      KeyStatus `json:"status"`
}

// --- Sessions and endpoints ---

// Endpoint is the stored, session-scoped binding of one key to a
// (provider, model). It carries the secret and never leaves the server.
type Endpoint struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	KeyID       string    `json:"key_id"`
	APIKey      string    `json:"api_key"`
	TokensHour  int64     `json:"tokens_hour"`
	TokensTotal int64     `json:"tokens_total"`
	Status      KeyStatus `json:"status"`
	CreatedAt   int64     `json:"created_at"`
}

// Candidate is the externally visible view of an endpoint: no secret, the
// key identified only by a session-scoped hash.
type Candidate struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Provider         string    `json:"provider"`
	ModelTag         string    `json:"model_tag"`
	ModelsAccessible []string  `json:"models_accessible"`
	UsageLoad        string    `json:"usage_load"`
	Status           KeyStatus `json:"status"`
	TokenUsageHour   int64     `json:"token_usage_hour"`
	TokenUsageTotal  int64     `json:"token_usage_total"`
	APIKeyHash       string    `json:"api_key_hash"`
}

// Session is the stored session record.
type Session struct {
	ID         string   `json:"id"`
	UserID     int64    `json:"user_id"`
	Models     []string `json:"models"` // "provider/model" strings
	Provider   string   `json:"provider,omitempty"`
	Model      string   `json:"model,omitempty"`
	EndpointID string   `json:"endpoint_id,omitempty"`
	APIKeyHash string   `json:"api_key_hash,omitempty"`
	Status     string   `json:"status"`
	CreatedAt  int64    `json:"created_at"`
}

// Bound reports whether the session has a chosen endpoint.
func (s *Session) Bound() bool { return s.EndpointID != "" }

// SplitModel splits a "provider/model" string. An error is returned unless
// there is exactly one slash with non-empty halves.
func SplitModel(s string) (provider, model string, err error) {
	i := strings.IndexByte(s, '/')
	if i <= 0 || i != strings.LastIndexByte(s, '/') || i == len(s)-1 {
		return "", "", fmt.Errorf("%w: malformed model %q", ErrBadRequest, s)
	}
	return s[:i], s[i+1:], nil
}

// MixingInfo is the only temporal-mixing metadata ever surfaced: whether the
// protocol ran and how many total queries were dispatched. Position and
// timing are deliberately absent.
type MixingInfo struct {
	Active       bool `json:"active"`
	TotalQueries int  `json:"total_queries"`
}

// SuspiciousActivity records an access attempt against a session id that
// never belonged to the requesting user.
type SuspiciousActivity struct {
	UserID     int64  `json:"user_id"`
	SessionID  string `json:"session_id"`
	ClientAddr string `json:"client_addr"`
	Reason     string `json:"reason"`
	Timestamp  int64  `json:"timestamp"`
}

// --- Key Allocator ---

// KeyAllocator is the gateway-side view of the Key Allocator. Implemented by
// the RPC client and, directly, by the allocator core for in-process use.
type KeyAllocator interface {
	SelectKeys(ctx context.Context, sessionID string, userID int64, models []string, countPerModel int) ([]SelectedKey, error)
	ReleaseSession(ctx context.Context, sessionID string) error
	TrackUsage(ctx context.Context, keyID string, tokens int64) error
	Health(ctx context.Context) error
}

// --- Identity and context ---

// Identity is the authenticated caller attached to request context.
type Identity struct {
	UserID  int64  `json:"user_id"`
	Subject string `json:"subject"`
}

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Identity is set later by the authenticate middleware via mutation of the
// same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID  string
	ClientAddr string
	Identity   *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, falling back to fresh metadata (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ClientAddrFromContext extracts the client address from context.
func ClientAddrFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.ClientAddr
	}
	return ""
}

// ContextWithRequestMeta returns a context carrying request id and client
// address. Called once per request by the request-id middleware.
func ContextWithRequestMeta(ctx context.Context, requestID, clientAddr string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: requestID, ClientAddr: clientAddr})
}

// --- Authentication ---

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

// --- Time ---

// SessionTTL bounds sessions, candidate lists and endpoint records.
const SessionTTL = time.Hour

// StatelessEndpointTTL bounds ad-hoc endpoints minted for one-shot queries.
const StatelessEndpointTTL = 5 * time.Minute
