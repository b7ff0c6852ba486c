// Package server implements the HTTP transport layer for the Veil gateway.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	veil "github.com/openanonymity/veil/internal"
	"github.com/openanonymity/veil/internal/config"
	"github.com/openanonymity/veil/internal/privacy"
	"github.com/openanonymity/veil/internal/ratelimit"
	"github.com/openanonymity/veil/internal/router"
	"github.com/openanonymity/veil/internal/session"
	"github.com/openanonymity/veil/internal/store"
	"github.com/openanonymity/veil/internal/telemetry"
)

// defaultModel backs auto-created sessions on the stateful query path and
// web sessions initialized without a model list.
const defaultModel = "OpenAI/gpt-4o-mini"

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           veil.Authenticator
	Sessions       *session.Manager
	Router         *router.Router
	Privacy        *privacy.Pipeline
	Factory        veil.DriverFactory // provider names for /connect
	Catalog        config.Catalog     // nil = any well-formed model accepted
	Allocator      veil.KeyAllocator  // readiness: allocator health
	Store          store.Store        // readiness: counter-store ping
	Limiter        *ratelimit.Limiter // nil = no rate limiting
	Metrics        *telemetry.Metrics // nil = no metrics
	MetricsHandler http.Handler       // nil = no /metrics route
	Logger         *slog.Logger
	CORSOrigins    []string
	DefaultModel   string // "" = defaultModel
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.DefaultModel == "" {
		deps.DefaultModel = defaultModel
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.cors)
	r.Use(s.logging)

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Direct API (auth required)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/create-session", s.handleCreateSession)
		r.Post("/stateless-query", s.handleStatelessQuery)
		r.Post("/stateful-query", s.handleStatefulQuery)
	})

	// Web API (auth required)
	r.Route("/api/web/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/initialize-session", s.handleInitializeSession)
		r.Put("/session/models", s.handleUpdateModels)
		r.Get("/session/{id}/endpoints", s.handleSessionEndpoints)
		r.Post("/session/{id}/choose-endpoint", s.handleChooseEndpoint)
		r.Get("/session/{id}", s.handleSessionStatus)
		r.Post("/end-session", s.handleEndSession)
		r.Get("/connect", s.handleConnect)
		r.Post("/generate", s.handleGenerate)
	})

	return r
}

type server struct {
	deps Deps
}
