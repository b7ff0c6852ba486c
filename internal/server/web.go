package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	veil "github.com/openanonymity/veil/internal"
	"github.com/openanonymity/veil/internal/privacy"
	"github.com/openanonymity/veil/internal/router"
	"github.com/openanonymity/veil/internal/session"
)

type initializeSessionRequest struct {
	UserID int64    `json:"user_id"`
	Models []string `json:"models,omitempty"`
}

type initializeSessionResponse struct {
	SessionID          string           `json:"session_id"`
	Status             string           `json:"status"`
	Models             []string         `json:"models"`
	AvailableEndpoints []veil.Candidate `json:"available_endpoints"`
}

type updateModelsRequest struct {
	SessionID      string   `json:"session_id"`
	SelectedModels []string `json:"selected_models"`
}

type updateModelsResponse struct {
	NeedsDisconnection bool             `json:"needs_disconnection"`
	AvailableEndpoints []veil.Candidate `json:"available_endpoints"`
	Message            string           `json:"message,omitempty"`
}

type chooseEndpointRequest struct {
	EndpointID string `json:"endpoint_id,omitempty"`
}

type chooseEndpointResponse struct {
	SelectedProvider string `json:"selected_provider"`
	SelectedModel    string `json:"selected_model"`
	EndpointID       string `json:"endpoint_id"`
	APIKeyHash       string `json:"api_key_hash"`
}

type endSessionRequest struct {
	SessionID string `json:"session_id"`
}

type generateRequest struct {
	SessionID  string         `json:"session_id"`
	Messages   []veil.Message `json:"messages"`
	PIIRemoval bool           `json:"pii_removal"`
	Obfuscate  bool           `json:"obfuscate"`
	MultiTurn  bool           `json:"multi_turn"`
	Stream     bool           `json:"stream"`
}

func (s *server) handleInitializeSession(w http.ResponseWriter, r *http.Request) {
	var req initializeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body: "+err.Error())
		return
	}
	userID, err := resolveUserID(r.Context(), req.UserID)
	if err != nil {
		respondError(w, err)
		return
	}

	models := req.Models
	if len(models) == 0 {
		models = []string{s.deps.DefaultModel}
	}
	if err := s.checkModels(models); err != nil {
		respondError(w, err)
		return
	}

	sess, cands, err := s.deps.Sessions.Initialize(r.Context(), userID, models)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, initializeSessionResponse{
		SessionID:          sess.ID,
		Status:             sess.Status,
		Models:             sess.Models,
		AvailableEndpoints: cands,
	})
}

func (s *server) handleUpdateModels(w http.ResponseWriter, r *http.Request) {
	var req updateModelsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body: "+err.Error())
		return
	}
	userID, err := resolveUserID(r.Context(), 0)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := validateID("session", req.SessionID); err != nil {
		respondError(w, err)
		return
	}
	if err := s.checkModels(req.SelectedModels); err != nil {
		respondError(w, err)
		return
	}

	cands, disconnected, err := s.deps.Sessions.UpdateModels(r.Context(), req.SessionID, userID, req.SelectedModels)
	if err != nil {
		respondError(w, err)
		return
	}
	resp := updateModelsResponse{
		NeedsDisconnection: disconnected,
		AvailableEndpoints: cands,
	}
	if disconnected {
		resp.Message = "bound endpoint no longer serves a selected model"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleSessionEndpoints(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	userID, err := resolveUserID(r.Context(), 0)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := validateID("session", sessionID); err != nil {
		respondError(w, err)
		return
	}

	cands, err := s.deps.Sessions.Candidates(r.Context(), sessionID, userID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"endpoints":  cands,
	})
}

func (s *server) handleChooseEndpoint(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	userID, err := resolveUserID(r.Context(), 0)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := validateID("session", sessionID); err != nil {
		respondError(w, err)
		return
	}

	var req chooseEndpointRequest
	if r.Body != nil {
		// An empty or absent body means "pick for me".
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var ep *veil.Endpoint
	if req.EndpointID == "" {
		ep, err = s.deps.Sessions.ChooseRandom(r.Context(), sessionID, userID)
	} else {
		if err := validateID("endpoint", req.EndpointID); err != nil {
			respondError(w, err)
			return
		}
		ep, err = s.deps.Sessions.ChooseEndpoint(r.Context(), sessionID, userID, req.EndpointID)
	}
	if err != nil {
		respondError(w, err)
		return
	}

	resp := chooseEndpointResponse{
		SelectedProvider: ep.Provider,
		SelectedModel:    ep.Model,
		EndpointID:       ep.ID,
	}
	if cands, err := s.deps.Sessions.Candidates(r.Context(), sessionID, userID); err == nil {
		for _, c := range cands {
			if c.ID == ep.ID {
				resp.APIKeyHash = c.APIKeyHash
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	userID, err := resolveUserID(r.Context(), 0)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := validateID("session", sessionID); err != nil {
		respondError(w, err)
		return
	}

	status, err := s.deps.Sessions.CheckStatus(r.Context(), sessionID, userID)
	if err != nil {
		respondError(w, err)
		return
	}
	switch status {
	case session.StatusActive:
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": sessionID,
			"status":     session.StatusActive,
		})
	case session.StatusExpired:
		respondError(w, veil.ErrSessionExpired)
	default:
		respondError(w, veil.ErrSessionNotFound)
	}
}

func (s *server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body: "+err.Error())
		return
	}
	userID, err := resolveUserID(r.Context(), 0)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := validateID("session", req.SessionID); err != nil {
		respondError(w, err)
		return
	}

	if err := s.deps.Sessions.End(r.Context(), req.SessionID, userID); err != nil {
		respondError(w, err)
		return
	}
	s.deps.Privacy.ClearSession(req.SessionID)
	w.WriteHeader(http.StatusNoContent)
}

// handleConnect is the UI handshake: confirms auth and reports the provider
// catalog so the client can populate its model picker.
func (s *server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if _, err := resolveUserID(r.Context(), 0); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "connected",
		"providers": s.deps.Factory.Providers(),
	})
}

// webStatusChunk is an application-level SSE frame interleaved with content
// chunks on the web generate stream.
type webStatusChunk struct {
	Type               string           `json:"type"`
	PIIRemoved         bool             `json:"pii_removed,omitempty"`
	Obfuscated         bool             `json:"obfuscated,omitempty"`
	PrivacyScore       *float64         `json:"privacy_score,omitempty"`
	EndpointID         string           `json:"endpoint_id,omitempty"`
	Model              string           `json:"model,omitempty"`
	Reason             string           `json:"reason,omitempty"`
	AvailableEndpoints []veil.Candidate `json:"available_endpoints,omitempty"`
}

func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body: "+err.Error())
		return
	}
	userID, err := resolveUserID(r.Context(), 0)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := validateID("session", req.SessionID); err != nil {
		respondError(w, err)
		return
	}
	msgs, err := validateMessages(req.Messages)
	if err != nil {
		respondError(w, err)
		return
	}

	disconnected := false
	ep, err := s.deps.Sessions.BoundEndpoint(r.Context(), req.SessionID, userID)
	if errors.Is(err, veil.ErrBadRequest) || errors.Is(err, veil.ErrEndpointExpired) || errors.Is(err, veil.ErrNotFound) {
		// Unbound or stale binding; rebind before generating.
		disconnected = errors.Is(err, veil.ErrEndpointExpired) || errors.Is(err, veil.ErrNotFound)
		ep, err = s.deps.Sessions.ChooseRandom(r.Context(), req.SessionID, userID)
	}
	if err != nil {
		respondError(w, err)
		return
	}

	msgs, pres := s.deps.Privacy.ProcessRequest(req.SessionID, msgs, req.PIIRemoval, req.Obfuscate)
	score := privacy.Score(pres.PIIRemoved, pres.Obfuscated, len(msgs))

	reply, err := s.deps.Router.Dispatch(r.Context(), ep, msgs, router.Options{Streaming: req.Stream})
	if err != nil {
		respondError(w, err)
		return
	}

	restore := func(text string) string {
		return s.deps.Privacy.ProcessResponse(req.SessionID, text)
	}

	if !req.Stream {
		resp := s.buildQueryResponse(reply, restore(reply.Content))
		resp.SessionID = req.SessionID
		resp.MetaData.SessionPrivacyScore = &score
		if !req.MultiTurn {
			if cands := s.rotateAfterTurn(r.Context(), req.SessionID, userID); cands != nil {
				resp.MetaData.AvailableEndpoints = cands
			}
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	writeSSEHeaders(w)
	flusher, _ := w.(http.Flusher)

	if disconnected {
		writeSSEJSON(w, webStatusChunk{Type: "session_disconnected", Reason: "endpoint_expired"})
	}
	writeSSEJSON(w, webStatusChunk{
		Type:         "privacy_status",
		PIIRemoved:   pres.PIIRemoved,
		Obfuscated:   pres.Obfuscated,
		PrivacyScore: &score,
	})
	writeSSEJSON(w, webStatusChunk{Type: "thinking"})
	writeSSEJSON(w, webStatusChunk{
		Type:       "response_starting",
		EndpointID: ep.ID,
		Model:      ep.Provider + "/" + ep.Model,
	})
	if flusher != nil {
		flusher.Flush()
	}

	s.streamReply(w, r, reply, restore, func() {
		if req.MultiTurn {
			return
		}
		if cands := s.rotateAfterTurn(r.Context(), req.SessionID, userID); cands != nil {
			writeSSEJSON(w, webStatusChunk{
				Type:               "endpoints_refreshed",
				AvailableEndpoints: cands,
			})
		}
	})
}
