package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	veil "github.com/openanonymity/veil/internal"
	"github.com/openanonymity/veil/internal/privacy"
	"github.com/openanonymity/veil/internal/router"
)

type createSessionRequest struct {
	UserID int64    `json:"user_id"`
	Models []string `json:"models"`
}

type createSessionResponse struct {
	SessionID          string           `json:"session_id"`
	EndpointID         string           `json:"endpoint_id"`
	Provider           string           `json:"provider"`
	Model              string           `json:"model"`
	APIKeyHash         string           `json:"api_key_hash"`
	AvailableEndpoints []veil.Candidate `json:"available_endpoints"`
}

type statelessQueryRequest struct {
	Messages   []veil.Message `json:"messages"`
	Models     []string       `json:"models"`
	PIIRemoval bool           `json:"pii_removal"`
	Obfuscate  bool           `json:"obfuscate"`
	Decoy      bool           `json:"decoy"`
	Stream     bool           `json:"stream"`
}

type statefulQueryRequest struct {
	SessionID  string         `json:"session_id,omitempty"`
	Messages   []veil.Message `json:"messages"`
	PIIRemoval bool           `json:"pii_removal"`
	Obfuscate  bool           `json:"obfuscate"`
	MultiTurn  bool           `json:"multi_turn"`
	Stream     bool           `json:"stream"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      veil.Message `json:"message"`
	FinishReason string       `json:"finish_reason"`
}

type queryMeta struct {
	EndpointID          string           `json:"endpoint_id"`
	Model               string           `json:"model"`
	TokenUsage          *veil.Usage      `json:"token_usage,omitempty"`
	TotalTokenUsed      int              `json:"total_token_used"`
	TemporalMixing      *veil.MixingInfo `json:"temporal_mixing,omitempty"`
	SessionPrivacyScore *float64         `json:"session_privacy_score,omitempty"`
	AvailableEndpoints  []veil.Candidate `json:"available_endpoints,omitempty"`
}

type queryResponse struct {
	TurnID    string       `json:"turn_id"`
	SessionID string       `json:"session_id,omitempty"`
	Choices   []chatChoice `json:"choices"`
	MetaData  queryMeta    `json:"meta_data"`
}

// resolveUserID checks the optional body user id against the authenticated
// identity. A mismatch is treated as a bad request, not an auth failure: the
// token is valid, the body is not.
func resolveUserID(ctx context.Context, bodyUserID int64) (int64, error) {
	identity := veil.IdentityFromContext(ctx)
	if identity == nil {
		return 0, veil.ErrUnauthorized
	}
	if bodyUserID != 0 && bodyUserID != identity.UserID {
		return 0, fmt.Errorf("%w: user id does not match token subject", veil.ErrBadRequest)
	}
	return identity.UserID, nil
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body: "+err.Error())
		return
	}
	userID, err := resolveUserID(r.Context(), req.UserID)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.checkModels(req.Models); err != nil {
		respondError(w, err)
		return
	}

	sess, cands, err := s.deps.Sessions.Initialize(r.Context(), userID, req.Models)
	if err != nil {
		respondError(w, err)
		return
	}
	ep, err := s.deps.Sessions.ChooseRandom(r.Context(), sess.ID, userID)
	if err != nil {
		respondError(w, err)
		return
	}

	resp := createSessionResponse{
		SessionID:          sess.ID,
		EndpointID:         ep.ID,
		Provider:           ep.Provider,
		Model:              ep.Model,
		AvailableEndpoints: cands,
	}
	for _, c := range cands {
		if c.ID == ep.ID {
			resp.APIKeyHash = c.APIKeyHash
			break
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *server) handleStatelessQuery(w http.ResponseWriter, r *http.Request) {
	var req statelessQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body: "+err.Error())
		return
	}
	userID, err := resolveUserID(r.Context(), 0)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.checkModels(req.Models); err != nil {
		respondError(w, err)
		return
	}
	msgs, err := validateMessages(req.Messages)
	if err != nil {
		respondError(w, err)
		return
	}

	// Obfuscation mappings for a stateless query live only as long as the
	// request: a throwaway pipeline session restores the reply, then the
	// mappings are dropped.
	scratch := uuid.NewString()
	defer s.deps.Privacy.ClearSession(scratch)
	msgs, _ = s.deps.Privacy.ProcessRequest(scratch, msgs, req.PIIRemoval, req.Obfuscate)

	opts := router.Options{Streaming: req.Stream}
	if req.Decoy {
		opts.DecoyCount = -1 // configured default
	}
	reply, err := s.deps.Router.RouteAdHoc(r.Context(), userID, req.Models, msgs, opts)
	if err != nil {
		respondError(w, err)
		return
	}

	restore := func(text string) string {
		return s.deps.Privacy.ProcessResponse(scratch, text)
	}
	if req.Stream {
		writeSSEHeaders(w)
		s.streamReply(w, r, reply, restore, nil)
		return
	}

	resp := s.buildQueryResponse(reply, restore(reply.Content))
	resp.MetaData.AvailableEndpoints = reply.Alternatives
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleStatefulQuery(w http.ResponseWriter, r *http.Request) {
	var req statefulQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body: "+err.Error())
		return
	}
	userID, err := resolveUserID(r.Context(), 0)
	if err != nil {
		respondError(w, err)
		return
	}
	msgs, err := validateMessages(req.Messages)
	if err != nil {
		respondError(w, err)
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sess, _, err := s.deps.Sessions.Initialize(r.Context(), userID, []string{s.deps.DefaultModel})
		if err != nil {
			respondError(w, err)
			return
		}
		sessionID = sess.ID
	} else if err := validateID("session", sessionID); err != nil {
		respondError(w, err)
		return
	}

	ep, err := s.deps.Sessions.BoundEndpoint(r.Context(), sessionID, userID)
	if errors.Is(err, veil.ErrBadRequest) {
		// Nothing chosen yet; bind a random candidate.
		ep, err = s.deps.Sessions.ChooseRandom(r.Context(), sessionID, userID)
	}
	if err != nil {
		respondError(w, err)
		return
	}

	msgs, pres := s.deps.Privacy.ProcessRequest(sessionID, msgs, req.PIIRemoval, req.Obfuscate)
	score := privacy.Score(pres.PIIRemoved, pres.Obfuscated, len(msgs))

	reply, err := s.deps.Router.Dispatch(r.Context(), ep, msgs, router.Options{Streaming: req.Stream})
	if err != nil {
		respondError(w, err)
		return
	}

	restore := func(text string) string {
		return s.deps.Privacy.ProcessResponse(sessionID, text)
	}
	if req.Stream {
		writeSSEHeaders(w)
		s.streamReply(w, r, reply, restore, nil)
		if !req.MultiTurn {
			s.rotateAfterTurn(r.Context(), sessionID, userID)
		}
		return
	}

	resp := s.buildQueryResponse(reply, restore(reply.Content))
	resp.SessionID = sessionID
	resp.MetaData.SessionPrivacyScore = &score

	if !req.MultiTurn {
		if cands := s.rotateAfterTurn(r.Context(), sessionID, userID); cands != nil {
			resp.MetaData.AvailableEndpoints = cands
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// rotateAfterTurn re-keys a session after a completed single turn. Rotation
// outlives the request context; a failure degrades the next turn but never
// this one.
func (s *server) rotateAfterTurn(ctx context.Context, sessionID string, userID int64) []veil.Candidate {
	ctx = context.WithoutCancel(ctx)
	_, cands, err := s.deps.Sessions.CompleteTurn(ctx, sessionID, userID)
	if err != nil {
		s.deps.Logger.LogAttrs(ctx, slog.LevelWarn, "turn rotation failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return nil
	}
	return cands
}

func (s *server) buildQueryResponse(reply *router.Reply, content string) *queryResponse {
	resp := &queryResponse{
		TurnID: reply.TurnID,
		Choices: []chatChoice{{
			Index:        0,
			Message:      veil.Message{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		MetaData: queryMeta{
			EndpointID: reply.Endpoint.ID,
			Model:      reply.Endpoint.Provider + "/" + reply.Endpoint.Model,
			TokenUsage: reply.Usage,
		},
	}
	if reply.Usage != nil {
		resp.MetaData.TotalTokenUsed = reply.Usage.TotalTokens
	}
	if reply.Mixing.Active {
		mixing := reply.Mixing
		resp.MetaData.TemporalMixing = &mixing
	}
	return resp
}
