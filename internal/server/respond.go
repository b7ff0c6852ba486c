package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	veil "github.com/openanonymity/veil/internal"
)

// jsonCT is a pre-allocated header value slice. Direct map assignment avoids
// the []string{v} alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// errorBody is the uniform error payload. Action carries a client hint for
// recoverable conditions (e.g. create_new_session after expiry).
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Action  string `json:"action,omitempty"`
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorBody{Error: kind, Message: msg})
}

// respondError maps a domain error onto the wire taxonomy. Secrets never
// reach error messages; sentinels carry only classification.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, veil.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "token_expired", "token expired")
	case errors.Is(err, veil.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
	case errors.Is(err, veil.ErrBadRequest):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, veil.ErrSessionExpired):
		writeJSON(w, http.StatusGone, errorBody{
			Error:  "session_expired",
			Action: "create_new_session",
		})
	case errors.Is(err, veil.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", "session not found")
	case errors.Is(err, veil.ErrEndpointExpired):
		writeError(w, http.StatusGone, "endpoint_expired", "endpoint expired")
	case errors.Is(err, veil.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, veil.ErrNoKeys):
		writeError(w, http.StatusServiceUnavailable, "no_keys_available", "no keys available for requested models")
	case errors.Is(err, veil.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limited")
	case errors.Is(err, veil.ErrProviderError):
		writeError(w, http.StatusBadGateway, "upstream_failure", err.Error())
	case errors.Is(err, veil.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}
