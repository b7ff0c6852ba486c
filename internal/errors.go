package veil

import "errors"

// Sentinel errors for the gateway domain. The edge maps these to HTTP once,
// via errors.Is; inner layers wrap them with context.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrTokenExpired    = errors.New("token expired")
	ErrBadRequest      = errors.New("bad request")
	ErrNotFound        = errors.New("not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrEndpointExpired = errors.New("endpoint expired")
	ErrNoKeys          = errors.New("no keys available")
	ErrRateLimited     = errors.New("rate limited")
	ErrProviderError   = errors.New("provider error")
	ErrUnavailable     = errors.New("service unavailable")
)
