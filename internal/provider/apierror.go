package provider

import (
	"fmt"
	"io"
	"net/http"

	veil "github.com/openanonymity/veil/internal"
)

// APIError is an error response from an upstream LLM API. It unwraps to the
// domain sentinel the edge branches on, so callers use errors.Is rather than
// inspecting status codes.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
	sentinel   error
}

// Error returns the provider, status, and truncated body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Unwrap exposes the mapped sentinel for errors.Is.
func (e *APIError) Unwrap() error { return e.sentinel }

// HTTPStatus returns the upstream status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ParseAPIError reads up to 4KB of the response body and builds an APIError.
// 429 maps to the rate-limit sentinel; everything else is an upstream fault.
func ParseAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	sentinel := veil.ErrProviderError
	if resp.StatusCode == http.StatusTooManyRequests {
		sentinel = veil.ErrRateLimited
	}
	return &APIError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Body:       string(body),
		sentinel:   sentinel,
	}
}
