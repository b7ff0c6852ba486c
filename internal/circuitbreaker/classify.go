package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"os"

	veil "github.com/openanonymity/veil/internal"
)

// httpStatusError matches upstream API errors carrying a status code.
type httpStatusError interface {
	HTTPStatus() int
}

// ClassifyError returns the error weight for breaker tracking.
//
//   - timeout -> 1.5
//   - rate limited (429) -> 0.5
//   - 5xx and network faults -> 1.0
//   - other 4xx -> 0.0 (caller's fault, not the provider's)
//   - nil -> 0.0
func ClassifyError(err error) float64 {
	if err == nil {
		return 0
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return 1.5
	}

	var he httpStatusError
	if errors.As(err, &he) {
		return classifyStatus(he.HTTPStatus())
	}

	if errors.Is(err, veil.ErrRateLimited) {
		return 0.5
	}
	if errors.Is(err, veil.ErrBadRequest) {
		return 0
	}

	// Connection refused and friends: provider fault.
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return 1.0
	}
	return 1.0
}

func classifyStatus(code int) float64 {
	switch {
	case code == 429:
		return 0.5
	case code >= 500 && code <= 504:
		return 1.0
	default:
		return 0.0
	}
}
