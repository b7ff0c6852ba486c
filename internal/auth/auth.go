// Package auth implements bearer JWT authentication for the gateway.
// Tokens are HS256-signed with the shared gateway secret; the subject claim
// carries the numeric user id.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	veil "github.com/openanonymity/veil/internal"
)

// User ids live in [1, 1e9). Anything outside is rejected before it can
// reach session or key state.
const (
	minUserID = 1
	maxUserID = 1_000_000_000
)

// JWTAuth validates HS256 bearer tokens. It implements veil.Authenticator.
type JWTAuth struct {
	secret []byte
}

// NewJWT returns a JWTAuth signing-key validator.
func NewJWT(secret string) (*JWTAuth, error) {
	if secret == "" {
		return nil, errors.New("auth: empty JWT secret")
	}
	return &JWTAuth{secret: []byte(secret)}, nil
}

// Authenticate extracts the Bearer token from the Authorization header,
// verifies signature and expiry, and returns the caller's identity. Expired
// tokens map to ErrTokenExpired so the edge can tell clients to refresh.
func (a *JWTAuth) Authenticate(ctx context.Context, r *http.Request) (*veil.Identity, error) {
	header := r.Header.Get("Authorization")
	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == "" || raw == header {
		return nil, fmt.Errorf("%w: missing bearer token", veil.ErrUnauthorized)
	}

	token, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, a.secret),
		jwt.WithValidate(true),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return nil, fmt.Errorf("%w: %v", veil.ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", veil.ErrUnauthorized, err)
	}

	userID, err := parseUserID(token.Subject())
	if err != nil {
		return nil, err
	}
	return &veil.Identity{UserID: userID, Subject: token.Subject()}, nil
}

func parseUserID(sub string) (int64, error) {
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: non-numeric subject", veil.ErrUnauthorized)
	}
	if id < minUserID || id >= maxUserID {
		return 0, fmt.Errorf("%w: subject out of range", veil.ErrUnauthorized)
	}
	return id, nil
}
