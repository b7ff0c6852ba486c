package testutil

import (
	"context"
	"net/http"

	veil "github.com/openanonymity/veil/internal"
)

// StaticAuth always authenticates as the configured user.
type StaticAuth struct {
	UserID int64
}

func (a StaticAuth) Authenticate(_ context.Context, _ *http.Request) (*veil.Identity, error) {
	uid := a.UserID
	if uid == 0 {
		uid = 123
	}
	return &veil.Identity{UserID: uid, Subject: "test"}, nil
}

// RejectAuth always rejects authentication.
type RejectAuth struct{}

func (RejectAuth) Authenticate(context.Context, *http.Request) (*veil.Identity, error) {
	return nil, veil.ErrUnauthorized
}
