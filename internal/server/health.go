package server

import "net/http"

// Pre-allocated bodies and header value slice for the health endpoints.
var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// handleReadyz verifies the counter store and the Key Allocator. Either one
// failing means new sessions cannot be provisioned.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ready := true
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			ready = false
		}
	}
	if ready && s.deps.Allocator != nil {
		if err := s.deps.Allocator.Health(r.Context()); err != nil {
			ready = false
		}
	}

	w.Header()["Content-Type"] = plainCT
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write(notReadyBody)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}
