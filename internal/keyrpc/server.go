package keyrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/openanonymity/veil/internal/keypool"
)

// Server exposes a keypool.Manager over the RPC surface.
type Server struct {
	pool     *keypool.Manager
	keysFile string // default for ReloadKeys with an empty path
	logger   *slog.Logger
}

// NewServer builds the RPC handler. logger may be nil.
func NewServer(pool *keypool.Manager, keysFile string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{pool: pool, keysFile: keysFile, logger: logger}
}

// Handler returns the chi router serving every RPC route.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post(rpcSelectKeys, s.handleSelectKeys)
	r.Post(rpcReleaseKey, s.handleReleaseKey)
	r.Post(rpcReloadKeys, s.handleReloadKeys)
	r.Post(rpcGetStats, s.handleGetStats)
	r.Post(rpcGetDetailedStats, s.handleGetDetailedStats)
	r.Post(rpcTrackUsage, s.handleTrackUsage)
	r.Post(rpcHealth, s.handleHealth)
	return r
}

// Listen binds the Unix-domain socket, replacing a stale socket file from a
// previous run. The socket is group-writable only for the owning user.
func Listen(socketPath string) (net.Listener, error) {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o660); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

func (s *Server) handleSelectKeys(w http.ResponseWriter, r *http.Request) {
	var req SelectKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, SelectKeysResponse{Error: "malformed request"})
		return
	}
	keys, err := s.pool.SelectKeys(r.Context(), req.SessionID, req.UserID, req.Models, req.CountPerModel)
	if err != nil {
		s.logger.LogAttrs(r.Context(), slog.LevelWarn, "select keys failed",
			slog.String("session_id", req.SessionID),
			slog.String("error", err.Error()))
		writeRPC(w, SelectKeysResponse{Error: err.Error()})
		return
	}
	writeRPC(w, SelectKeysResponse{Success: true, Keys: keys})
}

func (s *Server) handleReleaseKey(w http.ResponseWriter, r *http.Request) {
	var req ReleaseKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, statusResponse{Error: "malformed request"})
		return
	}
	if err := s.pool.ReleaseSession(r.Context(), req.SessionID); err != nil {
		writeRPC(w, statusResponse{Error: err.Error()})
		return
	}
	writeRPC(w, statusResponse{Success: true})
}

func (s *Server) handleReloadKeys(w http.ResponseWriter, r *http.Request) {
	var req ReloadKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, ReloadKeysResponse{Error: "malformed request"})
		return
	}
	path := req.FilePath
	if path == "" {
		path = s.keysFile
	}
	if path == "" {
		writeRPC(w, ReloadKeysResponse{Error: "no key file configured"})
		return
	}
	pools, err := s.pool.ReloadKeys(r.Context(), path)
	if err != nil {
		writeRPC(w, ReloadKeysResponse{Error: err.Error()})
		return
	}
	writeRPC(w, ReloadKeysResponse{Success: true, Pools: pools})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	pools, runtime, err := s.pool.Stats(r.Context())
	if err != nil {
		writeRPC(w, StatsResponse{Error: err.Error()})
		return
	}
	writeRPC(w, StatsResponse{Success: true, PoolStats: pools, RuntimeStats: runtime})
}

func (s *Server) handleGetDetailedStats(w http.ResponseWriter, r *http.Request) {
	keys, runtime, err := s.pool.DetailedStats(r.Context())
	if err != nil {
		writeRPC(w, DetailedStatsResponse{Error: err.Error()})
		return
	}
	writeRPC(w, DetailedStatsResponse{Success: true, Keys: keys, RuntimeStats: runtime})
}

func (s *Server) handleTrackUsage(w http.ResponseWriter, r *http.Request) {
	var req TrackUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, statusResponse{Error: "malformed request"})
		return
	}
	if err := s.pool.TrackUsage(r.Context(), req.KeyID, req.Tokens); err != nil {
		writeRPC(w, statusResponse{Error: err.Error()})
		return
	}
	writeRPC(w, statusResponse{Success: true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.pool.Health(r.Context()) == nil
	writeRPC(w, HealthResponse{Success: true, Healthy: healthy})
}

var jsonCT = []string{"application/json"}

func writeRPC(w http.ResponseWriter, v any) {
	w.Header()["Content-Type"] = jsonCT
	json.NewEncoder(w).Encode(v)
}
