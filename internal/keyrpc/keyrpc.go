// Package keyrpc carries the Key Allocator RPC surface over a Unix-domain
// socket. Transport is JSON-over-HTTP, one POST route per RPC; the message
// schemas mirror the allocator contracts field for field.
package keyrpc

import (
	veil "github.com/openanonymity/veil/internal"
	"github.com/openanonymity/veil/internal/keypool"
)

// DefaultSocket is the conventional allocator socket path.
const DefaultSocket = "/tmp/keyserver.sock"

// RPC route names.
const (
	rpcSelectKeys       = "/rpc/SelectKeysForSession"
	rpcReleaseKey       = "/rpc/ReleaseKey"
	rpcReloadKeys       = "/rpc/ReloadKeys"
	rpcGetStats         = "/rpc/GetStats"
	rpcGetDetailedStats = "/rpc/GetDetailedStats"
	rpcTrackUsage       = "/rpc/TrackUsage"
	rpcHealth           = "/rpc/Health"
)

// SelectKeysRequest asks for keys for a session.
type SelectKeysRequest struct {
	SessionID     string   `json:"session_id"`
	UserID        int64    `json:"user_id"`
	Models        []string `json:"models"`
	CountPerModel int      `json:"count_per_model"`
}

// SelectKeysResponse returns the selected keys.
type SelectKeysResponse struct {
	Success bool               `json:"success"`
	Error   string             `json:"error,omitempty"`
	Keys    []veil.SelectedKey `json:"keys,omitempty"`
}

// ReleaseKeyRequest releases a session's key weights.
type ReleaseKeyRequest struct {
	SessionID string `json:"session_id"`
}

// ReloadKeysRequest triggers a key-file ingest. An empty path means the
// server's configured file.
type ReloadKeysRequest struct {
	FilePath string `json:"file_path,omitempty"`
}

// ReloadKeysResponse reports the replaced pools.
type ReloadKeysResponse struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Pools   map[string]int `json:"pools,omitempty"`
}

// TrackUsageRequest adds tokens to a key's counters.
type TrackUsageRequest struct {
	KeyID  string `json:"key_id"`
	Tokens int64  `json:"tokens"`
}

// StatsResponse carries pool availability and runtime counters.
type StatsResponse struct {
	Success      bool                         `json:"success"`
	Error        string                       `json:"error,omitempty"`
	PoolStats    map[string]keypool.PoolStats `json:"pool_stats,omitempty"`
	RuntimeStats keypool.RuntimeStats         `json:"runtime_stats"`
}

// DetailedStatsResponse carries per-key usage detail.
type DetailedStatsResponse struct {
	Success      bool                 `json:"success"`
	Error        string               `json:"error,omitempty"`
	Keys         []keypool.KeyStats   `json:"keys,omitempty"`
	RuntimeStats keypool.RuntimeStats `json:"runtime_stats"`
}

// HealthResponse reports allocator liveness.
type HealthResponse struct {
	Success bool `json:"success"`
	Healthy bool `json:"healthy"`
}

// statusResponse is the generic ack for side-effect RPCs.
type statusResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
