package keyrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	veil "github.com/openanonymity/veil/internal"
	"github.com/openanonymity/veil/internal/keypool"
)

// Per-RPC deadlines. Reload is slow (file ingest plus secret writes); the
// rest are point lookups.
const (
	selectTimeout  = 10 * time.Second
	releaseTimeout = 5 * time.Second
	reloadTimeout  = 30 * time.Second
	statsTimeout   = 3 * time.Second
	healthTimeout  = 5 * time.Second
	trackTimeout   = 5 * time.Second
)

// Client talks to the allocator over its Unix socket. It implements
// veil.KeyAllocator. The zero connection is cheap: the HTTP client dials
// lazily per request and pools connections until Close.
type Client struct {
	httpc *http.Client
}

// NewClient builds a client for the given socket path.
func NewClient(socketPath string) *Client {
	if socketPath == "" {
		socketPath = DefaultSocket
	}
	dialer := &net.Dialer{}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socketPath)
		},
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
	return &Client{httpc: &http.Client{Transport: transport}}
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.httpc.CloseIdleConnections()
}

// call POSTs one RPC and decodes the reply. The host in the URL is a
// placeholder; routing happens entirely over the socket.
func (c *Client) call(ctx context.Context, route string, timeout time.Duration, req, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", route, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://keyserver"+route, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s: %w", route, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: allocator %s: %v", veil.ErrUnavailable, route, err)
	}
	defer httpResp.Body.Close()

	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return fmt.Errorf("%w: decode %s: %v", veil.ErrUnavailable, route, err)
	}
	return nil
}

// SelectKeys implements veil.KeyAllocator.
func (c *Client) SelectKeys(ctx context.Context, sessionID string, userID int64, models []string, countPerModel int) ([]veil.SelectedKey, error) {
	var resp SelectKeysResponse
	err := c.call(ctx, rpcSelectKeys, selectTimeout, SelectKeysRequest{
		SessionID:     sessionID,
		UserID:        userID,
		Models:        models,
		CountPerModel: countPerModel,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, allocatorError(resp.Error)
	}
	return resp.Keys, nil
}

// ReleaseSession implements veil.KeyAllocator.
func (c *Client) ReleaseSession(ctx context.Context, sessionID string) error {
	var resp statusResponse
	if err := c.call(ctx, rpcReleaseKey, releaseTimeout, ReleaseKeyRequest{SessionID: sessionID}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return allocatorError(resp.Error)
	}
	return nil
}

// TrackUsage implements veil.KeyAllocator.
func (c *Client) TrackUsage(ctx context.Context, keyID string, tokens int64) error {
	var resp statusResponse
	if err := c.call(ctx, rpcTrackUsage, trackTimeout, TrackUsageRequest{KeyID: keyID, Tokens: tokens}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return allocatorError(resp.Error)
	}
	return nil
}

// ReloadKeys asks the allocator to ingest a key file. An empty path uses the
// server's configured file.
func (c *Client) ReloadKeys(ctx context.Context, filePath string) (map[string]int, error) {
	var resp ReloadKeysResponse
	if err := c.call(ctx, rpcReloadKeys, reloadTimeout, ReloadKeysRequest{FilePath: filePath}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, allocatorError(resp.Error)
	}
	return resp.Pools, nil
}

// Stats fetches pool availability and runtime counters.
func (c *Client) Stats(ctx context.Context) (map[string]keypool.PoolStats, keypool.RuntimeStats, error) {
	var resp StatsResponse
	if err := c.call(ctx, rpcGetStats, statsTimeout, struct{}{}, &resp); err != nil {
		return nil, keypool.RuntimeStats{}, err
	}
	if !resp.Success {
		return nil, keypool.RuntimeStats{}, allocatorError(resp.Error)
	}
	return resp.PoolStats, resp.RuntimeStats, nil
}

// DetailedStats fetches per-key usage detail.
func (c *Client) DetailedStats(ctx context.Context) ([]keypool.KeyStats, keypool.RuntimeStats, error) {
	var resp DetailedStatsResponse
	if err := c.call(ctx, rpcGetDetailedStats, statsTimeout, struct{}{}, &resp); err != nil {
		return nil, keypool.RuntimeStats{}, err
	}
	if !resp.Success {
		return nil, keypool.RuntimeStats{}, allocatorError(resp.Error)
	}
	return resp.Keys, resp.RuntimeStats, nil
}

// Health implements veil.KeyAllocator.
func (c *Client) Health(ctx context.Context) error {
	var resp HealthResponse
	if err := c.call(ctx, rpcHealth, healthTimeout, struct{}{}, &resp); err != nil {
		return err
	}
	if !resp.Success || !resp.Healthy {
		return fmt.Errorf("%w: allocator unhealthy", veil.ErrUnavailable)
	}
	return nil
}

// allocatorError maps a wire error string back onto the domain sentinels the
// caller branches on.
func allocatorError(msg string) error {
	switch {
	case msg == "":
		return veil.ErrUnavailable
	case containsFold(msg, "no keys available"):
		return fmt.Errorf("%w: %s", veil.ErrNoKeys, msg)
	case containsFold(msg, "bad request"):
		return fmt.Errorf("%w: %s", veil.ErrBadRequest, msg)
	default:
		return fmt.Errorf("%w: %s", veil.ErrUnavailable, msg)
	}
}

func containsFold(s, sub string) bool {
	return len(s) >= len(sub) && bytes.Contains(bytes.ToLower([]byte(s)), []byte(sub))
}
