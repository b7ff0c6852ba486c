package keyrpc

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	veil "github.com/openanonymity/veil/internal"
	"github.com/openanonymity/veil/internal/keypool"
	"github.com/openanonymity/veil/internal/secret"
	"github.com/openanonymity/veil/internal/testutil"
)

// startServer runs the RPC server on a throwaway socket and returns a
// connected client.
func startServer(t *testing.T, pool *keypool.Manager, keysFile string) *Client {
	t.Helper()

	dir, err := os.MkdirTemp("/tmp", "veil-rpc")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "ka.sock")

	ln, err := Listen(socket)
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: NewServer(pool, keysFile, nil).Handler()}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	client := NewClient(socket)
	t.Cleanup(client.Close)
	return client
}

func seededPool(t *testing.T) (*keypool.Manager, *testutil.MemoryStore) {
	t.Helper()
	st := testutil.NewMemoryStore()
	sec := testutil.NewMemorySecrets(map[string]string{
		secret.KeyPath("openai", "gpt-4o", "key-1"): "sk-live",
	})
	if err := st.ReplacePool(context.Background(), "openai", "gpt-4o", []string{"key-1"}); err != nil {
		t.Fatal(err)
	}
	return keypool.New(st, sec, nil), st
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	pool, st := seededPool(t)
	client := startServer(t, pool, "")
	ctx := context.Background()

	keys, err := client.SelectKeys(ctx, "sess-1", 7, []string{"openai/gpt-4o"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0].KeyID != "key-1" || keys[0].APIKey != "sk-live" {
		t.Fatalf("keys = %+v", keys)
	}

	if err := client.TrackUsage(ctx, "key-1", 42); err != nil {
		t.Fatal(err)
	}
	hour, _, err := st.KeyUsage(ctx, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if hour != 42 {
		t.Errorf("tracked usage = %d, want 42", hour)
	}

	if err := client.ReleaseSession(ctx, "sess-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := st.Weight("sess-1", "key-1"); ok {
		t.Error("weight survived release")
	}

	if err := client.Health(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestSelectKeysNoKeysOverWire(t *testing.T) {
	t.Parallel()

	pool, _ := seededPool(t)
	client := startServer(t, pool, "")

	_, err := client.SelectKeys(context.Background(), "s", 1, []string{"anthropic/claude-3-haiku-20240307"}, 1)
	if !errors.Is(err, veil.ErrNoKeys) {
		t.Fatalf("err = %v, want ErrNoKeys across the wire", err)
	}
}

func TestReloadKeysOverWire(t *testing.T) {
	t.Parallel()

	pool, st := seededPool(t)
	dir := t.TempDir()
	keysFile := filepath.Join(dir, "keys.csv")
	if err := os.WriteFile(keysFile, []byte("provider,model,api_key\nopenai,gpt-4o,sk-new\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	client := startServer(t, pool, keysFile)
	ctx := context.Background()

	// Empty path falls back to the server's configured file.
	pools, err := client.ReloadKeys(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if pools["openai:gpt-4o"] != 1 {
		t.Fatalf("pools = %v", pools)
	}
	members, _ := st.PoolMembers(ctx, "openai", "gpt-4o")
	if len(members) != 1 || members[0] == "key-1" {
		t.Fatalf("pool not replaced: %v", members)
	}
}

func TestStatsOverWire(t *testing.T) {
	t.Parallel()

	pool, _ := seededPool(t)
	client := startServer(t, pool, "")
	ctx := context.Background()

	if _, err := client.SelectKeys(ctx, "s", 1, []string{"openai/gpt-4o"}, 1); err != nil {
		t.Fatal(err)
	}

	poolStats, runtime, err := client.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if poolStats["openai:gpt-4o"].Available != 1 {
		t.Errorf("pool stats = %v", poolStats)
	}
	if runtime.TotalRequests != 1 || runtime.SuccessfulRequests != 1 {
		t.Errorf("runtime = %+v", runtime)
	}

	detail, _, err := client.DetailedStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(detail) != 1 || detail[0].KeyID != "key-1" {
		t.Errorf("detail = %+v", detail)
	}
}

func TestClientUnreachableSocket(t *testing.T) {
	t.Parallel()

	client := NewClient("/tmp/veil-no-such-socket.sock")
	defer client.Close()

	err := client.Health(context.Background())
	if !errors.Is(err, veil.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}
