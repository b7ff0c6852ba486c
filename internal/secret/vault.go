package secret

import (
	"context"
	"errors"
	"fmt"
	"time"

	vault "github.com/hashicorp/vault/api"

	veil "github.com/openanonymity/veil/internal"
)

// secretField is the field name holding the key material inside each secret.
const secretField = "api_key"

// Vault implements Store on a Vault KV v2 mount.
type Vault struct {
	kv        *vault.KVv2
	opTimeout time.Duration
}

// VaultOptions configures the Vault client.
type VaultOptions struct {
	Addr      string
	Token     string
	Mount     string        // KV v2 mount, default "secret"
	OpTimeout time.Duration // per-call deadline, default 30s
}

// NewVault builds a Vault-backed secret store.
func NewVault(opts VaultOptions) (*Vault, error) {
	cfg := vault.DefaultConfig()
	if opts.Addr != "" {
		cfg.Address = opts.Addr
	}
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	if opts.Token != "" {
		client.SetToken(opts.Token)
	}
	mount := opts.Mount
	if mount == "" {
		mount = "secret"
	}
	opTimeout := opts.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 30 * time.Second
	}
	return &Vault{kv: client.KVv2(mount), opTimeout: opTimeout}, nil
}

func (v *Vault) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, v.opTimeout)
}

func (v *Vault) Read(ctx context.Context, path string) (string, error) {
	ctx, cancel := v.op(ctx)
	defer cancel()

	sec, err := v.kv.Get(ctx, path)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", fmt.Errorf("secret %s: %w", path, veil.ErrNotFound)
		}
		return "", fmt.Errorf("read secret %s: %w", path, err)
	}
	val, ok := sec.Data[secretField].(string)
	if !ok || val == "" {
		return "", fmt.Errorf("secret %s: missing %s field: %w", path, secretField, veil.ErrNotFound)
	}
	return val, nil
}

func (v *Vault) Write(ctx context.Context, path string, value string) error {
	ctx, cancel := v.op(ctx)
	defer cancel()

	if _, err := v.kv.Put(ctx, path, map[string]any{secretField: value}); err != nil {
		return fmt.Errorf("write secret %s: %w", path, err)
	}
	return nil
}

func (v *Vault) Delete(ctx context.Context, path string) error {
	ctx, cancel := v.op(ctx)
	defer cancel()

	if err := v.kv.DeleteMetadata(ctx, path); err != nil {
		return fmt.Errorf("delete secret %s: %w", path, err)
	}
	return nil
}
