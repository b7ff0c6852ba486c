// Package secret defines the secret-store interface and its Vault backend.
// Key material lives only here; nothing else persists plaintext secrets.
package secret

import "context"

// Store is an opaque key-value retrieval interface over the secret backend.
type Store interface {
	// Read returns the secret value at path, or an error wrapping
	// veil.ErrNotFound when no secret exists there.
	Read(ctx context.Context, path string) (string, error)
	Write(ctx context.Context, path string, value string) error
	Delete(ctx context.Context, path string) error
}

// KeyPath is the canonical secret path for a pool key.
func KeyPath(provider, model, keyID string) string {
	return "llm/" + provider + "/" + model + "/" + keyID
}
