package testutil

import (
	"context"
	"fmt"
	"sync"

	veil "github.com/openanonymity/veil/internal"
)

// MemorySecrets is an in-memory secret.Store.
type MemorySecrets struct {
	mu      sync.RWMutex
	data    map[string]string
	ReadErr error // forced error for every Read when non-nil
}

// NewMemorySecrets returns a MemorySecrets seeded with the given paths.
func NewMemorySecrets(seed map[string]string) *MemorySecrets {
	data := make(map[string]string, len(seed))
	for k, v := range seed {
		data[k] = v
	}
	return &MemorySecrets{data: data}
}

func (m *MemorySecrets) Read(_ context.Context, path string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ReadErr != nil {
		return "", m.ReadErr
	}
	v, ok := m.data[path]
	if !ok {
		return "", fmt.Errorf("secret %s: %w", path, veil.ErrNotFound)
	}
	return v, nil
}

func (m *MemorySecrets) Write(_ context.Context, path, value string) error {
	m.mu.Lock()
	m.data[path] = value
	m.mu.Unlock()
	return nil
}

func (m *MemorySecrets) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	delete(m.data, path)
	m.mu.Unlock()
	return nil
}

// Paths returns all stored secret paths.
func (m *MemorySecrets) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		out = append(out, k)
	}
	return out
}
