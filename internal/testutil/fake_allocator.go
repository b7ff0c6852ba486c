package testutil

import (
	"context"
	"fmt"
	"sync"

	veil "github.com/openanonymity/veil/internal"
)

// FakeAllocator is a veil.KeyAllocator returning canned keys.
type FakeAllocator struct {
	mu       sync.Mutex
	Keys     map[string][]veil.SelectedKey // "provider/model" -> keys
	Err      error
	Released []string
	Usage    map[string]int64 // key id -> tracked tokens
}

// NewFakeAllocator seeds an allocator with one fresh key per model string.
func NewFakeAllocator(models ...string) *FakeAllocator {
	keys := make(map[string][]veil.SelectedKey, len(models))
	for i, ms := range models {
		provider, model, err := veil.SplitModel(ms)
		if err != nil {
			panic(err)
		}
		keys[ms] = []veil.SelectedKey{{
			KeyID:    fmt.Sprintf("key-%d", i),
			Provider: provider,
			Model:    model,
			APIKey:   fmt.Sprintf("sk-fake-%d", i),
			Status:   veil.StatusAvailable,
		}}
	}
	return &FakeAllocator{Keys: keys, Usage: make(map[string]int64)}
}

func (f *FakeAllocator) SelectKeys(_ context.Context, sessionID string, userID int64, models []string, countPerModel int) ([]veil.SelectedKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []veil.SelectedKey
	for _, ms := range models {
		keys := f.Keys[ms]
		if len(keys) > countPerModel {
			keys = keys[:countPerModel]
		}
		out = append(out, keys...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: models %v", veil.ErrNoKeys, models)
	}
	return out, nil
}

func (f *FakeAllocator) ReleaseSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	f.Released = append(f.Released, sessionID)
	f.mu.Unlock()
	return nil
}

func (f *FakeAllocator) TrackUsage(_ context.Context, keyID string, tokens int64) error {
	f.mu.Lock()
	f.Usage[keyID] += tokens
	f.mu.Unlock()
	return nil
}

func (f *FakeAllocator) Health(context.Context) error { return nil }

// ReleasedSessions returns a copy of the released session ids.
func (f *FakeAllocator) ReleasedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Released))
	copy(out, f.Released)
	return out
}

// TrackedUsage returns the tokens tracked for a key id.
func (f *FakeAllocator) TrackedUsage(keyID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Usage[keyID]
}
