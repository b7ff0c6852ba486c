package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	veil "github.com/openanonymity/veil/internal"
)

// FakeDriver is a configurable veil.Driver for testing.
type FakeDriver struct {
	ProviderName string
	ModelName    string
	Secret       string
	CompleteFn   func(ctx context.Context, req *veil.ChatRequest) (*veil.Completion, error)
	StreamFn     func(ctx context.Context, req *veil.ChatRequest) (<-chan veil.Chunk, error)
}

func (f *FakeDriver) Provider() string { return f.ProviderName }
func (f *FakeDriver) Model() string    { return f.ModelName }

// Complete delegates to CompleteFn or returns a canned completion.
func (f *FakeDriver) Complete(ctx context.Context, req *veil.ChatRequest) (*veil.Completion, error) {
	if f.CompleteFn != nil {
		return f.CompleteFn(ctx, req)
	}
	return &veil.Completion{
		Content: "hello",
		Usage:   &veil.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}, nil
}

// Stream delegates to StreamFn or yields two content chunks then Done.
func (f *FakeDriver) Stream(ctx context.Context, req *veil.ChatRequest) (<-chan veil.Chunk, error) {
	if f.StreamFn != nil {
		return f.StreamFn(ctx, req)
	}
	ch := make(chan veil.Chunk, 4)
	ch <- veil.Chunk{Data: []byte(`{"choices":[{"delta":{"content":"hel"}}]}`)}
	ch <- veil.Chunk{Data: []byte(`{"choices":[{"delta":{"content":"lo"}}]}`)}
	ch <- veil.Chunk{Done: true, Usage: &veil.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}}
	close(ch)
	return ch, nil
}

// Dispatch records one observed dispatch made through a FakeFactory driver.
type Dispatch struct {
	Provider  string
	Model     string
	Secret    string
	Streaming bool
	Content   string // first user message content
}

// FakeFactory is a veil.DriverFactory that mints FakeDrivers and records
// every dispatch they perform.
type FakeFactory struct {
	mu         sync.Mutex
	dispatches []Dispatch
	instances  atomic.Int64

	// CompleteFn/StreamFn, when set, are installed on every minted driver.
	CompleteFn func(ctx context.Context, req *veil.ChatRequest) (*veil.Completion, error)
	StreamFn   func(ctx context.Context, req *veil.ChatRequest) (<-chan veil.Chunk, error)
	NewErr     error // forced construction failure
}

func (f *FakeFactory) Providers() []string { return []string{"openai", "anthropic"} }

// New mints an independent recording driver.
func (f *FakeFactory) New(provider, model, secret string) (veil.Driver, error) {
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	f.instances.Add(1)
	d := &FakeDriver{ProviderName: provider, ModelName: model, Secret: secret}
	d.CompleteFn = func(ctx context.Context, req *veil.ChatRequest) (*veil.Completion, error) {
		f.record(d, req, false)
		if f.CompleteFn != nil {
			return f.CompleteFn(ctx, req)
		}
		return &veil.Completion{
			Content: fmt.Sprintf("reply from %s/%s", provider, model),
			Usage:   &veil.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		}, nil
	}
	d.StreamFn = func(ctx context.Context, req *veil.ChatRequest) (<-chan veil.Chunk, error) {
		f.record(d, req, true)
		if f.StreamFn != nil {
			return f.StreamFn(ctx, req)
		}
		ch := make(chan veil.Chunk, 4)
		ch <- veil.Chunk{Data: []byte(`{"choices":[{"delta":{"content":"hello"}}]}`)}
		ch <- veil.Chunk{Done: true, Usage: &veil.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}}
		close(ch)
		return ch, nil
	}
	return d, nil
}

func (f *FakeFactory) record(d *FakeDriver, req *veil.ChatRequest, streaming bool) {
	var content string
	for _, m := range req.Messages {
		if m.Role == "user" {
			content = m.Content
			break
		}
	}
	f.mu.Lock()
	f.dispatches = append(f.dispatches, Dispatch{
		Provider:  d.ProviderName,
		Model:     d.ModelName,
		Secret:    d.Secret,
		Streaming: streaming,
		Content:   content,
	})
	f.mu.Unlock()
}

// Dispatches returns a copy of all recorded dispatches.
func (f *FakeFactory) Dispatches() []Dispatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Dispatch, len(f.dispatches))
	copy(out, f.dispatches)
	return out
}

// Instances returns how many driver instances were minted.
func (f *FakeFactory) Instances() int64 { return f.instances.Load() }
