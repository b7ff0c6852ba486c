package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	veil "github.com/openanonymity/veil/internal"
	"github.com/openanonymity/veil/internal/provider/sseutil"
)

// factoryFor builds a Factory whose provider endpoints all point at the
// given test server.
func factoryFor(srv *httptest.Server, providers ...string) *Factory {
	baseURLs := make(map[string]string, len(providers))
	for _, p := range providers {
		baseURLs[p] = srv.URL
	}
	return NewFactory(baseURLs, srv.Client())
}

func chatReq(content string) *veil.ChatRequest {
	return &veil.ChatRequest{Messages: []veil.Message{{Role: "user", Content: content}}}
}

func TestFactoryUnknownProvider(t *testing.T) {
	t.Parallel()

	f := NewFactory(nil, nil)
	_, err := f.New("mystery", "model-x", "sk-1")
	if !errors.Is(err, veil.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
}

func TestFactoryCanonicalNames(t *testing.T) {
	t.Parallel()

	f := NewFactory(nil, nil)
	tests := []struct {
		in   string
		want string
	}{
		{in: "OpenAI", want: "openai"},
		{in: "Anthropic", want: "anthropic"},
		{in: "Google", want: "google"},
		{in: "Gemini", want: "google"},
		{in: "Together", want: "together"},
		{in: "xAI", want: "xai"},
		{in: "Grok", want: "xai"},
	}
	for _, tt := range tests {
		d, err := f.New(tt.in, "m", "sk")
		if err != nil {
			t.Fatalf("New(%q): %v", tt.in, err)
		}
		if d.Provider() != tt.want {
			t.Errorf("New(%q).Provider() = %q, want %q", tt.in, d.Provider(), tt.want)
		}
	}
}

func TestOpenAICompatComplete(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		var body chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if body.Model != "gpt-4o-mini" || body.Stream {
			t.Errorf("request = %+v", body)
		}
		fmt.Fprint(w, `{"id":"c1","choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`)
	}))
	defer srv.Close()

	d, err := factoryFor(srv, "openai").New("openai", "gpt-4o-mini", "sk-test")
	if err != nil {
		t.Fatal(err)
	}
	out, err := d.Complete(context.Background(), chatReq("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != "hi there" {
		t.Errorf("content = %q", out.Content)
	}
	if out.Usage == nil || out.Usage.TotalTokens != 6 {
		t.Errorf("usage = %+v", out.Usage)
	}
	if len(out.Raw) == 0 {
		t.Error("raw body not retained")
	}
}

func TestOpenAICompatStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatCompletionRequest
		json.NewDecoder(r.Body).Decode(&body)
		if !body.Stream || body.StreamOptions == nil || !body.StreamOptions.IncludeUsage {
			t.Errorf("stream request = %+v", body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"str\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"eam\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":1,\"completion_tokens\":2,\"total_tokens\":3}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	d, err := factoryFor(srv, "together").New("together", "llama-3.1-8b", "sk-t")
	if err != nil {
		t.Fatal(err)
	}
	ch, err := d.Stream(context.Background(), chatReq("hello"))
	if err != nil {
		t.Fatal(err)
	}

	text, usage, done := drainStream(t, ch)
	if text != "stream" {
		t.Errorf("text = %q", text)
	}
	if usage == nil || usage.TotalTokens != 3 {
		t.Errorf("usage = %+v", usage)
	}
	if !done {
		t.Error("no done sentinel")
	}
}

func TestInstancesDoNotShareKeys(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	seen := make(map[string]int)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.Header.Get("Authorization")]++
		mu.Unlock()
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	f := factoryFor(srv, "xai")
	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.New("xai", "grok-2", fmt.Sprintf("sk-%d", i))
			if err != nil {
				t.Error(err)
				return
			}
			if _, err := d.Complete(context.Background(), chatReq("x")); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if len(seen) != 4 {
		t.Fatalf("distinct auth headers = %d, want 4: %v", len(seen), seen)
	}
	for header, n := range seen {
		if n != 1 {
			t.Errorf("header %q seen %d times", header, n)
		}
	}
}

func TestAPIErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   error
	}{
		{status: http.StatusTooManyRequests, want: veil.ErrRateLimited},
		{status: http.StatusUnauthorized, want: veil.ErrProviderError},
		{status: http.StatusInternalServerError, want: veil.ErrProviderError},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "upstream unhappy", tt.status)
			}))
			defer srv.Close()

			d, err := factoryFor(srv, "openai").New("openai", "gpt-4o", "sk")
			if err != nil {
				t.Fatal(err)
			}
			_, err = d.Complete(context.Background(), chatReq("x"))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.HTTPStatus() != tt.status {
				t.Fatalf("err = %v, want APIError with status %d", err, tt.status)
			}
		})
	}
}

func TestAnthropicComplete(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-ant" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("version = %q", r.Header.Get("anthropic-version"))
		}
		var body anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if body.System != "be brief" || len(body.Messages) != 1 || body.MaxTokens != 4096 {
			t.Errorf("request = %+v", body)
		}
		fmt.Fprint(w, `{"id":"msg_1","model":"claude-3-haiku-20240307","content":[{"type":"text","text":"hey "},{"type":"text","text":"you"}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":2}}`)
	}))
	defer srv.Close()

	d, err := factoryFor(srv, "anthropic").New("anthropic", "claude-3-haiku-20240307", "sk-ant")
	if err != nil {
		t.Fatal(err)
	}
	out, err := d.Complete(context.Background(), &veil.ChatRequest{Messages: []veil.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != "hey you" {
		t.Errorf("content = %q", out.Content)
	}
	if out.Usage == nil || out.Usage.PromptTokens != 5 || out.Usage.TotalTokens != 7 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestAnthropicStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\n")
		fmt.Fprint(w, "data: {\"message\":{\"id\":\"msg_2\",\"model\":\"claude-3-haiku-20240307\",\"usage\":{\"input_tokens\":7}}}\n\n")
		fmt.Fprint(w, "event: content_block_start\n")
		fmt.Fprint(w, "data: {\"index\":0}\n\n")
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, "data: {\"delta\":{\"type\":\"text_delta\",\"text\":\"an\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, "data: {\"delta\":{\"type\":\"text_delta\",\"text\":\"swer\"}}\n\n")
		fmt.Fprint(w, "event: message_delta\n")
		fmt.Fprint(w, "data: {\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":4}}\n\n")
		fmt.Fprint(w, "event: message_stop\n")
		fmt.Fprint(w, "data: {}\n\n")
	}))
	defer srv.Close()

	d, err := factoryFor(srv, "anthropic").New("anthropic", "claude-3-haiku-20240307", "sk-ant")
	if err != nil {
		t.Fatal(err)
	}
	ch, err := d.Stream(context.Background(), chatReq("q"))
	if err != nil {
		t.Fatal(err)
	}

	text, usage, done := drainStream(t, ch)
	if text != "answer" {
		t.Errorf("text = %q", text)
	}
	if usage == nil || usage.PromptTokens != 7 || usage.CompletionTokens != 4 || usage.TotalTokens != 11 {
		t.Errorf("usage = %+v", usage)
	}
	if !done {
		t.Error("no done sentinel")
	}
}

func TestGeminiComplete(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if want := "/models/gemini-2.0-flash:generateContent"; r.URL.Path != want {
			t.Errorf("path = %s, want %s", r.URL.Path, want)
		}
		if r.Header.Get("x-goog-api-key") != "sk-goog" {
			t.Errorf("api key header = %q", r.Header.Get("x-goog-api-key"))
		}
		var body geminiRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if len(body.Contents) != 2 || body.Contents[1].Role != "model" {
			t.Errorf("contents = %+v", body.Contents)
		}
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"gemini says"}],"role":"model"},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":8,"candidatesTokenCount":2,"totalTokenCount":10}}`)
	}))
	defer srv.Close()

	d, err := factoryFor(srv, "google").New("google", "gemini-2.0-flash", "sk-goog")
	if err != nil {
		t.Fatal(err)
	}
	out, err := d.Complete(context.Background(), &veil.ChatRequest{Messages: []veil.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "yes?"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != "gemini says" {
		t.Errorf("content = %q", out.Content)
	}
	if out.Usage == nil || out.Usage.TotalTokens != 10 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestGeminiStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":streamGenerateContent") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("alt = %q", r.URL.Query().Get("alt"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"par\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"tial\"}]},\"finishReason\":\"STOP\"}],\"usageMetadata\":{\"promptTokenCount\":6,\"candidatesTokenCount\":3,\"totalTokenCount\":9}}\n\n")
	}))
	defer srv.Close()

	d, err := factoryFor(srv, "google").New("google", "gemini-2.0-flash", "sk-goog")
	if err != nil {
		t.Fatal(err)
	}
	ch, err := d.Stream(context.Background(), chatReq("q"))
	if err != nil {
		t.Fatal(err)
	}

	text, usage, done := drainStream(t, ch)
	if text != "partial" {
		t.Errorf("text = %q", text)
	}
	if usage == nil || usage.TotalTokens != 9 {
		t.Errorf("usage = %+v", usage)
	}
	if !done {
		t.Error("no done sentinel")
	}
}

// drainStream consumes a chunk channel and returns the concatenated text,
// the last usage seen, and whether a done sentinel arrived.
func drainStream(t *testing.T, ch <-chan veil.Chunk) (string, *veil.Usage, bool) {
	t.Helper()
	var text strings.Builder
	var usage *veil.Usage
	var done bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatal(chunk.Err)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Done {
			done = true
			continue
		}
		text.WriteString(sseutil.ExtractText(chunk.Data))
	}
	return text.String(), usage, done
}
