package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	veil "github.com/openanonymity/veil/internal"
	"github.com/openanonymity/veil/internal/provider/sseutil"
)

// openAICompat is the driver for OpenAI-compatible chat completion APIs.
// OpenAI, Together, and xAI all speak the same wire format; only the base
// URL and the bound key differ.
type openAICompat struct {
	provider string
	model    string
	baseURL  string
	apiKey   string
	http     *http.Client
}

var _ veil.Driver = (*openAICompat)(nil)

func newOpenAICompat(provider, model, baseURL, apiKey string, httpc *http.Client) *openAICompat {
	return &openAICompat{
		provider: provider,
		model:    model,
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		http:     httpc,
	}
}

func (c *openAICompat) Provider() string { return c.provider }
func (c *openAICompat) Model() string    { return c.model }

// chatCompletionRequest is the OpenAI chat completions request body.
type chatCompletionRequest struct {
	Model         string         `json:"model"`
	Messages      []veil.Message `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

func (c *openAICompat) buildRequest(ctx context.Context, req *veil.ChatRequest, stream bool) (*http.Request, error) {
	out := chatCompletionRequest{
		Model:       c.model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.provider, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.provider, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	return httpReq, nil
}

// Complete sends a non-streaming chat completion request.
func (c *openAICompat) Complete(ctx context.Context, req *veil.ChatRequest) (*veil.Completion, error) {
	httpReq, err := c.buildRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", c.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ParseAPIError(c.provider, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", c.provider, err)
	}

	out := &veil.Completion{
		Content: gjson.GetBytes(respBody, "choices.0.message.content").String(),
		Raw:     respBody,
	}
	if u := gjson.GetBytes(respBody, "usage"); u.Exists() {
		out.Usage = &veil.Usage{
			PromptTokens:     int(u.Get("prompt_tokens").Int()),
			CompletionTokens: int(u.Get("completion_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
		}
	}
	return out, nil
}

// Stream sends a streaming chat completion request. The raw SSE data
// payloads are forwarded as-is in Chunk.Data; the channel is closed after a
// Done sentinel or an error chunk.
func (c *openAICompat) Stream(ctx context.Context, req *veil.ChatRequest) (<-chan veil.Chunk, error) {
	httpReq, err := c.buildRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", c.provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, ParseAPIError(c.provider, resp)
	}

	ch := make(chan veil.Chunk, 8)
	go sseutil.ReadSSEStream(ctx, c.provider, resp, ch)
	return ch, nil
}
