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

// geminiDriver adapts the Gemini generateContent API.
type geminiDriver struct {
	model   string
	baseURL string
	apiKey  string
	http    *http.Client
}

var _ veil.Driver = (*geminiDriver)(nil)

func newGemini(model, baseURL, apiKey string, httpc *http.Client) *geminiDriver {
	return &geminiDriver{
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpc,
	}
}

func (c *geminiDriver) Provider() string { return "google" }
func (c *geminiDriver) Model() string    { return c.model }

// geminiRequest is the generateContent request body.
type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

func (c *geminiDriver) translateRequest(req *veil.ChatRequest) *geminiRequest {
	out := &geminiRequest{}
	if req.Temperature != nil || req.MaxTokens > 0 {
		out.GenerationConfig = &geminiGenConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
		case "user":
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		case "assistant":
			// Gemini names the assistant side "model".
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	return out
}

func (c *geminiDriver) buildRequest(ctx context.Context, req *veil.ChatRequest, verb string) (*http.Request, error) {
	body, err := json.Marshal(c.translateRequest(req))
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}
	u := fmt.Sprintf("%s/models/%s:%s", c.baseURL, c.model, verb)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)
	return httpReq, nil
}

// Complete sends a non-streaming generateContent request.
func (c *geminiDriver) Complete(ctx context.Context, req *veil.ChatRequest) (*veil.Completion, error) {
	httpReq, err := c.buildRequest(ctx, req, "generateContent")
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ParseAPIError("google", resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("gemini: read response: %w", err)
	}

	r := gjson.ParseBytes(respBody)
	var content strings.Builder
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		content.WriteString(part.Get("text").String())
		return true
	})

	out := &veil.Completion{Content: content.String(), Raw: respBody}
	if u := r.Get("usageMetadata"); u.Exists() {
		out.Usage = &veil.Usage{
			PromptTokens:     int(u.Get("promptTokenCount").Int()),
			CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(u.Get("totalTokenCount").Int()),
		}
	}
	return out, nil
}

// Stream sends a streaming generateContent request. Gemini streaming has no
// event field and no "[DONE]" sentinel; the stream is EOF-terminated and
// usage is cumulative, so the last seen values are emitted at the end.
func (c *geminiDriver) Stream(ctx context.Context, req *veil.ChatRequest) (<-chan veil.Chunk, error) {
	httpReq, err := c.buildRequest(ctx, req, "streamGenerateContent?alt=sse")
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, ParseAPIError("google", resp)
	}

	ch := make(chan veil.Chunk, 8)
	go c.readStream(ctx, resp.Body, ch)
	return ch, nil
}

func (c *geminiDriver) readStream(ctx context.Context, body io.ReadCloser, ch chan<- veil.Chunk) {
	defer close(ch)
	defer body.Close()

	id := "gemini-" + c.model
	scanner := sseutil.NewScanner(body)

	var lastUsage *veil.Usage
	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}

		r := gjson.Parse(data)
		text := r.Get("candidates.0.content.parts.0.text").String()
		finishReason := mapGeminiStopReason(r.Get("candidates.0.finishReason").String())

		if u := r.Get("usageMetadata"); u.Exists() {
			lastUsage = &veil.Usage{
				PromptTokens:     int(u.Get("promptTokenCount").Int()),
				CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
				TotalTokens:      int(u.Get("totalTokenCount").Int()),
			}
		}

		if text == "" && finishReason == "" {
			continue
		}
		chunk := sseutil.BuildDeltaChunk(id, c.model, deltaFor(text), finishReason)
		select {
		case ch <- veil.Chunk{Data: chunk}:
		case <-ctx.Done():
			ch <- veil.Chunk{Err: ctx.Err()}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- veil.Chunk{Err: fmt.Errorf("gemini: read stream: %w", err)}
		return
	}

	if lastUsage != nil {
		ch <- veil.Chunk{Data: sseutil.BuildUsageChunk(id, c.model, lastUsage), Usage: lastUsage}
	}
	ch <- veil.Chunk{Done: true, Usage: lastUsage}
}

func deltaFor(text string) map[string]any {
	if text == "" {
		return map[string]any{}
	}
	return map[string]any{"content": text}
}

func mapGeminiStopReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return reason
	}
}
