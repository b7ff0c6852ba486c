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

const anthropicVersion = "2023-06-01"

// anthropicDriver adapts the Anthropic Messages API. Requests and responses
// are translated to and from the OpenAI shape the rest of the system speaks.
type anthropicDriver struct {
	model   string
	baseURL string
	apiKey  string
	http    *http.Client
}

var _ veil.Driver = (*anthropicDriver)(nil)

func newAnthropic(model, baseURL, apiKey string, httpc *http.Client) *anthropicDriver {
	return &anthropicDriver{
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpc,
	}
}

func (c *anthropicDriver) Provider() string { return "anthropic" }
func (c *anthropicDriver) Model() string    { return c.model }

// anthropicRequest is the Messages API request body.
type anthropicRequest struct {
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens"`
	Messages    []anthropicMsg `json:"messages"`
	System      string         `json:"system,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *anthropicDriver) translateRequest(req *veil.ChatRequest, stream bool) *anthropicRequest {
	out := &anthropicRequest{
		Model:       c.model,
		MaxTokens:   4096, // the Messages API requires max_tokens
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out.System = m.Content
		case "user", "assistant":
			out.Messages = append(out.Messages, anthropicMsg{Role: m.Role, Content: m.Content})
		}
	}
	return out
}

func (c *anthropicDriver) buildRequest(ctx context.Context, req *veil.ChatRequest, stream bool) (*http.Request, error) {
	body, err := json.Marshal(c.translateRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

// Complete sends a non-streaming Messages API request.
func (c *anthropicDriver) Complete(ctx context.Context, req *veil.ChatRequest) (*veil.Completion, error) {
	httpReq, err := c.buildRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ParseAPIError("anthropic", resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}

	r := gjson.ParseBytes(respBody)
	var content strings.Builder
	r.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			content.WriteString(block.Get("text").String())
		}
		return true
	})

	out := &veil.Completion{Content: content.String(), Raw: respBody}
	if u := r.Get("usage"); u.Exists() {
		in := int(u.Get("input_tokens").Int())
		outTok := int(u.Get("output_tokens").Int())
		out.Usage = &veil.Usage{PromptTokens: in, CompletionTokens: outTok, TotalTokens: in + outTok}
	}
	return out, nil
}

// Stream sends a streaming Messages API request and re-emits the event
// stream as OpenAI-format chunks.
func (c *anthropicDriver) Stream(ctx context.Context, req *veil.ChatRequest) (<-chan veil.Chunk, error) {
	httpReq, err := c.buildRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, ParseAPIError("anthropic", resp)
	}

	ch := make(chan veil.Chunk, 8)
	go c.readStream(ctx, resp.Body, ch)
	return ch, nil
}

// anthropicStream tracks the Messages event stream state.
type anthropicStream struct {
	id           string
	model        string
	inputTokens  int
	outputTokens int
	stopReason   string
}

func (c *anthropicDriver) readStream(ctx context.Context, body io.ReadCloser, ch chan<- veil.Chunk) {
	defer close(ch)
	defer body.Close()

	var state anthropicStream
	state.model = c.model
	scanner := sseutil.NewScanner(body)

	var currentEvent string
	for scanner.Scan() {
		event, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if event != "" {
			currentEvent = event
			continue
		}
		if data == "" {
			continue
		}

		for _, chunk := range state.handleEvent(currentEvent, data) {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				ch <- veil.Chunk{Err: ctx.Err()}
				return
			}
		}
		if state.stopReason == "done" {
			return
		}
		currentEvent = ""
	}
	if err := scanner.Err(); err != nil {
		ch <- veil.Chunk{Err: fmt.Errorf("anthropic: read stream: %w", err)}
	}
}

func (s *anthropicStream) handleEvent(event, data string) []veil.Chunk {
	switch event {
	case "message_start":
		r := gjson.Parse(data).Get("message")
		s.id = r.Get("id").String()
		if m := r.Get("model").String(); m != "" {
			s.model = m
		}
		s.inputTokens = int(r.Get("usage.input_tokens").Int())
		return []veil.Chunk{{Data: sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"role": "assistant"}, "")}}
	case "content_block_delta":
		text := gjson.Get(data, "delta.text").String()
		if text == "" {
			return nil
		}
		return []veil.Chunk{{Data: sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"content": text}, "")}}
	case "message_delta":
		if n := gjson.Get(data, "usage.output_tokens"); n.Exists() {
			s.outputTokens = int(n.Int())
		}
		reason := mapAnthropicStopReason(gjson.Get(data, "delta.stop_reason").String())
		if reason == "" {
			return nil
		}
		return []veil.Chunk{{Data: sseutil.BuildFinishChunk(s.id, s.model, reason)}}
	case "message_stop":
		usage := &veil.Usage{
			PromptTokens:     s.inputTokens,
			CompletionTokens: s.outputTokens,
			TotalTokens:      s.inputTokens + s.outputTokens,
		}
		s.stopReason = "done"
		return []veil.Chunk{
			{Data: sseutil.BuildUsageChunk(s.id, s.model, usage), Usage: usage},
			{Done: true, Usage: usage},
		}
	default:
		// ping, content_block_start, content_block_stop
		return nil
	}
}

func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "":
		return ""
	default:
		return reason
	}
}
