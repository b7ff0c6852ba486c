package sseutil

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	veil "github.com/openanonymity/veil/internal"
)

// BuildDeltaChunk builds an OpenAI-format streaming chunk payload.
func BuildDeltaChunk(id, model string, delta map[string]any, finishReason string) []byte {
	chunk := map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": NilOrString(finishReason),
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// BuildFinishChunk builds a chunk with finish_reason set and an empty delta.
func BuildFinishChunk(id, model, finishReason string) []byte {
	return BuildDeltaChunk(id, model, map[string]any{}, finishReason)
}

// BuildUsageChunk builds the trailing chunk carrying usage statistics.
func BuildUsageChunk(id, model string, usage *veil.Usage) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []map[string]any{},
		"usage": map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// NilOrString returns nil if s is empty, otherwise s.
func NilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// textPaths are checked in order; streaming deltas first, then full
// completion bodies, then the bare fields some upstreams emit.
var textPaths = []string{
	"choices.0.delta.content",
	"choices.0.message.content",
	"delta.text",
	"content",
	"text",
}

// ExtractText pulls the assistant text out of an OpenAI-shaped chunk or
// completion body. Returns "" for payloads with no text content.
func ExtractText(data []byte) string {
	for _, path := range textPaths {
		if v := gjson.GetBytes(data, path); v.Type == gjson.String {
			return v.String()
		}
	}
	return ""
}
