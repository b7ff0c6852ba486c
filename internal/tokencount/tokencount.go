// Package tokencount estimates token counts for usage reporting when an
// upstream omits them. Uses a character heuristic (~4 chars per token for
// English); close enough for counters, replaceable with tiktoken for exact
// numbers.
package tokencount

import veil "github.com/openanonymity/veil/internal"

// EstimateRequest estimates the prompt token count for a conversation,
// including per-message formatting overhead.
func EstimateRequest(messages []veil.Message) int {
	total := 0
	for _, m := range messages {
		total += 4 // role and framing tokens per message
		total += estimate(m.Role)
		total += estimate(m.Content)
	}
	total += 3 // assistant reply priming
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func CountText(text string) int {
	return max(estimate(text), 1)
}

// EstimateUsage fills in a usage struct from the request and reply text.
func EstimateUsage(messages []veil.Message, reply string) *veil.Usage {
	prompt := EstimateRequest(messages)
	completion := CountText(reply)
	return &veil.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

func estimate(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
