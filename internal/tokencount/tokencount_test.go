package tokencount

import (
	"strings"
	"testing"

	veil "github.com/openanonymity/veil/internal"
)

func TestEstimateRequest(t *testing.T) {
	t.Parallel()

	msgs := []veil.Message{
		{Role: "system", Content: "be helpful"},
		{Role: "user", Content: strings.Repeat("word ", 20)},
	}
	got := EstimateRequest(msgs)
	if got < 30 || got > 60 {
		t.Errorf("estimate = %d, want something near 40", got)
	}

	if EstimateRequest(nil) != 1 {
		t.Errorf("empty request estimate = %d, want 1", EstimateRequest(nil))
	}
}

func TestCountText(t *testing.T) {
	t.Parallel()

	if got := CountText("12345678"); got != 2 {
		t.Errorf("CountText = %d, want 2", got)
	}
	if got := CountText(""); got != 1 {
		t.Errorf("CountText empty = %d, want 1", got)
	}
}

func TestEstimateUsage(t *testing.T) {
	t.Parallel()

	u := EstimateUsage([]veil.Message{{Role: "user", Content: "hello there"}}, "hi")
	if u.TotalTokens != u.PromptTokens+u.CompletionTokens {
		t.Errorf("usage = %+v", u)
	}
	if u.PromptTokens == 0 || u.CompletionTokens == 0 {
		t.Errorf("usage = %+v", u)
	}
}
