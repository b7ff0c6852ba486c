package sseutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	veil "github.com/openanonymity/veil/internal"
)

// ReadSSEStream reads SSE data lines from resp and forwards them as chunks
// on ch. It handles the "[DONE]" sentinel and lifts usage out of the final
// payload when the upstream includes it. Used by every driver whose upstream
// speaks the OpenAI streaming format. The channel is closed when done.
func ReadSSEStream(ctx context.Context, providerName string, resp *http.Response, ch chan<- veil.Chunk) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := NewScanner(resp.Body)
	for scanner.Scan() {
		_, data, ok := ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if data == "[DONE]" {
			ch <- veil.Chunk{Done: true}
			return
		}

		chunk := veil.Chunk{Data: []byte(data)}
		if u := gjson.GetBytes(chunk.Data, "usage"); u.Exists() && u.Type == gjson.JSON {
			var usage veil.Usage
			if json.Unmarshal([]byte(u.Raw), &usage) == nil && usage.TotalTokens > 0 {
				chunk.Usage = &usage
			}
		}

		select {
		case ch <- chunk:
		case <-ctx.Done():
			ch <- veil.Chunk{Err: ctx.Err()}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- veil.Chunk{Err: fmt.Errorf("%s: read stream: %w", providerName, err)}
	}
}
