package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/openanonymity/veil/internal/provider/sseutil"
	"github.com/openanonymity/veil/internal/router"
)

const keepAliveEvery = 15 * time.Second

// Pre-allocated byte slices for SSE formatting. These avoid heap allocations
// on every write in the streaming hot path.
var (
	sseDataPrefix = []byte("data: ")
	sseNewline    = []byte("\n\n")
	sseDone       = []byte("data: [DONE]\n\n")
	sseKeepAlive  = []byte(": keep-alive\n\n")
)

// Pre-allocated header value slices for SSE responses.
var (
	sseContentType = []string{"text/event-stream"}
	sseCacheCtl    = []string{"no-cache"}
	sseConnection  = []string{"keep-alive"}
	sseAccelBuf    = []string{"no"}
)

func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = sseContentType
	h["Cache-Control"] = sseCacheCtl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
}

// writeSSEData writes a single SSE data frame: "data: <payload>\n\n".
func writeSSEData(w http.ResponseWriter, data []byte) {
	w.Write(sseDataPrefix)
	w.Write(data)
	w.Write(sseNewline)
}

func writeSSEDone(w http.ResponseWriter) {
	w.Write(sseDone)
}

// writeSSEJSON marshals v into a single data frame. Used for the web status
// chunks that ride alongside content chunks.
func writeSSEJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode SSE frame", "error", err)
		return
	}
	writeSSEData(w, b)
}

// streamReply pumps a routed stream to the client as OpenAI-shaped
// chat.completion.chunk frames. Upstream chunks are re-framed rather than
// passed through: that strips provider fingerprints from the wire and gives
// restore a single place to invert obfuscation. A terminal finish chunk
// precedes [DONE]; beforeDone, when set, runs between the two (the web API
// injects its endpoints_refreshed frame there).
func (s *server) streamReply(w http.ResponseWriter, r *http.Request, reply *router.Reply, restore func(string) string, beforeDone func()) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.deps.Logger.Error("ResponseWriter does not implement http.Flusher")
		return
	}

	model := reply.Endpoint.Provider + "/" + reply.Endpoint.Model
	keepAlive := time.NewTicker(keepAliveEvery)
	defer keepAlive.Stop()

	finish := func() {
		writeSSEData(w, sseutil.BuildFinishChunk(reply.TurnID, model, "stop"))
		if beforeDone != nil {
			beforeDone()
		}
		writeSSEDone(w)
		flusher.Flush()
	}

	for {
		select {
		case chunk, open := <-reply.Stream:
			if !open || chunk.Done {
				finish()
				return
			}
			if chunk.Err != nil {
				s.deps.Logger.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("error", chunk.Err.Error()))
				finish()
				return
			}
			text := sseutil.ExtractText(chunk.Data)
			if text == "" {
				continue
			}
			if restore != nil {
				text = restore(text)
			}
			writeSSEData(w, sseutil.BuildDeltaChunk(reply.TurnID, model, map[string]any{"content": text}, ""))
			flusher.Flush()

		case <-keepAlive.C:
			w.Write(sseKeepAlive)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
