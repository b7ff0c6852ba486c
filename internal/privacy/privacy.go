// Package privacy implements the outbound privacy pipeline: PII scrubbing,
// reversible obfuscation backed by an in-memory mapping store, and the
// per-session privacy score. The scrubber and obfuscator are pluggable;
// the built-in baselines pass content through unchanged.
package privacy

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"

	veil "github.com/openanonymity/veil/internal"
)

const mappingCacheSize = 100_000

// Scrubber removes PII from outbound content. The returned bool reports
// whether anything was removed.
type Scrubber interface {
	Scrub(content string) (string, bool)
}

// Replacement is one reversible substitution produced by an Obfuscator.
type Replacement struct {
	Original   string
	Obfuscated string
}

// Obfuscator rewrites sensitive terms into placeholders that upstream
// providers see instead of the real content.
type Obfuscator interface {
	Obfuscate(content string) (string, []Replacement)
}

// NoopScrubber passes content through unchanged.
type NoopScrubber struct{}

func (NoopScrubber) Scrub(content string) (string, bool) { return content, false }

// NoopObfuscator passes content through unchanged.
type NoopObfuscator struct{}

func (NoopObfuscator) Obfuscate(content string) (string, []Replacement) { return content, nil }

// Mapping is a stored substitution, kept so responses can be restored.
type Mapping struct {
	ID         string
	SessionID  string
	Original   string
	Obfuscated string
	CreatedAt  time.Time
}

// Result reports what the pipeline did to a request.
type Result struct {
	PIIRemoved bool
	Obfuscated bool
}

// Pipeline applies scrubbing and obfuscation to requests and restores
// obfuscated terms in responses. Mappings live in a W-TinyLFU cache and
// expire with the session TTL; an explicit ClearSession drops them early.
type Pipeline struct {
	scrubber   Scrubber
	obfuscator Obfuscator
	mappings   *otter.Cache[string, []Mapping]
}

// NewPipeline builds a Pipeline. Nil scrubber or obfuscator selects the
// pass-through baseline.
func NewPipeline(s Scrubber, o Obfuscator) (*Pipeline, error) {
	if s == nil {
		s = NoopScrubber{}
	}
	if o == nil {
		o = NoopObfuscator{}
	}
	c, err := otter.New[string, []Mapping](&otter.Options[string, []Mapping]{
		MaximumSize:      mappingCacheSize,
		ExpiryCalculator: otter.ExpiryWriting[string, []Mapping](veil.SessionTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create mapping cache: %w", err)
	}
	return &Pipeline{scrubber: s, obfuscator: o, mappings: c}, nil
}

// ProcessRequest scrubs and obfuscates every message according to the
// request's privacy flags. Stateful callers pass their session id so
// ProcessResponse can restore the reply; stateless queries pass "" and
// produce no stored mappings.
func (p *Pipeline) ProcessRequest(sessionID string, msgs []veil.Message, piiRemoval, obfuscate bool) ([]veil.Message, Result) {
	out := make([]veil.Message, len(msgs))
	var res Result
	var produced []Mapping
	now := time.Now()

	for i, m := range msgs {
		content := m.Content
		if piiRemoval {
			var removed bool
			content, removed = p.scrubber.Scrub(content)
			if removed {
				res.PIIRemoved = true
			}
		}
		var reps []Replacement
		if obfuscate {
			content, reps = p.obfuscator.Obfuscate(content)
		}
		if len(reps) > 0 {
			res.Obfuscated = true
			if sessionID != "" {
				for _, r := range reps {
					produced = append(produced, Mapping{
						ID:         uuid.NewString(),
						SessionID:  sessionID,
						Original:   r.Original,
						Obfuscated: r.Obfuscated,
						CreatedAt:  now,
					})
				}
			}
		}
		out[i] = veil.Message{Role: m.Role, Content: content}
	}

	if len(produced) > 0 {
		existing, _ := p.mappings.GetIfPresent(sessionID)
		p.mappings.Set(sessionID, append(existing, produced...))
	}
	return out, res
}

// ProcessResponse restores obfuscated terms in a reply using the session's
// stored mappings. Unknown sessions and stateless replies pass through.
func (p *Pipeline) ProcessResponse(sessionID, content string) string {
	if sessionID == "" {
		return content
	}
	mappings, ok := p.mappings.GetIfPresent(sessionID)
	if !ok {
		return content
	}
	for _, m := range mappings {
		content = strings.ReplaceAll(content, m.Obfuscated, m.Original)
	}
	return content
}

// SessionMappings returns the stored mappings for a session.
func (p *Pipeline) SessionMappings(sessionID string) []Mapping {
	mappings, _ := p.mappings.GetIfPresent(sessionID)
	return mappings
}

// ClearSession drops a session's mappings ahead of their TTL.
func (p *Pipeline) ClearSession(sessionID string) {
	p.mappings.Invalidate(sessionID)
}

// Score computes the privacy score reported on stateful responses. The base
// is 0.5; scrubbing and obfuscation raise it, long conversations erode it.
func Score(piiRemoved, obfuscated bool, messageCount int) float64 {
	score := 0.5
	if piiRemoved {
		score += 0.2
	}
	if obfuscated {
		score += 0.3
	}
	score -= min(0.01*float64(messageCount), 0.2)
	return min(max(score, 0), 1)
}
