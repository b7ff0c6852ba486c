// Package decoy generates cover-traffic queries. Decoys are generic
// single-turn prompts drawn with crypto/rand so an upstream observer cannot
// predict or correlate them with the real query.
package decoy

import (
	"crypto/rand"
	"math/big"

	veil "github.com/openanonymity/veil/internal"
)

// prompts is the decoy pool. Every entry is deliberately bland: plausible
// as a real user query, revealing nothing if logged upstream.
var prompts = []string{
	"What's the weather like today?",
	"Can you explain quantum computing?",
	"Tell me a joke",
	"What are the benefits of exercise?",
	"How do I make pasta?",
	"What is machine learning?",
	"Explain photosynthesis",
	"What are some good books to read?",
	"How does the internet work?",
	"What is the capital of France?",
	"Tell me about space exploration",
	"How do computers work?",
	"What is artificial intelligence?",
	"Explain climate change",
	"What are healthy eating habits?",
}

// DefaultCount is the number of decoys mixed into a stateless query when the
// caller does not override it.
const DefaultCount = 2

// PoolSize returns the number of distinct decoy prompts.
func PoolSize() int { return len(prompts) }

// Generate returns count decoy conversations, each a single user turn with
// a prompt drawn uniformly from the pool without replacement (falling back
// to replacement if count exceeds the pool).
func Generate(count int) ([][]veil.Message, error) {
	if count <= 0 {
		return nil, nil
	}

	picked, err := pickIndices(count)
	if err != nil {
		return nil, err
	}
	out := make([][]veil.Message, len(picked))
	for i, idx := range picked {
		out[i] = []veil.Message{{Role: "user", Content: prompts[idx]}}
	}
	return out, nil
}

func pickIndices(count int) ([]int, error) {
	if count >= len(prompts) {
		// Degenerate ask: every prompt once, then uniform with replacement.
		out := make([]int, count)
		for i := range out {
			if i < len(prompts) {
				out[i] = i
				continue
			}
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(prompts))))
			if err != nil {
				return nil, err
			}
			out[i] = int(n.Int64())
		}
		return out, nil
	}

	remaining := make([]int, len(prompts))
	for i := range remaining {
		remaining[i] = i
	}
	out := make([]int, 0, count)
	for len(out) < count {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(remaining))))
		if err != nil {
			return nil, err
		}
		i := int(n.Int64())
		out = append(out, remaining[i])
		remaining = append(remaining[:i], remaining[i+1:]...)
	}
	return out, nil
}
