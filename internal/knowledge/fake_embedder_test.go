package knowledge

import (
	"context"
	"strings"
	"sync"
)

// vocabEmbedder 每个不同的词占用一个维度，词袋计数，结果可预期且无碰撞
type vocabEmbedder struct {
	mu     sync.Mutex
	dim    int
	vocab  map[string]int
	calls  int
	failOn func(call int, texts []string) error
}

func newVocabEmbedder(dim int) *vocabEmbedder {
	return &vocabEmbedder{dim: dim, vocab: make(map[string]int)}
}

func (e *vocabEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.failOn != nil {
		if err := e.failOn(e.calls, texts); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.vectorLocked(text)
	}
	return out, nil
}

func (e *vocabEmbedder) vectorLocked(text string) []float32 {
	vec := make([]float32, e.dim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'")
		if word == "" {
			continue
		}
		idx, ok := e.vocab[word]
		if !ok {
			idx = len(e.vocab) % e.dim
			e.vocab[word] = idx
		}
		vec[idx]++
	}
	return vec
}

func (e *vocabEmbedder) Dimensions() int { return e.dim }

func (e *vocabEmbedder) Name() string { return "vocab" }

func (e *vocabEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}
