package services

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aihub/rag-pipeline/internal/config"
	apperrors "github.com/aihub/rag-pipeline/internal/errors"
	"github.com/aihub/rag-pipeline/internal/knowledge"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const testDim = 32

// wordEmbedder 词袋向量，每个新词占一个维度
type wordEmbedder struct {
	mu     sync.Mutex
	vocab  map[string]int
	calls  int
	failOn func(call int, texts []string) error
}

func newWordEmbedder() *wordEmbedder {
	return &wordEmbedder{vocab: make(map[string]int)}
}

func (e *wordEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
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
		vec := make([]float32, testDim)
		for _, w := range strings.Fields(strings.ToLower(text)) {
			idx, ok := e.vocab[w]
			if !ok {
				idx = len(e.vocab) % testDim
				e.vocab[w] = idx
			}
			vec[idx]++
		}
		out[i] = vec
	}
	return out, nil
}

func (e *wordEmbedder) Dimensions() int { return testDim }

func (e *wordEmbedder) Name() string { return "words" }

// stubExtractor 按路径返回预设文本
type stubExtractor struct {
	mu    sync.Mutex
	texts map[string]string
	errs  map[string]error
	// failOnce 只在第一次调用时返回的错误
	failOnce map[string]error
	calls    int
}

func (s *stubExtractor) Extract(path, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err, ok := s.failOnce[path]; ok {
		delete(s.failOnce, path)
		return "", err
	}
	if err, ok := s.errs[path]; ok {
		return "", err
	}
	text, ok := s.texts[path]
	if !ok {
		return "", apperrors.NewNotFoundError("document file", path)
	}
	return text, nil
}

// flakyIndex 让 Add/Update 失败
type flakyIndex struct {
	knowledge.VectorIndex
	mu       sync.Mutex
	failures int
	writes   int
}

func (f *flakyIndex) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return apperrors.NewIndexError("index unavailable")
	}
	return nil
}

func (f *flakyIndex) Add(ctx context.Context, entries []knowledge.IndexEntry) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.VectorIndex.Add(ctx, entries)
}

func (f *flakyIndex) Update(ctx context.Context, entries []knowledge.IndexEntry) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.VectorIndex.Update(ctx, entries)
}

type testPipeline struct {
	orch      *PipelineOrchestrator
	index     knowledge.VectorIndex
	chunks    *MemoryChunkStore
	statuses  *MemoryStatusStore
	embedder  *wordEmbedder
	extractor *stubExtractor
	registry  *prometheus.Registry
}

func testChunkingConfig() config.ChunkingConfig {
	return config.ChunkingConfig{
		Strategy:          "size",
		ChunkSize:         40,
		ChunkOverlap:      0,
		MinChunkSize:      5,
		SentencesPerChunk: 3,
		SentenceOverlap:   1,
	}
}

func openIndex(t *testing.T) *knowledge.BoltIndex {
	t.Helper()
	idx, err := knowledge.OpenBoltIndex(filepath.Join(t.TempDir(), "index.db"), "chunks", testDim)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

// newTestPipeline wrap 可以替换索引
func newTestPipeline(t *testing.T, wrap func(knowledge.VectorIndex) knowledge.VectorIndex) *testPipeline {
	t.Helper()
	var index knowledge.VectorIndex = openIndex(t)
	if wrap != nil {
		index = wrap(index)
	}

	tp := &testPipeline{
		index:     index,
		chunks:    NewMemoryChunkStore(true),
		statuses:  NewMemoryStatusStore(),
		embedder:  newWordEmbedder(),
		extractor: &stubExtractor{texts: map[string]string{}, errs: map[string]error{}, failOnce: map[string]error{}},
		registry:  prometheus.NewRegistry(),
	}
	orch, err := NewPipelineOrchestrator(OrchestratorDeps{
		Extractor: tp.extractor,
		Chunker:   knowledge.NewChunker(knowledge.ApproxTokenCounter{}, knowledge.DelimiterSplitter{}),
		Embedder:  knowledge.NewEmbeddingService(tp.embedder, 2, 8),
		Index:     index,
		Chunks:    tp.chunks,
		Statuses:  tp.statuses,
		Metrics:   NewPipelineMetrics(tp.registry),
	}, testChunkingConfig(), config.PipelineConfig{
		MaxParallel:    2,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	tp.orch = orch
	return tp
}

func (tp *testPipeline) vectorsOf(t *testing.T, projectID, documentID uint) int {
	t.Helper()
	results, err := tp.index.Query(context.Background(), make([]float32, testDim), 1000, knowledge.MetadataFilter{
		knowledge.MetaProjectScopeID: projectID,
		knowledge.MetaDocumentID:     documentID,
	})
	require.NoError(t, err)
	return len(results)
}
