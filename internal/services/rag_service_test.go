package services

import (
	"context"
	"strings"
	"testing"

	"github.com/aihub/rag-pipeline/internal/config"
	apperrors "github.com/aihub/rag-pipeline/internal/errors"
	"github.com/aihub/rag-pipeline/internal/knowledge"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockGenerator 模拟生成模型
type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Complete(ctx context.Context, prompt string) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

func newTestRAG(t *testing.T, generator knowledge.Generator, rerank config.RerankConfig) (*RAGService, *testPipeline) {
	t.Helper()
	tp := newTestPipeline(t, nil)
	tp.extractor.texts["/docs/a.txt"] = "refund policy allows returns within thirty days of purchase"
	tp.extractor.texts["/docs/b.txt"] = "shipping takes five business days for domestic orders"
	summary := tp.orch.ProcessBatch(context.Background(), 1, []PipelineInput{
		{DocumentID: 1, FilePath: "/docs/a.txt"},
		{DocumentID: 2, FilePath: "/docs/b.txt"},
	})
	require.Equal(t, 2, summary.Succeeded)

	embedder := tp.orch.deps.Embedder
	engine := knowledge.NewRetrievalEngine(tp.index, embedder, config.SearchConfig{DefaultResults: 5, MaxResults: 50, Threshold: 0.1})
	svc := NewRAGService(engine, knowledge.NewReranker(embedder), generator, rerank, tp.orch.deps.Metrics)
	return svc, tp
}

func TestRAGService_AskSuccess(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Complete", mock.Anything, mock.MatchedBy(func(prompt string) bool {
		return strings.Contains(prompt, "[1] refund policy") &&
			strings.Contains(prompt, "Question: refund policy returns")
	})).Return("Returns are accepted within thirty days.", nil)

	svc, tp := newTestRAG(t, gen, config.RerankConfig{Method: "similarity"})
	result, err := svc.Ask(context.Background(), AskRequest{ProjectID: 1, Question: "refund policy returns"})
	require.NoError(t, err)

	assert.Equal(t, AnswerSuccess, result.Status)
	assert.Equal(t, "Returns are accepted within thirty days.", result.Answer)
	require.NotEmpty(t, result.Contexts)
	assert.Equal(t, uint(1), result.Contexts[0].DocumentID)
	gen.AssertExpectations(t)

	assert.Equal(t, 1.0, testutil.ToFloat64(tp.orch.deps.Metrics.answersTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tp.orch.deps.Metrics.searchesTotal.WithLabelValues("ok")))
}

func TestRAGService_NoContext(t *testing.T) {
	gen := new(MockGenerator)
	svc, _ := newTestRAG(t, gen, config.RerankConfig{Method: "similarity"})

	threshold := 0.99
	result, err := svc.Ask(context.Background(), AskRequest{ProjectID: 1, Question: "weather forecast", Threshold: &threshold})
	require.NoError(t, err)
	assert.Equal(t, AnswerNoContext, result.Status)
	assert.Empty(t, result.Contexts)
	gen.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestRAGService_NoProvider(t *testing.T) {
	svc, _ := newTestRAG(t, nil, config.RerankConfig{Method: "similarity"})

	result, err := svc.Ask(context.Background(), AskRequest{ProjectID: 1, Question: "shipping days"})
	require.NoError(t, err)
	assert.Equal(t, AnswerNoProvider, result.Status)
	assert.NotEmpty(t, result.Contexts)
	assert.Empty(t, result.Answer)
}

func TestRAGService_GenerationFailed(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Complete", mock.Anything, mock.Anything).Return("", apperrors.NewGenerationError("rate limited"))

	svc, _ := newTestRAG(t, gen, config.RerankConfig{Method: "similarity"})
	result, err := svc.Ask(context.Background(), AskRequest{ProjectID: 1, Question: "shipping days"})
	require.NoError(t, err)
	assert.Equal(t, AnswerFailed, result.Status)
	assert.Equal(t, "rate limited", result.Error)
	assert.NotEmpty(t, result.Contexts)
}

func TestRAGService_RerankAndValidation(t *testing.T) {
	svc, _ := newTestRAG(t, nil, config.RerankConfig{Enabled: true, Method: "similarity", TopN: 1})

	results, err := svc.Search(context.Background(), knowledge.SearchRequest{ProjectScopeID: 1, Query: "shipping orders"}, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].RerankScore)
	assert.Equal(t, uint(2), results[0].DocumentID)

	_, err = svc.Ask(context.Background(), AskRequest{ProjectID: 1, Question: "  "})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationFailed))

	bad, _ := newTestRAG(t, nil, config.RerankConfig{Method: "bm25"})
	_, err = bad.Search(context.Background(), knowledge.SearchRequest{ProjectScopeID: 1, Query: "shipping"}, true)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationFailed))
}
