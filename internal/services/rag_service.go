package services

import (
	"context"

	"github.com/aihub/rag-pipeline/internal/config"
	"github.com/aihub/rag-pipeline/internal/knowledge"
	"github.com/aihub/rag-pipeline/internal/logger"
	"go.uber.org/zap"
)

// AnswerStatus 问答结果状态
type AnswerStatus string

const (
	AnswerNoContext  AnswerStatus = "no_context"
	AnswerNoProvider AnswerStatus = "no_provider"
	AnswerSuccess    AnswerStatus = "success"
	AnswerFailed     AnswerStatus = "failed"
)

// AskRequest 问答请求
type AskRequest struct {
	ProjectID uint     `json:"project_id"`
	Question  string   `json:"question"`
	NResults  int      `json:"n_results,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	// Rerank 为 nil 时按配置决定
	Rerank *bool `json:"rerank,omitempty"`
}

// AskResult 问答结果，检索到的分块总会返回
type AskResult struct {
	Status   AnswerStatus             `json:"status"`
	Answer   string                   `json:"answer,omitempty"`
	Contexts []knowledge.SearchResult `json:"contexts"`
	Error    string                   `json:"error,omitempty"`
}

// RAGService 检索 → 重排 → 拼装提示词 → 生成
type RAGService struct {
	engine    *knowledge.RetrievalEngine
	reranker  *knowledge.Reranker
	generator knowledge.Generator
	rerank    config.RerankConfig
	metrics   *PipelineMetrics
	log       *zap.Logger
}

// NewRAGService generator 可以为空，此时只返回检索结果
func NewRAGService(engine *knowledge.RetrievalEngine, reranker *knowledge.Reranker, generator knowledge.Generator,
	rerank config.RerankConfig, metrics *PipelineMetrics) *RAGService {
	return &RAGService{
		engine:    engine,
		reranker:  reranker,
		generator: generator,
		rerank:    rerank,
		metrics:   metrics,
		log:       logger.Named("rag"),
	}
}

// Search 检索并按需重排
func (s *RAGService) Search(ctx context.Context, req knowledge.SearchRequest, rerank bool) ([]knowledge.SearchResult, error) {
	results, err := s.engine.Search(ctx, req)
	s.metrics.SearchServed(len(results), err)
	if err != nil {
		return nil, err
	}
	if !rerank || s.reranker == nil || len(results) == 0 {
		return results, nil
	}

	method, err := knowledge.ParseRerankMethod(s.rerank.Method)
	if err != nil {
		return nil, err
	}
	return s.reranker.RerankSearchResults(ctx, req.Query, results, method, s.rerank.TopN)
}

// Ask 基于项目内检索到的分块回答问题
func (s *RAGService) Ask(ctx context.Context, req AskRequest) (*AskResult, error) {
	rerank := s.rerank.Enabled
	if req.Rerank != nil {
		rerank = *req.Rerank
	}
	contexts, err := s.Search(ctx, knowledge.SearchRequest{
		ProjectScopeID: req.ProjectID,
		Query:          req.Question,
		NResults:       req.NResults,
		Threshold:      req.Threshold,
	}, rerank)
	if err != nil {
		return nil, err
	}

	result := &AskResult{Contexts: contexts}
	switch {
	case len(contexts) == 0:
		result.Status = AnswerNoContext
	case s.generator == nil:
		result.Status = AnswerNoProvider
	default:
		answer, genErr := s.generator.Complete(ctx, knowledge.BuildPrompt(req.Question, contexts))
		if genErr != nil {
			s.log.Warn("answer generation failed", zap.Uint("project_id", req.ProjectID), zap.Error(genErr))
			result.Status = AnswerFailed
			result.Error = genErr.Error()
		} else {
			result.Status = AnswerSuccess
			result.Answer = answer
		}
	}
	s.metrics.AnswerServed(result.Status)
	return result, nil
}
