package knowledge

import (
	"context"
	"sort"
	"strings"

	apperrors "github.com/aihub/rag-pipeline/internal/errors"
)

// RerankMethod 重排序方法
type RerankMethod string

const (
	RerankSimilarity RerankMethod = "similarity"
)

// ParseRerankMethod 未知方法直接报错，不回退到默认值
func ParseRerankMethod(name string) (RerankMethod, error) {
	switch m := RerankMethod(strings.ToLower(strings.TrimSpace(name))); m {
	case RerankSimilarity:
		return m, nil
	default:
		return "", apperrors.NewValidationError("unknown rerank method %q", name)
	}
}

// RerankResult 重排序结果，Index 为文档在输入中的位置
type RerankResult struct {
	Index    int     `json:"index"`
	Document string  `json:"document"`
	Score    float64 `json:"score"`
	Rank     int     `json:"rank"`
}

// Reranker 对候选集重新打分并给出严格排序
type Reranker struct {
	embedder *EmbeddingService
}

func NewReranker(embedder *EmbeddingService) *Reranker {
	return &Reranker{embedder: embedder}
}

// Rerank 查询与每个文档各向量化一次，按余弦相似度降序稳定排序
func (r *Reranker) Rerank(ctx context.Context, query string, documents []string, method RerankMethod) ([]RerankResult, error) {
	if _, err := ParseRerankMethod(string(method)); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, apperrors.NewValidationError("rerank query cannot be empty")
	}
	if len(documents) == 0 {
		return []RerankResult{}, nil
	}

	queryVec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	docVecs, err := r.embedder.Embed(ctx, documents, 0)
	if err != nil {
		return nil, err
	}

	results := make([]RerankResult, len(documents))
	for i, doc := range documents {
		results[i] = RerankResult{Index: i, Document: doc, Score: CosineSimilarity(queryVec, docVecs[i])}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	for i := range results {
		results[i].Rank = i + 1
	}
	return results, nil
}

// RerankSearchResults 重排检索结果，topN 为 0 时不截断
func (r *Reranker) RerankSearchResults(ctx context.Context, query string, results []SearchResult, method RerankMethod, topN int) ([]SearchResult, error) {
	docs := make([]string, len(results))
	for i, res := range results {
		docs[i] = res.Content
	}
	ranked, err := r.Rerank(ctx, query, docs, method)
	if err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(ranked))
	for _, rr := range ranked {
		res := results[rr.Index]
		score := rr.Score
		res.RerankScore = &score
		out = append(out, res)
	}
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}
