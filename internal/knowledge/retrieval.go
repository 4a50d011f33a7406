package knowledge

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/aihub/rag-pipeline/internal/config"
	apperrors "github.com/aihub/rag-pipeline/internal/errors"
	"github.com/aihub/rag-pipeline/internal/logger"
	"go.uber.org/zap"
)

// 索引条目上挂载的元数据键
const (
	MetaChunkID        = "chunk_id"
	MetaDocumentID     = "document_id"
	MetaProjectScopeID = "project_scope_id"
	MetaSequenceIndex  = "sequence_index"
	MetaTokenCount     = "token_count"
)

const (
	DefaultSearchResults = 5
	MaxSearchResults     = 50
)

// ChunkMetadata 构造分块向量的元数据
func ChunkMetadata(chunkID, documentID, projectID uint, sequenceIndex, tokenCount int) map[string]interface{} {
	return map[string]interface{}{
		MetaChunkID:        chunkID,
		MetaDocumentID:     documentID,
		MetaProjectScopeID: projectID,
		MetaSequenceIndex:  sequenceIndex,
		MetaTokenCount:     tokenCount,
	}
}

// SearchRequest 检索请求，Threshold 为 nil 时使用引擎默认阈值
type SearchRequest struct {
	ProjectScopeID uint
	Query          string
	NResults       int
	Threshold      *float64
}

// SearchResult 检索结果
type SearchResult struct {
	ChunkID         uint                   `json:"chunk_id"`
	DocumentID      uint                   `json:"document_id"`
	ProjectScopeID  uint                   `json:"project_scope_id"`
	Content         string                 `json:"content"`
	SimilarityScore float64                `json:"similarity_score"`
	RerankScore     *float64               `json:"rerank_score,omitempty"`
	Metadata        map[string]interface{} `json:"metadata"`
}

// RetrievalEngine 查询向量化 → 按项目过滤的近邻检索 → 阈值过滤
type RetrievalEngine struct {
	index          VectorIndex
	embedder       *EmbeddingService
	defaultResults int
	maxResults     int
	threshold      float64
	log            *zap.Logger
}

func NewRetrievalEngine(index VectorIndex, embedder *EmbeddingService, cfg config.SearchConfig) *RetrievalEngine {
	e := &RetrievalEngine{
		index:          index,
		embedder:       embedder,
		defaultResults: cfg.DefaultResults,
		maxResults:     cfg.MaxResults,
		threshold:      cfg.Threshold,
		log:            logger.Named("retrieval"),
	}
	if e.maxResults <= 0 {
		e.maxResults = MaxSearchResults
	}
	if e.defaultResults <= 0 || e.defaultResults > e.maxResults {
		e.defaultResults = DefaultSearchResults
	}
	return e
}

// clampResults 超出 [1,max] 时取默认值而不是报错
func (e *RetrievalEngine) clampResults(n int) int {
	if n < 1 || n > e.maxResults {
		return e.defaultResults
	}
	return n
}

func (e *RetrievalEngine) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, apperrors.NewValidationError("query cannot be empty")
	}
	threshold := e.threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, apperrors.NewValidationError("similarity threshold must be within [0,1], got %v", threshold)
	}
	n := e.clampResults(req.NResults)

	vector, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	candidates, err := e.index.Query(ctx, vector, n, MetadataFilter{MetaProjectScopeID: req.ProjectScopeID})
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(candidates))
	for _, c := range candidates {
		score := 1 - c.Distance
		if score < threshold {
			continue
		}
		results = append(results, SearchResult{
			ChunkID:         metaUint(c.Metadata, MetaChunkID),
			DocumentID:      metaUint(c.Metadata, MetaDocumentID),
			ProjectScopeID:  metaUint(c.Metadata, MetaProjectScopeID),
			Content:         c.Text,
			SimilarityScore: score,
			Metadata:        c.Metadata,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].SimilarityScore > results[j].SimilarityScore })

	e.log.Debug("检索完成",
		zap.Uint("project_scope_id", req.ProjectScopeID),
		zap.Int("n_results", n),
		zap.Int("candidates", len(candidates)),
		zap.Int("kept", len(results)),
		zap.Float64("threshold", threshold))
	return results, nil
}

func metaUint(metadata map[string]interface{}, key string) uint {
	switch v := metadata[key].(type) {
	case float64:
		return uint(v)
	case int:
		return uint(v)
	case int64:
		return uint(v)
	case uint:
		return v
	case uint64:
		return uint(v)
	case json.Number:
		n, _ := v.Int64()
		return uint(n)
	default:
		return 0
	}
}
