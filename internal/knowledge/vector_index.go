package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	apperrors "github.com/aihub/rag-pipeline/internal/errors"
)

// IndexEntry 向量索引中的一条记录
type IndexEntry struct {
	ID       string                 `json:"id"`
	Vector   []float32              `json:"vector"`
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// QueryResult 最近邻查询结果，Distance 为余弦距离 [0,2]
type QueryResult struct {
	ID       string
	Text     string
	Metadata map[string]interface{}
	Distance float64
}

// MetadataFilter 精确匹配过滤，多个键之间为 AND
type MetadataFilter map[string]interface{}

// IndexInfo 索引概况
type IndexInfo struct {
	Backend    string `json:"backend"`
	Collection string `json:"collection"`
	Dimension  int    `json:"dimension"`
	Count      int    `json:"count"`
}

// VectorIndex 向量索引抽象。写操作返回成功时必须已持久化；
// 实现自身负责并发读写的安全。
type VectorIndex interface {
	// Add 新增记录，已存在的 id 返回 IndexError
	Add(ctx context.Context, entries []IndexEntry) error
	// Update 按 id upsert
	Update(ctx context.Context, entries []IndexEntry) error
	Delete(ctx context.Context, ids []string) error
	// Query 返回按距离升序的最多 n 条记录
	Query(ctx context.Context, vector []float32, n int, filter MetadataFilter) ([]QueryResult, error)
	Count(ctx context.Context) (int, error)
	Info(ctx context.Context) (IndexInfo, error)
	Close() error
}

// ChunkVectorID 分块在索引中的 id
func ChunkVectorID(chunkID uint) string {
	return fmt.Sprintf("chunk_%d", chunkID)
}

// validateEntries 检查 id、维度与元数据类型
func validateEntries(entries []IndexEntry, dim int) error {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			return apperrors.NewValidationError("index entry id is empty")
		}
		if _, dup := seen[e.ID]; dup {
			return apperrors.NewIndexError("duplicate id %q in batch", e.ID)
		}
		seen[e.ID] = struct{}{}
		if len(e.Vector) != dim {
			return apperrors.NewIndexError("entry %q has dimension %d, collection expects %d", e.ID, len(e.Vector), dim)
		}
		for k, v := range e.Metadata {
			if _, ok := normalizeScalar(v); !ok {
				return apperrors.NewValidationError("metadata %q of entry %q is not a scalar", k, e.ID)
			}
		}
	}
	return nil
}

// normalizeScalar 数值统一为 float64，使 uint 与 JSON 解码后的 float64 可比较
func normalizeScalar(v interface{}) (interface{}, bool) {
	switch x := v.(type) {
	case nil:
		return nil, true
	case string, bool:
		return x, true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return nil, false
	}
}

// Matches 判断元数据是否满足过滤条件
func (f MetadataFilter) Matches(metadata map[string]interface{}) bool {
	for key, want := range f {
		got, ok := metadata[key]
		if !ok {
			return false
		}
		nw, okW := normalizeScalar(want)
		ng, okG := normalizeScalar(got)
		if !okW || !okG || nw != ng {
			return false
		}
	}
	return true
}

// CosineSimilarity dot(a,b) / (|a||b| + eps)
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na)*math.Sqrt(nb) + 1e-10)
}

// CosineDistance 1 - cos，范围 [0,2]
func CosineDistance(a, b []float32) float64 {
	return clampDistance(1 - CosineSimilarity(a, b))
}

func clampDistance(d float64) float64 {
	if d < 0 {
		return 0
	}
	if d > 2 {
		return 2
	}
	return d
}

// sortByDistance 稳定排序并截断
func sortByDistance(results []QueryResult, n int) []QueryResult {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if n > 0 && len(results) > n {
		results = results[:n]
	}
	return results
}

// TextIndex 在 VectorIndex 之上接受原始文本：未给出向量时先向量化
type TextIndex struct {
	Index    VectorIndex
	Embedder *EmbeddingService
}

// AddTexts 对应 add(texts, ids, metadatas?, vectors?)
func (t *TextIndex) AddTexts(ctx context.Context, ids, texts []string, metadatas []map[string]interface{}, vectors [][]float32) error {
	entries, err := t.buildEntries(ctx, ids, texts, metadatas, vectors)
	if err != nil {
		return err
	}
	return t.Index.Add(ctx, entries)
}

// UpdateTexts upsert 版本
func (t *TextIndex) UpdateTexts(ctx context.Context, ids, texts []string, metadatas []map[string]interface{}, vectors [][]float32) error {
	entries, err := t.buildEntries(ctx, ids, texts, metadatas, vectors)
	if err != nil {
		return err
	}
	return t.Index.Update(ctx, entries)
}

// QueryText 以文本查询
func (t *TextIndex) QueryText(ctx context.Context, text string, n int, filter MetadataFilter) ([]QueryResult, error) {
	vector, err := t.Embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	return t.Index.Query(ctx, vector, n, filter)
}

func (t *TextIndex) buildEntries(ctx context.Context, ids, texts []string, metadatas []map[string]interface{}, vectors [][]float32) ([]IndexEntry, error) {
	if len(ids) != len(texts) {
		return nil, apperrors.NewValidationError("got %d ids for %d texts", len(ids), len(texts))
	}
	if metadatas != nil && len(metadatas) != len(texts) {
		return nil, apperrors.NewValidationError("got %d metadata entries for %d texts", len(metadatas), len(texts))
	}
	if vectors == nil {
		var err error
		if vectors, err = t.Embedder.Embed(ctx, texts, 0); err != nil {
			return nil, err
		}
	}
	if len(vectors) != len(texts) {
		return nil, apperrors.NewValidationError("got %d vectors for %d texts", len(vectors), len(texts))
	}

	entries := make([]IndexEntry, len(texts))
	for i := range texts {
		entries[i] = IndexEntry{ID: ids[i], Vector: vectors[i], Text: texts[i]}
		if metadatas != nil {
			entries[i].Metadata = metadatas[i]
		}
	}
	return entries, nil
}
