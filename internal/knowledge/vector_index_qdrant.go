package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/aihub/rag-pipeline/internal/errors"
	"github.com/google/uuid"
)

// QdrantOptions Qdrant客户端配置
type QdrantOptions struct {
	Endpoint   string
	APIKey     string
	Collection string
	Dimension  int
	UseTLS     bool
	Timeout    time.Duration
}

// QdrantIndex 通过 Qdrant REST 接口实现 VectorIndex，写操作均带 wait=true
type QdrantIndex struct {
	client     *http.Client
	endpoint   string
	apiKey     string
	collection string
	dimension  int
}

type qdrantPoint struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

type qdrantScoredPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

const (
	qdrantEntryIDKey  = "entry_id"
	qdrantTextKey     = "text"
	qdrantMetadataKey = "metadata"
)

// NewQdrantIndex 连接 Qdrant，集合不存在时创建，已存在时校验维度
func NewQdrantIndex(ctx context.Context, opts QdrantOptions) (*QdrantIndex, error) {
	if opts.Dimension <= 0 {
		return nil, apperrors.NewValidationError("index dimension must be positive, got %d", opts.Dimension)
	}
	scheme := "http"
	if opts.UseTLS {
		scheme = "https"
	}
	if opts.Endpoint == "" {
		opts.Endpoint = fmt.Sprintf("%s://localhost:6333", scheme)
	}
	if !strings.HasPrefix(opts.Endpoint, "http") {
		opts.Endpoint = fmt.Sprintf("%s://%s", scheme, opts.Endpoint)
	}
	if opts.Collection == "" {
		opts.Collection = "document_chunks"
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	q := &QdrantIndex{
		client:     &http.Client{Timeout: timeout},
		endpoint:   strings.TrimSuffix(opts.Endpoint, "/"),
		apiKey:     opts.APIKey,
		collection: opts.Collection,
		dimension:  opts.Dimension,
	}
	if err := q.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// pointID Qdrant 只接受 uint64 或 UUID 作为点 id，原始 id 存在 payload 中
func pointID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	var info struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	status, err := q.call(ctx, http.MethodGet, q.collectionPath(""), nil, &info)
	if err == nil {
		if size := info.Result.Config.Params.Vectors.Size; size != q.dimension {
			return apperrors.NewIndexError("collection %s was built with dimension %d, provider has %d",
				q.collection, size, q.dimension)
		}
		return nil
	}
	if status != http.StatusNotFound {
		return err
	}

	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     q.dimension,
			"distance": "Cosine",
		},
	}
	_, err = q.call(ctx, http.MethodPut, q.collectionPath(""), body, nil)
	return err
}

func (q *QdrantIndex) collectionPath(suffix string) string {
	return fmt.Sprintf("/collections/%s%s", q.collection, suffix)
}

func (q *QdrantIndex) Add(ctx context.Context, entries []IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := validateEntries(entries, q.dimension); err != nil {
		return err
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = pointID(e.ID)
	}
	var existing struct {
		Result []qdrantScoredPoint `json:"result"`
	}
	body := map[string]interface{}{"ids": ids, "with_payload": true, "with_vector": false}
	if _, err := q.call(ctx, http.MethodPost, q.collectionPath("/points"), body, &existing); err != nil {
		return err
	}
	if len(existing.Result) > 0 {
		id, _ := existing.Result[0].Payload[qdrantEntryIDKey].(string)
		return apperrors.NewIndexError("id %q already exists, use update to overwrite", id)
	}
	return q.upsert(ctx, entries)
}

func (q *QdrantIndex) Update(ctx context.Context, entries []IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := validateEntries(entries, q.dimension); err != nil {
		return err
	}
	return q.upsert(ctx, entries)
}

func (q *QdrantIndex) upsert(ctx context.Context, entries []IndexEntry) error {
	points := make([]qdrantPoint, len(entries))
	for i, e := range entries {
		points[i] = qdrantPoint{
			ID:     pointID(e.ID),
			Vector: e.Vector,
			Payload: map[string]interface{}{
				qdrantEntryIDKey:  e.ID,
				qdrantTextKey:     e.Text,
				qdrantMetadataKey: e.Metadata,
			},
		}
	}
	_, err := q.call(ctx, http.MethodPut, q.collectionPath("/points?wait=true"), map[string]interface{}{"points": points}, nil)
	return err
}

func (q *QdrantIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	points := make([]string, len(ids))
	for i, id := range ids {
		points[i] = pointID(id)
	}
	_, err := q.call(ctx, http.MethodPost, q.collectionPath("/points/delete?wait=true"), map[string]interface{}{"points": points}, nil)
	return err
}

func (q *QdrantIndex) Query(ctx context.Context, vector []float32, n int, filter MetadataFilter) ([]QueryResult, error) {
	if len(vector) != q.dimension {
		return nil, apperrors.NewIndexError("query vector has dimension %d, collection expects %d", len(vector), q.dimension)
	}
	if n <= 0 {
		return []QueryResult{}, nil
	}

	body := map[string]interface{}{
		"vector":       vector,
		"limit":        n,
		"with_payload": true,
		"with_vector":  false,
	}
	if len(filter) > 0 {
		body["filter"] = qdrantFilter(filter)
	}

	var resp struct {
		Result []qdrantScoredPoint `json:"result"`
	}
	if _, err := q.call(ctx, http.MethodPost, q.collectionPath("/points/search"), body, &resp); err != nil {
		return nil, err
	}

	results := make([]QueryResult, 0, len(resp.Result))
	for _, item := range resp.Result {
		id, _ := item.Payload[qdrantEntryIDKey].(string)
		text, _ := item.Payload[qdrantTextKey].(string)
		metadata, _ := item.Payload[qdrantMetadataKey].(map[string]interface{})
		results = append(results, QueryResult{ID: id, Text: text, Metadata: metadata, Distance: clampDistance(1 - item.Score)})
	}
	return sortByDistance(results, n), nil
}

// qdrantFilter 整数与字符串用 match，非整数浮点用闭区间 range
func qdrantFilter(filter MetadataFilter) map[string]interface{} {
	must := make([]map[string]interface{}, 0, len(filter))
	for key, value := range filter {
		cond := map[string]interface{}{"key": qdrantMetadataKey + "." + key}
		norm, _ := normalizeScalar(value)
		if f, ok := norm.(float64); ok && f != math.Trunc(f) {
			cond["range"] = map[string]interface{}{"gte": f, "lte": f}
		} else if ok {
			cond["match"] = map[string]interface{}{"value": int64(f)}
		} else {
			cond["match"] = map[string]interface{}{"value": norm}
		}
		must = append(must, cond)
	}
	return map[string]interface{}{"must": must}
}

func (q *QdrantIndex) Count(ctx context.Context) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if _, err := q.call(ctx, http.MethodPost, q.collectionPath("/points/count"), map[string]interface{}{"exact": true}, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

func (q *QdrantIndex) Info(ctx context.Context) (IndexInfo, error) {
	count, err := q.Count(ctx)
	if err != nil {
		return IndexInfo{}, err
	}
	return IndexInfo{Backend: "qdrant", Collection: q.collection, Dimension: q.dimension, Count: count}, nil
}

func (q *QdrantIndex) Close() error {
	q.client.CloseIdleConnections()
	return nil
}

// call 发送请求并解码 JSON 响应，非 2xx 时返回 IndexError 与状态码
func (q *QdrantIndex) call(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, apperrors.NewIndexError("encode qdrant request").WithCause(err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.endpoint+path, reader)
	if err != nil {
		return 0, apperrors.NewIndexError("build qdrant request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return 0, apperrors.NewIndexError("qdrant %s %s", method, path).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, apperrors.NewIndexError("qdrant %s %s failed: %s %s", method, path, resp.Status, string(raw))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, apperrors.NewIndexError("decode qdrant response").WithCause(err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}
