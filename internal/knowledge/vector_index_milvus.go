package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/aihub/rag-pipeline/internal/errors"
	"github.com/aihub/rag-pipeline/internal/logger"
	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"
)

// MilvusOptions Milvus客户端配置
type MilvusOptions struct {
	Address    string
	Username   string
	Password   string
	Database   string
	Collection string
	Dimension  int
	UseTLS     bool
	Timeout    time.Duration
}

const (
	milvusIDField       = "id"
	milvusTextField     = "document_text"
	milvusMetadataField = "metadata"
	milvusVectorField   = "vector"
	milvusMaxText       = 65535
)

// MilvusIndex 基于 Milvus 的 VectorIndex，HNSW + COSINE
type MilvusIndex struct {
	client     client.Client
	collection string
	dimension  int
}

// NewMilvusIndex 连接 Milvus 并确保集合存在且已加载
func NewMilvusIndex(ctx context.Context, opts MilvusOptions) (*MilvusIndex, error) {
	if opts.Address == "" {
		opts.Address = "localhost:19530"
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	c, err := client.NewClient(dialCtx, client.Config{
		Address:       opts.Address,
		DBName:        opts.Database,
		Username:      opts.Username,
		Password:      opts.Password,
		EnableTLSAuth: opts.UseTLS,
	})
	if err != nil {
		return nil, apperrors.NewIndexError("connect milvus %s", opts.Address).WithCause(err)
	}

	idx, err := newMilvusIndex(ctx, c, opts.Collection, opts.Dimension)
	if err != nil {
		c.Close()
		return nil, err
	}
	return idx, nil
}

func newMilvusIndex(ctx context.Context, c client.Client, collection string, dimension int) (*MilvusIndex, error) {
	if dimension <= 0 {
		return nil, apperrors.NewValidationError("index dimension must be positive, got %d", dimension)
	}
	if collection == "" {
		collection = "document_chunks"
	}
	m := &MilvusIndex{client: c, collection: collection, dimension: dimension}
	if err := m.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MilvusIndex) ensureCollection(ctx context.Context) error {
	exists, err := m.client.HasCollection(ctx, m.collection)
	if err != nil {
		return apperrors.NewIndexError("check milvus collection %s", m.collection).WithCause(err)
	}

	if exists {
		coll, err := m.client.DescribeCollection(ctx, m.collection)
		if err != nil {
			return apperrors.NewIndexError("describe milvus collection %s", m.collection).WithCause(err)
		}
		for _, field := range coll.Schema.Fields {
			if field.Name != milvusVectorField {
				continue
			}
			if dim, _ := strconv.Atoi(field.TypeParams[entity.TypeParamDim]); dim != m.dimension {
				return apperrors.NewIndexError("collection %s was built with dimension %d, provider has %d",
					m.collection, dim, m.dimension)
			}
		}
	} else {
		schema := &entity.Schema{
			CollectionName: m.collection,
			Description:    "document chunk embeddings",
			Fields: []*entity.Field{
				{
					Name:       milvusIDField,
					DataType:   entity.FieldTypeVarChar,
					PrimaryKey: true,
					AutoID:     false,
					TypeParams: map[string]string{entity.TypeParamMaxLength: "256"},
				},
				{
					Name:       milvusTextField,
					DataType:   entity.FieldTypeVarChar,
					TypeParams: map[string]string{entity.TypeParamMaxLength: strconv.Itoa(milvusMaxText)},
				},
				{
					Name:     milvusMetadataField,
					DataType: entity.FieldTypeJSON,
				},
				{
					Name:       milvusVectorField,
					DataType:   entity.FieldTypeFloatVector,
					TypeParams: map[string]string{entity.TypeParamDim: strconv.Itoa(m.dimension)},
				},
			},
		}
		if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			return apperrors.NewIndexError("create milvus collection %s", m.collection).WithCause(err)
		}

		index, err := entity.NewIndexHNSW(entity.COSINE, 8, 64)
		if err != nil {
			return apperrors.NewIndexError("build hnsw index params").WithCause(err)
		}
		if err := m.client.CreateIndex(ctx, m.collection, milvusVectorField, index, false); err != nil {
			return apperrors.NewIndexError("create milvus index on %s", m.collection).WithCause(err)
		}
		logger.Info("创建 Milvus 集合", zap.String("collection", m.collection), zap.Int("dimension", m.dimension))
	}

	if err := m.client.LoadCollection(ctx, m.collection, false); err != nil {
		return apperrors.NewIndexError("load milvus collection %s", m.collection).WithCause(err)
	}
	return nil
}

func (m *MilvusIndex) Add(ctx context.Context, entries []IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := validateEntries(entries, m.dimension); err != nil {
		return err
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	existing, err := m.client.QueryByPks(ctx, m.collection, nil,
		entity.NewColumnVarChar(milvusIDField, ids), []string{milvusIDField})
	if err != nil {
		return apperrors.NewIndexError("check existing ids in %s", m.collection).WithCause(err)
	}
	if col := existing.GetColumn(milvusIDField); col != nil && col.Len() > 0 {
		dup, _ := col.GetAsString(0)
		return apperrors.NewIndexError("id %q already exists, use update to overwrite", dup)
	}
	return m.write(ctx, entries, m.client.Insert)
}

func (m *MilvusIndex) Update(ctx context.Context, entries []IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := validateEntries(entries, m.dimension); err != nil {
		return err
	}
	return m.write(ctx, entries, m.client.Upsert)
}

type milvusWriteFunc func(ctx context.Context, collName, partitionName string, columns ...entity.Column) (entity.Column, error)

func (m *MilvusIndex) write(ctx context.Context, entries []IndexEntry, fn milvusWriteFunc) error {
	ids := make([]string, len(entries))
	texts := make([]string, len(entries))
	metas := make([][]byte, len(entries))
	vectors := make([][]float32, len(entries))
	for i, e := range entries {
		if len(e.Text) > milvusMaxText {
			return apperrors.NewIndexError("entry %q text exceeds %d bytes", e.ID, milvusMaxText)
		}
		meta := e.Metadata
		if meta == nil {
			meta = map[string]interface{}{}
		}
		raw, err := json.Marshal(meta)
		if err != nil {
			return apperrors.NewIndexError("encode metadata of %q", e.ID).WithCause(err)
		}
		ids[i], texts[i], metas[i], vectors[i] = e.ID, e.Text, raw, e.Vector
	}

	_, err := fn(ctx, m.collection, "",
		entity.NewColumnVarChar(milvusIDField, ids),
		entity.NewColumnVarChar(milvusTextField, texts),
		entity.NewColumnJSONBytes(milvusMetadataField, metas),
		entity.NewColumnFloatVector(milvusVectorField, m.dimension, vectors),
	)
	if err != nil {
		return apperrors.NewIndexError("milvus write to %s", m.collection).WithCause(err)
	}
	return m.flush(ctx)
}

func (m *MilvusIndex) flush(ctx context.Context) error {
	if err := m.client.Flush(ctx, m.collection, false); err != nil {
		return apperrors.NewIndexError("flush milvus collection %s", m.collection).WithCause(err)
	}
	return nil
}

func (m *MilvusIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = strconv.Quote(id)
	}
	expr := fmt.Sprintf("%s in [%s]", milvusIDField, strings.Join(quoted, ","))
	if err := m.client.Delete(ctx, m.collection, "", expr); err != nil {
		return apperrors.NewIndexError("milvus delete from %s", m.collection).WithCause(err)
	}
	return m.flush(ctx)
}

func (m *MilvusIndex) Query(ctx context.Context, vector []float32, n int, filter MetadataFilter) ([]QueryResult, error) {
	if len(vector) != m.dimension {
		return nil, apperrors.NewIndexError("query vector has dimension %d, collection expects %d", len(vector), m.dimension)
	}
	if n <= 0 {
		return []QueryResult{}, nil
	}

	ef := 64
	if n > ef {
		ef = n
	}
	sp, err := entity.NewIndexHNSWSearchParam(ef)
	if err != nil {
		return nil, apperrors.NewIndexError("build search params").WithCause(err)
	}

	searchResults, err := m.client.Search(
		ctx,
		m.collection,
		[]string{},
		milvusFilterExpr(filter),
		[]string{milvusTextField, milvusMetadataField},
		[]entity.Vector{entity.FloatVector(vector)},
		milvusVectorField,
		entity.COSINE,
		n,
		sp,
	)
	if err != nil {
		return nil, apperrors.NewIndexError("milvus search in %s", m.collection).WithCause(err)
	}
	if len(searchResults) == 0 {
		return []QueryResult{}, nil
	}
	result := searchResults[0]
	if result.Err != nil {
		return nil, apperrors.NewIndexError("milvus search in %s", m.collection).WithCause(result.Err)
	}

	var texts []string
	var metas [][]byte
	if col, ok := result.Fields.GetColumn(milvusTextField).(*entity.ColumnVarChar); ok {
		texts = col.Data()
	}
	if col, ok := result.Fields.GetColumn(milvusMetadataField).(*entity.ColumnJSONBytes); ok {
		metas = col.Data()
	}

	results := make([]QueryResult, 0, result.ResultCount)
	for i := 0; i < result.ResultCount; i++ {
		id, err := result.IDs.GetAsString(i)
		if err != nil {
			return nil, apperrors.NewIndexError("read milvus result id").WithCause(err)
		}
		r := QueryResult{ID: id}
		if i < len(texts) {
			r.Text = texts[i]
		}
		if i < len(metas) && len(metas[i]) > 0 {
			if err := json.Unmarshal(metas[i], &r.Metadata); err != nil {
				return nil, apperrors.NewIndexError("decode metadata of %q", id).WithCause(err)
			}
		}
		score := 0.0
		if i < len(result.Scores) {
			score = float64(result.Scores[i])
		}
		r.Distance = clampDistance(1 - score)
		results = append(results, r)
	}
	return sortByDistance(results, n), nil
}

// milvusFilterExpr 转换为 JSON 字段上的布尔表达式，键按字典序拼接
func milvusFilterExpr(filter MetadataFilter) string {
	if len(filter) == 0 {
		return ""
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	for _, k := range keys {
		norm, _ := normalizeScalar(filter[k])
		var literal string
		switch v := norm.(type) {
		case string:
			literal = strconv.Quote(v)
		case bool:
			literal = strconv.FormatBool(v)
		case float64:
			literal = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			literal = "null"
		}
		clauses = append(clauses, fmt.Sprintf("%s[%s] == %s", milvusMetadataField, strconv.Quote(k), literal))
	}
	return strings.Join(clauses, " && ")
}

const milvusCountField = "count(*)"

// Count 强一致的 count(*) 查询，不包含已删除或被 upsert 覆盖的旧行
func (m *MilvusIndex) Count(ctx context.Context) (int, error) {
	rs, err := m.client.Query(ctx, m.collection, nil, "", []string{milvusCountField},
		client.WithSearchQueryConsistencyLevel(entity.ClStrong))
	if err != nil {
		return 0, apperrors.NewIndexError("milvus count of %s", m.collection).WithCause(err)
	}
	col := rs.GetColumn(milvusCountField)
	if col == nil || col.Len() == 0 {
		return 0, apperrors.NewIndexError("milvus count of %s returned no rows", m.collection)
	}
	count, err := col.GetAsInt64(0)
	if err != nil {
		return 0, apperrors.NewIndexError("parse milvus %s", milvusCountField).WithCause(err)
	}
	return int(count), nil
}

func (m *MilvusIndex) Info(ctx context.Context) (IndexInfo, error) {
	count, err := m.Count(ctx)
	if err != nil {
		return IndexInfo{}, err
	}
	return IndexInfo{Backend: "milvus", Collection: m.collection, Dimension: m.dimension, Count: count}, nil
}

func (m *MilvusIndex) Close() error {
	return m.client.Close()
}
