package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"testing"

	apperrors "github.com/aihub/rag-pipeline/internal/errors"
	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type milvusRow struct {
	text     string
	metadata []byte
	vector   []float32
}

// fakeMilvus 只覆盖索引用到的方法，其余调用会因内嵌 nil 接口而 panic
type fakeMilvus struct {
	client.Client
	exists     bool
	dim        int
	rows       map[string]milvusRow
	flushes    int
	lastExpr   string
	lastDelete string
	// tombstones 已删除但仍计入段统计的行，与真实 Milvus 的 row_count 行为一致
	tombstones       int
	countConsistency entity.ConsistencyLevel
}

func newFakeMilvus() *fakeMilvus {
	return &fakeMilvus{rows: make(map[string]milvusRow)}
}

func (f *fakeMilvus) HasCollection(ctx context.Context, collName string) (bool, error) {
	return f.exists, nil
}

func (f *fakeMilvus) DescribeCollection(ctx context.Context, collName string) (*entity.Collection, error) {
	return &entity.Collection{Name: collName, Schema: &entity.Schema{Fields: []*entity.Field{
		{Name: milvusVectorField, DataType: entity.FieldTypeFloatVector,
			TypeParams: map[string]string{entity.TypeParamDim: strconv.Itoa(f.dim)}},
	}}}, nil
}

func (f *fakeMilvus) CreateCollection(ctx context.Context, schema *entity.Schema, shardsNum int32, opts ...client.CreateCollectionOption) error {
	for _, field := range schema.Fields {
		if field.Name == milvusVectorField {
			f.dim, _ = strconv.Atoi(field.TypeParams[entity.TypeParamDim])
		}
	}
	f.exists = true
	return nil
}

func (f *fakeMilvus) CreateIndex(ctx context.Context, collName string, fieldName string, idx entity.Index, async bool, opts ...client.IndexOption) error {
	return nil
}

func (f *fakeMilvus) LoadCollection(ctx context.Context, collName string, async bool, opts ...client.LoadCollectionOption) error {
	return nil
}

func (f *fakeMilvus) QueryByPks(ctx context.Context, collectionName string, partitionNames []string, ids entity.Column, outputFields []string, opts ...client.SearchQueryOptionFunc) (client.ResultSet, error) {
	var found []string
	for i := 0; i < ids.Len(); i++ {
		id, _ := ids.GetAsString(i)
		if _, ok := f.rows[id]; ok {
			found = append(found, id)
		}
	}
	return client.ResultSet{entity.NewColumnVarChar(milvusIDField, found)}, nil
}

func (f *fakeMilvus) store(columns []entity.Column) {
	var ids, texts []string
	var metas [][]byte
	var vectors [][]float32
	for _, col := range columns {
		switch c := col.(type) {
		case *entity.ColumnVarChar:
			if c.Name() == milvusIDField {
				ids = c.Data()
			} else {
				texts = c.Data()
			}
		case *entity.ColumnJSONBytes:
			metas = c.Data()
		case *entity.ColumnFloatVector:
			vectors = c.Data()
		}
	}
	for i, id := range ids {
		f.rows[id] = milvusRow{text: texts[i], metadata: metas[i], vector: vectors[i]}
	}
}

func (f *fakeMilvus) Insert(ctx context.Context, collName string, partitionName string, columns ...entity.Column) (entity.Column, error) {
	f.store(columns)
	return nil, nil
}

// Upsert 在 Milvus 中是删除旧行后插入新行
func (f *fakeMilvus) Upsert(ctx context.Context, collName string, partitionName string, columns ...entity.Column) (entity.Column, error) {
	for _, col := range columns {
		if col.Name() != milvusIDField {
			continue
		}
		for i := 0; i < col.Len(); i++ {
			id, _ := col.GetAsString(i)
			f.remove(id)
		}
	}
	f.store(columns)
	return nil, nil
}

func (f *fakeMilvus) remove(id string) {
	if _, ok := f.rows[id]; ok {
		delete(f.rows, id)
		f.tombstones++
	}
}

func (f *fakeMilvus) Flush(ctx context.Context, collName string, async bool, opts ...client.FlushOption) error {
	f.flushes++
	return nil
}

func (f *fakeMilvus) Delete(ctx context.Context, collName string, partitionName string, expr string) error {
	f.lastDelete = expr
	var ids []string
	if err := json.Unmarshal([]byte(strings.TrimPrefix(expr, milvusIDField+" in ")), &ids); err != nil {
		return err
	}
	for _, id := range ids {
		f.remove(id)
	}
	return nil
}

func (f *fakeMilvus) Query(ctx context.Context, collectionName string, partitionNames []string, expr string, outputFields []string, opts ...client.SearchQueryOptionFunc) (client.ResultSet, error) {
	var option client.SearchQueryOption
	for _, opt := range opts {
		opt(&option)
	}
	f.countConsistency = option.ConsistencyLevel
	if len(outputFields) != 1 || outputFields[0] != milvusCountField {
		return nil, errors.New("fake milvus only answers count(*)")
	}
	return client.ResultSet{entity.NewColumnInt64(milvusCountField, []int64{int64(len(f.rows))})}, nil
}

func (f *fakeMilvus) Search(ctx context.Context, collName string, partitions []string, expr string, outputFields []string,
	vectors []entity.Vector, vectorField string, metricType entity.MetricType, topK int, sp entity.SearchParam,
	opts ...client.SearchQueryOptionFunc) ([]client.SearchResult, error) {
	f.lastExpr = expr
	query := []float32(vectors[0].(entity.FloatVector))

	type hit struct {
		id    string
		score float32
	}
	var hits []hit
	for id, row := range f.rows {
		hits = append(hits, hit{id, float32(CosineSimilarity(query, row.vector))})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > topK {
		hits = hits[:topK]
	}

	ids := make([]string, len(hits))
	texts := make([]string, len(hits))
	metas := make([][]byte, len(hits))
	scores := make([]float32, len(hits))
	for i, h := range hits {
		ids[i], texts[i], metas[i], scores[i] = h.id, f.rows[h.id].text, f.rows[h.id].metadata, h.score
	}
	return []client.SearchResult{{
		ResultCount: len(hits),
		IDs:         entity.NewColumnVarChar(milvusIDField, ids),
		Fields: client.ResultSet{
			entity.NewColumnVarChar(milvusTextField, texts),
			entity.NewColumnJSONBytes(milvusMetadataField, metas),
		},
		Scores: scores,
	}}, nil
}

func (f *fakeMilvus) GetCollectionStatistics(ctx context.Context, collName string) (map[string]string, error) {
	return map[string]string{"row_count": strconv.Itoa(len(f.rows) + f.tombstones)}, nil
}

func (f *fakeMilvus) Close() error { return nil }

func TestMilvusIndex_Lifecycle(t *testing.T) {
	fake := newFakeMilvus()
	ctx := context.Background()

	idx, err := newMilvusIndex(ctx, fake, "chunks", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.dim)

	require.NoError(t, idx.Add(ctx, []IndexEntry{entry("chunk_1", 1, 1, 0), entry("chunk_2", 1, 0, 1)}))
	assert.Equal(t, 1, fake.flushes)

	err = idx.Add(ctx, []IndexEntry{entry("chunk_2", 1, 1, 1)})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeIndexFailed))

	results, err := idx.Query(ctx, []float32{1, 0}, 1, MetadataFilter{"project_scope_id": uint(1)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "chunk_1", results[0].ID)
	assert.Equal(t, "text of chunk_1", results[0].Text)
	assert.InDelta(t, 0, results[0].Distance, 1e-6)
	assert.EqualValues(t, 1, results[0].Metadata["project_scope_id"])
	assert.Equal(t, `metadata["project_scope_id"] == 1`, fake.lastExpr)

	require.NoError(t, idx.Update(ctx, []IndexEntry{entry("chunk_2", 1, 1, 1)}))
	info, err := idx.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, IndexInfo{Backend: "milvus", Collection: "chunks", Dimension: 2, Count: 2}, info)

	require.NoError(t, idx.Delete(ctx, []string{"chunk_1", "chunk_2"}))
	assert.Equal(t, `id in ["chunk_1","chunk_2"]`, fake.lastDelete)
	assert.Equal(t, 3, fake.flushes)
}

func TestMilvusIndex_CountExcludesReplacedAndDeletedRows(t *testing.T) {
	fake := newFakeMilvus()
	ctx := context.Background()
	idx, err := newMilvusIndex(ctx, fake, "chunks", 2)
	require.NoError(t, err)

	require.NoError(t, idx.Add(ctx, []IndexEntry{entry("chunk_1", 1, 1, 0), entry("chunk_2", 1, 0, 1)}))
	for i := 0; i < 2; i++ {
		require.NoError(t, idx.Update(ctx, []IndexEntry{entry("chunk_1", 1, 0.5, 0.5)}))
	}
	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, entity.ClStrong, fake.countConsistency)

	// 段统计仍包含被覆盖的旧行
	stats, _ := fake.GetCollectionStatistics(ctx, "chunks")
	assert.Equal(t, "4", stats["row_count"])

	require.NoError(t, idx.Delete(ctx, []string{"chunk_2"}))
	count, err = idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMilvusIndex_DimensionMismatch(t *testing.T) {
	fake := newFakeMilvus()
	fake.exists, fake.dim = true, 384

	_, err := newMilvusIndex(context.Background(), fake, "chunks", 1024)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeIndexFailed))
}

func TestMilvusFilterExpr(t *testing.T) {
	assert.Equal(t, "", milvusFilterExpr(nil))
	expr := milvusFilterExpr(MetadataFilter{"source": "a.pdf", "project_scope_id": 3, "draft": false})
	assert.Equal(t, `metadata["draft"] == false && metadata["project_scope_id"] == 3 && metadata["source"] == "a.pdf"`, expr)

	raw, _ := json.Marshal(map[string]interface{}{"weight": 0.25})
	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.True(t, MetadataFilter{"weight": float32(0.25)}.Matches(meta))
}
