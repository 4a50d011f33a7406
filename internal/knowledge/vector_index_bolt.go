package knowledge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/aihub/rag-pipeline/internal/errors"
	"go.etcd.io/bbolt"
)

var (
	boltEntriesBucket = []byte("entries")
	boltDimensionKey  = []byte("dimension")
)

// BoltIndex 基于 bbolt 的本地持久化向量索引，查询为精确的暴力余弦检索。
// 每次写操作是一个 bbolt 事务，提交时 fsync；读事务与写事务互不阻塞。
type BoltIndex struct {
	db         *bbolt.DB
	path       string
	collection []byte
	dimension  int
}

// OpenBoltIndex 打开（或创建）集合，已有集合的维度必须一致
func OpenBoltIndex(path, collection string, dimension int) (*BoltIndex, error) {
	if dimension <= 0 {
		return nil, apperrors.NewValidationError("index dimension must be positive, got %d", dimension)
	}
	if collection == "" {
		return nil, apperrors.NewValidationError("index collection name is empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperrors.NewIndexError("create index directory %s", dir).WithCause(err)
		}
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, apperrors.NewIndexError("open bolt index %s", path).WithCause(err)
	}

	idx := &BoltIndex{db: db, path: path, collection: []byte(collection), dimension: dimension}
	err = db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(idx.collection)
		if err != nil {
			return err
		}
		if _, err := root.CreateBucketIfNotExists(boltEntriesBucket); err != nil {
			return err
		}
		if raw := root.Get(boltDimensionKey); raw != nil {
			if stored := int(binary.BigEndian.Uint64(raw)); stored != dimension {
				return apperrors.NewIndexError("collection %s was built with dimension %d, provider has %d",
					collection, stored, dimension)
			}
			return nil
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(dimension))
		return root.Put(boltDimensionKey, buf)
	})
	if err != nil {
		db.Close()
		if apperrors.IsCode(err, apperrors.ErrCodeIndexFailed) {
			return nil, err
		}
		return nil, apperrors.NewIndexError("initialize collection %s", collection).WithCause(err)
	}
	return idx, nil
}

func (b *BoltIndex) entries(tx *bbolt.Tx) *bbolt.Bucket {
	return tx.Bucket(b.collection).Bucket(boltEntriesBucket)
}

func (b *BoltIndex) Add(ctx context.Context, entries []IndexEntry) error {
	return b.write(ctx, entries, false)
}

func (b *BoltIndex) Update(ctx context.Context, entries []IndexEntry) error {
	return b.write(ctx, entries, true)
}

func (b *BoltIndex) write(ctx context.Context, entries []IndexEntry, upsert bool) error {
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return apperrors.NewIndexError("index write cancelled").WithCause(err)
	}
	if err := validateEntries(entries, b.dimension); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := b.entries(tx)
		for _, e := range entries {
			key := []byte(e.ID)
			if !upsert && bucket.Get(key) != nil {
				return apperrors.NewIndexError("id %q already exists, use update to overwrite", e.ID)
			}
			raw, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := bucket.Put(key, raw); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapIndexErr(err, "write entries")
}

func (b *BoltIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := b.entries(tx)
		for _, id := range ids {
			if err := bucket.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapIndexErr(err, "delete entries")
}

func (b *BoltIndex) Query(ctx context.Context, vector []float32, n int, filter MetadataFilter) ([]QueryResult, error) {
	if len(vector) != b.dimension {
		return nil, apperrors.NewIndexError("query vector has dimension %d, collection expects %d", len(vector), b.dimension)
	}
	if n <= 0 {
		return []QueryResult{}, nil
	}

	var results []QueryResult
	err := b.db.View(func(tx *bbolt.Tx) error {
		return b.entries(tx).ForEach(func(_, raw []byte) error {
			var e IndexEntry
			if err := json.Unmarshal(raw, &e); err != nil {
				return err
			}
			if !filter.Matches(e.Metadata) {
				return nil
			}
			results = append(results, QueryResult{
				ID:       e.ID,
				Text:     e.Text,
				Metadata: e.Metadata,
				Distance: CosineDistance(vector, e.Vector),
			})
			return nil
		})
	})
	if err != nil {
		return nil, wrapIndexErr(err, "query")
	}
	if results == nil {
		return []QueryResult{}, nil
	}
	return sortByDistance(results, n), nil
}

func (b *BoltIndex) Count(ctx context.Context) (int, error) {
	var count int
	err := b.db.View(func(tx *bbolt.Tx) error {
		count = b.entries(tx).Stats().KeyN
		return nil
	})
	return count, wrapIndexErr(err, "count")
}

func (b *BoltIndex) Info(ctx context.Context) (IndexInfo, error) {
	count, err := b.Count(ctx)
	if err != nil {
		return IndexInfo{}, err
	}
	return IndexInfo{Backend: "bolt", Collection: string(b.collection), Dimension: b.dimension, Count: count}, nil
}

func (b *BoltIndex) Close() error {
	return b.db.Close()
}

func wrapIndexErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if apperrors.IsCode(err, apperrors.ErrCodeIndexFailed) || apperrors.IsCode(err, apperrors.ErrCodeValidationFailed) {
		return err
	}
	return apperrors.NewIndexError("bolt index: %s", op).WithCause(err)
}
