package knowledge

import (
	"context"

	apperrors "github.com/aihub/rag-pipeline/internal/errors"
	"golang.org/x/sync/semaphore"
)

// Embedder 同步的向量化能力，由具体模型提供
type Embedder interface {
	// EmbedBatch 对一批文本做一次模型调用，返回同序同长的向量
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// DefaultEmbeddingBatchSize 未指定批大小时使用
const DefaultEmbeddingBatchSize = 32

// EmbedResult 异步调用结果
type EmbedResult struct {
	Vectors [][]float32
	Err     error
}

// EmbeddingService 在同步 Embedder 之上提供分批、校验与非阻塞调用。
// 每次调用在独立 goroutine 中执行，并发数由 workers 限制。
type EmbeddingService struct {
	provider  Embedder
	batchSize int
	sem       *semaphore.Weighted
}

// NewEmbeddingService 创建向量化服务
func NewEmbeddingService(provider Embedder, workers, batchSize int) *EmbeddingService {
	if workers <= 0 {
		workers = 1
	}
	if batchSize <= 0 {
		batchSize = DefaultEmbeddingBatchSize
	}
	return &EmbeddingService{
		provider:  provider,
		batchSize: batchSize,
		sem:       semaphore.NewWeighted(int64(workers)),
	}
}

// Dimension 向量维度
func (s *EmbeddingService) Dimension() int {
	return s.provider.Dimensions()
}

// ProviderName 底层模型名
func (s *EmbeddingService) ProviderName() string {
	return s.provider.Name()
}

// Embed 向量化一组文本，要么全部成功，要么返回 EmbeddingError
func (s *EmbeddingService) Embed(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	select {
	case res := <-s.EmbedAsync(ctx, texts, batchSize):
		return res.Vectors, res.Err
	case <-ctx.Done():
		return nil, apperrors.NewEmbeddingError("embedding cancelled").WithCause(ctx.Err())
	}
}

// EmbedQuery 单条查询的向量化
func (s *EmbeddingService) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.Embed(ctx, []string{text}, 1)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedAsync 立即返回，结果通过 channel 送达（channel 带缓冲，调用方放弃等待不会泄漏 goroutine）
func (s *EmbeddingService) EmbedAsync(ctx context.Context, texts []string, batchSize int) <-chan EmbedResult {
	out := make(chan EmbedResult, 1)
	go func() {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			out <- EmbedResult{Err: apperrors.NewEmbeddingError("embedding worker unavailable").WithCause(err)}
			return
		}
		defer s.sem.Release(1)

		vectors, err := s.embedAll(ctx, texts, batchSize)
		out <- EmbedResult{Vectors: vectors, Err: err}
	}()
	return out
}

func (s *EmbeddingService) embedAll(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = s.batchSize
	}
	dim := s.provider.Dimensions()
	result := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		vectors, err := s.provider.EmbedBatch(ctx, batch)
		if err != nil {
			if apperrors.IsCode(err, apperrors.ErrCodeEmbeddingFailed) {
				return nil, err
			}
			return nil, apperrors.NewEmbeddingError("%s: embed batch [%d:%d]", s.provider.Name(), start, end).WithCause(err)
		}
		if len(vectors) != len(batch) {
			return nil, apperrors.NewEmbeddingError("%s returned %d vectors for %d texts", s.provider.Name(), len(vectors), len(batch))
		}
		for i, v := range vectors {
			if len(v) != dim {
				return nil, apperrors.NewEmbeddingError("%s returned dimension %d at position %d, expected %d",
					s.provider.Name(), len(v), start+i, dim)
			}
		}
		result = append(result, vectors...)
	}
	return result, nil
}
