package knowledge

import (
	"context"
	"sort"
	"strings"

	apperrors "github.com/aihub/rag-pipeline/internal/errors"
	openai "github.com/sashabaranov/go-openai"
)

var embeddingDimensions = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
	"text-embedding-ada-002": 1536,
}

// OpenAIEmbedder 使用OpenAI Embedding API（或兼容接口）
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
	// requestDimensions 显式配置的维度，随请求发送以截断向量；0 表示使用模型默认
	requestDimensions int
}

// NewOpenAIEmbedder 创建OpenAI嵌入向量生成器，dimensions 为 0 时按模型推断
func NewOpenAIEmbedder(apiKey, baseURL, model string, dimensions int) (*OpenAIEmbedder, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, apperrors.NewValidationError("remote embedding provider requires an api key")
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	requestDimensions := 0
	if dimensions > 0 {
		requestDimensions = dimensions
	} else {
		dims, ok := embeddingDimensions[model]
		if !ok {
			return nil, apperrors.NewValidationError("unknown dimension for embedding model %q, set it explicitly", model)
		}
		dimensions = dims
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}

	return &OpenAIEmbedder{
		client:            openai.NewClientWithConfig(cfg),
		model:             model,
		dimensions:        dimensions,
		requestDimensions: requestDimensions,
	}, nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model:      openai.EmbeddingModel(e.model),
		Input:      texts,
		Dimensions: e.requestDimensions,
	})
	if err != nil {
		return nil, apperrors.NewEmbeddingError("openai embeddings request failed").WithCause(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, apperrors.NewEmbeddingError("openai returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	// 按 Index 还原输入顺序
	data := resp.Data
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	result := make([][]float32, len(data))
	for i, d := range data {
		vec := make([]float32, len(d.Embedding))
		copy(vec, d.Embedding)
		result[i] = vec
	}
	return result, nil
}

func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

func (e *OpenAIEmbedder) Name() string {
	return "openai/" + e.model
}
