package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/aihub/rag-pipeline/internal/errors"
)

// DefaultLocalModel 默认本地向量模型
const DefaultLocalModel = "all-minilm"

var localEmbeddingDimensions = map[string]int{
	"all-minilm":        384,
	"nomic-embed-text":  768,
	"mxbai-embed-large": 1024,
	"bge-m3":            1024,
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// OllamaEmbedder 调用本地 Ollama 服务的 /api/embed 接口
type OllamaEmbedder struct {
	client     *http.Client
	baseURL    string
	model      string
	dimensions int
}

// NewOllamaEmbedder 创建本地模型向量化器，dimensions 为 0 时按已知模型推断
func NewOllamaEmbedder(baseURL, model string, dimensions int, timeout time.Duration) (*OllamaEmbedder, error) {
	if strings.TrimSpace(model) == "" {
		return nil, apperrors.NewValidationError("local embedding model is empty")
	}
	if dimensions <= 0 {
		dims, ok := localEmbeddingDimensions[strings.Split(model, ":")[0]]
		if !ok {
			return nil, apperrors.NewValidationError("unknown dimension for local embedding model %q, set it explicitly", model)
		}
		dimensions = dims
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaEmbedder{
		client:     &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		dimensions: dimensions,
	}, nil
}

func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, apperrors.NewEmbeddingError("marshal embedding request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewEmbeddingError("create embedding request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, apperrors.NewEmbeddingError("embedding request failed").WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewEmbeddingError("read embedding response").WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewEmbeddingError("embedding request failed: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var parsed ollamaEmbedResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, apperrors.NewEmbeddingError("parse embedding response").WithCause(err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, apperrors.NewEmbeddingError("embedding response returned %d vectors for %d inputs", len(parsed.Embeddings), len(texts))
	}
	return parsed.Embeddings, nil
}

func (e *OllamaEmbedder) Dimensions() int {
	return e.dimensions
}

func (e *OllamaEmbedder) Name() string {
	return fmt.Sprintf("ollama/%s", e.model)
}
