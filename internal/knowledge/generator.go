package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aihub/rag-pipeline/internal/config"
	apperrors "github.com/aihub/rag-pipeline/internal/errors"
	openai "github.com/sashabaranov/go-openai"
)

// Generator 生成能力，对流水线来说是不透明的 complete(prompt) -> text
type Generator interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// OpenAIGenerator 基于 Chat Completions（或兼容接口）
type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
}

func NewOpenAIGenerator(cfg config.GenerationConfig) (*OpenAIGenerator, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, apperrors.NewValidationError("generation requires an api key")
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAIGenerator{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
	}, nil
}

func (g *OpenAIGenerator) Complete(ctx context.Context, prompt string) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	if err != nil {
		return "", apperrors.NewGenerationError("chat completion with %s failed", g.model).WithCause(err)
	}
	if len(resp.Choices) == 0 {
		return "", apperrors.NewGenerationError("chat completion with %s returned no choices", g.model)
	}
	return resp.Choices[0].Message.Content, nil
}

// BuildPrompt 把检索到的分块拼成上下文
func BuildPrompt(question string, contexts []SearchResult) string {
	var b strings.Builder
	b.WriteString("Answer the question using only the context below. ")
	b.WriteString("If the context does not contain the answer, say you don't know.\n\n")
	for i, c := range contexts {
		fmt.Fprintf(&b, "[%d] %s\n\n", i+1, strings.TrimSpace(c.Content))
	}
	b.WriteString("Question: ")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\nAnswer:")
	return b.String()
}
