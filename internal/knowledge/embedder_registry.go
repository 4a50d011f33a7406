package knowledge

import (
	"sort"
	"sync"

	"github.com/aihub/rag-pipeline/internal/config"
	apperrors "github.com/aihub/rag-pipeline/internal/errors"
	"github.com/aihub/rag-pipeline/internal/logger"
	"go.uber.org/zap"
)

// 向量化提供方标签
const (
	ProviderLocalModel = "local-model"
	ProviderRemoteAPI  = "remote-api"
)

// ProviderFactory 构造一个提供方实例，只会被调用一次
type ProviderFactory func() (Embedder, error)

// ProviderRegistry 进程级的模型实例注册表，按标签懒加载并复用实例
type ProviderRegistry struct {
	mu        sync.Mutex
	factories map[string]ProviderFactory
	instances map[string]Embedder
}

// NewProviderRegistry 创建空注册表
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		factories: make(map[string]ProviderFactory),
		instances: make(map[string]Embedder),
	}
}

// Register 注册标签对应的工厂，重复注册会丢弃已缓存的实例
func (r *ProviderRegistry) Register(tag string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[tag] = factory
	delete(r.instances, tag)
}

// Get 返回标签对应的实例，首次调用时构造
func (r *ProviderRegistry) Get(tag string) (Embedder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[tag]; ok {
		return inst, nil
	}
	factory, ok := r.factories[tag]
	if !ok {
		return nil, apperrors.NewValidationError("unknown embedding provider %q", tag).
			WithDetails(map[string]interface{}{"registered": r.tagsLocked()})
	}

	inst, err := factory()
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeValidationFailed) {
			return nil, err
		}
		return nil, apperrors.NewEmbeddingError("initialize embedding provider %q", tag).WithCause(err)
	}
	r.instances[tag] = inst
	logger.Info("embedding provider loaded",
		zap.String("tag", tag),
		zap.String("model", inst.Name()),
		zap.Int("dimension", inst.Dimensions()))
	return inst, nil
}

// Tags 已注册的标签
func (r *ProviderRegistry) Tags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tagsLocked()
}

func (r *ProviderRegistry) tagsLocked() []string {
	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// RegisterConfiguredProviders 注册本地与远程两种提供方，远程提供方带熔断。
// 模型、地址与维度只作用于 cfg.Provider 选中的那一方，另一方使用自身默认值。
func RegisterConfiguredProviders(r *ProviderRegistry, cfg config.EmbeddingConfig) {
	r.Register(ProviderLocalModel, func() (Embedder, error) {
		if cfg.Provider != ProviderLocalModel {
			return NewOllamaEmbedder("", DefaultLocalModel, 0, cfg.Timeout)
		}
		return NewOllamaEmbedder(cfg.BaseURL, cfg.Model, cfg.Dimension, cfg.Timeout)
	})
	r.Register(ProviderRemoteAPI, func() (Embedder, error) {
		var (
			inner *OpenAIEmbedder
			err   error
		)
		if cfg.Provider == ProviderRemoteAPI {
			inner, err = NewOpenAIEmbedder(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Dimension)
		} else {
			inner, err = NewOpenAIEmbedder(cfg.APIKey, "", "", 0)
		}
		if err != nil {
			return nil, err
		}
		breaker := NewCircuitBreaker("embedding:"+inner.Name(), cfg.BreakerThreshold, cfg.BreakerCooldown)
		return NewGuardedEmbedder(inner, breaker), nil
	})
}
