package di

import (
	"context"
	"fmt"
	"time"

	"github.com/aihub/rag-pipeline/internal/config"
	"github.com/aihub/rag-pipeline/internal/database"
	"github.com/aihub/rag-pipeline/internal/kafka"
	"github.com/aihub/rag-pipeline/internal/knowledge"
	"github.com/aihub/rag-pipeline/internal/logger"
	"github.com/aihub/rag-pipeline/internal/services"
	"github.com/aihub/rag-pipeline/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/dig"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 外部依赖建立连接的超时时间
const connectTimeout = 15 * time.Second

// RegisterProviders 注册所有依赖提供者
func RegisterProviders(container *dig.Container, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config not loaded")
	}

	// 注册配置
	if err := container.Provide(func() *config.Config { return cfg }); err != nil {
		return err
	}

	if err := container.Provide(func() *Closers { return &Closers{} }); err != nil {
		return err
	}

	if err := registerKnowledge(container); err != nil {
		return err
	}
	if err := registerStorage(container); err != nil {
		return err
	}
	if err := registerServices(container); err != nil {
		return err
	}
	return registerMessaging(container)
}

// registerKnowledge 抽取、分块、向量化、索引与检索
func registerKnowledge(container *dig.Container) error {
	if err := container.Provide(func(cfg *config.Config) knowledge.TokenCounter {
		return knowledge.NewTokenCounter(cfg.Knowledge.Chunking.Encoding)
	}); err != nil {
		return err
	}

	if err := container.Provide(knowledge.NewSentenceSplitter); err != nil {
		return err
	}

	if err := container.Provide(knowledge.NewChunker); err != nil {
		return err
	}

	if err := container.Provide(func(cfg *config.Config) (services.Extractor, error) {
		if key := cfg.Knowledge.Extraction.LicenseKey; key != "" {
			if err := knowledge.ConfigureUniDocLicense(key); err != nil {
				return nil, err
			}
		}
		return knowledge.NewTextExtractor(), nil
	}); err != nil {
		return err
	}

	if err := container.Provide(func(cfg *config.Config) *knowledge.ProviderRegistry {
		registry := knowledge.NewProviderRegistry()
		knowledge.RegisterConfiguredProviders(registry, cfg.Knowledge.Embedding)
		return registry
	}); err != nil {
		return err
	}

	if err := container.Provide(func(cfg *config.Config, registry *knowledge.ProviderRegistry) (*knowledge.EmbeddingService, error) {
		embedding := cfg.Knowledge.Embedding
		provider, err := registry.Get(embedding.Provider)
		if err != nil {
			return nil, err
		}
		return knowledge.NewEmbeddingService(provider, embedding.Workers, embedding.BatchSize), nil
	}); err != nil {
		return err
	}

	if err := container.Provide(func(cfg *config.Config, embedder *knowledge.EmbeddingService, closers *Closers) (knowledge.VectorIndex, error) {
		index, err := OpenVectorIndex(context.Background(), cfg.Knowledge.VectorStore, embedder.Dimension())
		if err != nil {
			return nil, err
		}
		closers.Add("vector index", index.Close)
		return index, nil
	}); err != nil {
		return err
	}

	if err := container.Provide(func(cfg *config.Config, index knowledge.VectorIndex, embedder *knowledge.EmbeddingService) *knowledge.RetrievalEngine {
		return knowledge.NewRetrievalEngine(index, embedder, cfg.Knowledge.Search)
	}); err != nil {
		return err
	}

	if err := container.Provide(knowledge.NewReranker); err != nil {
		return err
	}

	// 未启用生成时提供 nil，问答只返回检索结果
	return container.Provide(func(cfg *config.Config) (knowledge.Generator, error) {
		if !cfg.Knowledge.Generation.Enabled {
			return nil, nil
		}
		return knowledge.NewOpenAIGenerator(cfg.Knowledge.Generation)
	})
}

// OpenVectorIndex 按配置的后端打开向量索引
func OpenVectorIndex(ctx context.Context, cfg config.VectorStoreConfig, dimension int) (knowledge.VectorIndex, error) {
	switch cfg.Provider {
	case "", "bolt":
		return knowledge.OpenBoltIndex(cfg.Bolt.Path, cfg.Collection, dimension)
	case "qdrant":
		return knowledge.NewQdrantIndex(ctx, knowledge.QdrantOptions{
			Endpoint:   cfg.Qdrant.URL,
			APIKey:     cfg.Qdrant.APIKey,
			Collection: cfg.Collection,
			Dimension:  dimension,
			Timeout:    cfg.Qdrant.Timeout,
		})
	case "milvus":
		return knowledge.NewMilvusIndex(ctx, knowledge.MilvusOptions{
			Address:    cfg.Milvus.Address,
			Username:   cfg.Milvus.Username,
			Password:   cfg.Milvus.Password,
			Database:   cfg.Milvus.Database,
			Collection: cfg.Collection,
			Dimension:  dimension,
			UseTLS:     cfg.Milvus.TLS,
		})
	default:
		return nil, fmt.Errorf("unsupported vector store provider: %s", cfg.Provider)
	}
}

// registerStorage 数据库、缓存与对象存储，未启用的后端退化为内存实现
func registerStorage(container *dig.Container) error {
	// 未启用数据库时提供 nil
	if err := container.Provide(func(cfg *config.Config, closers *Closers) (*gorm.DB, error) {
		if !cfg.Database.Enabled {
			return nil, nil
		}
		if cfg.Database.AutoMigrate {
			if err := database.RunMigrations(cfg.Database.URL); err != nil {
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}
		db, err := database.Open(cfg.Database)
		if err != nil {
			return nil, err
		}
		closers.Add("database", func() error { return database.Close(db) })
		return db, nil
	}); err != nil {
		return err
	}

	if err := container.Provide(func(db *gorm.DB) services.ChunkStore {
		if db == nil {
			logger.Info("database disabled, chunks are kept in memory")
			return services.NewMemoryChunkStore(true)
		}
		return services.NewGormChunkStore(db)
	}); err != nil {
		return err
	}

	if err := container.Provide(func(cfg *config.Config, closers *Closers) (services.StatusStore, error) {
		if !cfg.Redis.Enabled {
			return services.NewMemoryStatusStore(), nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		client, err := database.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		closers.Add("redis", client.Close)
		return services.NewRedisStatusStore(client, cfg.Redis.TTL), nil
	}); err != nil {
		return err
	}

	// 未启用对象存储时提供 nil，只能处理本地文件
	return container.Provide(func(cfg *config.Config) (services.ObjectFetcher, error) {
		if !cfg.Storage.Enabled {
			return nil, nil
		}
		fetcher, err := storage.NewObjectFetcher(cfg.Storage)
		if err != nil {
			return nil, err
		}
		return fetcher, nil
	})
}

// registerServices 指标、编排器与问答服务
func registerServices(container *dig.Container) error {
	if err := container.Provide(func(db *gorm.DB) *prometheus.Registry {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		if db != nil {
			if sqlDB, err := db.DB(); err == nil {
				reg.MustRegister(collectors.NewDBStatsCollector(sqlDB, "rag"))
			}
		}
		return reg
	}); err != nil {
		return err
	}

	if err := container.Provide(func(reg *prometheus.Registry) *services.PipelineMetrics {
		return services.NewPipelineMetrics(reg)
	}); err != nil {
		return err
	}

	if err := container.Provide(func(deps services.OrchestratorDeps, cfg *config.Config) (*services.PipelineOrchestrator, error) {
		return services.NewPipelineOrchestrator(deps, cfg.Knowledge.Chunking, cfg.Knowledge.Pipeline)
	}); err != nil {
		return err
	}

	if err := container.Provide(orchestratorDeps); err != nil {
		return err
	}

	return container.Provide(func(cfg *config.Config, engine *knowledge.RetrievalEngine, reranker *knowledge.Reranker,
		generator knowledge.Generator, metrics *services.PipelineMetrics) *services.RAGService {
		return services.NewRAGService(engine, reranker, generator, cfg.Knowledge.Rerank, metrics)
	})
}

type orchestratorParams struct {
	dig.In

	Extractor services.Extractor
	Chunker   *knowledge.Chunker
	Embedder  *knowledge.EmbeddingService
	Index     knowledge.VectorIndex
	Chunks    services.ChunkStore
	Statuses  services.StatusStore
	Fetcher   services.ObjectFetcher
	Metrics   *services.PipelineMetrics
}

func orchestratorDeps(p orchestratorParams) services.OrchestratorDeps {
	return services.OrchestratorDeps{
		Extractor: p.Extractor,
		Chunker:   p.Chunker,
		Embedder:  p.Embedder,
		Index:     p.Index,
		Chunks:    p.Chunks,
		Statuses:  p.Statuses,
		Fetcher:   p.Fetcher,
		Metrics:   p.Metrics,
	}
}

// registerMessaging Kafka 生产者与消费者，只在被调用时才连接 broker
func registerMessaging(container *dig.Container) error {
	if err := container.Provide(func(cfg *config.Config, closers *Closers) (*kafka.JobProducer, error) {
		if !cfg.Kafka.Enabled {
			return nil, fmt.Errorf("kafka is disabled")
		}
		producer, err := kafka.NewJobProducer(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		closers.Add("kafka producer", producer.Close)
		return producer, nil
	}); err != nil {
		return err
	}

	return container.Provide(func(cfg *config.Config, orchestrator *services.PipelineOrchestrator, closers *Closers) (*kafka.JobConsumer, error) {
		if !cfg.Kafka.Enabled {
			return nil, fmt.Errorf("kafka is disabled")
		}
		consumer, err := kafka.NewJobConsumer(cfg.Kafka, orchestrator)
		if err != nil {
			return nil, err
		}
		closers.Add("kafka consumer", consumer.Close)
		logger.Info("kafka consumer ready", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
		return consumer, nil
	})
}
