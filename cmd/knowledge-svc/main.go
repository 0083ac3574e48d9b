// Package main 知识库摄取服务入口（knowledge-svc）
// 消费摄取队列，执行文档分块、向量化与索引维护；
// 检索问答门面（application/knowledge）由各接口层进程装配
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ai-knowledge-assistant/internal/application/chunker"
	"ai-knowledge-assistant/internal/application/ingest"
	"ai-knowledge-assistant/internal/application/retrieval"
	"ai-knowledge-assistant/internal/config"
	"ai-knowledge-assistant/internal/infrastructure/embedding"
	"ai-knowledge-assistant/internal/infrastructure/messaging"
	"ai-knowledge-assistant/internal/infrastructure/persistence/milvus"
	"ai-knowledge-assistant/internal/infrastructure/persistence/postgres"
	"ai-knowledge-assistant/internal/infrastructure/persistence/redis"
	"ai-knowledge-assistant/internal/infrastructure/vectorindex/memory"
	"ai-knowledge-assistant/pkg/logger"
	"ai-knowledge-assistant/pkg/tracer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	ctx := context.Background()

	shutdown, err := tracer.Init(ctx, tracer.Config{
		ServiceName: "knowledge-svc",
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
		Enabled:     cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to init tracer", err)
	}
	defer func() { _ = shutdown(ctx) }()

	pgClient, err := postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		logger.Fatal(ctx, "failed to init postgres", err)
	}
	defer func() { _ = pgClient.Close() }()

	if err := pgClient.AutoMigrate(); err != nil {
		logger.Fatal(ctx, "failed to migrate database", err)
	}

	redisClient, err := redis.NewClient(&cfg.Cache.Redis)
	if err != nil {
		logger.Fatal(ctx, "failed to init redis", err)
	}
	defer func() { _ = redisClient.Close() }()

	docRepo := postgres.NewDocumentRepository(pgClient)
	chunkRepo := postgres.NewChunkRepository(pgClient)

	embedder := newEmbedder(cfg)

	index, cleanup, err := newVectorIndex(ctx, cfg, embedder.Dimension())
	if err != nil {
		logger.Fatal(ctx, "failed to init vector index", err)
	}
	defer cleanup()

	splitter := chunker.New(cfg.Ingestion.ChunkSizeRunes, cfg.Ingestion.ChunkOverlapRunes)
	coordinator := ingest.NewCoordinator(docRepo, chunkRepo, splitter, embedder, index, cfg.Ingestion.EmbeddingBatch)

	consumer := newIngestConsumer(cfg, redisClient, coordinator)
	if err := consumer.Start(ctx); err != nil {
		logger.Fatal(ctx, "failed to start ingest consumer", err)
	}
	go consumer.MonitorDLQ(ctx, 100)

	if cfg.Observability.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Observability.Metrics)
	}

	log := logger.FromContext(ctx)
	log.Info("knowledge-svc started",
		"vector_driver", cfg.Vector.Driver,
		"embedding_provider", cfg.Embedding.Provider,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("knowledge-svc shutting down")
	consumer.Stop()
}

// newEmbedder 按配置选择嵌入客户端
func newEmbedder(cfg *config.Config) retrieval.Embedder {
	if cfg.Embedding.Provider == "openai" {
		return embedding.NewOpenAIClient(&cfg.Embedding)
	}
	return embedding.NewHTTPClient(&cfg.Embedding)
}

// newVectorIndex 按配置选择向量索引驱动
func newVectorIndex(ctx context.Context, cfg *config.Config, dimension int) (retrieval.VectorIndex, func(), error) {
	if cfg.Vector.Dimension > 0 {
		dimension = cfg.Vector.Dimension
	}

	if cfg.Vector.Driver == "milvus" {
		milvusClient, err := milvus.NewClient(ctx, &cfg.Vector.Milvus)
		if err != nil {
			return nil, nil, err
		}
		idx := milvus.NewIndex(milvusClient, dimension)
		if err := idx.EnsureCollection(ctx); err != nil {
			_ = milvusClient.Close()
			return nil, nil, err
		}
		return idx, func() { _ = milvusClient.Close() }, nil
	}

	return memory.NewIndex(dimension), func() {}, nil
}

// newIngestConsumer 装配摄取任务消费者
func newIngestConsumer(cfg *config.Config, redisClient *redis.Client, coordinator *ingest.Coordinator) *messaging.Consumer {
	consumer := messaging.NewConsumer(redisClient.Redis(), messaging.ConsumerConfig{
		Stream:       messaging.StreamKnowledgeIngest,
		Group:        messaging.ConsumerGroupIngestWorker,
		ConsumerName: hostnameConsumerName(),
		BlockTimeout: cfg.Messaging.RedisStream.BlockTimeout,
		RetryLimit:   cfg.Messaging.RedisStream.RetryLimit,
		Backoff: messaging.BackoffConfig{
			Initial:    cfg.Messaging.RedisStream.RetryBackoff.Initial,
			Max:        cfg.Messaging.RedisStream.RetryBackoff.Max,
			Multiplier: cfg.Messaging.RedisStream.RetryBackoff.Multiplier,
		},
	})

	consumer.RegisterHandler(messaging.TypeDocumentIngest, func(ctx context.Context, msg *messaging.Message) error {
		var payload messaging.IngestJobMessage
		if err := msg.UnmarshalPayload(&payload); err != nil {
			return err
		}
		if payload.Reingest {
			return coordinator.Reingest(ctx, payload.DocumentID)
		}
		return coordinator.Ingest(ctx, payload.DocumentID)
	})

	consumer.RegisterHandler(messaging.TypeDocumentRemove, func(ctx context.Context, msg *messaging.Message) error {
		var payload messaging.RemoveJobMessage
		if err := msg.UnmarshalPayload(&payload); err != nil {
			return err
		}
		return coordinator.Remove(ctx, payload.DocumentID)
	})

	consumer.RegisterHandler(messaging.TypeScopeUpdate, func(ctx context.Context, msg *messaging.Message) error {
		var payload messaging.ScopeUpdateMessage
		if err := msg.UnmarshalPayload(&payload); err != nil {
			return err
		}
		return coordinator.UpdateScope(ctx, payload.DocumentID, payload.NewScopeTag)
	})

	return consumer
}

// serveMetrics 暴露 Prometheus 指标端点
func serveMetrics(ctx context.Context, cfg config.MetricsConfig) {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info(ctx, "metrics server listening", "addr", addr, "path", path)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error(ctx, "metrics server exited", err)
	}
}

func hostnameConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
