package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/matforge/material-engine/internal/batcher"
	"github.com/matforge/material-engine/internal/config"
	"github.com/matforge/material-engine/internal/domain"
	"github.com/matforge/material-engine/internal/handler"
	"github.com/matforge/material-engine/internal/infra/postgresql"
	"github.com/matforge/material-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/matforge/material-engine/internal/infra/redis"
	"github.com/matforge/material-engine/internal/observability"
	"github.com/matforge/material-engine/internal/pipeline"
	"github.com/matforge/material-engine/internal/provider"
	"github.com/matforge/material-engine/internal/queue"
	"github.com/matforge/material-engine/internal/repository"
	"github.com/matforge/material-engine/internal/service"
	"github.com/matforge/material-engine/internal/transport"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.AIRequestsPerSec)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rabbit.Close()

	openAICfg := provider.OpenAIConfig{
		BaseURL:        cfg.OpenAIBaseURL,
		Token:          cfg.OpenAIAPIKey,
		Model:          cfg.OpenAIModel,
		EmbeddingModel: cfg.OpenAIEmbeddingModel,
	}

	parser, err := provider.NewOpenAIParser(openAICfg, logger)
	if err != nil {
		logger.Fatal("parser initialization failed", zap.Error(err))
	}

	embeddings, err := provider.NewOpenAIEmbedding(openAICfg, logger)
	if err != nil {
		logger.Fatal("embedding service initialization failed", zap.Error(err))
	}

	normalizer, err := provider.NewCatalogNormalizer(db, 0, logger)
	if err != nil {
		logger.Fatal("normalizer initialization failed", zap.Error(err))
	}

	skuSearch, err := provider.NewCatalogSearch(db, 0, logger)
	if err != nil {
		logger.Fatal("sku search initialization failed", zap.Error(err))
	}

	reference, err := provider.NewCatalogReference(db, logger)
	if err != nil {
		logger.Fatal("reference catalog initialization failed", zap.Error(err))
	}

	runner, err := pipeline.New(parser, normalizer, embeddings, skuSearch, reference, limiter, pipeline.Config{
		StageTimeout:        cfg.StageTimeout(),
		SimilarityThreshold: cfg.SimilarityThreshold,
	}, logger)
	if err != nil {
		logger.Fatal("pipeline initialization failed", zap.Error(err))
	}

	batches := batcher.New[domain.ProcessingRecord](batcher.Config{
		MinBatchSize:         cfg.MinBatchSize,
		MaxBatchSize:         cfg.MaxBatchSize,
		TargetMemoryFraction: cfg.TargetMemoryFraction,
		TargetBatchTime:      cfg.TargetBatchTime(),
		MaxConcurrentBatches: cfg.BatchConcurrency,
		AdaptiveSizing:       cfg.AdaptiveSizing,
		MemoryBudget:         cfg.MemoryBudget(),
	}, logger)

	records := repository.NewGormProcessingRepo(db)

	coordinator, err := service.NewBatchCoordinator(records, runner, batches, service.CoordinatorConfig{
		MaxMaterialsPerRequest: cfg.MaxMaterialsPerRequest,
		MaxConcurrentBatches:   cfg.MaxConcurrentJobs,
		MaxRetries:             cfg.MaxRetries,
		RetryDelay:             cfg.RetryDelay(),
	}, logger)
	if err != nil {
		logger.Fatal("coordinator initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	coordinator.SetMetrics(metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scanner, err := service.NewRetryScanner(coordinator, cfg.RetryScanInterval(), logger)
	if err != nil {
		logger.Fatal("retry scanner initialization failed", zap.Error(err))
	}
	go func() {
		if err := scanner.Start(ctx); err != nil {
			logger.Error("retry scanner stopped", zap.Error(err))
		}
	}()

	cleanup, err := service.NewCleanupTask(coordinator, cfg.CleanupInterval(), cfg.RetentionDays, logger)
	if err != nil {
		logger.Fatal("cleanup task initialization failed", zap.Error(err))
	}
	go func() {
		if err := cleanup.Start(ctx); err != nil {
			logger.Error("cleanup task stopped", zap.Error(err))
		}
	}()

	consumer := queue.NewRabbitMQConsumer(rabbit, cfg.ConsumerPrefetch, logger)
	go func() {
		err := consumer.Consume(ctx, queue.RequestQueue, func(msgCtx context.Context, msg queue.BatchRequestMessage) error {
			_, submitErr := coordinator.Submit(msgCtx, msg.RequestID, msg.Inputs())
			if submitErr == nil {
				return nil
			}
			if errors.Is(submitErr, domain.ErrValidation) {
				logger.Warn("dropping invalid batch request message",
					zap.String("requestId", msg.RequestID),
					zap.Error(submitErr),
				)
				return nil
			}
			// Admission rejections requeue until a job slot frees up.
			return submitErr
		})
		if err != nil {
			logger.Error("queue consumer stopped", zap.Error(err))
		}
	}()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	if err := handler.RegisterBatchRoutes(app, coordinator); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	go func() {
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	logger.Info("material-engine api started", zap.Int("port", cfg.APIPort))

	<-ctx.Done()
	logger.Info("shutting down")

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}
}
