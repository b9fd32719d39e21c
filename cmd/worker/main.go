package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"cortex-core/internal/channel"
	"cortex-core/internal/config"
	"cortex-core/internal/cortex"
	"cortex-core/internal/db"
	"cortex-core/internal/events"
	"cortex-core/internal/llm"
	"cortex-core/internal/neural"
	"cortex-core/internal/notify"
	"cortex-core/internal/queue"
	"cortex-core/internal/repository"
	"cortex-core/internal/sentinel"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := redisClient.Ping(ctxPing).Err(); err != nil {
		cancel()
		logger.Fatal("redis ping failed", zap.Error(err))
	}
	cancel()

	q := queue.NewRedisQueue(redisClient, logger)

	llmClient := llm.NewHTTPClient(
		cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMEmbedModel,
		time.Duration(cfg.LLMTimeoutSeconds)*time.Second, logger,
	)

	memoryRepo := neural.NewRedisRepository(
		redisClient, cfg.MemoryFetchLimit, cfg.MemoryHardCap,
		time.Duration(cfg.MemoryTTLHours)*time.Hour,
	)
	assembler := neural.NewAssembler(cfg.MemoryTokenBudget)
	memory := neural.NewManager(memoryRepo, assembler, logger)

	sender := channel.NewWhatsAppSender(cfg.WhatsAppBaseURL, cfg.WhatsAppToken, cfg.WhatsAppPhoneID, logger)
	humanizer := cortex.NewHumanizer(sender, logger,
		cfg.TypingCharsPerMinute,
		time.Duration(cfg.TypingMaxDelayMS)*time.Millisecond,
		time.Duration(cfg.TypingBaseLatencyMS)*time.Millisecond,
	)

	sink := notify.NewQueueSink(q, logger)
	scanner := sentinel.NewScanner(logger)

	orchestrator := cortex.NewOrchestrator(q, memory, llmClient, humanizer, sink, logger, cfg.AgentDirective)

	worker := queue.NewWorker(q, logger)
	worker.Register(cortex.QueueSentiment, cortex.NewSentimentWorker(llmClient, logger).Handle)
	worker.Register(cortex.QueueSecurity, cortex.NewSecurityWorker(scanner, logger).Handle)
	worker.Register(cortex.QueueTranscription, cortex.NewTranscriptionWorker(llmClient, logger).Handle)
	worker.Register(cortex.QueueVision, cortex.NewVisionWorker(llmClient, logger).Handle)
	worker.Register(cortex.QueueOrchestrator, orchestrator.Handle)
	worker.Register(notify.QueueNotifications,
		notify.NewDeliverer(sender, logger, cfg.SupportChannelUserID).Handle)

	// Los side effects de dominio necesitan Postgres; sin DATABASE_URL el
	// worker corre igual, solo con el grafo conversacional.
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg)
		if err != nil {
			logger.Fatal("db connect", zap.Error(err))
		}
		defer pool.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		if err := db.Ping(pingCtx, pool); err != nil {
			pingCancel()
			logger.Fatal("db ping failed", zap.Error(err))
		}
		pingCancel()

		gamificationRepo := repository.NewPgGamificationRepository(pool)
		semanticRepo := repository.NewPgSemanticMemoryRepository(pool)
		recaller := repository.NewEmbeddingRecaller(semanticRepo, llmClient)
		memory.WithSearcher(recaller)
		orchestrator.WithMemorizer(recaller)

		router := events.NewRouter(logger)
		events.RegisterDomainHandlers(router, gamificationRepo, sink)
		worker.Register(events.QueueDomainEvents, router.Handle)
	} else {
		logger.Warn("DATABASE_URL no configurada: eventos de dominio y memoria semántica deshabilitados")
	}

	logger.Info("starting workers")

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal("worker error", zap.Error(err))
	}
	logger.Info("workers stopped")
}
