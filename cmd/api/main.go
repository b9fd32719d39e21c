package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"cortex-core/internal/config"
	"cortex-core/internal/cortex"
	"cortex-core/internal/crypto"
	apihttp "cortex-core/internal/http"
	"cortex-core/internal/queue"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

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
	dispatcher := cortex.NewFlowDispatcher(q, logger,
		cfg.QueueMaxAttempts,
		time.Duration(cfg.QueueBackoffBaseMS)*time.Millisecond,
	)

	var flowCipher *crypto.FlowCipher
	if len(cfg.FlowCryptoSecrets) > 0 {
		flowCipher, err = crypto.NewFlowCipher(cfg.FlowCryptoSecrets)
		if err != nil {
			logger.Fatal("flow cipher init failed", zap.Error(err))
		}
	}

	webhookHandler := apihttp.NewWebhookHandler(logger, dispatcher, flowCipher, cfg.WhatsAppVerifyToken)
	router := apihttp.NewRouter(logger, webhookHandler)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("starting server", zap.String("port", cfg.HTTPPort))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
}
