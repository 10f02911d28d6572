package main

import (
	"context"
	"os/signal"
	"syscall"

	"slotattend/internal/config"
	"slotattend/internal/log"
	"slotattend/internal/queue"
	"slotattend/internal/report"
	"slotattend/internal/store"
	"slotattend/internal/worker"
)

// Worker consumes attendance events and drops stale cached feeds.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := log.New(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend == queue.BackendMemory {
		logger.Fatal().Msg("the memory queue is consumed inside the api process; set SLOTATTEND_QUEUE_BACKEND to redis or nats")
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		logger.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable, invalidations will fail until it is")
	}

	q, closeQueue, err := queue.Open(cfg.QueueBackend, redisClient.Client, cfg.NATSURL, "slotattend-worker")
	if err != nil {
		logger.Fatal().Err(err).Msg("queue init failed")
	}
	defer closeQueue()

	feeds := report.NewRedisCache(redisClient.Client, cfg.FeedCacheTTL, logger)
	if err := worker.New(q, feeds, logger).Run(ctx); err != nil {
		logger.Error().Err(err).Msg("worker failed")
	}
}
