package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"slotattend/internal/attendance"
	"slotattend/internal/auth"
	"slotattend/internal/config"
	"slotattend/internal/httpapi"
	"slotattend/internal/httpmiddleware"
	"slotattend/internal/jobs"
	"slotattend/internal/lock"
	"slotattend/internal/log"
	"slotattend/internal/observability"
	"slotattend/internal/queue"
	"slotattend/internal/report"
	"slotattend/internal/store"
	"slotattend/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := log.New(cfg.Env)
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api stopped")
	}
}

func run(ctx context.Context, cfg config.App, logger zerolog.Logger) error {
	db, err := store.NewDB(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(ctx, db); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	redisUp := redisClient.Healthy(ctx)
	if !redisUp {
		logger.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable, feed cache disabled")
	}

	q, closeQueue, err := queue.Open(cfg.QueueBackend, redisClient.Client, cfg.NATSURL, "slotattend-api")
	if err != nil {
		return err
	}
	defer closeQueue()

	var locker attendance.Locker = lock.NewLocal()
	if cfg.LockBackend == "redis" {
		locker = lock.NewRedis(redisClient.Client, logger)
	}

	metrics := observability.NewRecorder()
	repo := attendance.NewRepository(db.Client, db.Driver)
	svc := attendance.NewService(repo, logger, attendance.Options{
		Locker:   locker,
		Notifier: queue.NewNotifier(q),
		Users:    attendance.UsersConfig{Admins: cfg.Admins, AllowedDomain: cfg.AllowedDomain},
		Slots:    metrics,
		Marks:    metrics,
	})

	reports := report.NewService(svc.Slots, repo, attendance.SystemClock{}, cfg.FeedLimit, logger)
	if redisUp && cfg.FeedCacheTTL > 0 {
		reports.WithCache(report.NewRedisCache(redisClient.Client, cfg.FeedCacheTTL, logger))
	}

	// The memory queue only reaches consumers in this process.
	if cfg.QueueBackend == queue.BackendMemory {
		go func() {
			if err := worker.New(q, reports, logger).Run(ctx); err != nil {
				logger.Error().Err(err).Msg("in-process worker failed")
			}
		}()
	}

	markLimiter := httpmiddleware.NewSimpleTokenBucket(cfg.MarkRateLimitPerMin, cfg.MarkRateLimitPerMin)
	globalLimiter := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)

	handler := httpapi.NewHandler(httpapi.Deps{
		Service: svc,
		Reports: reports,
		Keys: auth.Keys{
			Issuer:     cfg.JWTIssuer,
			SigningKey: cfg.JWTSigningKey,
			AccessTTL:  cfg.AccessTTL,
			RefreshTTL: cfg.RefreshTTL,
		},
		PublicBaseURL: cfg.PublicBaseURL,
		MarkLimit:     markLimiter.GinMiddlewareBy(httpapi.UserLimitKey),
		Logger:        logger,
	})

	health := map[string]httpapi.HealthCheck{
		"db": func(ctx context.Context) bool { return db.Client.PingContext(ctx) == nil },
	}
	if cfg.QueueBackend == queue.BackendRedis || cfg.LockBackend == "redis" {
		health["redis"] = redisClient.Healthy
	}
	router := httpapi.NewRouter(httpapi.RouterConfig{
		Logger:      logger,
		CORSOrigins: cfg.CORSOrigins,
		Limiter:     globalLimiter,
		Health:      health,
	}, handler)

	scheduler := jobs.NewScheduler(cfg.SweepSchedule, svc.Slots, observability.OpenSlots(), logger, markLimiter, globalLimiter)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("scheduler start failed")
	}

	srv := httpapi.NewHTTPServer(cfg.HTTPPort, router, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	scheduler.Stop(shutdownCtx)
	logger.Info().Msg("server exited cleanly")
	return nil
}
