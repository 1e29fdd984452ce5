package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"genjutsu/internal/api"
	"genjutsu/internal/config"
	"genjutsu/internal/jobs"
	"genjutsu/internal/logging"
	"genjutsu/internal/notify"
	"genjutsu/internal/queue"
	"genjutsu/internal/ratelimit"
	"genjutsu/internal/record"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env, "api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q := queue.NewRedisQueue(cfg)
	defer q.Close()
	if err := q.Ping(ctx); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis not reachable at startup")
	}

	limiterClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer limiterClient.Close()
	limiter := ratelimit.NewTokenBucket(limiterClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	notifier := notify.New(notify.Config{
		BaseURL: cfg.CallbackBaseURL,
		Timeout: cfg.CallbackTimeout,
		Lanes:   cfg.NotifyLanes,
		Buffer:  cfg.NotifyBuffer,
	}, logger)

	var records jobs.RecordReader
	if cfg.CallbackBaseURL != "" {
		records = record.NewClient(cfg.CallbackBaseURL, cfg.RecordReadTimeout)
	}
	svc := jobs.NewService(q, records, notifier, cfg.Bounds(), logger)

	server := api.New(svc, limiter, logger, cfg.OutputDir)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("listen")
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if err := notifier.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("notifier did not drain")
	}
}
