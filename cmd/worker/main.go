package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"genjutsu/internal/artifact"
	"genjutsu/internal/backend"
	"genjutsu/internal/config"
	"genjutsu/internal/logging"
	"genjutsu/internal/notify"
	"genjutsu/internal/queue"
	"genjutsu/internal/telemetry"
	"genjutsu/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	logger = logger.With().Str("worker_id", workerID).Logger()

	registry, err := loadBackends(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("load backends")
	}
	if registry.Len() == 0 {
		logger.Fatal().Strs("requested", cfg.LoadedModels).Msg("no generation backend available")
	}

	files, err := artifact.NewFileStore(cfg.OutputDir, cfg.ArtifactPromptLen)
	if err != nil {
		logger.Fatal().Err(err).Msg("init artifact store")
	}

	var mirror artifact.Mirror
	if cfg.ArtifactS3Bucket != "" {
		m, err := artifact.NewS3Mirror(ctx, artifact.S3Config{
			Bucket:    cfg.ArtifactS3Bucket,
			Region:    cfg.ArtifactS3Region,
			Endpoint:  cfg.ArtifactS3Endpoint,
			PathStyle: cfg.ArtifactS3PathStyle,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("init s3 mirror")
		}
		mirror = m
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Close()

	notifier := notify.New(notify.Config{
		BaseURL: cfg.CallbackBaseURL,
		Timeout: cfg.CallbackTimeout,
		Lanes:   cfg.NotifyLanes,
		Buffer:  cfg.NotifyBuffer,
	}, logger)

	pool := worker.NewPool(cfg, workerID, worker.Deps{
		Queue:    q,
		Registry: registry,
		Store:    files,
		Mirror:   mirror,
		Notifier: notifier,
		Logger:   logger,
	})

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().
		Strs("models", registry.Names()).
		Str("device", cfg.Device).
		Dur("visibility", cfg.VisibilityTimeout).
		Msg("worker started")
	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	if err := notifier.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("notifier did not drain")
	}
}

// loadBackends builds the registry from LOADED_MODELS. "procedural" runs
// in-process; every other model is served by the runtime at MODEL_RUNTIME_URL
// and is skipped when the runtime does not report it loaded.
func loadBackends(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*backend.Registry, error) {
	var loaded []backend.GenerationBackend
	for _, raw := range cfg.LoadedModels {
		name, err := backend.ParseModelName(raw)
		if err != nil {
			return nil, err
		}
		if name == "procedural" {
			loaded = append(loaded, backend.NewProceduralBackend(name))
			continue
		}
		if cfg.ModelRuntimeURL == "" {
			logger.Warn().Str("model", raw).Msg("MODEL_RUNTIME_URL not set; model skipped")
			continue
		}
		remote := backend.NewRemoteBackend(name, cfg.ModelRuntimeURL, 0)
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = remote.Probe(probeCtx)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Str("model", raw).Msg("model runtime not ready; model skipped")
			continue
		}
		loaded = append(loaded, remote)
		logger.Info().Str("model", raw).Msg("model loaded")
	}
	return backend.NewRegistry(loaded...)
}
