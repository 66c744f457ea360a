package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"storyloom/internal/api"
	"storyloom/internal/artifacts"
	"storyloom/internal/backend"
	"storyloom/internal/config"
	"storyloom/internal/feedback"
	"storyloom/internal/generate"
	"storyloom/internal/progress"
	"storyloom/internal/search"
	"storyloom/internal/session"
	"storyloom/internal/watch"
	"storyloom/internal/workflow"
)

func main() {
	// Load .env file if it exists.
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg := config.Load()
	ctx := context.Background()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	store, err := session.NewSQLiteStore(ctx, cfg.SessionDBPath, cfg.SessionTTL)
	if err != nil {
		return err
	}
	defer store.Close()

	assetStore, err := buildArtifactStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer assetStore.Close()

	var notifier progress.Notifier
	if cfg.RedisAddr != "" {
		rn, err := progress.NewRedisNotifier(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Warn("redis unavailable, progress events disabled", zap.Error(err))
			notifier = progress.NewNoopNotifier()
		} else {
			defer rn.Close()
			notifier = rn
		}
	} else {
		notifier = progress.NewNoopNotifier()
	}

	cascades, storyLLM, err := backend.NewCascadesFromEnv()
	if err != nil {
		return err
	}

	var completer feedback.Completer
	if storyLLM != nil {
		completer = storyLLM
	}
	extractor, err := feedback.NewExtractor(completer, logger)
	if err != nil {
		return err
	}

	index, err := search.Open(cfg.SearchIndexPath, logger)
	if err != nil {
		return err
	}
	defer index.Close()

	adapter := generate.NewAdapter(generate.DefaultPolicy(), logger)
	machine := workflow.NewMachine(store, adapter, extractor, notifier, assetStore, cascades, nil, index,
		workflow.Config{
			ReferenceImageCount: cfg.ReferenceImageCount,
			MaxScenes:           cfg.MaxScenes,
			SecondsPerScene:     cfg.SecondsPerScene,
			QualityThreshold:    cfg.QualityThreshold,
			QualityMaxAttempts:  cfg.QualityMaxAttempts,
			Workers:             cfg.Workers,
		}, logger)
	defer machine.Close()

	if cfg.DropDir != "" {
		watcher, err := watch.NewDropWatcher(cfg.DropDir, store, machine, logger)
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
		logger.Info("watching manual asset drop directory", zap.String("dir", cfg.DropDir))
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go purgeLoop(shutdownCtx, store, cfg.PurgeInterval, logger)

	handler := api.NewHandler(machine, index, cfg.CORSAllowedOrigins, logger)
	server := handler.Server(cfg.ListenAddr)

	go func() {
		logger.Info("storyloom listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-shutdownCtx.Done()
	logger.Info("shutting down")

	ctxTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctxTimeout)
}

func buildArtifactStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (artifacts.Store, error) {
	if cfg.S3Bucket != "" {
		return artifacts.NewS3Store(ctx, cfg.S3Region, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket)
	}
	return artifacts.NewLocalStore(cfg.ArtifactDir, logger)
}

// purgeLoop evicts expired sessions on a fixed cadence.
func purgeLoop(ctx context.Context, store *session.SQLiteStore, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeExpired(context.Background())
			if err != nil {
				logger.Warn("session purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("purged expired sessions", zap.Int("count", n))
			}
		}
	}
}
