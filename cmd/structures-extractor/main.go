// Command structures-extractor keeps the catalog fed: it discovers new
// structure files from the upstream repository on a cron schedule and
// measures file sizes so the scheduler can classify work.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Lucasrsv1/structures-manager"
	"github.com/Lucasrsv1/structures-manager/extractor"
	"github.com/Lucasrsv1/structures-manager/store/mongo"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(logger)

	cfg := structures.FromEnv()

	indexURL := os.Getenv("STRUCTURES_INDEX_URL")
	if indexURL == "" {
		logger.Error("STRUCTURES_INDEX_URL is required")
		os.Exit(1)
	}
	baseURL := os.Getenv("STRUCTURES_BASE_URL")
	if baseURL == "" {
		baseURL = indexURL
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
	client, db, err := mongo.Connect(ctx, cfg.MongoHost, cfg.MongoDatabase)
	cancel()
	if err != nil {
		logger.Error("failed to connect to mongodb", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer client.Disconnect(context.Background())

	store := mongo.New(db, mongo.WithLogger(logger))

	ctx, cancel = context.WithTimeout(context.Background(), cfg.StoreTimeout)
	err = store.Migrate(ctx)
	cancel()
	if err != nil {
		logger.Error("failed to migrate catalog", slog.String("error", err.Error()))
		os.Exit(1)
	}

	source := extractor.NewHTTPSource(indexURL, baseURL,
		extractor.WithRateLimit(envFloat("EXTRACTOR_RATE", 5)),
	)

	opts := []extractor.Option{
		extractor.WithWorkers(envInt("EXTRACTOR_WORKERS", 4)),
	}
	if spec := os.Getenv("EXTRACTOR_REFRESH_SPEC"); spec != "" {
		opts = append(opts, extractor.WithRefreshSpec(spec))
	}

	ex := extractor.New(store, source, logger, opts...)
	if err := ex.Start(context.Background()); err != nil {
		logger.Error("failed to start extractor", slog.String("error", err.Error()))
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ex.Stop(shutdownCtx); err != nil {
		logger.Error("extractor shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("goodbye")
}

func logLevel() slog.Level {
	if os.Getenv("DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func envInt(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}
