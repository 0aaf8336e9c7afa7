// Command structures-manager runs the scheduler: the HTTP API processors
// register against, the lease manager distributing structure files, and the
// background cycle that expires silent processors and rebalances modes.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Lucasrsv1/structures-manager"
	"github.com/Lucasrsv1/structures-manager/api"
	"github.com/Lucasrsv1/structures-manager/auth"
	"github.com/Lucasrsv1/structures-manager/balancer"
	"github.com/Lucasrsv1/structures-manager/lease"
	"github.com/Lucasrsv1/structures-manager/observability"
	"github.com/Lucasrsv1/structures-manager/processor"
	"github.com/Lucasrsv1/structures-manager/store/mongo"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(logger)

	cfg := structures.FromEnv()

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

	metrics := observability.NewMetrics()

	authenticator, err := auth.New()
	if err != nil {
		logger.Error("failed to create authenticator", slog.String("error", err.Error()))
		os.Exit(1)
	}

	registry := processor.NewRegistry(authenticator, logger,
		processor.WithExpiry(cfg.RedistributionInterval),
		processor.WithCycleInterval(cfg.CycleInterval),
		processor.WithMetrics(metrics),
	)

	bal := balancer.New(store, registry, logger,
		cfg.RedistributionInterval, cfg.MultiFilesMaxBytes, cfg.StoreTimeout)
	registry.SetRebalance(bal.Rebalance)

	leases := lease.NewManager(store, registry, logger,
		cfg.RedistributionInterval, cfg.MultiFilesMaxBytes, cfg.MaxPerRequest,
		lease.WithMetrics(metrics),
	)

	if err := registry.Start(context.Background()); err != nil {
		logger.Error("failed to start registry", slog.String("error", err.Error()))
		os.Exit(1)
	}

	handler := api.New(registry, leases, store, logger, cfg.RedistributionInterval, nil).Handler()
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("structures manager listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if err := registry.Stop(shutdownCtx); err != nil {
		logger.Error("registry shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("goodbye")
}

func logLevel() slog.Level {
	if os.Getenv("DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
