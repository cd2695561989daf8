package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"ceremony/internal/app"
	"ceremony/internal/ceremony"
	"ceremony/internal/config"
	"ceremony/internal/queue"
	"ceremony/internal/telemetry"
)

// Worker drains summary recompute jobs left by failed ledger writes.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := telemetry.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend == "memory" || cfg.StoreBackend == "memory" {
		logger.Error("worker needs the redis queue and the postgres store; memory backends are drained by the api process")
		os.Exit(1)
	}

	backend, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("open backends", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	ledger := ceremony.NewLedger(backend.Store, nil, ceremony.Options{Logger: logger, Observer: metrics})
	w := &queue.Worker{Queue: backend.Queue, Recomputer: ledger, Logger: logger, OnJob: metrics.RetryJob}

	logger.Info("worker started, waiting for jobs")
	if err := w.Run(ctx); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
