package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"ceremony/internal/app"
	"ceremony/internal/ceremony"
	"ceremony/internal/config"
	"ceremony/internal/confirm"
	"ceremony/internal/gateway"
	"ceremony/internal/httpapi"
	"ceremony/internal/httpmiddleware"
	"ceremony/internal/notify"
	"ceremony/internal/queue"
	"ceremony/internal/telemetry"
)

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

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.App, logger *slog.Logger) error {
	backend, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)
	opts := ceremony.Options{Logger: logger, Observer: metrics}

	hub := notify.NewHub(notify.DefaultBuffer, logger)
	hub.OnSubscribers = metrics.StreamClients
	var (
		notifier ceremony.Notifier = hub
		relay    *notify.Relay
	)
	if cfg.NotifyBackend == "redis" {
		relay = notify.NewRelay(backend.Redis.Client, cfg.NotifyChannel, hub, logger)
		notifier = relay
	}

	matcher := gateway.New(cfg.MatcherURL, cfg.MatcherSkip)
	if err := matcher.Health(ctx); err != nil {
		logger.Warn("matcher not available, captures will fail until it is", "url", cfg.MatcherURL, "error", err)
	}
	policy := cfg.Policy()

	ledger := ceremony.NewLedger(backend.Store, queue.Retrier{Queue: backend.Queue}, opts)
	lifecycle := ceremony.NewLifecycle(backend.Store, notifier, opts)
	sequencer := ceremony.NewSequencer(backend.Store, notifier, opts)
	issuer, err := confirm.NewIssuer(cfg.ConfirmSigningKey, cfg.ConfirmIssuer, cfg.ConfirmTTL)
	if err != nil {
		return err
	}

	checks := backend.Checks()
	checks["matcher"] = func(ctx context.Context) bool { return matcher.Health(ctx) == nil }

	router := httpapi.NewRouter(httpapi.Deps{
		Lifecycle: lifecycle,
		Admission: ceremony.NewAdmission(backend.Store, matcher, ledger, policy, opts),
		Verifier:  ceremony.NewVerifier(backend.Store, matcher, ledger, policy, opts),
		Sequencer: sequencer,
		Ledger:    ledger,
		Confirm:   issuer,
		Hub:       hub,
		Limiter:   httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin),
		Gatherer:  reg,
		Checks:    checks,
		Heartbeat: cfg.SSEHeartbeat,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:        ":" + cfg.HTTPPort,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: announcement streams stay open
		IdleTimeout: 60 * time.Second,
	}
	srv.RegisterOnShutdown(hub.Close)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", "addr", srv.Addr, "store", cfg.StoreBackend, "queue", cfg.QueueBackend, "notify", cfg.NotifyBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return notify.NewWatcher(sequencer.Current, hub, cfg.AnnouncementPollInterval, logger).Run(gctx)
	})
	if relay != nil {
		g.Go(func() error {
			if err := relay.Run(gctx); err != nil {
				logger.Warn("announcement relay stopped, falling back to polling", "error", err)
			}
			return nil
		})
	}
	if cfg.QueueBackend == "memory" {
		// nobody else can drain an in-process queue
		w := &queue.Worker{Queue: backend.Queue, Recomputer: ledger, Logger: logger, OnJob: metrics.RetryJob}
		g.Go(func() error { return w.Run(gctx) })
	}

	err = g.Wait()
	logger.Info("server exited")
	return err
}
