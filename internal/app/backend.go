// Package app wires the configured backends shared by the commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ceremony/internal/ceremony"
	"ceremony/internal/config"
	"ceremony/internal/queue"
	"ceremony/internal/store"
	"ceremony/internal/store/memstore"
	"ceremony/internal/store/postgres"
)

// Backend holds the opened store, Redis client and job queue.
type Backend struct {
	Store ceremony.Store
	DB    *store.DB
	Redis *store.Redis
	Queue queue.Queue
}

// Open connects the backends selected by cfg and applies migrations.
func Open(ctx context.Context, cfg config.App, logger *slog.Logger) (*Backend, error) {
	b := &Backend{}
	switch cfg.StoreBackend {
	case "memory":
		b.Store = memstore.New()
		logger.Warn("using in-memory store, state is lost on exit")
	default:
		db, err := store.NewDB(ctx, cfg.DatabaseURL, store.DBOptions{})
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, db.Client); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		b.DB = db
		b.Store = postgres.New(db.Client)
	}

	if cfg.UsesRedis() {
		b.Redis = store.NewRedis(cfg.RedisAddr)
		if !b.Redis.Healthy(ctx) {
			logger.Warn("redis not reachable, continuing", "addr", cfg.RedisAddr)
		}
	}
	if cfg.QueueBackend == "memory" {
		b.Queue = queue.NewInMemory(64)
	} else {
		b.Queue = queue.NewRedisQueue(b.Redis.Client, cfg.QueueKey)
	}
	return b, nil
}

// Checks are the health probes for /healthz.
func (b *Backend) Checks() map[string]func(context.Context) bool {
	checks := map[string]func(context.Context) bool{}
	if b.DB != nil {
		checks["db"] = b.DB.Healthy
	}
	if b.Redis != nil {
		checks["redis"] = b.Redis.Healthy
	}
	return checks
}

// Close releases every connection.
func (b *Backend) Close() error {
	var errs []error
	if b.DB != nil {
		errs = append(errs, b.DB.Close())
	}
	if b.Redis != nil {
		errs = append(errs, b.Redis.Close())
	}
	return errors.Join(errs...)
}
