// Command engine runs the AI job engine: HTTP API, queue consumer and the
// reconciliation sweeps, in one process.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/plurapp/ai-engine/internal/app"
	"github.com/plurapp/ai-engine/internal/config"
	"github.com/plurapp/ai-engine/internal/objectstore"
	"github.com/plurapp/ai-engine/internal/queue"
	"github.com/plurapp/ai-engine/internal/storage/postgres"
	"github.com/plurapp/ai-engine/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadOrDefault()
	log := logger.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := buildStores(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("storage initialisation failed")
		os.Exit(1)
	}

	deps, err := buildDeps(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("infrastructure initialisation failed")
		os.Exit(1)
	}

	application, err := app.New(cfg, stores, deps, log)
	if err != nil {
		log.WithError(err).Error("application initialisation failed")
		os.Exit(1)
	}

	if err := application.Run(ctx); err != nil {
		log.WithError(err).Error("engine exited with error")
		os.Exit(1)
	}
}

// buildStores connects Postgres when configured and falls back to the
// in-memory store for local development.
func buildStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (app.Stores, error) {
	if cfg.Database.URL == "" {
		log.Warn("no database configured, using in-memory storage")
		return app.Stores{}, nil
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.URL)
	if err != nil {
		return app.Stores{}, err
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	store := postgres.New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		return app.Stores{}, err
	}
	log.Info("connected to postgres")

	return app.Stores{
		Jobs:       store,
		Ledger:     store,
		RateLimits: store,
		Personas:   store,
	}, nil
}

// buildDeps selects the queue and artifact storage backends.
func buildDeps(ctx context.Context, cfg *config.Config, log *logger.Logger) (app.Deps, error) {
	var deps app.Deps

	if cfg.Redis.Addr != "" {
		bus, err := app.NewRedisBus(ctx, cfg.Redis, log.WithField("component", "queue"))
		if err != nil {
			return app.Deps{}, err
		}
		deps.Bus = bus
		log.Info("connected to redis queue")
	} else {
		log.Warn("no redis configured, using in-process queue")
		deps.Bus = queue.NewMemory()
	}

	if cfg.Storage.Driver == "s3" {
		store, err := objectstore.NewS3(ctx, cfg.Storage.Bucket, cfg.Storage.Prefix, cfg.Storage.PublicBase)
		if err != nil {
			return app.Deps{}, err
		}
		deps.Objects = store
		log.Infof("artifact storage: s3 bucket %s", cfg.Storage.Bucket)
	}

	return deps, nil
}
