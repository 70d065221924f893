// Package app assembles the engine: stores, services, the dispatcher, the
// reconciliation sweeps and the HTTP server.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/plurapp/ai-engine/internal/ai"
	"github.com/plurapp/ai-engine/internal/config"
	"github.com/plurapp/ai-engine/internal/httpapi"
	"github.com/plurapp/ai-engine/internal/jobs"
	"github.com/plurapp/ai-engine/internal/ledger"
	"github.com/plurapp/ai-engine/internal/metrics"
	"github.com/plurapp/ai-engine/internal/middleware"
	"github.com/plurapp/ai-engine/internal/objectstore"
	"github.com/plurapp/ai-engine/internal/queue"
	"github.com/plurapp/ai-engine/internal/ratelimit"
	"github.com/plurapp/ai-engine/internal/reconcile"
	"github.com/plurapp/ai-engine/internal/storage"
	"github.com/plurapp/ai-engine/internal/storage/memory"
	"github.com/plurapp/ai-engine/internal/workflow"
	"github.com/plurapp/ai-engine/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Jobs       storage.JobStore
	Ledger     storage.LedgerStore
	RateLimits storage.RateLimitStore
	Personas   storage.PersonaStore
}

// Deps carries the non-store infrastructure. Nil values default to
// in-process implementations.
type Deps struct {
	Bus     queue.Bus
	Objects objectstore.Store
}

// Application ties the engine's services together and manages their
// lifecycle.
type Application struct {
	cfg *config.Config
	log *logger.Logger

	Jobs       *jobs.Service
	Credits    *ledger.Service
	Dispatcher *jobs.Dispatcher
	Reconciler *reconcile.Reconciler

	handler http.Handler
	server  *http.Server
}

// New builds a fully initialised application.
func New(cfg *config.Config, stores Stores, deps Deps, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.New(cfg.Logging)
	}

	mem := memory.New()
	if stores.Jobs == nil {
		stores.Jobs = mem
	}
	if stores.Ledger == nil {
		stores.Ledger = mem
	}
	if stores.RateLimits == nil {
		stores.RateLimits = mem
	}
	if stores.Personas == nil {
		stores.Personas = mem
	}
	if deps.Bus == nil {
		deps.Bus = queue.NewMemory()
	}
	if deps.Objects == nil {
		deps.Objects = objectstore.NewMemory()
	}

	credits := ledger.New(stores.Ledger, log.WithField("component", "ledger"))
	limiter := ratelimit.New(stores.RateLimits, log.WithField("component", "ratelimit"))

	registry := ai.NewRegistry(cfg.Providers)
	router := ai.NewRouter(registry, cfg.Providers, log.WithField("component", "ai-router"))
	engine := workflow.NewEngine(router, registry, deps.Objects, stores.Personas, log.WithField("component", "workflow"))

	jobSvc := jobs.NewService(stores.Jobs, credits, limiter, deps.Bus, cfg.Limits, log.WithField("component", "jobs"))
	dispatcher, err := jobs.NewDispatcher(stores.Jobs, credits, engine, deps.Bus, log.WithField("component", "dispatcher"))
	if err != nil {
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}
	reconciler := reconcile.New(stores.Jobs, credits, deps.Bus, cfg.Reconcile.StaleAfter, log.WithField("component", "reconcile"))

	api := httpapi.New(jobSvc, credits, log.WithField("component", "http"))
	auth := middleware.NewAuth(cfg.Auth.JWTSecret, log.WithField("component", "auth"), []string{"/healthz", "/metrics"})
	httpLimiter := middleware.NewRateLimiter(cfg.Server.RequestsPerSecond, cfg.Server.Burst, log.WithField("component", "ratelimit"))

	handler := metrics.InstrumentHandler(
		middleware.CORS(nil)(
			auth.Handler(
				httpLimiter.Handler(api.Routes()))))

	return &Application{
		cfg:        cfg,
		log:        log,
		Jobs:       jobSvc,
		Credits:    credits,
		Dispatcher: dispatcher,
		Reconciler: reconciler,
		handler:    handler,
	}, nil
}

// Handler exposes the assembled HTTP stack. Test helper.
func (a *Application) Handler() http.Handler { return a.handler }

// Run starts the dispatcher, the reconciliation schedule and the HTTP
// server, then blocks until ctx is cancelled and everything has drained.
func (a *Application) Run(ctx context.Context) error {
	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := a.Dispatcher.Run(consumerCtx); err != nil && consumerCtx.Err() == nil {
			a.log.WithError(err).Error("dispatcher stopped")
		}
	}()

	if err := a.Reconciler.Start(a.cfg.Reconcile.Schedule); err != nil {
		return err
	}

	a.server = &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      a.handler,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.log.Infof("listening on %s", a.cfg.Server.Addr)
		serveErr <- a.server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("http shutdown incomplete")
	}

	a.Reconciler.Stop()
	stopConsumer()
	<-consumerDone
	return nil
}

// NewRedisBus builds the Redis-backed queue from configuration and checks
// connectivity.
func NewRedisBus(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (queue.Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return queue.NewRedis(client, cfg.QueueKey, log), nil
}
