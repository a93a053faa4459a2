// Package server builds the application's dependencies and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listingwatch/internal/acquisition"
	"github.com/JakeFAU/listingwatch/internal/api"
	"github.com/JakeFAU/listingwatch/internal/clock/system"
	"github.com/JakeFAU/listingwatch/internal/config"
	"github.com/JakeFAU/listingwatch/internal/dispatcher"
	eventsub "github.com/JakeFAU/listingwatch/internal/events/pubsub"
	"github.com/JakeFAU/listingwatch/internal/extractor"
	"github.com/JakeFAU/listingwatch/internal/extractor/headless"
	"github.com/JakeFAU/listingwatch/internal/extractor/promote"
	"github.com/JakeFAU/listingwatch/internal/extractor/static"
	"github.com/JakeFAU/listingwatch/internal/hash/sha256"
	"github.com/JakeFAU/listingwatch/internal/id/uuid"
	"github.com/JakeFAU/listingwatch/internal/identity"
	"github.com/JakeFAU/listingwatch/internal/logging"
	"github.com/JakeFAU/listingwatch/internal/metrics"
	"github.com/JakeFAU/listingwatch/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/listingwatch/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/listingwatch/internal/queue/memory"
	snapgcs "github.com/JakeFAU/listingwatch/internal/snapshot/gcs"
	snaplocal "github.com/JakeFAU/listingwatch/internal/snapshot/local"
	snapmemory "github.com/JakeFAU/listingwatch/internal/snapshot/memory"
	memstore "github.com/JakeFAU/listingwatch/internal/store/memory"
	pgstore "github.com/JakeFAU/listingwatch/internal/store/postgres"
	"github.com/JakeFAU/listingwatch/internal/telemetry"
	"github.com/JakeFAU/listingwatch/internal/triggers"
	"github.com/JakeFAU/listingwatch/internal/watch"
	"github.com/JakeFAU/listingwatch/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	store      watch.DocumentStore
	pgStore    *pgstore.Store
	headless   *headless.Factory
	storage    *storage.Client
	pubsub     *pubsub.Client
	publisher  *gcppublisher.Publisher
	subscriber *eventsub.Subscriber
	queue      *queueMemory.Queue
	dispatch   *dispatcher.Dispatcher
	triggers   *triggers.Service
	apiServer  *api.Server

	tracerShutdown telemetry.ShutdownFunc
	closeOnce      sync.Once
}

// Build creates the application's dependencies. On failure everything built so far is released.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	// Only non-sensitive fields.
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("extractor_mode", cfg.Extractor.Mode),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("snapshots_backend", cfg.Snapshots.Backend),
		zap.Bool("pubsub", cfg.PubSubEnabled()),
	)
	app := &App{cfg: cfg, logger: logger}

	if err := app.build(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = app.Close(closeCtx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	a.tracerShutdown, err = telemetry.Init(ctx, a.cfg.Telemetry, a.logger)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	metrics.Init()

	if err := a.setupStore(ctx); err != nil {
		return err
	}
	archiver, err := a.setupSnapshots(ctx)
	if err != nil {
		return err
	}
	sessions, err := a.setupSessions()
	if err != nil {
		return err
	}

	clock := system.New()
	ids := uuid.New()
	limiter := ratelimit.New(a.cfg.Extractor.RateLimit())
	ext, err := extractor.New(extractor.Config{
		BaseOrigin: a.cfg.Extractor.BaseOrigin,
		Selectors:  a.cfg.Extractor.Selectors,
	}, clock, limiter, archiver, a.logger)
	if err != nil {
		return fmt.Errorf("extractor init failed: %w", err)
	}
	orchestrator, err := acquisition.New(acquisition.Config{
		Concurrency:   a.cfg.Acquisition.Concurrency,
		RunTimeout:    a.cfg.Acquisition.RunTimeout,
		CommitTimeout: a.cfg.Acquisition.CommitTimeout,
	}, sessions, ext, a.store, clock, ids, a.logger)
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}

	if err := a.setupPubSub(ctx); err != nil {
		return err
	}
	deps := triggers.Deps{
		Store:    a.store,
		Runner:   orchestrator,
		Identity: identity.NewLogging(a.logger),
		IDs:      ids,
		Logger:   a.logger,
	}
	if a.publisher != nil {
		deps.Publisher = a.publisher
	}
	a.triggers, err = triggers.New(triggers.Config{
		PageSize:     a.cfg.Cascade.PageSize,
		ResultsTopic: a.cfg.PubSub.ResultsTopic,
	}, deps)
	if err != nil {
		return fmt.Errorf("triggers init failed: %w", err)
	}

	a.queue = queueMemory.NewQueue(a.cfg.Tasks.QueueDepth)
	handlers := a.triggers.Handlers()
	workerCfg := worker.Config{
		MaxAttempts: a.cfg.Tasks.MaxAttempts,
		Backoff:     a.cfg.Tasks.Backoff,
		TaskTimeout: a.cfg.Tasks.TaskTimeout,
	}
	workers := make([]*worker.Worker, 0, a.cfg.Tasks.Workers)
	for i := 0; i < a.cfg.Tasks.Workers; i++ {
		workers = append(workers, worker.New(a.queue, handlers, workerCfg, a.logger.With(zap.Int("index", i))))
	}
	a.dispatch = dispatcher.New(a.queue, workers, ids, clock)
	a.logger.Info("task workers configured",
		zap.Int("workers", len(workers)),
		zap.Int("queue_depth", a.cfg.Tasks.QueueDepth),
		zap.Int("max_attempts", workerCfg.MaxAttempts),
	)

	if a.pubsub != nil && a.cfg.PubSub.EventsSubscription != "" {
		a.subscriber = eventsub.New(a.pubsub, a.cfg.PubSub.EventsSubscription, a.dispatch, a.logger)
	}

	a.apiServer = api.NewServer(a.triggers, a.dispatch, a.ready, a.cfg.Auth, a.logger)
	return nil
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case "postgres":
		store, err := pgstore.NewStore(ctx, pgstore.Config{
			DSN:             a.cfg.Store.DSN,
			Table:           a.cfg.Store.Table,
			MaxConns:        a.cfg.Store.MaxConns,
			MinConns:        a.cfg.Store.MinConns,
			MaxConnLifetime: a.cfg.Store.MaxConnLifetime,
			MaxBatchSize:    a.cfg.Store.MaxBatchSize,
		})
		if err != nil {
			return fmt.Errorf("document store init failed: %w", err)
		}
		a.pgStore = store
		a.store = store
		if a.cfg.Store.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("document store migration failed: %w", err)
			}
		}
		a.logger.Info("using postgres document store", zap.String("table", a.cfg.Store.Table))
	default:
		a.store = memstore.NewStore(a.cfg.Store.MaxBatchSize)
		a.logger.Warn("using in-memory document store; data is lost on restart")
	}
	return nil
}

func (a *App) setupSnapshots(ctx context.Context) (*extractor.Archiver, error) {
	var (
		blobs watch.BlobStore
		err   error
	)
	switch a.cfg.Snapshots.Backend {
	case "gcs":
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err = snapgcs.New(a.storage, snapgcs.Config{Bucket: a.cfg.Snapshots.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Debug("GCS snapshot backend", zap.String("bucket", a.cfg.Snapshots.Bucket))
	case "local":
		blobs, err = snaplocal.New(snaplocal.Config{BaseDir: a.cfg.Snapshots.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Debug("local snapshot backend", zap.String("path", a.cfg.Snapshots.BaseDir))
	case "memory":
		blobs = snapmemory.NewBlobStore()
	default:
		a.logger.Info("page snapshots disabled")
		return nil, nil
	}
	archiver, err := extractor.NewArchiver(
		blobs,
		sha256.New(),
		a.cfg.Snapshots.Prefix,
		extractor.SnapshotMode(a.cfg.Snapshots.Mode),
		a.logger,
	)
	if err != nil {
		return nil, fmt.Errorf("archiver init failed: %w", err)
	}
	return archiver, nil
}

func (a *App) setupSessions() (watch.SessionFactory, error) {
	ext := a.cfg.Extractor
	staticFactory := static.New(static.Config{
		UserAgent: ext.UserAgent,
		Timeout:   ext.NavTimeout,
	}, a.logger)
	if ext.Mode == "static" {
		a.logger.Info("using static sessions", zap.String("user_agent", ext.UserAgent))
		return staticFactory, nil
	}
	factory, err := headless.NewChromedp(headless.Config{
		MaxSessions:       ext.MaxSessions,
		UserAgent:         ext.UserAgent,
		NavigationTimeout: ext.NavTimeout,
		WaitSelector:      ext.WaitSelector,
		Settle:            ext.Settle,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("headless session factory init failed: %w", err)
	}
	a.headless = factory
	if ext.Mode == "headless" {
		a.logger.Info("using headless sessions", zap.Int("max_sessions", ext.MaxSessions))
		return factory, nil
	}
	promoting, err := promote.New(staticFactory, factory, promote.Heuristic{
		Container:           ext.Selectors.Container,
		BodyLengthThreshold: ext.PromotionThreshold,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("promoting session factory init failed: %w", err)
	}
	a.logger.Info("using static sessions with headless promotion",
		zap.Int("promotion_threshold", ext.PromotionThreshold),
		zap.Int("max_sessions", ext.MaxSessions),
	)
	return promoting, nil
}

func (a *App) setupPubSub(ctx context.Context) error {
	if !a.cfg.PubSubEnabled() {
		a.logger.Info("Pub/Sub disabled; no run notifications or inbound events")
		return nil
	}
	var err error
	a.pubsub, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	if a.cfg.PubSub.ResultsTopic != "" {
		a.publisher = gcppublisher.New(a.pubsub, a.logger)
	}
	a.logger.Info("Pub/Sub client initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("results_topic", a.cfg.PubSub.ResultsTopic),
		zap.String("events_subscription", a.cfg.PubSub.EventsSubscription),
	)
	return nil
}

func (a *App) ready(ctx context.Context) error {
	if a.pgStore != nil {
		return a.pgStore.Ping(ctx)
	}
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Triggers exposes the trigger service for one-shot commands.
func (a *App) Triggers() *triggers.Service {
	return a.triggers
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP, drains background tasks and consumes events until ctx is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("dispatcher started")
		a.dispatch.Run(gctx)
		return nil
	})
	if a.subscriber != nil {
		g.Go(func() error {
			a.logger.Info("event subscriber started", zap.String("subscription", a.cfg.PubSub.EventsSubscription))
			if err := a.subscriber.Run(gctx); err != nil {
				return fmt.Errorf("event subscriber: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		return err
	}
	return runErr
}

// Close gracefully releases every dependency. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.queue != nil {
			a.queue.Close()
		}
		a.closeInfrastructure()
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync on stderr fails with EINVAL on some platforms; nothing useful to do with it.
	_ = a.logger.Sync()
}
