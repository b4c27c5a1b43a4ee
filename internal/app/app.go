// Package app builds the crawler's long-lived services from configuration
// and runs them until the crawl drains or the process is signalled.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/api"
	"github.com/JakeFAU/polite-crawler/internal/clock/system"
	"github.com/JakeFAU/polite-crawler/internal/config"
	"github.com/JakeFAU/polite-crawler/internal/controller"
	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/dispatcher"
	"github.com/JakeFAU/polite-crawler/internal/frontier/memory"
	idgen "github.com/JakeFAU/polite-crawler/internal/id/uuid"
	"github.com/JakeFAU/polite-crawler/internal/logging"
	"github.com/JakeFAU/polite-crawler/internal/metrics"
	"github.com/JakeFAU/polite-crawler/internal/policy/scope"
	"github.com/JakeFAU/polite-crawler/internal/progress"
	memorypublisher "github.com/JakeFAU/polite-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/polite-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/polite-crawler/internal/robots"
	memorystorage "github.com/JakeFAU/polite-crawler/internal/storage/memory"
	"github.com/JakeFAU/polite-crawler/internal/store"
)

// Option adjusts Build.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	httpClient *http.Client
}

// WithLogger replaces the logger built from the logging section.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers the progress collectors somewhere other than the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithHTTPClient sets the client used for robots.txt and page fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// App contains the application's dependencies.
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	closeLog func() error
	clock    crawler.Clock
	crawlID  uuid.UUID

	frontier  *memory.Frontier
	ctrl      *controller.Controller
	pool      *dispatcher.Pool
	apiServer *api.Server
	scope     *scope.Policy
	enforcer  *robots.Enforcer

	progressHub     *progress.Hub
	progressRepo    store.ProgressRepository
	crawlLog        store.CrawlLogRepository
	pgPool          *pgxpool.Pool
	memStore        *memorystorage.CrawlStore
	blobStore       crawler.BlobStore
	memBlobs        *memorystorage.BlobStore
	publisher       crawler.Publisher
	memPublisher    *memorypublisher.Publisher
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client

	closeOnce sync.Once
}

// Build creates the application's dependencies and schedules the seeds.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	app := &App{cfg: cfg, clock: system.New(), closeLog: func() error { return nil }}
	if o.logger != nil {
		app.logger = o.logger
	} else {
		logger, closeLog, err := logging.Build(logging.Config{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
			File:        cfg.Logging.File,
			MaxSizeMB:   cfg.Logging.MaxSizeMB,
			MaxBackups:  cfg.Logging.MaxBackups,
			MaxAgeDays:  cfg.Logging.MaxAgeDays,
			Compress:    cfg.Logging.Compress,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
		app.logger, app.closeLog = logger, closeLog
	}
	metrics.Init()

	ids := idgen.New()
	crawlID, err := ids.NewRawID()
	if err != nil {
		return nil, fmt.Errorf("crawl id: %w", err)
	}
	app.crawlID = crawlID
	app.logger = app.logger.With(zap.String("crawl_id", crawlID.String()))
	app.logger.Info("building application dependencies",
		zap.Int("workers", cfg.Workers.Count),
		zap.Int("seeds", len(cfg.Crawl.Seeds)),
		zap.String("storage", cfg.Storage.Backend),
	)

	if err := app.build(ctx, o, ids); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, o options, ids crawler.IDGenerator) error {
	if err := setupDatabase(ctx, a); err != nil {
		return err
	}
	if err := setupStorage(ctx, a); err != nil {
		return err
	}
	if err := setupPublisher(ctx, a); err != nil {
		return err
	}
	emitter, err := setupProgress(a, o.registerer)
	if err != nil {
		return err
	}

	a.ctrl, err = controller.New(controller.Config{
		MaxWorkers:   a.cfg.Workers.Max,
		ReserveBytes: a.cfg.Workers.ReserveMB << 20,
		AlertBuffer:  a.cfg.Workers.AlertBuffer,
		CrawlID:      a.crawlID,
	}, controller.Deps{
		Logger:   a.logger.Named("controller"),
		Progress: emitter,
		Clock:    a.clock,
		IDs:      ids,
	})
	if err != nil {
		return fmt.Errorf("controller init failed: %w", err)
	}
	a.frontier = memory.New(memory.Config{
		MaxRetries: a.cfg.Frontier.MaxRetries,
		Logger:     a.logger,
	})
	a.scope = scope.New(a.cfg.Scope)

	chain, err := setupChain(a, o.httpClient)
	if err != nil {
		return err
	}
	if err := setupPool(a, chain, emitter); err != nil {
		return err
	}
	if err := a.scheduleSeeds(ctx); err != nil {
		return err
	}

	if a.cfg.Server.Enabled {
		a.apiServer, err = api.NewServer(api.Deps{
			Pool:       a.pool,
			Controller: a.ctrl,
			Frontier:   a.frontier,
			Progress:   a.progressRepo,
			CrawlID:    a.crawlID,
			Logger:     a.logger.Named("api"),
		}, api.Options{
			AuthEnabled: a.cfg.Auth.Enabled,
			APIKey:      a.cfg.Auth.APIKey,
		})
		if err != nil {
			return fmt.Errorf("api server init failed: %w", err)
		}
	}
	return nil
}

// CrawlID identifies this run in logs, progress rows, and announcements.
func (a *App) CrawlID() uuid.UUID {
	return a.crawlID
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Frontier returns the crawl frontier.
func (a *App) Frontier() *memory.Frontier {
	return a.frontier
}

// Pool returns the worker pool.
func (a *App) Pool() *dispatcher.Pool {
	return a.pool
}

// Handler returns the status API handler, or nil when the server is disabled.
func (a *App) Handler() http.Handler {
	if a.apiServer == nil {
		return nil
	}
	return a.apiServer.Handler()
}

// Run starts the workers and the status API and blocks until the crawl
// drains (when crawl.exit_when_done is set) or the context is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.logger.Info("application started")
	a.emit(progress.Event{Stage: progress.StageCrawlStart, Worker: -1})
	started := a.clock.Now()

	var srv *http.Server
	if a.apiServer != nil {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	poolDone := make(chan error, 1)
	go func() {
		a.logger.Info("worker pool started", zap.Int("size", a.cfg.Workers.Count))
		poolDone <- a.pool.Run(ctx)
	}()

	var runErr error
	select {
	case runErr = <-poolDone:
		a.finishCrawl(started, runErr)
		if !a.cfg.Crawl.ExitWhenDone {
			a.logger.Info("crawl finished; serving until signalled")
			<-ctx.Done()
		}
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
		a.frontier.Close()
		runErr = <-poolDone
		a.finishCrawl(started, runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	if err := a.Close(shutdownCtx); err != nil {
		return err
	}
	return runErr
}

func (a *App) finishCrawl(started time.Time, err error) {
	stats := a.frontier.Stats()
	fields := []zap.Field{
		zap.Int64("finished", stats.Finished),
		zap.Int64("succeeded", stats.Succeeded),
		zap.Int64("failed", stats.Failed),
		zap.Int("queued", stats.Queued),
	}
	evt := progress.Event{Stage: progress.StageCrawlDone, Worker: -1, Dur: a.clock.Now().Sub(started)}
	if err != nil {
		evt.Stage = progress.StageCrawlError
		evt.Note = err.Error()
		a.logger.Error("crawl failed", append(fields, zap.Error(err))...)
	} else {
		a.logger.Info("crawl finished", fields...)
	}
	a.emit(evt)
}

func (a *App) emit(evt progress.Event) {
	if a.progressHub == nil {
		return
	}
	evt.CrawlID = progress.UUIDToBytes(a.crawlID)
	evt.TS = a.clock.Now().UTC()
	a.progressHub.Emit(evt)
}

func (a *App) scheduleSeeds(ctx context.Context) error {
	for _, seed := range a.cfg.Crawl.Seeds {
		item, err := crawler.NewWorkItem(seed)
		if err != nil {
			return fmt.Errorf("seed %q: %w", seed, err)
		}
		a.scope.AddSeed(item)
		if err := a.frontier.Schedule(ctx, item); err != nil {
			return fmt.Errorf("schedule seed %q: %w", seed, err)
		}
	}
	a.logger.Info("seeds scheduled", zap.Int("count", len(a.cfg.Crawl.Seeds)))
	return nil
}

// Close gracefully shuts down the application. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		if a.frontier != nil {
			a.frontier.Close()
		}
		a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		err = a.closeLog()
	})
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
}
