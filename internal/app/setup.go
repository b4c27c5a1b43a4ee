package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/dispatcher"
	"github.com/JakeFAU/polite-crawler/internal/hash/sha256"
	"github.com/JakeFAU/polite-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/polite-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/polite-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/polite-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/polite-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/polite-crawler/internal/recorder"
	"github.com/JakeFAU/polite-crawler/internal/robots"
	"github.com/JakeFAU/polite-crawler/internal/stage"
	gcsstorage "github.com/JakeFAU/polite-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/polite-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/polite-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/polite-crawler/internal/storage/postgres"
	"github.com/JakeFAU/polite-crawler/internal/worker"
)

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, keeping progress and crawl log in memory")
		app.memStore = memorystorage.NewCrawlStore()
		app.progressRepo = app.memStore
		app.crawlLog = app.memStore
		return nil
	}
	var err error
	app.pgPool, err = pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:             app.cfg.Database.DSN,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("database pool init failed: %w", err)
	}
	progressStore, err := pgstore.NewProgressStore(app.pgPool)
	if err != nil {
		return fmt.Errorf("progress store init failed: %w", err)
	}
	crawlLogStore, err := pgstore.NewCrawlLogStore(app.pgPool, app.cfg.Database.CrawlLogTable)
	if err != nil {
		return fmt.Errorf("crawl log store init failed: %w", err)
	}
	app.progressRepo = progressStore
	app.crawlLog = crawlLogStore
	app.logger.Info("postgres stores initialized", zap.String("crawl_log_table", app.cfg.Database.CrawlLogTable))
	return nil
}

func setupStorage(ctx context.Context, app *App) error {
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(app.storage, app.cfg.Storage.GCS)
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		if err := blobStore.Verify(ctx); err != nil {
			return fmt.Errorf("gcs blob store verify failed: %w", err)
		}
		app.blobStore = blobStore
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.GCS.Bucket))
	case "local":
		app.logger.Info("using local storage backend")
		blobStore, err := localstorage.New(app.cfg.Storage.Local)
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		app.blobStore = blobStore
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.Local.BaseDir))
	case "none":
		app.logger.Info("body storage disabled")
	default:
		app.logger.Info("using in-memory storage backend")
		app.memBlobs = memorystorage.NewBlobStore()
		app.blobStore = app.memBlobs
	}
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	if app.cfg.PubSub.TopicName == "" {
		app.logger.Info("No Pub/Sub topic configured, crawl records are not announced")
		return nil
	}
	if app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub project configured, using in-memory publisher")
		app.memPublisher = memorypublisher.New()
		app.publisher = app.memPublisher
		return nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient)
	if err := app.pubsubPublisher.Verify(ctx, app.cfg.PubSub.TopicName); err != nil {
		return fmt.Errorf("pubsub topic verify failed: %w", err)
	}
	app.publisher = app.pubsubPublisher
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return nil
}

func setupProgress(app *App, reg prometheus.Registerer) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(app.progressRepo, app.logger.Named("progress_store")),
		promSink,
	}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.progressHub, nil
}

func setupChain(app *App, client *http.Client) (*crawler.Chain, error) {
	cfg := app.cfg
	logger := app.logger.Named("stage")

	var limiter stage.HostLimiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:    cfg.RateLimit.DefaultRPS,
			DefaultBurst:  cfg.RateLimit.DefaultBurst,
			MaxCrawlDelay: cfg.RateLimit.MaxCrawlDelay,
		})
		app.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
		)
	} else {
		app.logger.Info("rate limiter disabled")
	}

	robotsClient := client
	if robotsClient == nil {
		robotsClient = &http.Client{Timeout: cfg.FetchTimeout()}
	}
	var err error
	app.enforcer, err = robots.NewEnforcer(robots.EnforcerConfig{
		Honoring:       cfg.Robots.Honoring,
		UserAgent:      cfg.Crawl.UserAgent,
		TTL:            cfg.Robots.TTL,
		MaxBytes:       cfg.Robots.MaxBytes,
		AgentCacheSize: cfg.Robots.AgentCacheSize,
		Retry:          crawler.BackoffConfig{MaxAttempts: cfg.Robots.FetchAttempts},
	}, robotsClient, app.logger.Named("robots"))
	if err != nil {
		return nil, fmt.Errorf("robots enforcer init failed: %w", err)
	}
	app.logger.Info("robots honoring policy", zap.String("type", string(cfg.Robots.Honoring.Type)))

	var set stage.Set
	if set.Preselector, err = stage.NewPreselector(app.scope, logger); err != nil {
		return nil, err
	}
	if set.Precondition, err = stage.NewPrecondition(app.enforcer, limiter, cfg.Crawl.UserAgent, logger); err != nil {
		return nil, err
	}
	set.Fetch = stage.NewFetchHTTP(stage.FetchConfig{
		UserAgent:          cfg.Crawl.UserAgent,
		Timeout:            cfg.FetchTimeout(),
		MaxBodyBytes:       cfg.HTTP.MaxBodyBytes,
		ForbiddenThreshold: cfg.HTTP.ForbiddenThreshold,
	}, client, limiter, logger)
	set.Extract = stage.NewExtractHTML(stage.ExtractConfig{}, logger)
	if app.blobStore != nil {
		if set.Writer, err = stage.NewWriterBlob(app.blobStore, sha256.New(), cfg.Storage.Prefix, logger); err != nil {
			return nil, err
		}
	}
	set.CrawlLog = stage.NewCrawlLog(app.crawlLog, app.clock, app.crawlID, logger)
	if app.publisher != nil {
		if set.Announce, err = stage.NewAnnounce(app.publisher, cfg.PubSub.TopicName, app.crawlID.String(), app.clock, logger); err != nil {
			return nil, err
		}
	}
	if set.Candidates, err = stage.NewCandidates(app.frontier, app.scope, logger); err != nil {
		return nil, err
	}
	chain, err := set.Chain()
	if err != nil {
		return nil, fmt.Errorf("stage chain init failed: %w", err)
	}
	return chain, nil
}

func setupPool(app *App, chain *crawler.Chain, emitter progress.Emitter) error {
	cfg := app.cfg
	workerCfg := worker.Config{
		ScratchDir:      cfg.Workers.ScratchDir,
		PrefixSize:      cfg.Recorder.PrefixSize,
		RecenterDivisor: cfg.Recorder.RecenterDivisor,
		HeapLimitBytes:  uint64(cfg.Workers.HeapLimitMB) << 20,
	}
	app.logger.Info("worker config",
		zap.String("scratch_dir", workerCfg.ScratchDir),
		zap.Int("prefix_size", workerCfg.PrefixSize),
		zap.Uint64("heap_limit_bytes", workerCfg.HeapLimitBytes),
	)
	removed, err := recorder.DiscardStale(workerCfg.ScratchDir)
	if err != nil {
		app.logger.Warn("discard stale scratch files", zap.Error(err))
	}
	if removed > 0 {
		app.logger.Info("discarded stale scratch files",
			zap.String("scratch_dir", workerCfg.ScratchDir),
			zap.Int("count", removed),
		)
	}
	factory := func(ordinal int, pool worker.PoolReporter) (*worker.Worker, error) {
		wc := workerCfg
		wc.Ordinal = ordinal
		return worker.New(wc, worker.Deps{
			Frontier:   app.frontier,
			Controller: app.ctrl,
			Chain:      chain,
			Clock:      app.clock,
			Logger:     app.logger,
			Progress:   emitter,
			CrawlID:    app.crawlID,
			Pool:       pool,
		})
	}
	app.pool, err = dispatcher.New(dispatcher.Config{Size: cfg.Workers.Count}, factory, app.logger)
	if err != nil {
		return fmt.Errorf("worker pool init failed: %w", err)
	}
	return nil
}
