// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/api"
	"github.com/JakeFAU/scrape-orchestrator/internal/capture/headless"
	"github.com/JakeFAU/scrape-orchestrator/internal/clock/system"
	"github.com/JakeFAU/scrape-orchestrator/internal/config"
	"github.com/JakeFAU/scrape-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/scrape-orchestrator/internal/extract"
	"github.com/JakeFAU/scrape-orchestrator/internal/extract/web"
	"github.com/JakeFAU/scrape-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/scrape-orchestrator/internal/job"
	"github.com/JakeFAU/scrape-orchestrator/internal/lifecycle"
	"github.com/JakeFAU/scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/scrape-orchestrator/internal/notify"
	notifypubsub "github.com/JakeFAU/scrape-orchestrator/internal/notify/pubsub"
	"github.com/JakeFAU/scrape-orchestrator/internal/pipeline"
	"github.com/JakeFAU/scrape-orchestrator/internal/progress"
	"github.com/JakeFAU/scrape-orchestrator/internal/progress/sinks"
	queuememory "github.com/JakeFAU/scrape-orchestrator/internal/queue/memory"
	"github.com/JakeFAU/scrape-orchestrator/internal/results"
	storagememory "github.com/JakeFAU/scrape-orchestrator/internal/storage/memory"
	"github.com/JakeFAU/scrape-orchestrator/internal/storage/postgres"
	"github.com/JakeFAU/scrape-orchestrator/internal/telemetry"
	"github.com/JakeFAU/scrape-orchestrator/internal/upload"
	uploadgcs "github.com/JakeFAU/scrape-orchestrator/internal/upload/gcs"
	uploadlocal "github.com/JakeFAU/scrape-orchestrator/internal/upload/local"
	uploads3 "github.com/JakeFAU/scrape-orchestrator/internal/upload/s3"
	"github.com/JakeFAU/scrape-orchestrator/internal/worker"
)

// App holds all the shared, long-lived services for the application.
// It is initialized once at startup; Run drives the background loops and the
// HTTP server, Close releases everything New acquired.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  job.Clock

	store     job.Store
	ready     func(ctx context.Context) error
	closers   []func(ctx context.Context) error
	hub       *progress.Hub
	reporter  *progress.Reporter
	collector *results.Collector
	controls  *pipeline.Controls
	queue     *queuememory.Queue

	dispatcher *dispatcher.Dispatcher
	uploader   *upload.Uploader
	lifecycle  *lifecycle.Manager
	scheduler  *lifecycle.Scheduler
	server     *api.Server
}

// New builds every service described by cfg. reg receives the progress
// collectors; nil means the default registry.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, clock: system.New()}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.Background())
		}
	}()

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: cfg.Tracing.ServiceName,
			ProjectID:   cfg.Tracing.ProjectID,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.closers = append(a.closers, shutdown)
	}
	if err := a.initStore(ctx); err != nil {
		return nil, err
	}
	if err := a.initProgress(reg); err != nil {
		return nil, err
	}
	a.collector = results.NewCollector(a.store, cfg.Storage.BaseDir, cfg.Pipeline.ResultBatchSize, logger)
	a.controls = pipeline.NewControls()

	exec, err := a.initExecutor()
	if err != nil {
		return nil, err
	}
	if err := a.initUploader(ctx); err != nil {
		return nil, err
	}
	notifier, err := a.initNotifier(ctx)
	if err != nil {
		return nil, err
	}

	a.queue = queuememory.NewQueue(cfg.Worker.QueueDepth)
	a.queue.OnDepthChange(metrics.SetQueueDepth)
	a.closers = append(a.closers, func(context.Context) error {
		a.queue.Close()
		return nil
	})

	var uploads worker.Uploads
	if a.uploader != nil {
		uploads = a.uploader
	}
	runners := make([]dispatcher.Runner, 0, cfg.Worker.Concurrency)
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		runners = append(runners, worker.New(
			a.queue, a.store, a.reporter, exec, a.controls, uploads, notifier, a.clock,
			worker.Config{JobTimeout: cfg.JobTimeout()},
			logger.With(zap.Int("worker", i)),
		))
	}
	a.dispatcher = dispatcher.New(a.queue, runners, logger)

	if err := a.initLifecycle(); err != nil {
		return nil, err
	}

	deps := api.Deps{
		Store:     a.store,
		Reporter:  a.reporter,
		Controls:  a.controls,
		Queue:     a.dispatcher,
		Results:   a.collector,
		Lifecycle: a.lifecycle,
		IDs:       uuid.NewUUIDGenerator(),
		Clock:     a.clock,
		Ready:     a.ready,
		Logger:    logger,
	}
	if a.scheduler != nil {
		deps.Schedule = a.scheduler
	}
	a.server = api.NewServer(deps, api.Options{Auth: cfg.Auth, RequestTimeout: cfg.RequestTimeout()})

	logger.Info("application services initialized",
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.Int("workers", cfg.Worker.Concurrency),
		zap.Bool("upload_enabled", a.uploader != nil),
		zap.Bool("lifecycle_scheduler", a.scheduler != nil),
	)
	ok = true
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	switch a.cfg.Storage.Driver {
	case "postgres":
		if a.cfg.DB.MigrateOnStart {
			if err := postgres.Migrate(a.cfg.DB.DSN); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			a.logger.Info("database migrations applied")
		}
		store, err := postgres.NewJobStore(ctx, postgres.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(a.cfg.DB.ConnMaxLifetimeMinutes) * time.Minute,
		})
		if err != nil {
			return fmt.Errorf("init job store: %w", err)
		}
		a.store = store
		a.ready = store.Ping
		a.closers = append(a.closers, func(context.Context) error {
			store.Close()
			return nil
		})
	case "memory", "":
		a.logger.Warn("using in-memory job store; jobs will not survive a restart")
		a.store = storagememory.NewJobStore()
	default:
		return fmt.Errorf("unknown storage driver %q", a.cfg.Storage.Driver)
	}
	return nil
}

func (a *App) initProgress(reg prometheus.Registerer) error {
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("init prometheus sink: %w", err)
	}
	a.hub = progress.NewHub(progress.HubConfig{Logger: a.logger}, sinks.NewLogSink(a.logger), promSink)
	a.closers = append(a.closers, a.hub.Close)
	a.reporter = progress.NewReporter(a.store, a.clock, a.hub, a.logger)
	return nil
}

func (a *App) initExecutor() (*pipeline.Executor, error) {
	caps := extract.NewRegistry()
	caps.Register(job.TypeWeb, web.New(web.Config{
		UserAgent:   a.cfg.Extractor.UserAgent,
		Timeout:     time.Duration(a.cfg.Extractor.TimeoutSeconds) * time.Second,
		MaxBodySize: a.cfg.Extractor.MaxBodyBytes,
	}))

	opts := pipeline.Options{
		Retry: pipeline.RetryPolicy{
			MaxAttempts: a.cfg.Pipeline.MaxAttempts,
			BaseDelay:   time.Duration(a.cfg.Pipeline.BackoffInitialMs) * time.Millisecond,
			MaxDelay:    time.Duration(a.cfg.Pipeline.BackoffMaxMs) * time.Millisecond,
		},
		Logger: a.logger,
	}
	if a.cfg.Capture.Enabled {
		capturer, err := headless.New(headless.Config{
			MaxParallel:       a.cfg.Capture.MaxParallel,
			UserAgent:         a.cfg.Extractor.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Capture.NavTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("init headless capturer: %w", err)
		}
		opts.Capturer = capturer
		a.closers = append(a.closers, func(context.Context) error {
			capturer.Close()
			return nil
		})
	}
	return pipeline.NewExecutor(caps, a.reporter, a.collector, opts), nil
}

func (a *App) initUploader(ctx context.Context) error {
	u := a.cfg.Upload
	// Remote backends need credentials; the local one can serve per-job opt-ins.
	if !u.Enabled && u.Backend != "local" {
		return nil
	}
	var (
		backend upload.Backend
		err     error
	)
	switch u.Backend {
	case "gcs":
		client, cerr := storage.NewClient(ctx)
		if cerr != nil {
			return fmt.Errorf("create gcs client: %w", cerr)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		backend, err = uploadgcs.New(client, uploadgcs.Config{Bucket: u.Bucket})
	case "s3":
		backend, err = uploads3.New(uploads3.Config{
			Endpoint:  u.S3.Endpoint,
			Region:    u.S3.Region,
			AccessKey: u.S3.AccessKey,
			SecretKey: u.S3.SecretKey,
			UseSSL:    u.S3.UseSSL,
			Bucket:    u.Bucket,
		})
	case "local":
		backend, err = uploadlocal.New(uploadlocal.Config{BaseDir: u.Local.BaseDir, Bucket: u.Bucket})
	default:
		return fmt.Errorf("unknown upload backend %q", u.Backend)
	}
	if err != nil {
		return fmt.Errorf("init %s upload backend: %w", u.Backend, err)
	}
	a.uploader = upload.New(backend, a.store, a.reporter, a.collector, a.clock, upload.Config{
		Enabled:    u.Enabled,
		Bucket:     u.Bucket,
		Prefix:     u.Prefix,
		Timeout:    a.cfg.UploadTimeout(),
		MaxRetries: u.MaxRetries,
		RetryDelay: a.cfg.UploadRetryDelay(),
		QueueSize:  u.QueueSize,
		Workers:    u.Workers,
	}, a.logger)
	return nil
}

func (a *App) initNotifier(ctx context.Context) (notify.Notifier, error) {
	if !a.cfg.PubSub.Enabled {
		return notify.Nop{}, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub := notifypubsub.New(client.Topic(a.cfg.PubSub.TopicName))
	a.closers = append(a.closers, func(context.Context) error {
		pub.Stop()
		return client.Close()
	})
	a.logger.Info("publishing job notifications", zap.String("topic", a.cfg.PubSub.TopicName))
	return pub, nil
}

func (a *App) initLifecycle() error {
	lc := a.cfg.Lifecycle
	a.lifecycle = lifecycle.NewManager(a.store, a.clock, lifecycle.Config{
		BaseDir:          a.cfg.Storage.BaseDir,
		ArchiveAfterDays: lc.ArchiveAfterDays,
		DeleteAfterDays:  lc.DeleteAfterDays,
		DeletionStrategy: lifecycle.Strategy(lc.DeletionStrategy),
	}, a.logger)
	if !lc.Enabled {
		return nil
	}
	sched, err := lifecycle.NewScheduler(a.lifecycle, lifecycle.Schedules{
		Archive: lc.ArchiveSchedule,
		Cleanup: lc.CleanupSchedule,
		Stats:   lc.StatsSchedule,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("init lifecycle scheduler: %w", err)
	}
	a.scheduler = sched
	return nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the configured job store.
func (a *App) Store() job.Store { return a.store }

// Lifecycle returns the retention manager.
func (a *App) Lifecycle() *lifecycle.Manager { return a.lifecycle }

// Handler returns the HTTP handler of the control API.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// RecoverOrphans fails jobs a previous process left running or paused.
func (a *App) RecoverOrphans(ctx context.Context) (int, error) {
	return worker.RecoverOrphans(ctx, a.store, a.reporter, a.logger)
}

// Run starts the workers, uploader and scheduler, then serves HTTP until ctx
// is cancelled. Background loops are drained before Run returns.
func (a *App) Run(ctx context.Context) error {
	if n, err := a.RecoverOrphans(ctx); err != nil {
		return fmt.Errorf("recover orphaned jobs: %w", err)
	} else if n > 0 {
		a.logger.Warn("failed orphaned jobs", zap.Int("count", n))
	}

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.dispatcher.Run(bgCtx)
	}()
	if a.uploader != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.uploader.Run(bgCtx)
		}()
	}
	if a.scheduler != nil {
		a.scheduler.Start()
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		serveErr = err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout())
	defer shutdownCancel()
	a.logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown", zap.Error(err))
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			a.logger.Warn("lifecycle scheduler stop", zap.Error(err))
		}
	}
	cancel()
	wg.Wait()

	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

// Close releases resources in reverse acquisition order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
