// Package server builds the engine's dependency graph from configuration and
// runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/api"
	"github.com/JakeFAU/rank-tracker/internal/clock/system"
	"github.com/JakeFAU/rank-tracker/internal/config"
	"github.com/JakeFAU/rank-tracker/internal/dispatcher"
	"github.com/JakeFAU/rank-tracker/internal/hash/sha256"
	"github.com/JakeFAU/rank-tracker/internal/id/uuid"
	"github.com/JakeFAU/rank-tracker/internal/metrics"
	"github.com/JakeFAU/rank-tracker/internal/notify"
	"github.com/JakeFAU/rank-tracker/internal/policy/ratelimit"
	"github.com/JakeFAU/rank-tracker/internal/processor"
	"github.com/JakeFAU/rank-tracker/internal/progress"
	progresssinks "github.com/JakeFAU/rank-tracker/internal/progress/sinks"
	"github.com/JakeFAU/rank-tracker/internal/provider"
	"github.com/JakeFAU/rank-tracker/internal/provider/dataforseo"
	"github.com/JakeFAU/rank-tracker/internal/provider/metricscache"
	"github.com/JakeFAU/rank-tracker/internal/provider/simulated"
	memorypublisher "github.com/JakeFAU/rank-tracker/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/rank-tracker/internal/publisher/pubsub"
	"github.com/JakeFAU/rank-tracker/internal/rank"
	"github.com/JakeFAU/rank-tracker/internal/reaper"
	"github.com/JakeFAU/rank-tracker/internal/scheduler"
	gcsstorage "github.com/JakeFAU/rank-tracker/internal/storage/gcs"
	localstorage "github.com/JakeFAU/rank-tracker/internal/storage/local"
	memorystorage "github.com/JakeFAU/rank-tracker/internal/storage/memory"
	pgstore "github.com/JakeFAU/rank-tracker/internal/storage/postgres"
)

// Stores groups the persistence ports.
type Stores struct {
	Jobs      rank.JobStore
	Keywords  rank.KeywordStore
	Domains   rank.DomainStore
	Positions rank.PositionStore
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  rank.Clock

	stores    Stores
	pool      *pgxpool.Pool
	redis     *redis.Client
	gcs       *storage.Client
	pubsub    *pubsub.Client
	gcpPub    *gcppublisher.Publisher
	hub       *progress.Hub
	blobs     rank.BlobStore
	publisher rank.Publisher
	provider  rank.RankProvider

	// base outlives requests; processors and scheduled tasks run under it.
	base       context.Context
	cancelBase context.CancelFunc

	dispatch  *dispatcher.Dispatcher
	reaper    *reaper.Reaper
	refresher *scheduler.Refresher
	scheduler *scheduler.Scheduler
	apiServer *api.Server
}

// Build creates the application's dependencies. Everything external is
// optional: without a DSN, Redis address, bucket, Pub/Sub project or
// provider credentials the corresponding in-memory or simulated component is
// used instead.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	app := &App{
		cfg:        cfg,
		logger:     logger,
		clock:      system.New(),
		base:       base,
		cancelBase: cancel,
	}
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"database", app.setupDatabase},
		{"storage", app.setupStorage},
		{"publisher", app.setupPublisher},
		{"provider", app.setupProvider},
		{"progress", app.setupProgress},
		{"engine", app.setupEngine},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			app.Close(context.Background())
			return nil, fmt.Errorf("%s init failed: %w", step.name, err)
		}
	}
	logger.Info("application built",
		zap.Bool("postgres", app.pool != nil),
		zap.Bool("simulated_provider", cfg.Provider.Simulated()),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("pubsub", app.pubsub != nil),
		zap.Bool("metrics_cache", app.redis != nil),
	)
	return app, nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory stores")
		a.stores = Stores{
			Jobs:      memorystorage.NewJobStore(),
			Keywords:  memorystorage.NewKeywordStore(),
			Domains:   memorystorage.NewDomainStore(),
			Positions: memorystorage.NewPositionStore(),
		}
		return nil
	}
	if a.cfg.Database.MigrateOnStart {
		if err := pgstore.Migrate(a.cfg.Database.DSN); err != nil {
			return err
		}
		a.logger.Info("database migrations applied")
	}
	pool, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return err
	}
	a.pool = pool
	jobs, err := pgstore.NewJobStore(pool)
	if err != nil {
		return err
	}
	keywords, err := pgstore.NewKeywordStore(pool)
	if err != nil {
		return err
	}
	domains, err := pgstore.NewDomainStore(pool)
	if err != nil {
		return err
	}
	positions, err := pgstore.NewPositionStore(pool)
	if err != nil {
		return err
	}
	a.stores = Stores{Jobs: jobs, Keywords: keywords, Domains: domains, Positions: positions}
	a.logger.Info("postgres stores initialized", zap.Int32("max_conns", a.cfg.Database.MaxConns))
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client: %w", err)
		}
		a.gcs = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket, Prefix: a.cfg.Storage.Prefix})
		if err != nil {
			return err
		}
		a.blobs = blobs
		a.logger.Info("using GCS snapshot archive", zap.String("bucket", a.cfg.Storage.Bucket))
	case config.StorageLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return err
		}
		a.blobs = blobs
		a.logger.Info("using local snapshot archive", zap.String("dir", a.cfg.Storage.LocalDir))
	case config.StorageNone:
		a.logger.Info("snapshot archive disabled")
	default:
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory snapshot archive")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	client, err := gcppublisher.Connect(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return err
	}
	a.pubsub = client
	a.gcpPub = gcppublisher.New(client)
	a.publisher = a.gcpPub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return nil
}

// metricsProvider is a rank provider that can also look up keyword metrics.
type metricsProvider interface {
	rank.RankProvider
	provider.MetricsSource
}

func (a *App) setupProvider(ctx context.Context) error {
	pc := a.cfg.Provider
	var base metricsProvider
	if pc.Simulated() {
		a.logger.Warn("no provider credentials configured, running in simulation mode")
		base = simulated.New(a.clock)
	} else {
		limiter := ratelimit.New(ratelimit.Config{RPS: pc.RPS, Burst: pc.Burst})
		client, err := dataforseo.New(dataforseo.Config{
			BaseURL:            pc.BaseURL,
			Login:              pc.Login,
			Password:           pc.Password,
			Timeout:            pc.Timeout,
			Depth:              pc.Depth,
			MaxTasksPerRequest: pc.MaxTasksPerRequest,
			MaxRetries:         pc.MaxRetries,
		},
			dataforseo.WithLimiter(limiter),
			dataforseo.WithRetryPolicy(provider.NewRetryPolicy(pc.MaxRetries)),
			dataforseo.WithClock(a.clock),
			dataforseo.WithLogger(a.logger.Named("dataforseo")),
		)
		if err != nil {
			return err
		}
		base = client
		a.logger.Info("rank provider configured",
			zap.String("base_url", pc.BaseURL),
			zap.Float64("rps", pc.RPS),
			zap.Int("max_tasks_per_request", pc.MaxTasksPerRequest),
		)
	}

	var source provider.MetricsSource = base
	if a.cfg.Redis.Addr != "" {
		client, err := metricscache.Connect(ctx, metricscache.Config{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		a.redis = client
		cache, err := metricscache.New(client, base, a.cfg.Redis.MetricsTTL, a.logger.Named("metrics_cache"))
		if err != nil {
			return err
		}
		source = cache
		a.logger.Info("keyword metrics cache enabled", zap.Duration("ttl", a.cfg.Redis.MetricsTTL))
	}
	a.provider = provider.WithMetrics(base, source, a.logger.Named("metrics"))
	return nil
}

func (a *App) setupProgress(context.Context) error {
	var sinks []progress.Sink
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		a.logger.Debug("progress collectors already registered")
	} else {
		sinks = append(sinks, promSink)
	}
	if a.cfg.Progress.LogEvents {
		sinks = append(sinks, progresssinks.NewLogSink(a.logger.Named("progress")))
	}
	if len(sinks) == 0 {
		return nil
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
	}, a.logger.Named("progress_hub"), sinks...)
	return nil
}

func (a *App) setupEngine(context.Context) error {
	notifier := notify.New(a.publisher, a.cfg.PubSub.Topic, a.logger.Named("notify"))
	gapFiller := provider.GapFiller(provider.NoGapFiller{})
	if a.cfg.Jobs.GapFill {
		gapFiller = provider.DefaultGapFiller()
	}
	deps := processor.Deps{
		Jobs:      a.stores.Jobs,
		Keywords:  a.stores.Keywords,
		Domains:   a.stores.Domains,
		Positions: a.stores.Positions,
		Provider:  a.provider,
		Blobs:     a.blobs,
		Hasher:    sha256.New(),
		Clock:     a.clock,
		Notifier:  notifier,
	}
	if a.hub != nil {
		deps.Emitter = a.hub
	}
	proc, err := processor.New(deps, processor.Config{
		BackfillMonths: a.cfg.Jobs.BackfillMonths,
		GapFiller:      gapFiller,
		SnapshotPrefix: a.cfg.Jobs.SnapshotPrefix,
	}, a.logger.Named("processor"))
	if err != nil {
		return err
	}
	a.dispatch, err = dispatcher.New(a.base, dispatcher.Deps{
		Jobs:     a.stores.Jobs,
		Keywords: a.stores.Keywords,
		Runner:   proc,
		IDs:      uuid.New(),
		Clock:    a.clock,
		Notifier: notifier,
	}, a.logger.Named("dispatcher"))
	if err != nil {
		return err
	}
	a.reaper = reaper.New(a.stores.Jobs, a.stores.Keywords, a.clock, notifier, reaper.Config{
		PendingTimeout:    a.cfg.Jobs.PendingTimeout,
		ProcessingTimeout: a.cfg.Jobs.ProcessingTimeout,
	}, a.logger.Named("reaper"))
	a.refresher = scheduler.NewRefresher(a.stores.Domains, a.stores.Keywords, a.stores.Positions,
		a.provider, a.clock, a.logger.Named("refresh"))
	if a.cfg.Scheduler.Enabled {
		a.scheduler, err = scheduler.New(a.refresher, a.reaper, scheduler.Config{
			DailySpec:  a.cfg.Scheduler.DailySpec,
			WeeklySpec: a.cfg.Scheduler.WeeklySpec,
			ReapSpec:   a.cfg.Scheduler.ReapSpec,
		}, a.logger.Named("scheduler"))
		if err != nil {
			return err
		}
	}
	a.apiServer = api.NewServer(a.dispatch, a.stores.Keywords, a.stores.Positions, api.Options{
		Auth:           a.cfg.Auth,
		RequestTimeout: a.cfg.Server.RequestTimeout,
		Checks:         a.readinessChecks(),
	}, a.logger.Named("api"))
	return nil
}

func (a *App) readinessChecks() map[string]api.ReadinessCheck {
	checks := map[string]api.ReadinessCheck{}
	if a.pool != nil {
		checks["postgres"] = func(ctx context.Context) error { return a.pool.Ping(ctx) }
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	return checks
}

// Stores exposes the persistence ports.
func (a *App) Stores() Stores { return a.stores }

// Dispatcher returns the job service.
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatch }

// Reaper returns the stuck-job reaper.
func (a *App) Reaper() *reaper.Reaper { return a.reaper }

// Refresher returns the bulk refresher.
func (a *App) Refresher() *scheduler.Refresher { return a.refresher }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Run serves HTTP and runs the scheduler until ctx is done, then shuts down.
func (a *App) Run(ctx context.Context) error {
	if a.scheduler != nil {
		if err := a.scheduler.Start(a.base); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close(shutdownCtx)
	return runErr
}

// Close stops background work and releases clients. In-flight processors are
// cancelled and their jobs left for the reaper.
func (a *App) Close(ctx context.Context) {
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			a.logger.Warn("scheduler stop failed", zap.Error(err))
		}
	}
	a.cancelBase()
	if a.dispatch != nil {
		done := make(chan struct{})
		go func() {
			a.dispatch.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			a.logger.Warn("processors still running at shutdown")
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.gcpPub != nil {
		a.gcpPub.Close()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}
