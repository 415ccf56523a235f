// Package app builds the harvester's long-lived services from configuration
// and runs the HTTP server around them.
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
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/surf-results-harvester/internal/api"
	"github.com/JakeFAU/surf-results-harvester/internal/checkpoint"
	"github.com/JakeFAU/surf-results-harvester/internal/checkpoint/gcs"
	"github.com/JakeFAU/surf-results-harvester/internal/clock/system"
	"github.com/JakeFAU/surf-results-harvester/internal/config"
	"github.com/JakeFAU/surf-results-harvester/internal/extract"
	collyfetcher "github.com/JakeFAU/surf-results-harvester/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/surf-results-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
	"github.com/JakeFAU/surf-results-harvester/internal/hash/sha256"
	"github.com/JakeFAU/surf-results-harvester/internal/id/uuid"
	"github.com/JakeFAU/surf-results-harvester/internal/index/postgres"
	"github.com/JakeFAU/surf-results-harvester/internal/index/sqlite"
	"github.com/JakeFAU/surf-results-harvester/internal/logging"
	"github.com/JakeFAU/surf-results-harvester/internal/metrics"
	"github.com/JakeFAU/surf-results-harvester/internal/normalize"
	"github.com/JakeFAU/surf-results-harvester/internal/orchestrator"
	"github.com/JakeFAU/surf-results-harvester/internal/progress"
	progresssinks "github.com/JakeFAU/surf-results-harvester/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/surf-results-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/surf-results-harvester/internal/session"
)

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	registerer   prometheus.Registerer
	store        *checkpoint.Store
	orchestrator *orchestrator.Orchestrator
	apiServer    *api.Server
	progressHub  *progress.Hub
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	storage      *storage.Client
	headless     *headlessfetcher.Fetcher
	closeIndex   func()
	closeOnce    sync.Once
}

// Option customizes Build.
type Option func(*App)

// WithLogger uses logger instead of building one from the logging config.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithRegisterer registers progress collectors against reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) {
		a.registerer = reg
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	app := &App{cfg: cfg, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
		app.logger = logger
	}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("source", cfg.Source.BaseURL),
		zap.String("index", cfg.Index.Provider),
	)
	metrics.Init()

	built := false
	defer func() {
		if !built {
			app.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()

	if err := app.setupCheckpoints(ctx); err != nil {
		return nil, err
	}
	index, err := app.setupIndex(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	emitter, err := app.setupProgress(ctx)
	if err != nil {
		return nil, err
	}
	sessions, err := app.setupSessions()
	if err != nil {
		return nil, err
	}

	app.orchestrator, err = orchestrator.New(orchestrator.Config{
		Topic:     cfg.PubSub.TopicName,
		ETAWindow: cfg.Job.ETAWindow,
		Regions:   cfg.Source.Regions,
	}, orchestrator.Dependencies{
		Store:     app.store,
		Sessions:  sessions,
		Index:     index,
		Publisher: publisher,
		Hasher:    sha256.New(),
		Clock:     system.New(),
		IDs:       uuid.New(),
		Retry:     harvest.NewExponentialRetryPolicy(cfg.Retry()),
		Progress:  emitter,
	}, app.logger.Named("orchestrator"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	app.apiServer = api.NewServer(app.orchestrator, app.store, api.Config{
		APIKey:         apiKey,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout(),
		Defaults: api.JobDefaults{
			MaxWorkers: cfg.Job.MaxWorkers,
			MinDelay:   cfg.MinDelay(),
			MaxDelay:   cfg.MaxDelay(),
		},
	}, app.logger.Named("api"))

	built = true
	return app, nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Orchestrator returns the job orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Store returns the checkpoint store.
func (a *App) Store() *checkpoint.Store {
	return a.store
}

// Handler returns the HTTP handler for the API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Recover marks jobs orphaned by a previous process as interrupted.
func (a *App) Recover(ctx context.Context) error {
	interrupted, err := a.orchestrator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	if len(interrupted) > 0 {
		a.logger.Warn("jobs left running by a previous process marked interrupted",
			zap.Strings("job_ids", interrupted),
		)
	}
	return nil
}

// Serve recovers orphaned jobs, serves the API, and blocks until ctx is
// cancelled or a termination signal arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Recover(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return closeErr
}

// Close stops running jobs, leaving them interrupted, then releases every
// client the app opened.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.orchestrator != nil {
		if shutdownErr := a.orchestrator.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("orchestrator shutdown: %w", shutdownErr)
		}
	}
	a.closeInfrastructure(ctx)
	if syncErr := a.logger.Sync(); syncErr != nil {
		a.logger.Debug("logger sync failed", zap.Error(syncErr))
	}
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) {
	a.closeOnce.Do(func() {
		if a.progressHub != nil {
			if err := a.progressHub.Close(ctx); err != nil {
				a.logger.Warn("progress hub close failed", zap.Error(err))
			}
		}
		if a.publisher != nil {
			a.publisher.Stop()
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
		if a.closeIndex != nil {
			a.closeIndex()
		}
		if a.headless != nil {
			a.headless.Close()
		}
	})
}

func (a *App) setupCheckpoints(ctx context.Context) error {
	var mirror harvest.BlobStore
	if a.cfg.Checkpoint.GCSBucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		m, err := gcs.New(client, gcs.Config{
			Bucket: a.cfg.Checkpoint.GCSBucket,
			Prefix: a.cfg.Checkpoint.GCSPrefix,
		})
		if err != nil {
			return fmt.Errorf("gcs mirror init failed: %w", err)
		}
		mirror = m
		a.logger.Info("mirroring checkpoints to GCS",
			zap.String("bucket", a.cfg.Checkpoint.GCSBucket),
			zap.String("prefix", a.cfg.Checkpoint.GCSPrefix),
		)
	}
	store, err := checkpoint.New(checkpoint.Config{Dir: a.cfg.Checkpoint.Dir}, mirror, a.logger.Named("checkpoint"))
	if err != nil {
		return fmt.Errorf("checkpoint store init failed: %w", err)
	}
	a.store = store
	a.logger.Info("checkpoint store ready", zap.String("dir", store.Dir()))
	return nil
}

func (a *App) setupIndex(ctx context.Context) (harvest.JobIndex, error) {
	switch a.cfg.Index.Provider {
	case config.IndexSQLite:
		idx, err := sqlite.Open(ctx, sqlite.Config{Path: a.cfg.Index.SQLite.Path})
		if err != nil {
			return nil, fmt.Errorf("sqlite index init failed: %w", err)
		}
		a.closeIndex = func() {
			if err := idx.Close(); err != nil {
				a.logger.Warn("sqlite index close failed", zap.Error(err))
			}
		}
		a.logger.Info("using sqlite job index", zap.String("path", a.cfg.Index.SQLite.Path))
		return idx, nil
	case config.IndexPostgres:
		pg := a.cfg.Index.Postgres
		idx, err := postgres.New(ctx, postgres.Config{
			DSN:             pg.DSN,
			Table:           pg.Table,
			MaxConns:        pg.MaxConns,
			MaxConnLifetime: time.Duration(pg.MaxConnLifeS) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres index init failed: %w", err)
		}
		a.closeIndex = idx.Close
		a.logger.Info("using postgres job index", zap.String("table", pg.Table))
		return idx, nil
	default:
		a.logger.Info("no job index configured, listing jobs from checkpoints")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (harvest.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, target notifications disabled")
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	topic := client.Topic(a.cfg.PubSub.TopicName)
	topic.EnableMessageOrdering = a.cfg.PubSub.Ordered
	a.publisher = gcppublisher.New(topic)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.publisher, nil
}

func (a *App) setupProgress(ctx context.Context) (progress.Emitter, error) {
	sinkList := []progress.Sink{progresssinks.NewLogSink(a.logger)}
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	a.progressHub = progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("progress_hub"),
	}, sinkList...)
	return a.progressHub, nil
}

func (a *App) setupSessions() (orchestrator.SessionFactory, error) {
	site, err := extract.NewSite(a.cfg.Source.BaseURL, a.cfg.Source.Regions, system.New())
	if err != nil {
		return nil, fmt.Errorf("site init failed: %w", err)
	}
	httpFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.HTTP.UserAgent,
		RespectRobots: !a.cfg.HTTP.IgnoreRobots,
		Timeout:       a.cfg.FetchTimeout(),
		MaxBodyBytes:  a.cfg.HTTP.MaxBodyBytes,
	}, nil)
	a.logger.Info("using colly fetcher", zap.String("user_agent", a.cfg.HTTP.UserAgent))

	// Without a browser the rendered-page strategy is left out of the chain.
	var renderer harvest.Fetcher
	if a.cfg.Headless.Enabled {
		a.headless, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.HTTP.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
			WaitSelector:      a.cfg.Headless.WaitSelector,
			MaxScrolls:        a.cfg.Headless.MaxScrolls,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		renderer = a.headless
		a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	}

	factory := &session.Factory{
		Site:        site,
		HTTP:        httpFetcher,
		Renderer:    renderer,
		KnownEvents: a.cfg.KnownEvents(),
		Normalizer:  normalize.New(a.cfg.Advancement()),
		MaxPages:    a.cfg.Job.MaxPages,
		MaxRPS:      a.cfg.Job.MaxRPS,
		Logger:      a.logger.Named("session"),
	}
	return func(filter harvest.FilterSpec) (orchestrator.Session, error) {
		s, err := factory.New(filter)
		if err != nil {
			return nil, err
		}
		return s, nil
	}, nil
}
