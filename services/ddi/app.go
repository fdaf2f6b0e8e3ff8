package ddi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"otad/pkg/bus"
	"otad/pkg/db"
	"otad/pkg/metrics"
	"otad/pkg/retry"
	"otad/pkg/s3"
	"otad/services/artifacts"
	"otad/services/catalog"
	"otad/services/coordinator"
	"otad/services/notify"
	"otad/services/reaper"
	"otad/services/registry"
	"otad/services/session"
)

// BuildOptions carry process-level collaborators into Build.
type BuildOptions struct {
	// Registerer and Gatherer default to a fresh private registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Middleware []func(http.Handler) http.Handler
}

// App is a fully wired server with its background workers.
type App struct {
	Server   *Server
	Registry *registry.Registry
	Engine   *coordinator.Engine
	Store    *artifacts.Store
	Reaper   *reaper.Reaper
	Catalog  *catalog.Watcher

	handler http.Handler
	logger  zerolog.Logger
	closers []func()
}

type storage struct {
	repo        registry.Repository
	audit       registry.AuditLog
	controllers coordinator.ControllerRepository
	history     coordinator.History
	index       artifacts.Index
	locker      coordinator.Locker
}

// Build assembles every component selected by cfg. On error everything
// opened so far is released.
func Build(ctx context.Context, cfg Config, logger zerolog.Logger, opts BuildOptions) (_ *App, err error) {
	app := &App{logger: logger}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	if opts.Registerer == nil {
		reg := prometheus.NewRegistry()
		opts.Registerer, opts.Gatherer = reg, reg
	}
	rec, err := metrics.New(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	policy := retry.DefaultPolicy()
	if cfg.StorageMaxAttempts > 0 {
		policy.MaxAttempts = cfg.StorageMaxAttempts
	}

	var checks []func(context.Context) error
	st := storage{
		repo:        registry.NewMemoryRepository(),
		audit:       registry.NewMemoryAuditLog(),
		controllers: coordinator.NewMemoryControllers(),
		history:     coordinator.NewMemoryHistory(),
		index:       artifacts.NewMemoryIndex(),
	}
	if cfg.DBDSN != "" {
		pool, err := db.Open(ctx, cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		app.closers = append(app.closers, pool.Close)
		if err := db.Migrate(ctx, pool); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		if st, err = sqlStorage(pool); err != nil {
			return nil, err
		}
		checks = append(checks, func(ctx context.Context) error { return db.Ping(ctx, pool) })
		logger.Info().Msg("using postgres storage")
	}

	blobs, err := buildBlobs(cfg)
	if err != nil {
		return nil, err
	}
	store, err := artifacts.NewStore(blobs, st.index, artifacts.WithRetryPolicy(policy), artifacts.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	app.Store = store

	var (
		tracker session.Tracker
		mem     *session.MemoryTracker
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		app.closers = append(app.closers, func() { _ = client.Close() })
		if tracker, err = session.NewRedisTracker(client, cfg.SessionPolicy()); err != nil {
			return nil, err
		}
		checks = append(checks, func(ctx context.Context) error { return client.Ping(ctx).Err() })
	} else {
		mem = session.NewMemoryTracker(cfg.SessionPolicy())
		tracker = mem
	}

	sinks := []notify.Sink{{Name: "log", Observer: notify.NewLogSink(logger)}}
	var publisher *bus.Bus
	if cfg.NATSURL != "" {
		if publisher, err = bus.New(cfg.NATSURL); err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		app.closers = append(app.closers, publisher.Close)
		if err := notify.EnsureStream(publisher); err != nil {
			return nil, fmt.Errorf("ensure stream: %w", err)
		}
		busSink, err := notify.NewBusSink(publisher)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, notify.Sink{Name: "bus", Observer: busSink})
	}
	if cfg.WebhookURL != "" {
		hook, err := notify.NewWebhookSink(cfg.WebhookURL, nil)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, notify.Sink{Name: "webhook", Observer: hook})
	}

	reg, err := registry.New(st.repo, st.audit, store,
		registry.WithObservers(notify.NewMulti(rec, sinks...)),
		registry.WithLogger(logger),
		registry.WithMetrics(rec),
		registry.WithRetryPolicy(policy),
	)
	if err != nil {
		return nil, err
	}
	app.Registry = reg

	var presigner Presigner
	if cfg.ArtifactPresign {
		presigner = store
	}
	engineOpts := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(rec),
		coordinator.WithRetryPolicy(policy),
	}
	if st.locker != nil {
		engineOpts = append(engineOpts, coordinator.WithLocker(st.locker))
	}
	engine, err := coordinator.NewEngine(reg, st.controllers, st.history, store,
		NewLinker(cfg.PublicURL, presigner, cfg.PresignTTL), engineOpts...)
	if err != nil {
		return nil, err
	}
	app.Engine = engine

	reaperOpts := []reaper.Option{reaper.WithLogger(logger), reaper.WithMetrics(rec)}
	if mem != nil {
		reaperOpts = append(reaperOpts, reaper.WithSessions(mem))
	}
	if app.Reaper, err = reaper.New(reg, engine, cfg.AssignmentExpiry, cfg.ReapInterval, reaperOpts...); err != nil {
		return nil, err
	}

	if cfg.CatalogDir != "" {
		catalogOpts := []catalog.Option{catalog.WithLogger(logger)}
		if publisher != nil {
			catalogOpts = append(catalogOpts, catalog.WithPublisher(publisher))
		}
		if app.Catalog, err = catalog.NewWatcher(cfg.CatalogDir, cfg.CatalogInterval, reg, catalogOpts...); err != nil {
			return nil, err
		}
	}

	srv, err := New(Deps{
		Engine:     engine,
		Registry:   reg,
		Store:      store,
		Sessions:   tracker,
		Metrics:    rec,
		Gatherer:   opts.Gatherer,
		Logger:     logger,
		Middleware: opts.Middleware,
		Ready: func(ctx context.Context) error {
			for _, check := range checks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	}, Options{
		PublicURL:       cfg.PublicURL,
		PollRateLimit:   cfg.PollRateLimit,
		AllowedOrigins:  cfg.AllowedOrigins,
		RequestTimeout:  cfg.RequestTimeout,
		TransferTimeout: cfg.TransferTimeout,
	})
	if err != nil {
		return nil, err
	}
	app.Server = srv
	app.handler = srv.Routes()
	return app, nil
}

func sqlStorage(pool *pgxpool.Pool) (storage, error) {
	orm, err := db.OpenORM(pool)
	if err != nil {
		return storage{}, fmt.Errorf("open orm: %w", err)
	}
	repo, err := registry.NewGormRepository(orm)
	if err != nil {
		return storage{}, err
	}
	audit, err := registry.NewPGAuditLog(pool)
	if err != nil {
		return storage{}, err
	}
	controllers, err := coordinator.NewGormControllers(orm)
	if err != nil {
		return storage{}, err
	}
	history, err := coordinator.NewPGHistory(pool)
	if err != nil {
		return storage{}, err
	}
	index, err := artifacts.NewGormIndex(orm)
	if err != nil {
		return storage{}, err
	}
	locker, err := coordinator.NewPGLocker(pool)
	if err != nil {
		return storage{}, err
	}
	return storage{repo: repo, audit: audit, controllers: controllers, history: history, index: index, locker: locker}, nil
}

func buildBlobs(cfg Config) (artifacts.Blobs, error) {
	switch cfg.ArtifactBackend {
	case BackendFS:
		return artifacts.NewFSBlobs(cfg.ArtifactDir)
	case BackendS3:
		client, err := s3.NewClientFromEnv()
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		return artifacts.NewS3Blobs(client, cfg.S3Bucket)
	default:
		return artifacts.NewMemoryBlobs(), nil
	}
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run starts the background workers and blocks until ctx is cancelled or
// one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Reaper.Start(ctx) })
	if a.Catalog != nil {
		g.Go(func() error { return a.Catalog.Start(ctx) })
	}
	a.logger.Debug().Bool("catalog", a.Catalog != nil).Msg("background workers started")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
