// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the serve and batch commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-insight/internal/ads"
	"github.com/JakeFAU/adlibrary-insight/internal/apify"
	"github.com/JakeFAU/adlibrary-insight/internal/clock/system"
	"github.com/JakeFAU/adlibrary-insight/internal/config"
	"github.com/JakeFAU/adlibrary-insight/internal/engine"
	"github.com/JakeFAU/adlibrary-insight/internal/hash/sha256"
	"github.com/JakeFAU/adlibrary-insight/internal/id/uuid"
	"github.com/JakeFAU/adlibrary-insight/internal/metrics"
	"github.com/JakeFAU/adlibrary-insight/internal/policy/ratelimit"
	"github.com/JakeFAU/adlibrary-insight/internal/progress"
	"github.com/JakeFAU/adlibrary-insight/internal/progress/sinks"
	pubmemory "github.com/JakeFAU/adlibrary-insight/internal/publisher/memory"
	"github.com/JakeFAU/adlibrary-insight/internal/publisher/pubsub"
	"github.com/JakeFAU/adlibrary-insight/internal/runs"
	"github.com/JakeFAU/adlibrary-insight/internal/storage/gcs"
	"github.com/JakeFAU/adlibrary-insight/internal/storage/local"
	"github.com/JakeFAU/adlibrary-insight/internal/storage/memory"
	"github.com/JakeFAU/adlibrary-insight/internal/storage/postgres"
	"github.com/JakeFAU/adlibrary-insight/internal/storage/sqlite"
	"github.com/JakeFAU/adlibrary-insight/internal/store"
	"github.com/JakeFAU/adlibrary-insight/internal/translate"
)

// App holds the shared services of one process.
type App struct {
	Config  config.Config
	Logger  *zap.Logger
	Apify   *apify.Client
	Engine  *engine.Engine
	Runs    *runs.Manager
	History store.HistoryRepository
	Hub     *progress.Hub

	closers []func(context.Context) error
}

// Option customizes New, mostly for tests.
type Option func(*options)

type options struct {
	searcher   ads.Searcher
	registerer prometheus.Registerer
	httpClient *http.Client
}

// WithSearcher replaces the Apify client as the engine's searcher.
func WithSearcher(s ads.Searcher) Option {
	return func(o *options) { o.searcher = s }
}

// WithRegisterer registers progress collectors somewhere other than the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithHTTPClient sets the client used for Apify calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// New builds every service selected by cfg. Any resource opened before a
// failure is released before returning.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	metrics.Init()

	a = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
			a = nil
		}
	}()

	history, err := a.openHistory(ctx)
	if err != nil {
		return nil, err
	}
	a.History = history

	blobs, err := a.openBlobs(ctx)
	if err != nil {
		return nil, err
	}

	publisher, err := a.openPublisher(ctx)
	if err != nil {
		return nil, err
	}

	var translator ads.Translator
	if cfg.Translation.Enabled {
		gen, err := translate.NewGenAIGenerator(ctx, cfg.Translation.Config)
		if err != nil {
			return nil, fmt.Errorf("init translator: %w", err)
		}
		translator = translate.New(gen, cfg.Translation.Config, logger)
		logger.Info("translation enabled", zap.String("model", cfg.Translation.Model))
	}

	promSink, err := sinks.NewPrometheusSink(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("init progress metrics: %w", err)
	}
	hubCfg := cfg.Progress
	hubCfg.Logger = logger
	a.Hub = progress.NewHub(hubCfg,
		sinks.NewLogSink(logger),
		promSink,
		sinks.NewStoreSink(history, logger),
	)
	a.closers = append(a.closers, a.Hub.Close)

	a.Apify = apify.New(cfg.Apify.Config, o.httpClient, ratelimit.New(cfg.Apify.RateLimit), logger)
	searcher := o.searcher
	if searcher == nil {
		searcher = a.Apify
	}

	ids := uuid.New()
	clock := system.New()
	a.Engine = engine.New(searcher, a.Hub, clock, ids, logger)
	a.Runs, err = runs.NewManager(runs.Deps{
		Engine:     a.Engine,
		IDs:        ids,
		History:    history,
		Blobs:      blobs,
		Publisher:  publisher,
		Translator: translator,
		Hasher:     sha256.New(),
		Clock:      clock,
		Logger:     logger,
	}, cfg.RunsConfig())
	if err != nil {
		return nil, fmt.Errorf("init run manager: %w", err)
	}
	// Runs shut down before the hub so terminal events are still delivered.
	a.closers = append(a.closers, a.Runs.Shutdown)

	logger.Info("application services initialized",
		zap.String("history", cfg.History.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("pubsub", cfg.PubSub.Backend),
	)
	return a, nil
}

func (a *App) openHistory(ctx context.Context) (store.HistoryRepository, error) {
	switch a.Config.History.Backend {
	case config.BackendSQLite:
		s, err := sqlite.Open(ctx, a.Config.History.SQLite)
		if err != nil {
			return nil, fmt.Errorf("open sqlite history: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
		return s, nil
	case config.BackendPostgres:
		s, err := postgres.NewHistoryStore(ctx, a.Config.DB)
		if err != nil {
			return nil, fmt.Errorf("open postgres history: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			s.Close()
			return nil
		})
		return s, nil
	case config.BackendMemory, "":
		return memory.NewHistoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown history backend: %s", a.Config.History.Backend)
	}
}

func (a *App) openBlobs(ctx context.Context) (ads.BlobStore, error) {
	switch a.Config.Storage.Backend {
	case config.BackendLocal:
		s, err := local.New(a.Config.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("open local exports: %w", err)
		}
		return s, nil
	case config.BackendGCS:
		s, closeFn, err := gcs.Open(ctx, a.Config.Storage.GCS)
		if err != nil {
			return nil, fmt.Errorf("open gcs exports: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return closeFn() })
		return s, nil
	case config.BackendMemory, "":
		return memory.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", a.Config.Storage.Backend)
	}
}

func (a *App) openPublisher(ctx context.Context) (ads.Publisher, error) {
	switch a.Config.PubSub.Backend {
	case config.BackendPubSub:
		p, err := pubsub.Open(ctx, a.Config.PubSub.Config)
		if err != nil {
			return nil, fmt.Errorf("open pubsub: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return p.Close() })
		return p, nil
	case config.BackendMemory, "":
		return pubmemory.New(), nil
	default:
		return nil, fmt.Errorf("unknown pubsub backend: %s", a.Config.PubSub.Backend)
	}
}

// Ready reports whether the history backend answers. Backends without a
// health check are always ready.
func (a *App) Ready(ctx context.Context) error {
	if p, ok := a.History.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases services in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if len(errs) > 0 {
		a.Logger.Warn("error shutting down services", zap.Error(errors.Join(errs...)))
	}
	return errors.Join(errs...)
}
