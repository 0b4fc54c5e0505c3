// Package app wires the edge's caching and refresh core: the shared caches,
// the token validator, the feature refresher, the metrics sink, the
// persistence snapshotter, and the HTTP surface, all supervised by one
// lifecycle manager.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Defman/unleash-edge/internal/app/cache"
	"github.com/Defman/unleash-edge/internal/app/httpapi"
	"github.com/Defman/unleash-edge/internal/app/persistence"
	"github.com/Defman/unleash-edge/internal/app/services/metricsink"
	"github.com/Defman/unleash-edge/internal/app/services/refresher"
	"github.com/Defman/unleash-edge/internal/app/services/validator"
	"github.com/Defman/unleash-edge/internal/app/system"
	"github.com/Defman/unleash-edge/internal/app/upstream"
	"github.com/Defman/unleash-edge/internal/config"
	"github.com/Defman/unleash-edge/pkg/logger"
)

// Application owns the assembled edge core.
type Application struct {
	Tokens   *cache.TokenCache
	Features *cache.FeatureCache
	Targets  *cache.RefreshTargetCache

	Validator   *validator.Validator
	Refresher   *refresher.Refresher
	MetricsSink *metricsink.Sink
	Snapshotter *persistence.Snapshotter
	HTTP        *httpapi.Service

	manager *system.Manager
	log     *logger.Logger

	// fatal receives configuration errors that should stop the process.
	fatal chan error
}

// New builds the application from configuration. The persistence store is
// injected so callers (and tests) control the backend.
func New(cfg *config.Config, store persistence.EdgePersistence, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if store == nil {
		store = persistence.NoPersistence{}
	}
	if log == nil {
		log = logger.New(cfg.Logging)
	}

	tokens := cache.NewTokenCache()
	featureCache := cache.NewFeatureCache()
	targets := cache.NewRefreshTargetCache()

	upstreamClient, err := upstream.NewClient(upstream.Config{
		BaseURL:   cfg.Upstream.URL,
		AuthToken: cfg.Upstream.AuthToken,
		Timeout:   cfg.Upstream.Timeout,
		ConnectVia: upstream.ConnectVia{
			AppName:    cfg.Upstream.AppName,
			InstanceID: uuid.NewString(),
		},
	}, log)
	if err != nil {
		return nil, fmt.Errorf("build upstream client: %w", err)
	}

	app := &Application{
		Tokens:   tokens,
		Features: featureCache,
		Targets:  targets,
		manager:  system.NewManager(),
		log:      log,
		fatal:    make(chan error, 1),
	}

	app.Refresher = refresher.New(upstreamClient, tokens, featureCache, targets, refresher.Config{
		Interval:    cfg.Refresh.Interval,
		MaxInFlight: cfg.Refresh.MaxInFlight,
	}, log)

	app.Validator = validator.New(upstreamClient, tokens, app.Refresher, app, log)

	app.MetricsSink = metricsink.New(upstreamClient, metricsink.Config{
		FlushInterval: cfg.Metrics.FlushInterval,
	}, log)

	app.Snapshotter, err = persistence.NewSnapshotter(store, tokens, featureCache, targets, cfg.Persistence.Schedule, log)
	if err != nil {
		return nil, fmt.Errorf("build snapshotter: %w", err)
	}

	app.HTTP = httpapi.NewService(httpapi.HandlerDeps{
		Registrar: app.Validator,
		Features:  featureCache,
		Metrics:   app.MetricsSink,
	}, httpapi.ServerConfig{
		Addr:            cfg.Server.Addr(),
		ShutdownGrace:   cfg.Server.ShutdownGrace,
		RequestsPerSec:  cfg.Server.RequestsPerSec,
		RateLimitBurst:  cfg.Server.RateLimitBurst,
		CORSAllowOrigin: cfg.Server.CORSAllowOrigin,
	}, log)

	// Stop order is the reverse: HTTP drains first so final flushes and the
	// last snapshot see every in-flight request's writes.
	for _, svc := range []system.Service{
		app.Refresher,
		app.MetricsSink,
		app.Snapshotter,
		app.HTTP,
	} {
		if err := app.manager.Register(svc); err != nil {
			return nil, err
		}
	}

	return app, nil
}

// ReportFatal delivers a configuration error to Run. Extra reports after the
// first are dropped.
func (a *Application) ReportFatal(err error) {
	select {
	case a.fatal <- err:
	default:
	}
}

// Start restores persisted state and launches all services.
func (a *Application) Start(ctx context.Context) error {
	// Restore runs before the validator and refresher can observe traffic so
	// a warm restart serves immediately and the first upstream fetch is
	// conditional on the restored ETag.
	a.Snapshotter.Restore(ctx)
	return a.manager.Start(ctx)
}

// Stop stops all services in reverse registration order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Run blocks until the context is cancelled, a fatal error is reported, or
// the HTTP server exits unexpectedly, then shuts everything down within the
// grace period.
func (a *Application) Run(ctx context.Context, grace time.Duration) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	var cause error
	select {
	case <-ctx.Done():
		a.log.Info("shutdown requested")
	case err := <-a.fatal:
		cause = err
		a.log.WithError(err).Error("fatal error, shutting down")
	case <-a.HTTP.Exited():
		cause = fmt.Errorf("http server exited unexpectedly")
		a.log.Error("http server exited unexpectedly, shutting down")
	}

	if grace <= 0 {
		grace = 10 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := a.Stop(stopCtx); err != nil {
		if cause == nil {
			cause = err
		}
		a.log.WithError(err).Error("shutdown finished with errors")
	}
	return cause
}
