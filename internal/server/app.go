// Package server builds the hub's dependency graph and runs its HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/open-website-status/internal/api"
	"github.com/JakeFAU/open-website-status/internal/captcha"
	"github.com/JakeFAU/open-website-status/internal/clock/system"
	"github.com/JakeFAU/open-website-status/internal/config"
	"github.com/JakeFAU/open-website-status/internal/dispatcher"
	"github.com/JakeFAU/open-website-status/internal/geo"
	"github.com/JakeFAU/open-website-status/internal/id/uuid"
	"github.com/JakeFAU/open-website-status/internal/logging"
	"github.com/JakeFAU/open-website-status/internal/metrics"
	"github.com/JakeFAU/open-website-status/internal/probe"
	"github.com/JakeFAU/open-website-status/internal/progress"
	progresssinks "github.com/JakeFAU/open-website-status/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/open-website-status/internal/publisher/pubsub"
	"github.com/JakeFAU/open-website-status/internal/registry"
	"github.com/JakeFAU/open-website-status/internal/router"
	"github.com/JakeFAU/open-website-status/internal/session"
	memorystorage "github.com/JakeFAU/open-website-status/internal/storage/memory"
	pgstore "github.com/JakeFAU/open-website-status/internal/storage/postgres"
	"github.com/JakeFAU/open-website-status/internal/store"
)

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	apiServer   *api.Server
	dispatch    *dispatcher.Dispatcher
	progressHub *progress.Hub
	pgStore     *pgstore.Store
	providers   *session.ProviderHandler
	callers     *session.CallerHandler
}

// Build creates the application's dependencies. Lifecycle collectors are
// registered with the default Prometheus registry.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("store_backend", cfg.Store.Backend),
	)

	docs, stats, ready, err := setupStore(ctx, app)
	if err != nil {
		return nil, err
	}

	if err := seedCredentials(ctx, app, docs); err != nil {
		app.closeStore()
		return nil, err
	}

	hub, err := setupProgress(ctx, app, stats, reg)
	if err != nil {
		app.closeStore()
		return nil, err
	}
	app.progressHub = hub

	clock := system.New()
	ids := uuid.New()
	geoClient := geo.NewClient(cfg.Geo.BaseURL, cfg.Geo.Timeout, nil)
	verifier := captcha.NewVerifier(cfg.Captcha.Secret, cfg.Captcha.VerifyURL, cfg.Captcha.Timeout, nil)
	if cfg.Captcha.Secret == "" {
		app.logger.Warn("captcha.secret is empty; website queries will be refused")
	}
	topics := router.New(logger.Named("router"))

	deps := dispatcher.Deps{
		Store:    docs,
		Registry: registry.New(docs, geoClient, clock, logger.Named("registry")),
		Router:   topics,
		Captcha:  verifier,
		IDs:      ids,
		Clock:    clock,
		Logger:   logger.Named("dispatcher"),
	}
	if hub != nil {
		deps.Events = hub
	}
	app.dispatch = dispatcher.New(deps)

	sessionCfg := session.Config{
		OutboundBuffer:  cfg.Session.OutboundBuffer,
		WriteTimeout:    cfg.Session.WriteTimeout,
		RequestTimeout:  cfg.Session.RequestTimeout,
		MaxMessageBytes: cfg.Session.MaxMessageBytes,
	}
	app.providers = session.NewProviderHandler(app.dispatch, ids, sessionCfg, logger.Named("provider"))
	app.callers = session.NewCallerHandler(app.dispatch, topics, ids, sessionCfg, logger.Named("caller"))
	app.apiServer = api.NewServer(api.Options{
		ProviderPath:   cfg.Server.ProviderPath,
		APIPath:        cfg.Server.APIPath,
		ProviderSocket: app.providers,
		CallerSocket:   app.callers,
		Hub:            app.dispatch,
		Store:          ready,
		Stats:          stats,
		AdminAPIKey:    cfg.Admin.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger.Named("api"),
	})
	return app, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the HTTP server and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started",
			zap.Int("port", a.cfg.Server.Port),
			zap.String("provider_path", a.cfg.Server.ProviderPath),
			zap.String("api_path", a.cfg.Server.APIPath),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close ends the socket sessions, flushes the lifecycle hub and releases the
// store. Provider sessions finish their disconnect recovery before the store
// is closed.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.providers != nil {
		if err := a.providers.Shutdown(ctx); err != nil {
			a.logger.Warn("provider sessions did not finish", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.callers != nil {
		if err := a.callers.Shutdown(ctx); err != nil {
			a.logger.Warn("caller sessions did not finish", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closeStore()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeStore() {
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func setupStore(ctx context.Context, app *App) (probe.Store, store.StatsRepository, api.Pinger, error) {
	if app.cfg.Store.Backend != config.BackendPostgres {
		app.logger.Info("using in-memory store backend")
		docs := memorystorage.NewStore()
		return docs, memorystorage.NewStatsStore(), docs, nil
	}
	pg, err := pgstore.New(ctx, pgstore.Config{
		DSN:             app.cfg.Database.DSN,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("postgres store init failed: %w", err)
	}
	app.pgStore = pg
	if app.cfg.Database.Bootstrap {
		if err := pg.Bootstrap(ctx); err != nil {
			pg.Close()
			return nil, nil, nil, fmt.Errorf("postgres bootstrap failed: %w", err)
		}
		app.logger.Info("postgres schema bootstrapped")
	}
	app.logger.Info("using postgres store backend",
		zap.Int32("max_conns", app.cfg.Database.MaxConns),
		zap.Duration("max_conn_lifetime", app.cfg.Database.MaxConnLifetime),
	)
	return pg, pg.Stats(), pg, nil
}

func seedCredentials(ctx context.Context, app *App, docs probe.Store) error {
	seed := app.cfg.Seed
	if len(seed.Providers) == 0 && len(seed.APIClients) == 0 {
		return nil
	}
	now := time.Now().UTC()
	var putProvider func(probe.Provider) error
	var putClient func(probe.APIClient) error
	switch s := docs.(type) {
	case *memorystorage.Store:
		putProvider = func(p probe.Provider) error { s.PutProvider(p); return nil }
		putClient = func(c probe.APIClient) error { s.PutAPIClient(c); return nil }
	case *pgstore.Store:
		putProvider = func(p probe.Provider) error { return s.PutProvider(ctx, p) }
		putClient = func(c probe.APIClient) error { return s.PutAPIClient(ctx, c) }
	default:
		return fmt.Errorf("store %T cannot be seeded", docs)
	}
	for _, c := range seed.Providers {
		p := probe.Provider{ID: c.ID, UserID: c.UserID, Token: c.Token, Name: c.Name, CreatedAt: now}
		if err := putProvider(p); err != nil {
			return fmt.Errorf("seed provider %s: %w", c.ID, err)
		}
	}
	for _, c := range seed.APIClients {
		client := probe.APIClient{ID: c.ID, UserID: c.UserID, Token: c.Token, Name: c.Name, CreatedAt: now}
		if err := putClient(client); err != nil {
			return fmt.Errorf("seed api client %s: %w", c.ID, err)
		}
	}
	app.logger.Info("seeded credentials",
		zap.Int("providers", len(seed.Providers)),
		zap.Int("api_clients", len(seed.APIClients)),
	)
	return nil
}

func setupProgress(
	ctx context.Context,
	app *App,
	stats store.StatsRepository,
	reg prometheus.Registerer,
) (*progress.Hub, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		promSink,
		progresssinks.NewStoreSink(stats, app.logger.Named("progress_store")),
	}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	if app.cfg.PubSub.TopicName != "" {
		pub, err := gcppublisher.New(ctx, app.cfg.PubSub.ProjectID, app.cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		sinkList = append(sinkList, progresssinks.NewPublishSink(pub, pub.Close))
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", app.cfg.PubSub.ProjectID),
			zap.String("topic", app.cfg.PubSub.TopicName),
		)
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   app.cfg.Progress.Batch.MaxWait(),
		SinkTimeout:    app.cfg.Progress.SinkTimeout(),
		Logger:         app.logger.Named("progress_hub"),
	}
	hub := progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return hub, nil
}
