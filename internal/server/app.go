// Package server builds the hub's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/rankhub/internal/api"
	"github.com/JakeFAU/rankhub/internal/batch"
	"github.com/JakeFAU/rankhub/internal/channel"
	"github.com/JakeFAU/rankhub/internal/clock/system"
	"github.com/JakeFAU/rankhub/internal/config"
	"github.com/JakeFAU/rankhub/internal/coordinator"
	"github.com/JakeFAU/rankhub/internal/dispatcher"
	"github.com/JakeFAU/rankhub/internal/events"
	"github.com/JakeFAU/rankhub/internal/events/sinks"
	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/hash/sha256"
	"github.com/JakeFAU/rankhub/internal/health"
	"github.com/JakeFAU/rankhub/internal/id/uuid"
	"github.com/JakeFAU/rankhub/internal/lease"
	"github.com/JakeFAU/rankhub/internal/metrics"
	gcppublisher "github.com/JakeFAU/rankhub/internal/publisher/pubsub"
	"github.com/JakeFAU/rankhub/internal/registry"
	"github.com/JakeFAU/rankhub/internal/rolling"
	gcsstorage "github.com/JakeFAU/rankhub/internal/storage/gcs"
	localstorage "github.com/JakeFAU/rankhub/internal/storage/local"
	memorystore "github.com/JakeFAU/rankhub/internal/storage/memory"
	pgstore "github.com/JakeFAU/rankhub/internal/storage/postgres"
	"github.com/JakeFAU/rankhub/internal/store"
)

// App contains the hub's long-lived components.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	clock        fleet.Clock
	apiServer    *api.Server
	dispatch     *dispatcher.Dispatcher
	health       *health.Monitor
	leases       *lease.Manager
	eventHub     *events.Hub
	store        store.Store
	storage      *storage.Client
	pubsubCloser func() error
}

// Build creates the hub's dependencies. Nothing runs until Start or Run.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	type sanitizedConfig struct {
		ServerPort  int      `json:"server_port"`
		AuthEnabled bool     `json:"auth_enabled"`
		Browsers    []string `json:"browsers"`
		Postgres    bool     `json:"postgres"`
	}
	logger.Info("building application dependencies", zap.Any("config", sanitizedConfig{
		ServerPort:  cfg.Server.Port,
		AuthEnabled: cfg.Auth.Enabled,
		Browsers:    cfg.Agents.SupportedBrowsers,
		Postgres:    cfg.DB.DSN != "",
	}))
	metrics.Init()

	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure(context.Background())
		}
	}()

	if err := setupStore(ctx, app); err != nil {
		return nil, err
	}
	if err := setupEvents(ctx, app); err != nil {
		return nil, err
	}
	if err := setupFleet(app); err != nil {
		return nil, err
	}
	ok = true
	return app, nil
}

func setupStore(ctx context.Context, app *App) error {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("no DSN specified for database, using in-memory store")
		mem := memorystore.New(app.clock, app.cfg.Billing.AmountPerQuery)
		seeds := app.cfg.SeedUnits()
		mem.Seed(seeds...)
		app.logger.Info("in-memory store ready", zap.Int("seed_units", len(seeds)))
		app.store = mem
		return nil
	}
	st, err := pgstore.New(ctx, pgstore.Config{
		DSN:             app.cfg.DB.DSN,
		MaxConns:        app.cfg.DB.MaxConns,
		MinConns:        app.cfg.DB.MinConns,
		MaxConnLifetime: app.cfg.DB.MaxConnLifetime,
		BillingAmount:   app.cfg.Billing.AmountPerQuery,
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	app.store = st
	app.logger.Info("postgres store initialized", zap.Int32("max_conns", app.cfg.DB.MaxConns))
	return nil
}

func setupEvents(ctx context.Context, app *App) error {
	ecfg := app.cfg.Events
	sinkList := []events.Sink{sinks.NewLogSink(app.logger.Named("events"))}

	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	if ecfg.PubSubProjectID != "" && ecfg.PubSubTopic != "" {
		pub, closer, err := gcppublisher.Dial(ctx, ecfg.PubSubProjectID, ecfg.PubSubTopic)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		app.pubsubCloser = closer
		sinkList = append(sinkList, sinks.NewPublisherSink(pub))
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", ecfg.PubSubProjectID),
			zap.String("topic", ecfg.PubSubTopic),
		)
	} else {
		app.logger.Warn("no Pub/Sub topic configured, events are not published")
	}

	switch {
	case ecfg.ArchiveBucket != "":
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(app.storage, gcsstorage.Config{Bucket: ecfg.ArchiveBucket, Prefix: ecfg.ArchivePrefix})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		sinkList = append(sinkList, sinks.NewArchiveSink(blobs, sha256.New()))
		app.logger.Info("archiving events to GCS", zap.String("bucket", ecfg.ArchiveBucket))
	case ecfg.ArchiveDir != "":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: ecfg.ArchiveDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		sinkList = append(sinkList, sinks.NewArchiveSink(blobs, sha256.New()))
		app.logger.Info("archiving events to local disk", zap.String("path", ecfg.ArchiveDir))
	}

	app.eventHub = events.NewHub(events.Config{
		BufferSize:     ecfg.BufferSize,
		MaxBatchEvents: ecfg.MaxBatchEvents,
		MaxBatchWait:   ecfg.MaxBatchWait,
		Logger:         app.logger.Named("event_hub"),
	}, sinkList...)
	app.logger.Info("event hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", ecfg.BufferSize),
		zap.Duration("max_batch_wait", ecfg.MaxBatchWait),
	)
	return nil
}

func setupFleet(app *App) error {
	cfg := app.cfg
	logger := app.logger
	ids := uuid.New()

	agents := registry.New(app.clock, logger.Named("registry"))
	app.health = health.New(health.Config{
		Timeout:       cfg.Health.Timeout,
		SweepInterval: cfg.Health.SweepInterval,
	}, agents, app.clock, app.eventHub, logger.Named("health"))
	selector := rolling.New(agents, app.health, app.clock, logger.Named("rolling"))
	app.leases = lease.New(lease.Config{
		Duration:      cfg.Lease.Duration,
		SweepInterval: cfg.Lease.SweepInterval,
	}, app.clock, app.eventHub, logger.Named("lease"))
	conns := channel.NewHub()

	coord, err := coordinator.New(coordinator.Config{
		AwaitTimeout: cfg.Tasks.AwaitTimeout,
		DefaultPages: cfg.Tasks.DefaultPages,
	}, coordinator.Deps{
		Agents:   agents,
		Selector: selector,
		Sender:   conns,
		IDs:      ids,
		Clock:    app.clock,
		Emitter:  app.eventHub,
		Recorder: coordinator.StoreRecorder{History: app.store, Billing: app.store},
		Logger:   logger.Named("coordinator"),
	})
	if err != nil {
		return fmt.Errorf("coordinator init failed: %w", err)
	}

	app.dispatch = dispatcher.New(dispatcher.Config{
		Interval:      cfg.Tasks.RedispatchInterval,
		MaxPendingAge: cfg.Tasks.AwaitTimeout,
	}, coord, selector, logger.Named("dispatcher"))

	agentChannel, err := channel.NewServer(channel.Config{
		PingInterval:      cfg.Channel.PingInterval,
		ReadTimeout:       cfg.Channel.ReadTimeout,
		WriteTimeout:      cfg.Channel.WriteTimeout,
		MaxMessageBytes:   cfg.Channel.MaxMessageBytes,
		SendBuffer:        cfg.Channel.SendBuffer,
		HeartbeatInterval: cfg.Channel.HeartbeatInterval,
	}, channel.Deps{
		Hub:      conns,
		Agents:   agents,
		Health:   app.health,
		Selector: selector,
		Leases:   app.leases,
		Tasks:    coord,
		Notifier: app.dispatch,
		IDs:      ids,
		Clock:    app.clock,
		Emitter:  app.eventHub,
		Logger:   logger.Named("channel"),
	})
	if err != nil {
		return fmt.Errorf("channel server init failed: %w", err)
	}

	batchSvc, err := batch.New(batch.Config{
		DefaultLimit:     cfg.Batch.DefaultLimit,
		MaxLimit:         cfg.Batch.MaxLimit,
		Overfetch:        cfg.Batch.Overfetch,
		OverfetchCap:     cfg.Batch.OverfetchCap,
		MinCheckInterval: cfg.Batch.MinCheckInterval,
		SyncTimeLimit:    cfg.Batch.SyncTimeLimit,
	}, app.leases, app.store, logger)
	if err != nil {
		return fmt.Errorf("batch service init failed: %w", err)
	}

	app.apiServer, err = api.NewServer(cfg, api.Deps{
		Lookups:      coord,
		Batch:        batchSvc,
		Agents:       agents,
		Health:       app.health,
		Rolling:      selector,
		Store:        app.store,
		AgentChannel: agentChannel,
		Clock:        app.clock,
		Logger:       logger.Named("api"),
	})
	if err != nil {
		return fmt.Errorf("api server init failed: %w", err)
	}
	return nil
}

// Handler exposes the hub's HTTP surface.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Start launches the background loops. They stop when ctx is canceled.
func (a *App) Start(ctx context.Context) {
	go func() {
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()
	go func() {
		a.logger.Info("health monitor started", zap.Duration("timeout", a.cfg.Health.Timeout))
		a.health.Run(ctx)
	}()
	go func() {
		a.logger.Info("lease sweeper started", zap.Duration("duration", a.cfg.Lease.Duration))
		a.leases.Run(ctx)
	}()
}

// Run serves HTTP and the background loops until ctx is canceled, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	a.Start(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}

// Close flushes events and releases infrastructure clients.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.eventHub != nil {
		if err := a.eventHub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.pubsubCloser != nil {
		if err := a.pubsubCloser(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}
