package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/primoia/conductor-sub000/internal/agents"
	"github.com/primoia/conductor-sub000/internal/api"
	"github.com/primoia/conductor-sub000/internal/auth"
	"github.com/primoia/conductor-sub000/internal/dispatch"
	"github.com/primoia/conductor-sub000/internal/governor"
	"github.com/primoia/conductor-sub000/internal/idempotency"
	"github.com/primoia/conductor-sub000/internal/logging"
	"github.com/primoia/conductor-sub000/internal/messagebus"
	"github.com/primoia/conductor-sub000/internal/metrics"
	"github.com/primoia/conductor-sub000/internal/prompt"
	"github.com/primoia/conductor-sub000/internal/pulse"
	"github.com/primoia/conductor-sub000/internal/taskqueue"
	"github.com/primoia/conductor-sub000/internal/taskstore"
	"github.com/primoia/conductor-sub000/internal/telemetry"
	"github.com/primoia/conductor-sub000/internal/worker"
	"github.com/primoia/conductor-sub000/pkg/config"
)

func newServeCommand() *cobra.Command {
	var memoryStore bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the queue consumer and the dead letter listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if memoryStore {
				cfg.Store.Memory = true
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().BoolVar(&memoryStore, "memory-store", false, "Keep tasks in memory instead of MongoDB (local runs only)")
	return cmd
}

// closer is run in reverse order on shutdown
type closer func(ctx context.Context)

func serve(ctx context.Context, cfg *config.Config) error {
	logs := logging.NewManager(cfg.Logging.BufferSize)
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}, logs)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var closers []closer
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i](shutdownCtx)
		}
	}()

	shutdownTelemetry, err := telemetry.InitTelemetry(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.Telemetry.Environment,
	}, version, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	} else {
		closers = append(closers, func(ctx context.Context) {
			if err := shutdownTelemetry(ctx); err != nil {
				logger.Warn("error shutting down telemetry", zap.Error(err))
			}
		})
	}

	m := metrics.NewMetrics()
	pool := worker.NewPool(cfg.Workers.StorePoolSize, logger)
	pool.TrackInFlight(m.StoreCallsInFlight)
	closers = append(closers, func(context.Context) { pool.StopAll() })

	health := map[string]api.HealthCheck{}

	// Task store
	var store taskstore.Store
	if cfg.Store.Memory {
		logger.Warn("using in-memory task store; tasks are lost on restart")
		store = taskstore.NewMemoryStore()
	} else {
		mongo, err := taskstore.NewMongoStore(ctx, cfg.Store.URI, cfg.Store.Database, logger)
		if err != nil {
			return fmt.Errorf("connect task store: %w", err)
		}
		store = mongo
	}
	closers = append(closers, func(ctx context.Context) {
		if err := store.Close(ctx); err != nil {
			logger.Warn("error closing task store", zap.Error(err))
		}
	})
	health["task_store"] = store.Ping

	catalog, err := loadCatalog(cfg)
	if err != nil {
		return err
	}

	// Lifecycle events
	var events messagebus.EventPublisher = messagebus.Noop{}
	if cfg.NATS.URL != "" {
		bus, err := messagebus.NewNatsMessageBus(messagebus.Config{
			URL:        cfg.NATS.URL,
			StreamName: cfg.NATS.StreamName,
			Timeout:    cfg.NATS.Timeout,
		}, logger)
		if err != nil {
			logger.Warn("NATS unavailable, lifecycle events disabled", zap.Error(err))
		} else {
			events = bus
			closers = append(closers, func(context.Context) { _ = bus.Close() })
			health["nats"] = func(context.Context) error { return bus.Health() }
		}
	}
	events = messagebus.WithMetrics(events, m)

	// Idempotency claims
	var claimer idempotency.Claimer = idempotency.Noop{}
	if cfg.Redis.URL != "" {
		rc, err := idempotency.NewRedisClaimer(ctx, idempotency.Config{
			URL:    cfg.Redis.URL,
			Prefix: cfg.Redis.Prefix,
			TTL:    cfg.Redis.ClaimTTL,
		}, logger)
		if err != nil {
			logger.Warn("Redis unavailable, relying on the store's unique index", zap.Error(err))
		} else {
			claimer = rc
			closers = append(closers, func(context.Context) { _ = rc.Close() })
			health["redis"] = rc.Ping
		}
	}

	var prompts prompt.Builder
	if cfg.Execution.PromptServiceURL != "" {
		prompts = prompt.NewHTTPBuilder(cfg.Execution.PromptServiceURL, cfg.Execution.PromptTimeout)
	} else {
		prompts = prompt.NewTemplateBuilder(catalog, store, cfg.Execution.HistoryLimit)
	}

	// Broker
	topology := taskqueue.NewTopology(cfg.Broker.URL,
		taskqueue.WithReconnectDelay(cfg.Broker.ReconnectDelay),
		taskqueue.WithTopologyLogger(logger),
		taskqueue.WithTopologyMetrics(m))
	closers = append(closers, func(context.Context) { topology.Close() })
	health["broker"] = func(context.Context) error {
		if !topology.Available() {
			return errors.New("broker topology not established")
		}
		return nil
	}

	stats := taskqueue.NewStats(m)
	queue := &taskqueue.Queue{
		Topology:  topology,
		Publisher: taskqueue.NewPublisher(topology, stats, events, logger),
		Consumer: taskqueue.NewConsumer(taskqueue.ConsumerConfig{
			Topology:      topology,
			Store:         store,
			Claimer:       claimer,
			Catalog:       catalog,
			Prompts:       prompts,
			Pool:          pool,
			Events:        events,
			Stats:         stats,
			Metrics:       m,
			WorkingDir:    cfg.Execution.WorkingDirectory,
			RetryDelay:    cfg.Broker.ReconnectDelay,
			HandleTimeout: cfg.Broker.HandleTimeout,
			Logger:        logger,
		}),
		Stats: stats,
	}

	gov := governor.New(catalog, store, pool, cfg.Delegation.MaxChainDepth,
		governor.WithMetrics(m),
		governor.WithLogger(logger))
	dispatcher := dispatch.NewDispatcher(catalog, store, prompts, pool,
		dispatch.WithEvents(events),
		dispatch.WithMetrics(m),
		dispatch.WithWorkingDir(cfg.Execution.WorkingDirectory),
		dispatch.WithLogger(logger))

	var listener *pulse.Listener
	if cfg.Pulse.Enabled {
		opts := []pulse.Option{
			pulse.WithEvents(events),
			pulse.WithMetrics(m),
			pulse.WithRetryDelay(cfg.Pulse.RetryDelay),
			pulse.WithHistory(pulse.NewHistory(cfg.Pulse.HistorySize)),
			pulse.WithLogger(logger),
		}
		if cfg.Pulse.AlertAgentID != "" {
			opts = append(opts, pulse.WithAlerter(pulse.NewDispatchAlerter(dispatcher, cfg.Pulse.AlertAgentID)))
		}
		listener = pulse.NewListener(topology, opts...)
	}

	var authManager *auth.Manager
	if cfg.Security.EnableAuth {
		authManager = auth.NewManager(cfg.Security.JWTSecret, cfg.Security.TokenTTL)
	} else {
		logger.Warn("authentication disabled; every caller has full access")
	}

	deps := api.Deps{
		Governor:   gov,
		Queue:      queue,
		Dispatcher: dispatcher,
		Store:      store,
		Pool:       pool,
		Logs:       logs,
		Auth:       authManager,
		Metrics:    m,
		Health:     health,
		Critical:   []string{"task_store"},
		Logger:     logger,
	}
	if listener != nil {
		deps.Pulse = listener
	}
	srv := api.NewServer(deps, api.Config{
		AllowedOrigins: cfg.Security.AllowedOrigins,
		EnqueueRPS:     cfg.Server.EnqueueRPS,
		EnqueueBurst:   cfg.Server.EnqueueBurst,
		MaxChainDepth:  cfg.Delegation.MaxChainDepth,
		Version:        version,
	})

	g, gctx := errgroup.WithContext(ctx)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      srv.SetupRoutes(gctx),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g.Go(func() error {
		topology.Run(gctx)
		return nil
	})
	g.Go(func() error { return queue.Consumer.Run(gctx) })
	if listener != nil {
		g.Go(func() error { return listener.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", httpSrv.Addr), zap.String("version", version))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil {
		logger.Error("conductor stopped with error", zap.Error(err))
	}
	return err
}

func loadCatalog(cfg *config.Config) (*agents.StaticCatalog, error) {
	if cfg.Agents.CatalogPath == "" {
		return nil, errors.New("agents.catalog_path is required")
	}
	catalog, err := agents.LoadCatalog(cfg.Agents.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load agent catalog: %w", err)
	}
	return catalog, nil
}
