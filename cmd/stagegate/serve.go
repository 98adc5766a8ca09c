package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/stagegate/internal/config"
	"github.com/pitabwire/stagegate/internal/definition"
	"github.com/pitabwire/stagegate/internal/evidence"
	"github.com/pitabwire/stagegate/internal/idempotency"
	"github.com/pitabwire/stagegate/internal/notify"
	"github.com/pitabwire/stagegate/internal/observability"
	"github.com/pitabwire/stagegate/internal/openapi"
	"github.com/pitabwire/stagegate/internal/roles"
	"github.com/pitabwire/stagegate/internal/transport"
	"github.com/pitabwire/stagegate/internal/workflow"
	"github.com/pitabwire/stagegate/model"
)

func serveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(parent context.Context) error {
	cfg, logger := a.cfg, a.logger

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Telemetry.
	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "stagegate", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// API contract.
	contract, err := openapi.Load()
	if err != nil {
		return fmt.Errorf("api contract: %w", err)
	}

	// Workflow templates.
	registry, err := loadRegistry(cfg.Templates, logger)
	if err != nil {
		return err
	}
	metrics.SetTemplatesLoaded(float64(registry.Len()))

	// Role resolution.
	roleResolver, err := buildRoleResolver(cfg.Roles, logger)
	if err != nil {
		return err
	}

	// Stores.
	wfStore, wfStoreCloser, err := buildWorkflowStore(ctx, cfg.Workflow, logger)
	if err != nil {
		return err
	}
	defer wfStoreCloser()

	idempotencyStore, idempotencyCloser := buildIdempotencyStore(cfg.Idempotency, logger)
	defer idempotencyCloser()

	evidenceStore, err := evidence.New(ctx, evidence.Config{Driver: cfg.Evidence.Driver, S3: evidence.S3Config{
		Bucket:   cfg.Evidence.S3.Bucket,
		Region:   cfg.Evidence.S3.Region,
		Endpoint: cfg.Evidence.S3.Endpoint,
		Prefix:   cfg.Evidence.S3.Prefix,
	}})
	if err != nil {
		return fmt.Errorf("evidence store: %w", err)
	}

	// Notifications.
	sink, sinkCloser := buildEventSink(cfg.Notification, logger)
	defer sinkCloser()

	engine := workflow.NewEngine(registry, wfStore,
		workflow.WithEventSink(sink),
		workflow.WithLogger(logger),
		workflow.WithRecorder(metrics),
		workflow.WithMaxRetries(cfg.Workflow.MaxRetries),
		workflow.WithCancelRoles(cfg.Workflow.CancelRoles...),
	)

	// HTTP.
	readiness := observability.ReadinessChecks{
		TemplatesLoaded: func() bool { return registry.Len() > 0 },
	}
	if hc, ok := wfStore.(observability.HealthChecker); ok {
		readiness.WorkflowStore = hc
	}
	if hc, ok := idempotencyStore.(observability.HealthChecker); ok {
		readiness.IdempotencyStore = hc
	}
	if hc, ok := evidenceStore.(observability.HealthChecker); ok {
		readiness.EvidenceStore = hc
	}

	verifier, err := transport.NewTokenVerifier(ctx, cfg.Identity, logger.Named("auth"))
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(verifier),
		RoleResolver: roleResolver,
		Engine:       engine,
		Evidence:     evidenceStore,
		Idempotency:  idempotencyStore,
		Contract:     contract,
		Metrics:      metrics,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("templates", registry.Len()),
		zap.String("templates_checksum", registry.Checksum()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// loadRegistry loads and validates all template files.
func loadRegistry(cfg config.TemplatesConfig, logger *zap.Logger) (*definition.Registry, error) {
	files, err := definition.NewLoader().LoadAll(cfg.Directories)
	if err != nil {
		return nil, fmt.Errorf("template loading: %w", err)
	}
	if verrs := definition.NewValidator().Validate(files); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("template validation error", zap.String("error", ve.Error()))
		}
		return nil, fmt.Errorf("template validation failed with %d errors", len(verrs))
	}
	return definition.NewRegistry(files), nil
}

// buildRoleResolver uses the mapping file when one is configured and the
// token roles otherwise.
func buildRoleResolver(cfg config.RolesConfig, logger *zap.Logger) (*roles.Resolver, error) {
	var source model.RoleSource = roles.PassthroughSource{}
	if cfg.MappingFile != "" {
		static, err := roles.NewStaticSource(cfg.MappingFile)
		if err != nil {
			return nil, fmt.Errorf("role mapping: %w", err)
		}
		source = static
	} else {
		logger.Info("no role mapping configured, using token roles")
	}
	return roles.NewResolver(source, cfg.Cache.TTL), nil
}

// buildWorkflowStore creates the workflow store based on config. The returned
// closer is never nil.
func buildWorkflowStore(ctx context.Context, cfg config.WorkflowConfig, logger *zap.Logger) (workflow.WorkflowStore, func(), error) {
	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory workflow store")
		return workflow.NewMemoryWorkflowStore(), func() {}, nil
	case "postgres":
		pool, err := openPool(ctx, cfg.Store)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Store.AutoMigrate {
			n, err := workflow.Migrate(pool, true, 0)
			if err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("workflow store: %w", err)
			}
			logger.Info("workflow store migrated", zap.Int("applied", n))
		}
		return workflow.NewPgWorkflowStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Store.Driver)
	}
}

func openPool(ctx context.Context, cfg config.WorkflowStoreConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("workflow store: dsn is required for the postgres driver")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("workflow store: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = cfg.MaxOpenConns
	}
	poolCfg.MinConns = cfg.MinIdleConns
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("workflow store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("workflow store: ping: %w", err)
	}
	return pool, nil
}

// buildIdempotencyStore creates the idempotency store based on config. A nil
// store disables replay. The returned closer is never nil.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func()) {
	if !cfg.Enabled {
		return nil, func() {}
	}

	switch cfg.Store.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Store.Addr, DB: cfg.Store.DB})
		logger.Info("using redis idempotency store", zap.String("addr", cfg.Store.Addr))
		return idempotency.NewRedisStore(client), func() { _ = client.Close() }
	default:
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), func() {}
	}
}

// buildEventSink always logs transitions and, when the queue is enabled, also
// enqueues them for the notification worker.
func buildEventSink(cfg config.NotificationConfig, logger *zap.Logger) (notify.Sink, func()) {
	sinks := notify.Fanout{notify.NewLogSink(logger)}
	if !cfg.Queue.Enabled {
		return sinks, func() {}
	}

	client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.Queue.RedisAddr})
	sinks = append(sinks, notify.NewQueueSink(client, cfg.Queue.Name, cfg.Queue.MaxRetry))
	logger.Info("transition notifications enqueued",
		zap.String("redis_addr", cfg.Queue.RedisAddr),
		zap.String("queue", cfg.Queue.Name),
	)
	return sinks, func() { _ = client.Close() }
}
