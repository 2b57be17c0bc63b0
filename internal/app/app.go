// Package app wires the kernel's components together into the two runtime
// modes (api, worker) and the one-shot migrate mode, following the
// teacher's Run/runAPI/runWorker shape.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/kernel/internal/config"
	"github.com/wisbric/kernel/internal/telemetry"
	"github.com/wisbric/kernel/pkg/admindb"
	"github.com/wisbric/kernel/pkg/auth"
	"github.com/wisbric/kernel/pkg/backup"
	"github.com/wisbric/kernel/pkg/entity"
	"github.com/wisbric/kernel/pkg/httpkernel"
	"github.com/wisbric/kernel/pkg/idempotency"
	"github.com/wisbric/kernel/pkg/lease"
	"github.com/wisbric/kernel/pkg/migration"
	"github.com/wisbric/kernel/pkg/queue"
	"github.com/wisbric/kernel/pkg/ratelimit"
	"github.com/wisbric/kernel/pkg/storage"
	"github.com/wisbric/kernel/pkg/worker"
	"github.com/wisbric/kernel/pkg/workspace"
)

// Sentinel errors let the CLI map a failure to spec §6's admin exit codes
// (0 success, 1 config/validation, 2 infra unavailable, 3 migration failed)
// without parsing error strings.
var (
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrInfraUnavailable = errors.New("infrastructure unavailable")
	ErrMigrationFailed  = errors.New("migration failed")
)

// Run reads cfg.Mode and dispatches to the matching runtime.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting kernel", "mode", cfg.Mode, "listen", cfg.ListenAddr(), "backend", cfg.StorageBackend)

	shutdownTracer, err := telemetry.NewTracerProvider(ctx, telemetry.TracerProviderConfig{
		ServiceName:  "kernel",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Insecure:     cfg.OTLPInsecure,
		SampleRatio:  cfg.TraceSampleRate,
	})
	if err != nil {
		return fmt.Errorf("%w: initializing tracer: %v", ErrInfraUnavailable, err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	pool, err := OpenPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInfraUnavailable, err)
	}
	defer pool.Close()

	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%w: connecting to redis: %v", ErrInfraUnavailable, err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	registry := entity.NewRegistry()
	RegisterEntities(registry)

	if err := runMigration(ctx, cfg, logger, pool, registry); err != nil {
		return fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}

	metricsReg := telemetry.NewMetricsRegistry()

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, pool, rdb, metricsReg, registry)
	case "worker":
		return runWorker(ctx, cfg, logger, rdb)
	case "migrate":
		logger.Info("migration complete, exiting (mode=migrate)")
		return nil
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrConfigInvalid, cfg.Mode)
	}
}

// RegisterEntities declares every entity table the kernel itself owns.
// Exported so one-shot CLI commands (backfill, and any future schema
// inspection tool) can build the same registry the running server does
// without duplicating the list.
func RegisterEntities(registry *entity.Registry) {
	auth.RegisterEntities(registry)
	workspace.RegisterEntities(registry)
}

// OpenPool selects the storage backend named by cfg.StorageBackend (spec
// §4.A: embedded/file or one of two network RDBMS dialects). Exported for
// one-shot CLI commands that need a pool without running the full Run
// lifecycle.
func OpenPool(ctx context.Context, cfg *config.Config) (storage.Pool, error) {
	switch storage.Backend(cfg.StorageBackend) {
	case storage.BackendPostgres:
		return storage.NewPostgresPool(ctx, cfg.DatabaseURL, int32(cfg.PoolMinConns), int32(cfg.PoolMaxConns))
	case storage.BackendMySQL:
		return storage.NewMySQLPool(ctx, cfg.DatabaseURL, cfg.PoolMinConns, cfg.PoolMaxConns)
	case storage.BackendSQLite:
		return storage.NewSQLitePool(ctx, cfg.DatabaseURL, cfg.PoolMinConns, cfg.PoolMaxConns)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// runMigration holds the single-holder startup lock for the duration of
// the schema-diff run (spec §5: migrations never run concurrently).
func runMigration(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool storage.Pool, registry *entity.Registry) error {
	conn, err := pool.Acquire(ctx, 10*time.Second)
	if err != nil {
		return fmt.Errorf("acquiring connection for migration: %w", err)
	}
	defer pool.Release(conn)

	lockTimeout, err := time.ParseDuration(cfg.MigrationLockTimeout)
	if err != nil {
		return fmt.Errorf("parsing migration lock timeout %q: %w", cfg.MigrationLockTimeout, err)
	}

	lock := migration.NewStartupLock(pool, conn, cfg.DataDir, lockTimeout)
	if err := lock.Acquire(ctx); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Error("releasing migration lock", "error", err)
		}
	}()

	policy := migration.Policy{AllowColumnDeletion: cfg.AllowColumnDeletion, AllowTableDeletion: cfg.AllowTableDeletion}
	engine := migration.NewEngine(registry, pool.Generator(), policy, cfg.MigrationsAuditDir, logger)
	if err := engine.Run(ctx, conn); err != nil {
		return fmt.Errorf("running migration engine: %w", err)
	}
	logger.Info("schema migration complete")
	return nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool storage.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, registry *entity.Registry) error {
	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		jwtSecret = generateDevSecret()
		logger.Info("jwt: using auto-generated dev secret (set JWT_SECRET in production)")
	}
	accessTTL, err := time.ParseDuration(cfg.AccessTokenTTL)
	if err != nil {
		return fmt.Errorf("%w: parsing access token ttl %q: %v", ErrConfigInvalid, cfg.AccessTokenTTL, err)
	}
	refreshTTL, err := time.ParseDuration(cfg.RefreshTokenTTL)
	if err != nil {
		return fmt.Errorf("%w: parsing refresh token ttl %q: %v", ErrConfigInvalid, cfg.RefreshTokenTTL, err)
	}
	issuer, err := auth.NewIssuer(jwtSecret, accessTTL, refreshTTL)
	if err != nil {
		return fmt.Errorf("%w: creating token issuer: %v", ErrConfigInvalid, err)
	}

	entities := storage.NewEntityStore(registry)
	authStore := auth.NewStore(entities)
	userLoader := auth.NewPoolLoader(authStore, pool)
	authenticator := auth.NewAuthenticator(issuer, userLoader)

	wsStore := workspace.NewStore(entities)
	wsChecker := workspace.NewEntityChecker(entities)

	streamTTL, err := time.ParseDuration(cfg.StreamLeaseTTL)
	if err != nil {
		return fmt.Errorf("%w: parsing stream lease ttl %q: %v", ErrConfigInvalid, cfg.StreamLeaseTTL, err)
	}
	leaseMgr := lease.New(rdb, cfg.QueuePrefix, cfg.StreamLeaseLimit, streamTTL)

	limiter := ratelimit.New(rdb, cfg.QueuePrefix, time.Minute, ratelimit.Limits{
		ratelimit.TierAnonymous:     cfg.RateLimitAnonymous,
		ratelimit.TierAuthenticated: cfg.RateLimitAuthenticated,
		ratelimit.TierAdmin:         cfg.RateLimitAdmin,
	})

	idempotencyTTL, err := time.ParseDuration(cfg.IdempotencyTTL)
	if err != nil {
		return fmt.Errorf("%w: parsing idempotency ttl %q: %v", ErrConfigInvalid, cfg.IdempotencyTTL, err)
	}
	idemCache := idempotency.New(rdb, cfg.QueuePrefix, idempotencyTTL)

	tasks := worker.NewRegistry()
	jobQueue := queue.New(rdb, cfg.QueuePrefix, "default", tasks.IsRegistered)

	checks := []httpkernel.HealthCheck{
		{Name: "storage", Check: func(ctx context.Context) error {
			conn, err := pool.Acquire(ctx, 2*time.Second)
			if err != nil {
				return err
			}
			defer pool.Release(conn)
			_, err = conn.Execute(ctx, "SELECT 1")
			return err
		}},
		{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	}

	srv := httpkernel.NewServer(httpkernel.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		ServiceName:        "kernel",
	}, logger, metricsReg, limiter, idemCache, authenticator, issuer, leaseMgr, checks)

	auth.NewHandler(authStore, issuer, pool, refreshTTL).Mount(srv.AuthRouter)
	workspace.NewHandler(wsStore, wsChecker, pool).Mount(srv.AuthRouter)
	queue.NewHandler(jobQueue, srv.Leases).Mount(srv.AuthRouter)

	backupMgr := backup.NewManager(registry, logger.Info)
	migEngine := migration.NewEngine(registry, pool.Generator(), migration.Policy{AllowColumnDeletion: cfg.AllowColumnDeletion, AllowTableDeletion: cfg.AllowTableDeletion}, cfg.MigrationsAuditDir, logger)
	admindb.NewHandler(pool, migEngine, backupMgr, cfg.MigrationsAuditDir, cfg.BackupDir).Mount(srv.AuthRouter)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv.Router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker starts the worker pool. The kernel ships no domain tasks of
// its own, and Run takes no task registry from an embedder: runWorker
// builds an empty worker.Registry, so this pool has no task handlers. An
// empty registry still validates correctly (Enqueue of an unregistered
// task name is rejected per spec §4.E).
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, rdb *redis.Client) error {
	logger.Info("worker started")

	tasks := worker.NewRegistry()
	jobQueue := queue.New(rdb, cfg.QueuePrefix, "default", tasks.IsRegistered)

	pollInterval, err := time.ParseDuration(cfg.WorkerPollInterval)
	if err != nil {
		return fmt.Errorf("%w: parsing worker poll interval %q: %v", ErrConfigInvalid, cfg.WorkerPollInterval, err)
	}
	gracePeriod, err := time.ParseDuration(cfg.WorkerGracePeriod)
	if err != nil {
		return fmt.Errorf("%w: parsing worker grace period %q: %v", ErrConfigInvalid, cfg.WorkerGracePeriod, err)
	}

	workerPool := worker.NewPool(jobQueue, tasks, cfg.WorkerPoolSize, pollInterval, gracePeriod, logger)
	return workerPool.Run(ctx)
}

func generateDevSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("generating dev secret: %v", err))
	}
	return hex.EncodeToString(b)
}
