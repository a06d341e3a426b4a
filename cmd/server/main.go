// Package main is the entrypoint for the keygate API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/admission"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/api"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/api/handler"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/apikeys"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/audit"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/breaker"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/cache"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/config"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/hasher"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/metrics"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/quota"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/ratelimit"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/store"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/threat"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/validator"
)

const (
	shutdownTimeout = 30 * time.Second
	auditQueueSize  = 1024
	auditWorkers    = 2
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"store", cfg.Store.Backend,
		"cache", cfg.Cache.Backend,
		"rate_limit", cfg.RateLimit.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.close()

	a.startSweeps(ctx, cfg.Server.SweepInterval)

	// Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := a.drain(shutdownCtx); err != nil {
		return fmt.Errorf("drain background work: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// app is the wired server. close releases connections; drain waits for
// asynchronous writes started by requests.
type app struct {
	router       http.Handler
	orchestrator *admission.Orchestrator
	tracker      *quota.Tracker
	detector     *threat.Detector
	dispatcher   *audit.Dispatcher
	memCache     *cache.MemoryCache
	memLimiter   *ratelimit.MemoryLimiter
	redisLimiter *ratelimit.RedisLimiter
	closers      []func()
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	h, err := hasher.New(cfg.Keys.HashAlgorithm, cfg.Keys.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("create hasher: %w", err)
	}

	// 2. Key repository
	repo, err := a.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// 3. Redis, shared by every redis-backed component
	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb, err = cache.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, func() { rdb.Close() })
		logger.Info("redis connected")
	}
	newBreaker := func(name string) *breaker.Breaker {
		s := breaker.DefaultSettings()
		s.Logger = logger
		return breaker.New(name, s)
	}

	m := metrics.New()

	// 4. Key cache
	var keyCache cache.KeyCache = cache.Disabled{}
	if cfg.Cache.Enabled {
		switch cfg.Cache.Backend {
		case config.BackendRedis:
			keyCache = cache.NewRedisCache(rdb, newBreaker("redis-key-cache"))
		default:
			a.memCache = cache.NewMemoryCache()
			keyCache = a.memCache
		}
	}
	m.WatchCache(keyCache)

	// 5. Rate limiter
	var limiter ratelimit.Limiter = ratelimit.Disabled{}
	if cfg.RateLimit.Enabled {
		switch cfg.RateLimit.Backend {
		case config.BackendRedis:
			a.redisLimiter = ratelimit.NewRedisLimiter(rdb, newBreaker("redis-rate-limit"),
				ratelimit.WithLogger(logger),
				ratelimit.WithFallbackHook(m.RateLimitFallback))
			limiter = a.redisLimiter
		default:
			a.memLimiter = ratelimit.NewMemoryLimiter()
			limiter = a.memLimiter
		}
	}

	// 6. Quota, threat detection and audit
	trackerOpts := []quota.Option{quota.WithLogger(logger)}
	if cfg.Quota.Accelerator {
		trackerOpts = append(trackerOpts,
			quota.WithAccelerator(quota.NewRedisAccelerator(rdb, newBreaker("redis-quota"))))
	}
	a.tracker = quota.NewTracker(repo, trackerOpts...)

	a.detector = threat.NewDetector(cfg.Threat.Threshold, cfg.Threat.Window,
		threat.WithSink(m.ThreatSink()),
		threat.WithLogger(logger))

	a.dispatcher = audit.NewDispatcher(audit.LogSink{Logger: logger}, auditQueueSize, auditWorkers,
		audit.WithLogger(logger),
		audit.WithDropHook(m.AuditDropped))

	// 7. Credential verification and admission
	v := validator.New(repo, h,
		validator.WithCache(keyCache, cfg.Cache.TTL),
		validator.WithPrefixLength(cfg.Keys.PrefixLength),
		validator.WithGracePeriod(cfg.Keys.ExpirationGrace),
		validator.WithLogger(logger))

	a.orchestrator = admission.New(v,
		admission.WithRateLimiter(limiter, cfg.RateLimit.Endpoints),
		admission.WithQuota(a.tracker),
		admission.WithThreatDetector(a.detector),
		admission.WithLastUsed(repo),
		admission.WithAudit(a.dispatcher),
		admission.WithGracePeriod(cfg.Keys.ExpirationGrace),
		admission.WithObserver(m.ObserveAdmission),
		admission.WithLogger(logger))

	svc := apikeys.New(repo, h,
		apikeys.WithCache(keyCache),
		apikeys.WithQuotaReconciler(a.tracker),
		apikeys.WithAudit(a.dispatcher),
		apikeys.WithSecretFormat(cfg.Keys.SecretPrefix, cfg.Keys.PrefixLength),
		apikeys.WithDefaultQuota(cfg.Quota.DefaultMax, cfg.Quota.DefaultPeriod),
		apikeys.WithLogger(logger))

	// 8. Router
	a.router = api.NewRouter(api.Dependencies{
		Admission:      a.orchestrator,
		AdminToken:     cfg.Admin.Token,
		AdminRateLimit: cfg.Admin.RateLimitPerMin,
		Observer:       m,

		HealthHandler:  handler.NewHealthHandler(repo, keyCache),
		MetricsHandler: m.Handler(),
		WhoamiHandler:  handler.NewWhoamiHandler(),

		CreateKeyHandler:      handler.NewCreateKeyHandler(svc),
		ListKeysHandler:       handler.NewListKeysHandler(svc),
		GetKeyHandler:         handler.NewGetKeyHandler(svc),
		UpdateKeyHandler:      handler.NewUpdateKeyHandler(svc),
		RevokeKeyHandler:      handler.NewRevokeKeyHandler(svc),
		KeyActionHandler:      handler.NewKeyActionHandler(svc),
		ReconcileQuotaHandler: handler.NewReconcileQuotaHandler(svc),
		KeyThreatsHandler:     handler.NewKeyThreatsHandler(a.detector),
		IPThreatsHandler:      handler.NewIPThreatsHandler(a.detector),
	})

	ok = true
	return a, nil
}

func (a *app) openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Store.Backend == config.BackendMemory {
		slog.Warn("using in-memory key store; keys are lost on restart")
		return store.NewMemoryStore(), nil
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	return store.NewPostgresStore(pool), nil
}

// startSweeps evicts expired in-memory state until ctx is done.
func (a *app) startSweeps(ctx context.Context, interval time.Duration) {
	if a.memCache != nil {
		go a.memCache.Run(ctx, interval)
	}
	if a.memLimiter != nil {
		go a.memLimiter.Run(ctx, interval)
	}
	if a.redisLimiter != nil {
		go a.redisLimiter.Run(ctx, interval)
	}
	go a.detector.Run(ctx, interval)
}

func (a *app) drain(ctx context.Context) error {
	a.orchestrator.Wait()
	a.tracker.Wait()
	a.detector.Wait()
	return a.dispatcher.Close(ctx)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
