package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/config"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
	"github.com/platinummonkey/tenantgate/pkg/middleware"
	"github.com/platinummonkey/tenantgate/pkg/observability"
	"github.com/platinummonkey/tenantgate/pkg/orgs"
	"github.com/platinummonkey/tenantgate/pkg/rbac"
	"github.com/platinummonkey/tenantgate/pkg/sso"
	"github.com/platinummonkey/tenantgate/pkg/storage/postgres"
	"github.com/platinummonkey/tenantgate/pkg/tenants"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	_ = godotenv.Load()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tenantgate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", "tenantgate").
		WithField("version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: version,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	conns, err := postgres.NewConnectionManager(cfg.Storage, logger)
	if err != nil {
		return err
	}
	db := conns.Primary()

	if _, err := postgres.Migrate(ctx, db, logger); err != nil {
		conns.Close()
		return fmt.Errorf("failed to migrate control-plane schema: %w", err)
	}
	conns.StartHealthCheckRoutine(ctx, 30*time.Second)

	var redisClient *postgres.RedisClient
	var rawRedis *redis.Client
	if cfg.Storage.RedisEnabled() {
		redisClient, err = postgres.NewRedisClient(cfg.Storage)
		if err != nil {
			conns.Close()
			return err
		}
		rawRedis = redisClient.Client()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	// Audit sink first: every other component records into it.
	auditStore := audit.NewDBStore(db)
	sink := audit.NewSink(auditStore, cfg.Audit.QueueSize, logger, metrics)
	sink.Start()

	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, auth.WithTokenTTL(cfg.Auth.TokenTTL))
	if err != nil {
		return err
	}
	cookies := auth.CookieConfig{Secure: cfg.Server.CookieSecure, Domain: cfg.Server.CookieDomain}

	organizations := orgs.NewPostgresService(db)
	users := auth.NewStore(db)
	accounts := auth.NewService(users, tokens, auth.LogNotifier{Logger: logger}, organizations, organizations, auth.ServiceConfig{
		BaseURL:   cfg.Server.BaseURL,
		InviteTTL: cfg.Auth.InviteTTL,
		ResetTTL:  cfg.Auth.ResetTTL,
	}, logger)

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerMinute: cfg.Auth.LoginRatePerMinute,
		BurstSize:         cfg.Auth.LoginBurst,
		IdleTTL:           10 * time.Minute,
	})
	limiter.StartCleanup(ctx)

	authn := middleware.NewAuthMiddleware(tokens, users)
	guards := authn.Guards()

	// Federation.
	ssoConfigs := sso.NewStorage(db)
	providers := sso.NewProviderCache(sso.HTTPClient(cfg.SSO.HTTPTimeout))
	gateway := sso.NewGateway(ssoConfigs, providers, users, tokens, sso.GatewayConfig{
		AppRoot:      cfg.SSO.AppRoot,
		DirectoryRPS: cfg.SSO.DirectoryRPS,
	}, metrics, logger)

	var runLock sso.RunLock
	var syncStatus sso.StatusStore
	if rawRedis != nil {
		runLock = sso.NewRedisRunLock(rawRedis, "", sso.DefaultLockTTL)
		syncStatus = sso.NewRedisStatusStore(rawRedis, "")
	}
	reconciler := sso.NewReconciler(ssoConfigs, providers, users, runLock, syncStatus, sso.ReconcilerConfig{
		Concurrency:  cfg.SSO.SyncConcurrency,
		DirectoryRPS: cfg.SSO.DirectoryRPS,
	}, metrics, logger)

	// Tenants.
	tenantConns, err := tenants.NewConnectionFactory(tenants.ConnectionConfig{
		AdminURL:       cfg.Tenants.AdminURL,
		Host:           cfg.Tenants.Host,
		Port:           cfg.Tenants.Port,
		MaxConnections: cfg.Tenants.MaxConnections,
		ConnectTimeout: cfg.Tenants.ConnectTimeout,
	}, nil)
	if err != nil {
		return err
	}
	tenantService := tenants.NewService(
		tenants.NewStore(db), organizations, tenants.NewProvisioner(tenantConns, logger),
		tenantConns, metrics, logger,
	)

	// Permissions.
	manifests, err := rbac.NewManifests()
	if err != nil {
		return fmt.Errorf("failed to load built-in manifests: %w", err)
	}
	overrides := rbac.NewOverrideStore(db)
	overrideCache, err := rbac.NewOverrideCache(overrides, cfg.Permissions.CacheSize, metrics)
	if err != nil {
		return err
	}
	resolver := rbac.NewResolver(manifests, overrideCache, overrides)
	if cfg.Permissions.Dir != "" {
		if err := manifests.LoadDir(cfg.Permissions.Dir); err != nil {
			return fmt.Errorf("failed to load applet manifests: %w", err)
		}
		watcher := rbac.NewWatcher(cfg.Permissions.Dir, manifests, logger, overrideCache.Purge)
		go func() {
			defer observability.RecoverPanic(logger, "manifest watcher")
			if err := watcher.Run(ctx); err != nil {
				logger.WithError(err).Error("Manifest watcher stopped")
			}
		}()
	}

	router := mux.NewRouter()
	router.Use(observability.HTTPMetricsMiddleware(metrics))
	observability.RegisterHealthRoutes(router, observability.NewHealthChecker(db, rawRedis, version))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(router, registry)
	}

	auth.NewHandlers(accounts, tokens, cookies, sink, metrics, limiter.Handler).RegisterRoutes(router, guards)
	sso.NewHandlers(gateway, reconciler, ssoConfigs, providers, tokens, cookies, sink).RegisterRoutes(router, guards)
	tenants.NewHandlers(tenantService, sink).RegisterRoutes(router, guards)
	orgs.NewHandlers(organizations, sink).RegisterRoutes(router, guards)
	rbac.NewHandlers(resolver, sink).RegisterRoutes(router, guards)
	audit.NewHandlers(audit.NewDBStore(conns.Replica())).RegisterRoutes(router, guards)

	handler := httputil.Chain(
		httputil.RecoveryMiddleware(logger),
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.CORSMiddleware(cfg.Server.AllowedOrigins),
		httputil.MaxBytesMiddleware(1<<20),
		httputil.TimeoutMiddleware(cfg.Server.RequestTimeout),
	)(router)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      observability.WrapHandler(handler, otelProviders, "tenantgate"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("background", func(context.Context) error {
		cancel()
		return nil
	})
	shutdown.Register("audit sink", sink.Stop)
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	shutdown.Register("database", func(context.Context) error { return conns.Close() })
	shutdown.Register("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})

	go func() {
		logger.Infof("Listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server failed")
			os.Exit(1)
		}
	}()

	return shutdown.WaitForSignal()
}
