package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tenancy/migrations"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/audit"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/auth"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/config"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/crypto"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/database"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/handlers"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/logging"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/metrics"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/middleware"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/provisioning"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/reconciler"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/repositories"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/services"
	"github.com/ekaya-inc/ekaya-tenancy/pkg/tenancy"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)),
		zap.String("root_domain", cfg.Tenancy.RootDomain),
		zap.Bool("redis", cfg.Redis.Addr() != ""),
		zap.Bool("tenant_idp", cfg.Auth.TenantJWKSURL != ""))

	// Platform database
	masterURL := cfg.Database.URL()
	db, err := database.NewConnection(ctx, &database.Config{
		URL:            masterURL,
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to platform database: %w", err)
	}
	defer db.Close()

	sqlDB := stdlib.OpenDBFromPool(db.Pool)
	if err := database.RunMigrations(sqlDB, migrations.FS, logger); err != nil {
		_ = sqlDB.Close()
		return err
	}
	_ = sqlDB.Close()

	// Tenant pools and provisioning
	pools := database.NewConnectionManager(database.PoolSettings{
		MaxConns:       cfg.Pool.MaxConns,
		IdleTimeout:    cfg.Pool.IdleTimeout,
		ConnectTimeout: cfg.Pool.ConnectTimeout,
		AllowInsecure:  cfg.Pool.AllowInsecure,
	}, logger)
	defer pools.ShutdownAll()

	m := metrics.New(pools)
	if err := m.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	provisioner, err := provisioning.NewProvisioner(pools, provisioning.NewVerifiedCache(), logger,
		provisioning.WithTimeout(cfg.Tenancy.ProvisionTimeout),
		provisioning.WithRecorder(m))
	if err != nil {
		return fmt.Errorf("failed to create provisioner: %w", err)
	}

	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		// The cache is optional; run without it.
		logger.Warn("Redis unavailable, tenant cache disabled", zap.Error(err))
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	// Registry and sessions
	auditor := audit.NewSecurityAuditor(logger)
	box, err := crypto.NewBox(cfg.Database.CredentialKey)
	if err != nil {
		return fmt.Errorf("failed to create credential box: %w", err)
	}
	tenantRepo := repositories.NewTenantRepository(db.Pool, box)
	tenantService, err := services.NewTenantService(
		tenantRepo,
		provisioner,
		pools,
		services.NewRedisTenantCache(redisClient, cfg.Redis.TTL, logger),
		auditor,
		masterURL,
		logger,
	)
	if err != nil {
		return err
	}

	sessionService, err := services.NewSessionService(
		repositories.NewPlatformUserRepository(db.Pool),
		repositories.NewPlatformSessionRepository(db.Pool),
		repositories.NewTenantSessionRepository(),
		pools,
		cfg.Auth.SessionTTL,
		cfg.Auth.BcryptCost,
		logger,
	)
	if err != nil {
		return err
	}

	if cfg.Auth.BootstrapEmail != "" {
		if _, err := sessionService.BootstrapSuperAdmin(ctx, cfg.Auth.BootstrapEmail, cfg.Auth.BootstrapPassword); err != nil {
			return fmt.Errorf("failed to bootstrap superadmin: %w", err)
		}
	}

	// Authorization
	authorityOpts := []auth.AuthorityOption{auth.WithDecisionRecorder(m)}
	if cfg.Auth.TenantJWKSURL != "" {
		idp, err := auth.NewJWKSProvider(ctx, cfg.Auth.TenantJWKSURL, cfg.Auth.TenantIssuer)
		if err != nil {
			return fmt.Errorf("failed to initialize tenant identity provider: %w", err)
		}
		authorityOpts = append(authorityOpts, auth.WithIdentityProvider(idp))
	}
	authority := auth.NewAuthority(tenantService, sessionService, logger, authorityOpts...)
	tokens := auth.NewTokenStore(cfg.Auth.SessionSecret,
		auth.DeriveCookieSettings(cfg.Tenancy.RootDomain, cfg.Auth.CookieDomain),
		cfg.Auth.SessionTTL)
	guard := auth.NewMiddleware(authority, tokens, auditor, logger)

	// HTTP
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.CORS(cfg.Tenancy.RootDomain, cfg.Origins()))
	r.Use(tenancy.NewResolver(cfg.Tenancy.LocalRootLabel).Middleware)

	r.Handle("/metrics", promhttp.Handler())
	handlers.NewHealthHandler(cfg, db, pools, logger).RegisterRoutes(r)
	handlers.NewAuthHandler(sessionService, tenantService, tokens, guard, logger).RegisterRoutes(r)
	handlers.NewTenantsHandler(tenantService, guard, logger).RegisterRoutes(r)

	// Background reconciliation
	rec := reconciler.New(tenantRepo, provisioner, sessionService, reconciler.Config{
		Interval:    cfg.Reconciler.Interval,
		DropOrphans: cfg.Reconciler.DropOrphans,
		MasterURL:   masterURL,
	}, logger)
	go rec.Start(ctx)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// Tenant creation provisions synchronously.
		WriteTimeout: cfg.Tenancy.ProvisionTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting ekaya-tenancy", zap.String("addr", srv.Addr), zap.String("version", cfg.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down server")
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server stopped gracefully")
	return nil
}
