package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"pharmapos/internal/cache"
	"pharmapos/internal/config"
	"pharmapos/internal/domain"
	"pharmapos/internal/httpapi"
	"pharmapos/internal/logger"
	"pharmapos/internal/metrics"
	"pharmapos/internal/notify"
	"pharmapos/internal/service"
	"pharmapos/internal/store"
	"pharmapos/internal/store/memory"
	pgstore "pharmapos/internal/store/postgres"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(logger.Options{
		ServiceName: "pharmapos",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, nil); err != nil {
		log.Error(ctx, "server stopped", err)
		os.Exit(1)
	}
	log.Info(ctx, "server stopped")
}

// run serves until ctx is cancelled. listening, when set, receives the bound
// address once the listener is up.
func run(ctx context.Context, cfg *config.Config, log *logger.Logger, listening func(addr string)) error {
	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}

	startupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				log.Error(ctx, "close failed", err)
			}
		}
	}()

	repo, ready, closeRepo, err := openRepository(startupCtx, cfg, log)
	if err != nil {
		return err
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}
	if err := ensureBootstrapAdmin(startupCtx, repo, cfg.Tenancy.DefaultTenantID, cfg.Auth.BootstrapAdminPassword); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	cacheStore, closeCache := openCache(startupCtx, cfg, log)
	if closeCache != nil {
		closers = append(closers, closeCache)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry)
	hub := notify.NewHub(notify.DefaultBuffer)

	svc := service.New(repo, service.Options{
		ApprovalThreshold:  cfg.Returns.ApprovalThreshold,
		CreditNoteValidity: cfg.Returns.CreditNoteValidity,
		Cache:              cache.New(cacheStore, cfg.Redis.CacheTTL),
		Hub:                hub,
		Metrics:            recorder,
		Logger:             log,
	})
	auth, err := httpapi.NewAuthManager(startupCtx, cfg.Auth.Secret, cfg.Auth.AccessTokenTTL, cfg.Tenancy.DefaultTenantID, repo)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	api := httpapi.New(httpapi.Options{
		Service:       svc,
		Auth:          auth,
		Hub:           hub,
		Metrics:       recorder,
		Gatherer:      registry,
		Logger:        log,
		AllowedOrigin: cfg.App.AllowedOrigin,
		LoginAttempts: cfg.Auth.LoginRateLimit,
		Ready:         ready,
	})

	server := &http.Server{
		Addr:              cfg.App.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// no write timeout: the event stream holds its response open
		IdleTimeout: 60 * time.Second,
	}

	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", server.Addr, err)
	}
	if listening != nil {
		listening(listener.Addr().String())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(log.WithField(ctx, "addr", listener.Addr().String()), "pharmapos listening")
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openRepository picks Postgres when a DSN is configured and the seeded
// in-memory store otherwise. A configured but unreachable database is fatal.
func openRepository(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Repository, func(context.Context) error, func() error, error) {
	if strings.TrimSpace(cfg.DB.DSN) == "" {
		repo, err := memory.NewSeeded(cfg.Tenancy.DefaultTenantID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("seed memory store: %w", err)
		}
		if memory.DefaultSeedPasswords() && !cfg.App.IsDev() {
			log.Warn(ctx, "memory store is using default seed passwords; set SEED_<USER>_PASSWORD")
		}
		log.Info(log.WithField(ctx, "tenant", cfg.Tenancy.DefaultTenantID), "repository: in-memory")
		return repo, nil, nil, nil
	}

	pg, err := pgstore.New(ctx, cfg.DB)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("postgres unavailable: %w", err)
	}
	if cfg.DB.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	version, err := pg.MigrationVersion(ctx)
	if err != nil {
		log.Error(ctx, "read migration version", err)
	}
	log.Info(log.WithField(ctx, "migration_version", version), "repository: postgres")
	return pg, pg.Ping, pg.Close, nil
}

// openCache prefers Redis and degrades to the in-process store when Redis is
// not configured or not reachable.
func openCache(ctx context.Context, cfg *config.Config, log *logger.Logger) (cache.Store, func() error) {
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		log.Info(ctx, "cache: memory")
		return cache.NewMemoryStore(), nil
	}
	redisStore := cache.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err := redisStore.Ping(ctx); err != nil {
		log.Error(log.WithField(ctx, "addr", cfg.Redis.Addr), "redis unavailable, using memory cache", err)
		_ = redisStore.Close()
		return cache.NewMemoryStore(), nil
	}
	log.Info(log.WithField(ctx, "addr", cfg.Redis.Addr), "cache: redis")
	return redisStore, redisStore.Close
}

// ensureBootstrapAdmin creates an admin account for tenantID when password is
// set and the tenant has no accounts yet.
func ensureBootstrapAdmin(ctx context.Context, repo store.Repository, tenantID string, password string) error {
	if strings.TrimSpace(password) == "" {
		return nil
	}
	users, err := repo.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, user := range users {
		if user.TenantID == tenantID {
			return nil
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return repo.CreateUser(ctx, domain.UserAccount{
		TenantID:  tenantID,
		Username:  "admin",
		Password:  string(hash),
		Role:      "admin",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})
}

func validateSecurityConfig(cfg *config.Config) error {
	if len(cfg.Auth.Secret) < 32 {
		return fmt.Errorf("PHARMAPOS_AUTH_SECRET must be set and at least 32 characters")
	}
	if strings.TrimSpace(cfg.Tenancy.DefaultTenantID) == "" {
		return fmt.Errorf("PHARMAPOS_DEFAULT_TENANT_ID must not be empty")
	}
	if !cfg.App.IsDev() && strings.TrimSpace(cfg.App.AllowedOrigin) == "*" {
		return fmt.Errorf("PHARMAPOS_ALLOWED_ORIGIN must name an origin outside dev")
	}
	if bp := cfg.Auth.BootstrapAdminPassword; bp != "" && len(bp) < 12 {
		return fmt.Errorf("PHARMAPOS_BOOTSTRAP_ADMIN_PASSWORD must be at least 12 characters")
	}
	return nil
}
