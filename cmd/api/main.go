// Package main is the entry point for the bono billing API server.
//
// It loads configuration, resolves the active Stripe environment, connects
// the Postgres pool, wires the reconciler and HTTP handlers, and serves until
// SIGINT/SIGTERM. Shutdown drains in-flight requests first, then waits for
// background reconciliation tasks before closing the pool.
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

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bono/internal/api/handlers"
	"bono/internal/billing"
	"bono/internal/config"
	"bono/internal/core"
	"bono/internal/db"
	"bono/internal/external"
)

const (
	shutdownTimeout = 20 * time.Second
	taskTimeout     = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	env, err := billing.ResolveEnvironment(cfg)
	if err != nil {
		return fmt.Errorf("resolving billing environment: %w", err)
	}
	logger.Info("bono billing API starting",
		"app_env", cfg.AppEnv,
		"billing_environment", env.Tag,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	// Repositories.
	subRepo := db.NewSubscriptionRepo(pool, logger)
	ledgerRepo := db.NewProcessedEventRepo(pool, logger)
	customerRepo := db.NewCustomerMappingRepo(pool, logger)
	auditRepo := db.NewSubscriptionAuditRepo(pool, logger)

	// Provider client, bound to the resolved environment's key.
	stripeClient := external.NewStripeClient(&http.Client{Timeout: 20 * time.Second}, external.StripeClientConfig{
		SecretKey: env.SecretKey.Unmask(),
		Logger:    logger,
	})

	// Core services.
	reconciler := billing.NewReconciler(env, subRepo, ledgerRepo, customerRepo, auditRepo, stripeClient, logger)
	priceCache := billing.NewPriceCache(env, stripeClient, cfg.Billing.PriceCacheTTL, logger)
	tasks := core.NewTaskRegistry(logger, taskTimeout)

	// HTTP surface.
	webhookHandler := handlers.NewStripeWebhookHandler(&external.StripeVerifier{}, reconciler, tasks, env, logger)
	billingHandler := handlers.NewBillingHandler(subRepo, customerRepo, stripeClient, priceCache, auditRepo, env, cfg.Server.SiteURL, logger)

	r := chi.NewRouter()
	r.Use(core.Recoverer(logger))
	r.Use(core.RequestID)
	r.Use(core.RequestLogger(logger))
	r.Use(core.UserIdentity)

	r.Get("/healthz", core.HealthHandler(&dbProbe{pool: pool}))
	webhookHandler.RegisterRoutes(r)
	billingHandler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown incomplete", "error", err)
	}
	// Reconciliation tasks outlive their originating requests; give them the
	// remainder of the shutdown window before the pool closes.
	if err := tasks.Drain(shutdownCtx); err != nil {
		logger.Error("background tasks not drained", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// newLogger builds the process-wide structured JSON logger.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// newPool creates the pgx connection pool and verifies connectivity.
func newPool(ctx context.Context, dc config.DatabaseConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(dc.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	pc.MaxConns = int32(dc.MaxConns)
	pc.MinConns = int32(dc.MinConns)
	pc.MaxConnLifetime = dc.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, dc.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// dbProbe reports database health for /healthz.
type dbProbe struct {
	pool *pgxpool.Pool
}

func (p *dbProbe) Name() string { return "database" }

func (p *dbProbe) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
