package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"
	"github.com/subsync-io/subsync/internal"
	"github.com/subsync-io/subsync/internal/auth"
	"github.com/subsync-io/subsync/internal/billing"
	"github.com/subsync-io/subsync/internal/catalog"
	"github.com/subsync-io/subsync/internal/handler/api"
	"github.com/subsync-io/subsync/internal/handler/webhook"
	"github.com/subsync-io/subsync/internal/middleware"
	"github.com/subsync-io/subsync/internal/postgres"
	"github.com/subsync-io/subsync/internal/propagator"
	"github.com/subsync-io/subsync/internal/reconciler"
	"github.com/subsync-io/subsync/internal/router"
	"github.com/subsync-io/subsync/internal/routes"
	"github.com/subsync-io/subsync/internal/service"
	"github.com/subsync-io/subsync/internal/telemetry"
	"github.com/subsync-io/subsync/internal/worker"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Initialize database/sql connection for migrations
	logger.Info("Connecting to database...")
	sqlDB, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer sqlDB.Close()

	// Verify database connection
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("Database connection established")

	// Run migrations
	logger.Info("Running database migrations...")
	if err := internal.RunMigrations(sqlDB); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database migrations completed successfully")

	// Initialize pgx connection pool for application
	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	// Initialize entitlement store
	store := postgres.NewEntitlementStore(pool)

	// Initialize Stripe billing provider
	logger.Info("Initializing Stripe billing provider...")
	provider, err := billing.NewStripeProvider(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)
	if err != nil {
		return fmt.Errorf("failed to initialize Stripe provider: %w", err)
	}
	logger.Info("Stripe billing provider initialized")

	// Initialize plan catalog
	cat := catalog.New(cfg.Stripe.BasicPriceID, cfg.Stripe.ProPriceID)

	// Initialize entitlement change propagation. NATS is optional; without
	// it changes still reach websocket subscribers on this instance.
	bus := propagator.NewBus()
	var nc *nats.Conn
	if cfg.Nats.URL != "" {
		logger.Info("Connecting to NATS...", "url", cfg.Nats.URL)
		nc, err = nats.Connect(cfg.Nats.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("NATS connection failed: %w", err)
		}
		defer nc.Drain()
		logger.Info("NATS connection established")
	}
	prop := propagator.New(bus, nc, cfg.Nats.SubjectPrefix, logger)

	// Initialize reconciler
	rec := reconciler.New(store, provider, cat, prop, logger)

	// Initialize billing service
	billingService := service.NewBillingService(store, provider, cat, rec, service.BillingURLs{
		CheckoutSuccess: resolveURL(cfg.BaseURL, cfg.Stripe.CheckoutSuccessURL),
		CheckoutCancel:  resolveURL(cfg.BaseURL, cfg.Stripe.CheckoutCancelURL),
		PortalReturn:    resolveURL(cfg.BaseURL, cfg.Stripe.PortalReturnURL),
	}, logger)

	// Initialize token verifier
	verifier := auth.NewStaticVerifier(cfg.Auth.Tokens, cfg.Auth.AdminTokens)
	if verifier.Len() == 0 {
		logger.Warn("No auth tokens configured; all API requests will be rejected")
	}

	// ==========================================================================
	// Build route dependencies
	// ==========================================================================

	apiDeps := routes.APIDeps{
		EntitlementHandler: api.NewEntitlementHandler(billingService, logger),
		StreamHandler:      api.NewStreamHandler(billingService, bus, logger),
		BillingHandler:     api.NewBillingHandler(billingService, logger),
		AnalyticsHandler:   api.NewAnalyticsHandler(billingService, logger),
	}

	adminDeps := routes.AdminDeps{
		AdminHandler: api.NewAdminHandler(store, rec, prop, logger),
	}

	stripeWebhookHandler := webhook.NewStripeHandler(provider, rec, logger)
	webhookDeps := routes.WebhookDeps{
		StripeHandler: stripeWebhookHandler.HandleWebhook,
	}

	// ==========================================================================
	// Initialize middleware
	// ==========================================================================

	// Initialize Prometheus metrics
	telemetry.InitBusinessMetrics("subsync")
	metrics := middleware.NewMetrics("subsync")

	// Configure security headers
	securityConfig := middleware.DefaultSecurityHeadersConfig()
	if cfg.Env == "dev" {
		securityConfig.ContentSecurityPolicy = ""
		securityConfig.HSTSMaxAge = 0
	}

	// Configure rate limiting
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	chain := []router.Middleware{
		router.Recovery(logger),
		middleware.RequestID,
		middleware.WithClientIP(),
		metrics.Middleware,
		middleware.SecurityHeaders(securityConfig),
	}
	if len(cfg.CORSOrigins) > 0 {
		chain = append(chain, router.CORS(cfg.CORSOrigins))
	}
	chain = append(chain,
		middleware.MaxBodySize(middleware.DefaultMaxBodySize),
		middleware.Timeout(middleware.DefaultTimeout),
		rateLimiter.Middleware,
		router.Logger(logger),
		middleware.WithUser(verifier),
		middleware.WithRequestLogger(logger),
	)

	r := router.New(chain...)

	// Metrics endpoint (no auth required, but should be protected in production via firewall)
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		metrics.Handler().ServeHTTP(w, req)
	})

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Register route groups
	routes.RegisterAPIRoutes(r, apiDeps)
	routes.RegisterAdminRoutes(r, adminDeps)
	routes.RegisterWebhookRoutes(r, webhookDeps)

	// ==========================================================================
	// Start background resync worker
	// ==========================================================================

	if cfg.Resync.Enabled {
		resyncWorker := worker.NewWorker(store, rec, worker.Config{
			Interval:   cfg.Resync.Interval,
			StaleAfter: cfg.Resync.StaleAfter,
			BatchSize:  cfg.Resync.BatchSize,
		}, logger)
		go func() {
			if err := resyncWorker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Resync worker stopped", "error", err)
			}
		}()
		logger.Info("Resync worker started",
			"interval", cfg.Resync.Interval,
			"stale_after", cfg.Resync.StaleAfter,
		)
	}

	// ==========================================================================
	// Start server
	// ==========================================================================

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "address", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("Server stopped")

	return nil
}

// resolveURL makes redirect targets absolute. Relative paths are joined
// to the configured base URL so Stripe always receives a full URL.
func resolveURL(base, target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(target, "/")
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
