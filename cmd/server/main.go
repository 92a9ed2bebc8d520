/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the balance engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env, environment and flags (see package config)
  2. Open the SQL store (SQLite or Postgres) and migrate
  3. Build the engine with the notification hub and overdraft policy
  4. Create API handler, router and the period expiry scheduler
  5. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  # Local development with an in-memory database
  DEV_AUTH=true ./server -db=":memory:"

  # Postgres
  DB_DRIVER=pgx DATABASE_URL=postgres://... JWT_SECRET=... ./server

SEE ALSO:
  - config/config.go: all settings
  - api/server.go: Router configuration
  - store/sqldb/sqldb.go: Database implementation
*/
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

	"github.com/ffs/balance-engine/api"
	"github.com/ffs/balance-engine/config"
	"github.com/ffs/balance-engine/engine"
	"github.com/ffs/balance-engine/invoice"
	"github.com/ffs/balance-engine/notify"
	"github.com/ffs/balance-engine/store/sqldb"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadEnvFile(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.FromOS()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// Initialize store
	store, err := sqldb.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	hub := notify.NewHub()
	eng := engine.New(store,
		engine.WithNotifier(hub),
		engine.WithLogger(logger),
		engine.WithMaxRetries(cfg.MaxConflictRetries),
		engine.WithOverdraft(engine.OverdraftPolicy{
			Recurrent: cfg.AllowOverdraftRecurrent,
			Shared:    cfg.AllowOverdraftShared,
		}),
	)

	handler := api.NewHandler(eng, store, hub, logger)
	handler.Ping = store.Ping
	if cfg.GeminiAPIKey != "" {
		extractor, err := invoice.NewGeminiExtractor(context.Background(), cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return fmt.Errorf("initialize invoice extractor: %w", err)
		}
		handler.Extractor = extractor
	} else {
		logger.Info("GEMINI_API_KEY not set; invoice extraction disabled")
	}
	if cfg.DevAuth {
		logger.Warn("DEV_AUTH enabled: the X-Owner-ID header is trusted without a token")
	}

	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.CORSOrigins,
		Auth:           &api.Authenticator{Secret: []byte(cfg.JWTSecret), DevHeader: cfg.DevAuth},
	})

	scheduler := api.NewPeriodScheduler(handler.Periods, logger)
	scheduler.CheckInterval = cfg.SchedulerInterval
	scheduler.Enabled = cfg.SchedulerInterval > 0
	scheduler.AutoRefund = cfg.AutoRefund
	scheduler.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "db_driver", cfg.DBDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		scheduler.Stop()
		return err
	}

	logger.Info("shutting down")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
