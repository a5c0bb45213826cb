/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the campus token ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Build the zap logger
  3. Open the store (sqlite, postgres or memory)
  4. Create the ledger service and API handler
  5. Start the audit scheduler (unless AUDIT_INTERVAL_S=0)
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port          HTTP server port (default: 8080)
  -store         Store driver: sqlite, postgres, memory (default: sqlite)
  -db            SQLite database path (default: tokenledger.db)
                 Use ":memory:" for in-memory database
  -database-url  PostgreSQL connection URL

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (SHUTDOWN_TIMEOUT_S)
  3. Stop the audit scheduler
  4. Close the store
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/tokens.db"

  # Run against PostgreSQL
  DATABASE_URL=postgres://localhost/tokens ./server -store=postgres

  # Run on different port with console logs
  LOG_FORMAT=console ./server -port=3000

ENVIRONMENT:
  See config/config.go for the full list. ENABLE_SCENARIOS mounts the
  demo scenario routes (default on for sqlite and memory, off for postgres).

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration
  - ledger/service.go: Ledger service
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/token-ledger/api"
	"github.com/warp/token-ledger/config"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/ledger/store"
	"github.com/warp/token-ledger/logging"
	"github.com/warp/token-ledger/store/postgres"
	"github.com/warp/token-ledger/store/sqlite"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()
	logger.Info("store ready", zap.String("driver", cfg.StoreDriver))

	svc := ledger.NewService(st,
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithAccountPolicy(ledger.AccountPolicy(cfg.AccountPolicy)),
		ledger.WithLockTimeout(cfg.LockTimeout),
		ledger.WithStorageRetries(cfg.StorageRetries),
		ledger.WithLowStockThreshold(cfg.LowStockThreshold),
	)

	handler := api.NewHandler(svc, logger.Named("api"))
	handler.Scenarios = cfg.EnableScenarios
	if cfg.EnableScenarios {
		logger.Warn("demo scenario routes enabled; admins can wipe the store")
	}
	if cfg.AuditInterval > 0 {
		scheduler := api.NewAuditScheduler(svc, logger)
		scheduler.CheckInterval = cfg.AuditInterval
		scheduler.Start()
		defer scheduler.Stop()
		handler.Scheduler = scheduler
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(handler, logger.Named("http")),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", cfg.Addr()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(cfg config.Config) (ledger.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return postgres.New(ctx, cfg.DatabaseURL, postgres.DefaultPoolOptions())
	case config.DriverMemory:
		return store.NewMemory(), nil
	default:
		return sqlite.New(cfg.DBPath)
	}
}
