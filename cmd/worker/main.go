package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/therealutkarshpriyadarshi/dataplan/internal/cache"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/config"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/database"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/logging"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/metrics"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/scheduler"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/storage"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/tracing"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.WithComponent("worker")

	tracerCloser, err := tracing.Init(cfg.Tracing)
	if err != nil {
		logger.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer tracerCloser.Close()

	// Initialize database
	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if cfg.Database.Migrate {
		if err := db.Migrate(context.Background()); err != nil {
			logger.Fatalf("Failed to run migrations: %v", err)
		}
	}

	repo := database.NewRepository(db)

	// Initialize cache
	c, err := cache.New(cfg.Redis)
	if err != nil {
		logger.Fatalf("Failed to connect to cache: %v", err)
	}
	defer c.Close()

	opts := []scheduler.Option{scheduler.WithLocker(c)}
	if cfg.Reset.Archive {
		stor, err := storage.New(cfg.Storage)
		if err != nil {
			logger.Fatalf("Failed to initialize archive storage: %v", err)
		}
		opts = append(opts, scheduler.WithArchiver(storage.NewArchiver(stor)))
	}

	resetJob := scheduler.NewDailyReset(cfg.Reset, repo, c, c, logger, opts...)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.ErrorWithErr("Metrics server failed", err)
			}
		}()
	}

	if cfg.Reset.Enabled {
		resetJob.Start(ctx)
	} else {
		logger.Warn("Daily reset scheduler disabled")
	}

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down worker gracefully...")
	cancel()
	resetJob.Stop()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		metricsServer.Shutdown(shutdownCtx)
	}

	logger.Info("Worker stopped")
}
