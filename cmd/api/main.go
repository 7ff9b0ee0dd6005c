package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/analytics"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/cache"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/config"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/database"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/logging"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/metrics"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/middleware"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/notify"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/scheduler"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/storage"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/tracing"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/usage"
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
	logger = logger.WithComponent("api")

	if cfg.Auth.JWTSecret == "" {
		logger.Fatal("auth.jwtSecret must be set")
	}

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

	notifier, notifierCloser, err := notify.New(cfg.Notifier, cfg.Queue, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize notifier: %v", err)
	}
	defer notifierCloser.Close()

	tracker := usage.NewTracker(cfg.Usage, repo, c, repo, notifier, logger)

	resetJob, err := newDailyReset(cfg, repo, c, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize daily reset: %v", err)
	}

	api := &API{
		usage:     tracker,
		repo:      repo,
		analytics: analytics.NewService(repo, c, cfg.Usage.StatsTTL, logger),
		reset:     resetJob,
		logger:    logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := middleware.NewRateLimiter(cfg.Auth.RateLimit, cfg.Auth.RateBurst)
	go limiter.Cleanup(ctx, 10*time.Minute, 30*time.Minute)

	if gin.Mode() == gin.DebugMode && cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := setupRouter(api, cfg.Auth.JWTSecret, limiter)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.ErrorWithErr("Metrics server failed", err)
			}
		}()
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithErr("Server forced to shutdown", err)
	}
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}

	logger.Info("Server stopped")
}

// newDailyReset builds the reset job behind the admin trigger. It shares
// the worker's Redis lock and marker, so manual and scheduled runs never
// overlap.
func newDailyReset(cfg *config.Config, repo *database.Repository, c *cache.Cache, logger *logging.Logger) (*scheduler.DailyReset, error) {
	opts := []scheduler.Option{scheduler.WithLocker(c)}

	if cfg.Reset.Archive {
		stor, err := storage.New(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize archive storage: %w", err)
		}
		opts = append(opts, scheduler.WithArchiver(storage.NewArchiver(stor)))
	}

	return scheduler.NewDailyReset(cfg.Reset, repo, c, c, logger, opts...), nil
}
