package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"keypool/internal/api"
	"keypool/internal/config"
	"keypool/internal/credstore"
	"keypool/internal/dashboard"
	"keypool/internal/db"
	"keypool/internal/health"
	"keypool/internal/logger"
	"keypool/internal/router"
	"keypool/internal/scheduler"
	"keypool/internal/usage"

	"github.com/gin-gonic/gin"
)

// customRecovery is a middleware that recovers from panics and handles http.ErrAbortHandler gracefully.
func customRecovery(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					log.Warn("Client connection aborted", "path", c.Request.URL.Path)
					c.Abort()
					return
				}

				log.Error("Panic recovered",
					"error", recovered,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

func main() {
	// Load configuration
	cfg, warning, err := config.LoadConfig("config.yaml")
	if err != nil {
		// Use a temporary logger for startup errors
		slog.Error("Error loading configuration", "error", err)
		os.Exit(1)
	}

	// Setup logger
	log := logger.New(cfg.Debug)
	log.Info("Logger initialized", "debug_mode", cfg.Debug)
	if warning != "" {
		log.Warn(warning)
	}
	if len(cfg.Providers) == 0 {
		log.Warn("No providers configured; the pool will reject every credential until the catalog is populated")
	}

	// Initialize database
	dbService, err := db.NewService(cfg.Database)
	if err != nil {
		log.Error("Error initializing database", "error", err)
		os.Exit(1)
	}
	log.Info("Database initialized", "type", cfg.Database.Type)

	// Usage ledger and health monitor warm-start from the database.
	ledger, err := usage.NewLedger(dbService, cfg, log)
	if err != nil {
		log.Error("Error creating usage ledger", "error", err)
		os.Exit(1)
	}

	monitor, err := health.NewMonitor(dbService, cfg.Health, log)
	if err != nil {
		log.Error("Error creating health monitor", "error", err)
		os.Exit(1)
	}
	prober := health.NewProber(monitor, nil, cfg.Health)

	store := credstore.NewStore(dbService, cfg, prober, ledger, monitor, log)
	selector := router.NewSelector(store, ledger, monitor, cfg)
	aggregator := dashboard.NewAggregator(store, ledger, monitor, cfg, log)

	// Start the housekeeping scheduler
	sched := scheduler.NewScheduler(dbService, log, ledger, monitor)
	sched.Start()
	log.Info("Scheduler started")

	// Create a Gin router
	engine := gin.New()
	// Use our custom recovery middleware instead of the default one.
	engine.Use(customRecovery(log))

	// If debug mode is enabled, add the logger middleware
	if cfg.Debug {
		// This uses the default gin logger, which is fine for development.
		engine.Use(gin.Logger())
	}

	handler := api.NewHandler(store, selector, ledger, monitor, prober, aggregator, dbService, cfg)
	api.SetupRoutes(engine, handler, cfg.Admin.Password)

	// Create and start the main server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}

	// Graceful shutdown
	go func() {
		log.Info("Starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Stop background tasks and write state through before exit.
	sched.Stop()
	ledger.Close()
	ledger.Flush()
	monitor.Flush()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if err := dbService.Close(); err != nil {
		log.Warn("Error closing database", "error", err)
	}

	log.Info("Server exiting")
}
