package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"keywarden/internal/admin"
	"keywarden/internal/auth"
	"keywarden/internal/config"
	"keywarden/internal/db"
	"keywarden/internal/dispatch"
	"keywarden/internal/keystore"
	"keywarden/internal/logger"
	"keywarden/internal/provider"
	"keywarden/internal/proxy"
	"keywarden/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
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
	// Load .env if present, then the config file.
	_ = godotenv.Load()

	cfg, warning, err := config.LoadConfig("config.yaml")
	if err != nil {
		// Use a temporary logger for startup errors
		slog.Error("Error loading configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Debug)
	log.Info("Logger initialized", "debug_mode", cfg.Debug)
	if warning != "" {
		log.Warn(warning)
	}

	// Initialize the request log database
	database, err := db.NewService(cfg.Database)
	if err != nil {
		log.Error("Error initializing database", "error", err)
		os.Exit(1)
	}
	log.Info("Database initialized", "type", cfg.Database.Type)

	// Open the key state file. A corrupt file is logged and replaced by
	// an empty store so the service can still come up.
	store, err := keystore.Open(cfg.StatePath, log)
	if err != nil {
		var cerr *keystore.ConfigError
		if !errors.As(err, &cerr) {
			log.Error("Error opening key store", "error", err)
			os.Exit(1)
		}
		log.Warn("Key state file unusable, starting empty", "path", cfg.StatePath, "error", err)
	}
	log.Info("Key store opened", "path", cfg.StatePath)

	clients := provider.NewRegistry(time.Duration(cfg.RequestTimeout) * time.Second)
	dispatcher := dispatch.New(store, clients, database, log)

	sched := scheduler.NewScheduler(store, database, log)
	if err := sched.Start(); err != nil {
		log.Error("Error starting scheduler", "error", err)
		os.Exit(1)
	}
	log.Info("Scheduler started")

	router := gin.New()
	// Use our custom recovery middleware instead of the default one.
	router.Use(customRecovery(log))

	if cfg.Debug {
		// This uses the default gin logger, which is fine for development.
		router.Use(gin.Logger())
	}

	chatHandler := proxy.NewChatHandler(dispatcher, log)
	proxy.SetupRoutes(router, chatHandler, auth.ClientAuthMiddleware(cfg.ClientKeys))
	admin.SetupRoutes(router, store, database, cfg)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

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

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sched.Stop()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	// Flush pending request logs and the key state file.
	dispatcher.Close()
	store.Close()

	log.Info("Server exiting")
}
