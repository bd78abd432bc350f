package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"llm_dispatcher/internal/config"
	"llm_dispatcher/internal/httpapi"
	"llm_dispatcher/internal/utils"
)

func main() {
	logger := utils.NewLogger("main")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	if err := utils.ConfigureLogging(utils.LoggingOptions{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		logger.Error("Failed to configure logging", "error", err)
		os.Exit(1)
	}

	// Create router with all dependencies
	mux, deps, err := httpapi.NewRouter(cfg)
	if err != nil {
		logger.Error("Failed to build router", "error", err)
		os.Exit(1)
	}

	// Create HTTP server. WriteTimeout leaves room for a full failover walk.
	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("LLM dispatcher listening", "addr", addr, "store", cfg.StoreMode)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("Server forced to shutdown", "error", err)
	}

	// Flush usage telemetry and the attempt log, then release the store
	if err := deps.Close(ctx); err != nil {
		logger.Warn("Shutdown incomplete", "error", err)
	}

	logger.Info("Server exited")
}
