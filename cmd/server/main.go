package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pep299/daily-digest/internal/app"
	"github.com/pep299/daily-digest/internal/config"
	"github.com/pep299/daily-digest/internal/handlers"
	"github.com/pep299/daily-digest/internal/logging"
	"github.com/pep299/daily-digest/internal/scheduler"
)

func main() {
	noSchedule := flag.Bool("no-schedule", false, "serve the API without the cron trigger")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, logCloser, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logCloser.Close()

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build app", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if cfg.AuthToken == "" {
		logger.Warn("WEBHOOK_AUTH_TOKEN is empty; run and prune endpoints are unauthenticated")
	}
	server := handlers.NewServer(a.Orchestrator, cfg.Location(), cfg.AuthToken, logger.With("component", "http")).
		WithRunTimeout(cfg.RunMaxDuration)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Handler:      server.SetupRoutes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RunMaxDuration + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var sched *scheduler.Scheduler
	if !*noSchedule {
		sched, err = scheduler.New(cfg.Schedule, cfg.Location(), a.Orchestrator, logger.With("component", "scheduler"))
		if err != nil {
			logger.Error("failed to create scheduler", "error", err)
			os.Exit(1)
		}
		sched.Start()
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("starting server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-sigChan
	logger.Info("shutting down server")

	if sched != nil {
		sched.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
