package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"observatory-jobs/api/rest/middleware"
	"observatory-jobs/api/rest/routes"
	"observatory-jobs/config"
	"observatory-jobs/core/bootstrap"
	"observatory-jobs/core/notifier"
	"observatory-jobs/logging"

	"github.com/gorilla/mux"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		logging.L().Error(ctx, "invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logging.SetGlobal(logger)

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "failed to initialize", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	// Change notifier
	notifyCtx, stopNotifier := context.WithCancel(ctx)
	notifierDone := make(chan struct{})
	go func() {
		defer close(notifierDone)
		app.Notifier.Supervise(notifyCtx, app.Feed, notifier.Backoff{
			Initial: cfg.NotifyRetryInitial,
			Max:     cfg.NotifyRetryMax,
		})
	}()

	// Setup routes
	r := mux.NewRouter()
	deps := routes.Deps{
		Jobs:        app.Engine,
		Connections: app.Connections,
		Limiter:     middleware.NewSiteLimiter(cfg.CreateRatePerSite, cfg.CreateBurstPerSite),
		Logger:      logger,
	}
	if app.Hub != nil {
		deps.Hub = app.Hub
	}
	routes.SetupRoutes(r, deps)

	// Start server
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		logger.Info(ctx, "starting server", "port", cfg.ServerPort, "backend", cfg.StoreBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "shutting down server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "server forced to shutdown", "error", err)
	}
	stopNotifier()
	<-notifierDone
	logger.Info(ctx, "server exited")
}
