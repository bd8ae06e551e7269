// Package main is the entry point for the eventbell API server.
//
// It loads the configuration, connects to the database, wires the event
// coordinator, the schedulers and the push pipeline, builds the HTTP server
// with the core chassis (middleware, routing, health checks) and starts
// listening for requests.
//
// The API process only enqueues work. Reminder, recurrence and notification
// jobs run in cmd/worker (or cmd/push-worker for SQS delivery).
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
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

	"eventbell/internal/api/handlers"
	"eventbell/internal/app"
	"eventbell/internal/config"
	"eventbell/internal/core"
	"eventbell/internal/logging"
	"eventbell/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(config.NewFileSecretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	zl, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	logger := logging.NewAdapter(zl.With(zap.String("service", cfg.Service)))

	logger.Info("eventbell API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"timezone", cfg.Timezone,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.New(ctx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := newServer(cfg, logger, services{
		events:        a.Coordinator,
		reminders:     a.Reminders,
		recurrences:   a.Recurrences,
		subscriptions: a.Subscriptions,
	}, core.NewProbe("database", a.Pool.Ping))
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return runHTTPServer(srv, cfg, logger)
}

// services are the domain services behind the /v1 routes.
type services struct {
	events        handlers.EventService
	reminders     handlers.ReminderInspector
	recurrences   handlers.RecurrenceInspector
	subscriptions handlers.SubscriptionService
}

// newServer builds the server and mounts every route.
func newServer(cfg *config.Config, logger types.Logger, svc services, probes ...core.HealthProbe) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, err
	}
	srv.HealthProbes = probes

	eventHandler := handlers.NewEventHandler(svc.events, srv.Validator, logger)
	jobHandler := handlers.NewJobHandler(svc.reminders, svc.recurrences)
	subscriptionHandler := handlers.NewSubscriptionHandler(svc.subscriptions, srv.Validator, cfg.Push.VAPIDPublicKey)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		eventHandler.RegisterRoutes,
		jobHandler.RegisterRoutes,
		subscriptionHandler.RegisterRoutes,
	)

	// Mount all routes (middleware chain + versioned endpoints + health).
	srv.MountRoutes()
	return srv, nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger types.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Channel to capture server errors from ListenAndServe.
	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}
