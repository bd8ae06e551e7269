// Package main is the entry point for the eventbell job worker.
//
// The worker polls the Postgres job queue and runs:
//   - reminder jobs: checks staleness, renders the message and fans it out
//     to every live subscription as notification jobs;
//   - recurrence ticks: re-validates the rule and materializes the next
//     occurrence of the event;
//   - notification jobs: delivers one push message, unless the notification
//     transport is SQS, in which case cmd/push-worker consumes them.
//
// It also fires due recurring entries, requeues stalled jobs and prunes
// finished ones. Any number of workers may run side by side.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"eventbell/internal/app"
	"eventbell/internal/config"
	"eventbell/internal/logging"
	"eventbell/internal/notifications"
	"eventbell/internal/queue"
	"eventbell/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

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
	logger := logging.NewAdapter(zl.With(zap.String("service", cfg.Service+"-worker")))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	a, err := app.New(startCtx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}
	defer a.Close()

	w := queue.NewWorker(a.Queue, queue.WorkerConfig{
		PollInterval: cfg.Queue.PollInterval,
		StallTimeout: cfg.Queue.StallTimeout,
	}, a.Clock, logger.With("component", "worker"))

	for _, h := range queueHandlers(cfg, a) {
		w.Handle(h.queue, h.concurrency, h.handle)
		logger.Info("handling queue", "queue", string(h.queue), "concurrency", h.concurrency)
	}

	logger.Info("eventbell worker started",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"notification_transport", cfg.Queue.NotificationTransport,
	)
	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	logger.Info("worker stopped cleanly")
	return nil
}

type queueHandler struct {
	queue       queue.Name
	concurrency int
	handle      queue.Handler
}

// queueHandlers builds the handler of every queue this process consumes.
// Notification jobs are left to the SQS consumer when that transport is
// configured.
func queueHandlers(cfg *config.Config, a *app.App) []queueHandler {
	reminders := scheduler.NewReminderHandler(a.Events, a.FanOut, notifications.ReminderMessage,
		a.Clock, a.Logger.With("queue", string(queue.Reminders)))
	ticks := scheduler.NewTickHandler(a.Events, a.Coordinator, a.Recurrences,
		a.Clock, a.Logger.With("queue", string(queue.Recurrences)))

	hs := []queueHandler{
		{queue.Reminders, cfg.Queue.ReminderConcurrency, reminders.Handle},
		{queue.Recurrences, cfg.Queue.RecurrenceConcurrency, ticks.Handle},
	}
	if cfg.Queue.NotificationTransport != config.TransportSQS {
		deliveries := notifications.NewHandler(a.SubscriptionRepo, a.Dispatcher,
			a.Logger.With("queue", string(queue.Notifications)))
		hs = append(hs, queueHandler{queue.Notifications, cfg.Queue.NotificationConcurrency, deliveries.Handle})
	}
	return hs
}
