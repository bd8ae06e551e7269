// Package main is the entry point for the Push Worker Lambda function.
//
// When NOTIFICATION_TRANSPORT=sqs, notification jobs are sent to an SQS
// queue instead of the Postgres job table, and this function consumes them.
//
// Cold Start (main):
//  1. Load configuration and initialize the structured logger.
//  2. Connect to the database and wire the push pipeline.
//  3. Register handler and call lambda.Start.
//
// Handler flow, for each SQS message in the batch:
//  1. Unmarshal the queue.Envelope from the message body.
//  2. Rebuild the job, using ApproximateReceiveCount as the attempt number.
//  3. Deliver it through the same notifications.Handler the Postgres worker
//     uses. A gone endpoint soft-deletes the subscription and acks.
//  4. Transient failures are reported in batchItemFailures so SQS redelivers
//     only those messages; the queue's redrive policy bounds the attempts.
package main

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"eventbell/internal/app"
	"eventbell/internal/config"
	"eventbell/internal/logging"
	"eventbell/internal/notifications"
	"eventbell/internal/queue"
	"eventbell/internal/types"
)

// Handler holds the dependencies of the Lambda handler.
type Handler struct {
	deliver queue.Handler
	logger  types.Logger
}

// Handle processes an SQS event containing one or more notification jobs.
// Lambda SQS integration uses partial batch responses: messages that fail
// processing are returned in batchItemFailures so SQS can retry them.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.Warn("notification delivery failed, leaving message for redelivery",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processMessage runs one job. Unparseable bodies and permanent failures are
// acked, since redelivery cannot fix them.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var env queue.Envelope
	if err := json.Unmarshal([]byte(record.Body), &env); err != nil {
		h.logger.Error("failed to unmarshal job envelope",
			"message_id", record.MessageId,
			"error", err.Error(),
		)
		return nil
	}

	sentAt := time.Now().UTC()
	if ts, ok := record.Attributes["SentTimestamp"]; ok {
		if t, err := parseMillisTimestamp(ts); err == nil {
			sentAt = t
		}
	}
	job := env.ToJob(record.Attributes["ApproximateReceiveCount"], sentAt)

	err := h.deliver(ctx, job)
	if err != nil && queue.IsPermanent(err) {
		h.logger.Error("notification job failed permanently",
			"job_id", job.ID,
			"message_id", record.MessageId,
			"error", err.Error(),
		)
		return nil
	}
	return err
}

// parseMillisTimestamp parses a millisecond-epoch string into a time.Time.
// Used for the SQS SentTimestamp attribute to calculate queue lag.
func parseMillisTimestamp(ms string) (time.Time, error) {
	millis, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis).UTC(), nil
}

func main() {
	cfg, err := config.LoadConfig(config.NewFileSecretProvider())
	if err != nil {
		panic(err)
	}

	zl, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	logger := logging.NewAdapter(zl.With(zap.String("service", cfg.Service+"-push-worker")))
	logger.Info("Push Worker Lambda initializing (cold start)")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	a, err := app.New(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		_ = zl.Sync()
		panic(err)
	}

	deliveries := notifications.NewHandler(a.SubscriptionRepo, a.Dispatcher, logger)
	handler := &Handler{deliver: deliveries.Handle, logger: logger}

	logger.Info("Push Worker Lambda initialized",
		"metrics_enabled", cfg.Observability.MetricsEnabled,
		"push_timeout", cfg.Push.Timeout.String(),
	)

	lambda.Start(handler.Handle)
}
