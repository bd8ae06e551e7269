// Package app assembles the eventbell components shared by the API and the
// worker processes: the database pool, the repositories, the job queue, the
// schedulers, the event coordinator and the push pipeline.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"eventbell/internal/config"
	"eventbell/internal/db"
	"eventbell/internal/events"
	"eventbell/internal/external"
	"eventbell/internal/notifications"
	"eventbell/internal/queue"
	"eventbell/internal/scheduler"
	"eventbell/internal/security"
	"eventbell/internal/types"
)

// App holds the wired components. Close releases the pool.
type App struct {
	Config *config.Config
	Logger types.Logger
	Clock  types.Clock

	Pool             *pgxpool.Pool
	Events           *db.EventRepository
	SubscriptionRepo *db.SubscriptionRepository
	Queue            *queue.PostgresStore

	Reminders   *scheduler.ReminderScheduler
	Recurrences *scheduler.RecurrenceScheduler
	Coordinator *events.Coordinator

	Sender        *external.WebPushSender
	Metrics       notifications.Metrics
	Dispatcher    *notifications.Dispatcher
	FanOut        *notifications.FanOut
	Subscriptions *notifications.SubscriptionService
}

// New connects to the database and wires every component. The notification
// transport decides where FanOut enqueues deliveries.
func New(ctx context.Context, cfg *config.Config, logger types.Logger) (*App, error) {
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.Database.URL.Unmask(),
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	a, err := wire(ctx, cfg, logger, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

func wire(ctx context.Context, cfg *config.Config, logger types.Logger, pool *pgxpool.Pool) (*App, error) {
	clock := types.RealClock{}
	a := &App{
		Config:           cfg,
		Logger:           logger,
		Clock:            clock,
		Pool:             pool,
		Events:           db.NewEventRepository(pool),
		SubscriptionRepo: db.NewSubscriptionRepository(pool),
		Queue:            queue.NewPostgresStore(pool, clock, logger.With("component", "queue")),
		Metrics:          notifications.NoopMetrics{},
	}

	a.Reminders = scheduler.NewReminderScheduler(a.Queue, clock, logger.With("component", "reminders"))
	a.Recurrences = scheduler.NewRecurrenceScheduler(a.Queue, clock, cfg.Location(), logger.With("component", "recurrences"))
	a.Coordinator = events.NewCoordinator(events.CoordinatorConfig{
		Store:       a.Events,
		Reminders:   a.Reminders,
		Recurrences: a.Recurrences,
		Clock:       clock,
		Logger:      logger.With("component", "events"),
	})

	var notificationQueue queue.Enqueuer = a.Queue
	if cfg.Queue.NotificationTransport == config.TransportSQS || cfg.Observability.MetricsEnabled {
		awsCfg, err := LoadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		if cfg.Queue.NotificationTransport == config.TransportSQS {
			notificationQueue = queue.NewSQSEnqueuer(NewSQSClient(awsCfg, cfg.AWS), cfg.Queue.SQSNotificationURL,
				clock, logger.With("component", "sqs"))
		}
		if cfg.Observability.MetricsEnabled {
			a.Metrics = notifications.NewCloudWatchMetrics(NewCloudWatchClient(awsCfg, cfg.AWS),
				cfg.Observability.MetricNamespace, logger.With("component", "metrics"))
		}
	}

	a.Sender = NewSender(cfg.Push)
	a.Dispatcher = notifications.NewDispatcher(a.SubscriptionRepo, a.Sender, logger.With("component", "dispatcher"),
		notifications.WithMetrics(a.Metrics),
		notifications.WithDefaultIcon(cfg.Push.DefaultIcon),
		notifications.WithClock(clock),
	)
	a.FanOut = notifications.NewFanOut(notificationQueue, a.SubscriptionRepo, logger.With("component", "fanout"))
	a.Subscriptions = notifications.NewSubscriptionService(a.SubscriptionRepo, a.FanOut, a.Dispatcher,
		logger.With("component", "subscriptions"))
	return a, nil
}

// maxPushRedirects caps redirects followed by a push service.
const maxPushRedirects = 3

// NewSender builds the Web Push sender over a circuit-broken HTTP client.
// Unless private endpoints are allowed, connections go through the
// outbound address guard.
func NewSender(cfg config.PushConfig) *external.WebPushSender {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	if !cfg.AllowPrivateEndpoints {
		httpClient = security.NewHTTPClient(cfg.Timeout, maxPushRedirects, nil)
	}
	client := external.NewBaseClient(httpClient, "webpush", external.DefaultRetryPolicy(), cfg.UserAgent,
		external.WithPerHostBreakers())
	return external.NewWebPushSender(client, external.WebPushConfig{
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
		Subject:    cfg.Subject,
		TTL:        cfg.TTL,
		Timeout:    cfg.Timeout,
	})
}

// LoadAWSConfig loads the SDK configuration for the configured region.
func LoadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return awsCfg, nil
}

// NewSQSClient creates an SQS client, honouring a LocalStack endpoint.
func NewSQSClient(awsCfg aws.Config, cfg config.AWSConfig) *sqs.Client {
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	})
}

// NewCloudWatchClient creates a CloudWatch client, honouring a LocalStack
// endpoint.
func NewCloudWatchClient(awsCfg aws.Config, cfg config.AWSConfig) *cloudwatch.Client {
	return cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	})
}

// Close releases the database pool.
func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Close()
	}
}
