package notifications

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"eventbell/internal/types"
)

// DeliveryResult is the outcome dimension of a delivery metric.
type DeliveryResult string

const (
	ResultDelivered DeliveryResult = "delivered"
	ResultTransient DeliveryResult = "transient"
	ResultRemoved   DeliveryResult = "removed"
)

// Metric and dimension names.
const (
	DefaultMetricNamespace = "EventBell"
	MetricPushDelivery     = "PushDelivery"
	MetricPushLatency      = "PushDeliveryLatency"
	MetricNotificationLag  = "NotificationQueueLag"
	DimResult              = "Result"
)

// Metrics records push delivery outcomes.
type Metrics interface {
	RecordDelivery(ctx context.Context, result DeliveryResult)
	RecordLatency(ctx context.Context, d time.Duration)
	RecordQueueLag(ctx context.Context, lag time.Duration)
}

// NoopMetrics discards every measurement.
type NoopMetrics struct{}

func (NoopMetrics) RecordDelivery(context.Context, DeliveryResult) {}
func (NoopMetrics) RecordLatency(context.Context, time.Duration)   {}
func (NoopMetrics) RecordQueueLag(context.Context, time.Duration)  {}

// CloudWatchClient is the subset of the CloudWatch API used here.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ Metrics = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics publishes delivery metrics to CloudWatch. Publishing
// failures are logged and never affect delivery.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics. An empty namespace falls
// back to DefaultMetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = DefaultMetricNamespace
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

// RecordDelivery counts one delivery attempt under its result.
func (m *CloudWatchMetrics) RecordDelivery(ctx context.Context, result DeliveryResult) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricPushDelivery),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{{Name: aws.String(DimResult), Value: aws.String(string(result))}},
	})
}

// RecordLatency records how long one push request took, in milliseconds.
func (m *CloudWatchMetrics) RecordLatency(ctx context.Context, d time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricPushLatency),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	})
}

// RecordQueueLag records the time between a notification job becoming due
// and a worker picking it up.
func (m *CloudWatchMetrics) RecordQueueLag(ctx context.Context, lag time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricNotificationLag),
		Value:      aws.Float64(float64(lag.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	})
}

func (m *CloudWatchMetrics) put(ctx context.Context, datum cwtypes.MetricDatum) {
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		m.logger.Error("failed to publish metric", "metric", aws.ToString(datum.MetricName), "error", err)
	}
}
