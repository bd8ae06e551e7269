package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"eventbell/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// maxSQSDelay is the largest DelaySeconds SQS accepts.
const maxSQSDelay = 900

// Envelope is the SQS message body. Retries are driven by the queue's
// redrive policy, so the envelope only carries the job identity.
type Envelope struct {
	ID          string          `json:"id"`
	Queue       Name            `json:"queue"`
	MaxAttempts int             `json:"maxAttempts"`
	Payload     json.RawMessage `json:"payload"`
}

// ToJob rebuilds the job a consumer hands to its Handler. receiveCount is
// the SQS ApproximateReceiveCount of the message.
func (e Envelope) ToJob(receiveCount string, sentAt time.Time) *Job {
	attempts, err := strconv.Atoi(receiveCount)
	if err != nil || attempts < 1 {
		attempts = 1
	}
	return &Job{
		ID:          e.ID,
		Queue:       e.Queue,
		Payload:     e.Payload,
		State:       StateActive,
		RunAt:       sentAt,
		Attempts:    attempts,
		MaxAttempts: e.MaxAttempts,
		CreatedAt:   sentAt,
		UpdatedAt:   sentAt,
	}
}

// SQSEnqueuer sends jobs of one queue to an SQS URL. It implements Enqueuer
// only: SQS offers no lookup or cancellation by id, so it is used for
// notification delivery, which is never cancelled.
type SQSEnqueuer struct {
	client   SQSSender
	queueURL string
	clock    types.Clock
	logger   types.Logger
}

// NewSQSEnqueuer creates an enqueuer for queueURL.
func NewSQSEnqueuer(client SQSSender, queueURL string, clock types.Clock, logger types.Logger) *SQSEnqueuer {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &SQSEnqueuer{client: client, queueURL: queueURL, clock: clock, logger: logger}
}

var _ Enqueuer = (*SQSEnqueuer)(nil)

// Enqueue sends the job. Delays above the SQS maximum of 900 seconds are
// clamped.
func (q *SQSEnqueuer) Enqueue(ctx context.Context, queue Name, id string, payload any, opts JobOptions) (*Job, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	opts = normalizeOptions(queue, opts)

	env, err := json.Marshal(Envelope{ID: id, Queue: queue, MaxAttempts: opts.Attempts, Payload: body})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationPayload, "failed to marshal job envelope", err)
	}

	delaySec := int32(opts.Delay.Seconds())
	if delaySec > maxSQSDelay {
		delaySec = maxSQSDelay
	}
	if delaySec < 0 {
		delaySec = 0
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.queueURL),
		MessageBody:  aws.String(string(env)),
		DelaySeconds: delaySec,
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"job_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(id),
			},
		},
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalQueue,
			fmt.Sprintf("failed to send job to %s", q.queueURL), err)
	}

	now := q.clock.Now()
	q.logger.Info("job sent to sqs",
		"queue", string(queue),
		"job_id", id,
		"delay_seconds", delaySec,
	)

	return &Job{
		ID:          id,
		Queue:       queue,
		Payload:     body,
		State:       effectiveState(StateWaiting, now.Add(time.Duration(delaySec)*time.Second), now),
		RunAt:       now.Add(time.Duration(delaySec) * time.Second),
		MaxAttempts: opts.Attempts,
		Backoff:     opts.Backoff,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}
