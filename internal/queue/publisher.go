// Package queue publishes tracking batches and retry tasks to SQS for the
// background workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"eventmail/internal/config"
	"eventmail/internal/types"
)

// MaxDelay is the largest DelaySeconds SQS accepts on a single message.
const MaxDelay = 15 * time.Minute

// SQSSender abstracts the SQS SendMessage operation. Production code uses
// *sqs.Client.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher sends worker payloads to the tracking and retry queues.
type Publisher struct {
	client           SQSSender
	trackingQueueURL string
	retryQueueURL    string
	clock            types.Clock
	logger           *slog.Logger
}

// NewPublisher creates a Publisher from the queue URLs in awsCfg.
func NewPublisher(client SQSSender, awsCfg config.AWSConfig, clock types.Clock, logger *slog.Logger) *Publisher {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client:           client,
		trackingQueueURL: awsCfg.TrackingQueueURL,
		retryQueueURL:    awsCfg.RetryQueueURL,
		clock:            clock,
		logger:           logger,
	}
}

// PublishTrackingBatch enqueues webhook events for the tracking worker.
func (p *Publisher) PublishTrackingBatch(ctx context.Context, batch types.TrackingBatch) error {
	if p.trackingQueueURL == "" {
		return types.NewAppError(types.ErrCodeInternalQueue, "tracking queue is not configured", nil)
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal TrackingBatch: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.trackingQueueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"batch_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(batch.BatchID),
			},
		},
	}
	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeInternalQueue,
			fmt.Sprintf("failed to send tracking batch %s", batch.BatchID), err)
	}

	p.logger.InfoContext(ctx, "tracking batch enqueued",
		"batch_id", batch.BatchID,
		"events", len(batch.Events),
	)
	return nil
}

// PublishRetry enqueues a retry task delayed until task.NotBefore, capped at
// MaxDelay. The consumer re-publishes tasks that arrive early.
func (p *Publisher) PublishRetry(ctx context.Context, task types.RetryTask) error {
	if p.retryQueueURL == "" {
		return types.NewAppError(types.ErrCodeInternalQueue, "retry queue is not configured", nil)
	}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal RetryTask: %w", err)
	}

	delay := DelayUntil(p.clock.Now(), task.NotBefore)
	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.retryQueueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(delay / time.Second),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"delivery_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(task.DeliveryID),
			},
		},
	}
	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeInternalQueue,
			fmt.Sprintf("failed to send retry task for delivery %s", task.DeliveryID), err)
	}

	p.logger.InfoContext(ctx, "retry task enqueued",
		"delivery_id", task.DeliveryID,
		"attempt", task.Attempt,
		"delay_s", int(delay/time.Second),
		"hops", task.Hops,
	)
	return nil
}

// DelayUntil returns the SQS delay for a message due at notBefore, clamped to
// [0, MaxDelay].
func DelayUntil(now, notBefore time.Time) time.Duration {
	d := notBefore.Sub(now)
	switch {
	case d <= 0:
		return 0
	case d > MaxDelay:
		return MaxDelay
	default:
		return d.Truncate(time.Second)
	}
}
