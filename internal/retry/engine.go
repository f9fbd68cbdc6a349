// Package retry re-sends soft-bounced deliveries on a fixed backoff table.
//
// Two layers retry independently: the engine spends a delivery's soft bounce
// budget, while the queue redelivers a retry task whose send failed
// transiently. A scanner republishes retries whose task was lost.
package retry

import (
	"context"
	"fmt"
	"time"

	"eventmail/internal/logging"
	"eventmail/internal/types"
)

// DefaultBackoff is the delay before retry n, indexed by retry_count. The last
// entry is reused past the end of the table.
var DefaultBackoff = []time.Duration{time.Hour, 4 * time.Hour, 24 * time.Hour}

// DeliveryStore is the subset of the delivery repository the engine uses.
type DeliveryStore interface {
	GetByID(ctx context.Context, id string) (*types.EmailDelivery, error)
	GetContent(ctx context.Context, id string) (*types.MessageContent, error)
	ScheduleRetry(ctx context.Context, id string, expectedRetryCount int, nextAt time.Time) (bool, error)
	ClaimRetry(ctx context.Context, id string, dueAt time.Time) (bool, error)
	ReleaseRetry(ctx context.Context, id string, dueAt time.Time) error
	RecordResend(ctx context.Context, id, messageID string, attempt int, at time.Time) error
	MarkDropped(ctx context.Context, id, reason string, at time.Time) (*types.EmailDelivery, error)
}

// TaskPublisher enqueues delayed retry tasks.
type TaskPublisher interface {
	PublishRetry(ctx context.Context, task types.RetryTask) error
}

// Sender transmits a rendered message and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, input types.SendInput) (string, error)
}

// Config holds the retry policy and sender identity.
type Config struct {
	Backoff     []time.Duration
	MaxRetries  int
	SendTimeout time.Duration
	From        string
	FromName    string
}

// Engine schedules and executes soft bounce retries.
type Engine struct {
	cfg       Config
	store     DeliveryStore
	publisher TaskPublisher
	sender    Sender
	metrics   types.MetricsRecorder
	clock     types.Clock
	logger    types.Logger
}

// NewEngine creates an Engine. An empty backoff table falls back to
// DefaultBackoff.
func NewEngine(cfg Config, store DeliveryStore, publisher TaskPublisher, sender Sender, metrics types.MetricsRecorder, clock types.Clock, logger types.Logger) *Engine {
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		sender:    sender,
		metrics:   metrics,
		clock:     clock,
		logger:    logger,
	}
}

// MaxRetries is the budget given to new deliveries.
func (e *Engine) MaxRetries() int { return e.cfg.MaxRetries }

// Delay returns the wait before the retry that follows retryCount earlier
// retries.
func (e *Engine) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(e.cfg.Backoff) {
		return e.cfg.Backoff[len(e.cfg.Backoff)-1]
	}
	return e.cfg.Backoff[retryCount]
}

// ScheduleRetry consumes one unit of the delivery's budget and enqueues the
// retry task. It returns false when the delivery is not retryable or the
// retry was already scheduled. A publish failure is logged and left to the
// scanner.
func (e *Engine) ScheduleRetry(ctx context.Context, d *types.EmailDelivery) (bool, error) {
	if !d.CanRetry() {
		return false, nil
	}
	next := e.clock.Now().Add(e.Delay(d.RetryCount))

	ok, err := e.store.ScheduleRetry(ctx, d.ID, d.RetryCount, next)
	if err != nil {
		return false, fmt.Errorf("ScheduleRetry: %w", err)
	}
	if !ok {
		return false, nil
	}

	attempt := d.RetryCount + 1
	e.metrics.Count(ctx, types.MetricRetriesScheduled, 1, nil)
	e.logger.Info("retry scheduled",
		"delivery_id", d.ID,
		"attempt", attempt,
		"next_retry_at", next,
	)

	task := types.RetryTask{DeliveryID: d.ID, Attempt: attempt, NotBefore: next}
	if err := e.publisher.PublishRetry(ctx, task); err != nil {
		e.logger.Warn("failed to enqueue retry task, scanner will pick it up",
			"delivery_id", d.ID,
			"error", err,
		)
	}
	return true, nil
}

// Execute runs one retry task. It returns nil when the task is complete or
// moot, and an error only when the queue should redeliver the task.
func (e *Engine) Execute(ctx context.Context, task types.RetryTask) error {
	log := e.logger.With("delivery_id", task.DeliveryID, "attempt", task.Attempt)
	now := e.clock.Now()

	d, err := e.store.GetByID(ctx, task.DeliveryID)
	if types.IsCode(err, types.ErrCodeNotFoundDelivery) {
		log.Warn("retry task for unknown delivery discarded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("Execute: %w", err)
	}

	switch d.Status {
	case types.DeliveryDelivered, types.DeliveryUnsubscribed:
		log.Info("retry skipped, delivery already resolved", "status", string(d.Status))
		return nil
	case types.DeliveryBounced:
	case types.DeliveryQueued, types.DeliverySent, types.DeliveryDropped:
		log.Info("retry skipped, delivery not awaiting retry", "status", string(d.Status))
		return nil
	default:
		return nil
	}
	if d.NextRetryAt == nil {
		log.Info("retry skipped, already claimed or completed")
		return nil
	}
	due := *d.NextRetryAt

	if now.Before(due) {
		task.NotBefore = due
		task.Hops++
		if err := e.publisher.PublishRetry(ctx, task); err != nil {
			return fmt.Errorf("Execute: republish: %w", err)
		}
		return nil
	}

	if d.RetryCount > d.MaxRetries {
		e.drop(ctx, d.ID, types.MaxRetriesExceededPrefix+"retry budget exhausted", now, log)
		return nil
	}

	claimed, err := e.store.ClaimRetry(ctx, d.ID, due)
	if err != nil {
		return fmt.Errorf("Execute: %w", err)
	}
	if !claimed {
		log.Info("retry claimed by another worker")
		return nil
	}

	content, err := e.store.GetContent(ctx, d.ID)
	if err != nil {
		_ = e.store.ReleaseRetry(ctx, d.ID, due)
		return fmt.Errorf("Execute: %w", err)
	}
	if content == nil {
		e.drop(ctx, d.ID, "retry unavailable: original message content not stored", now, log)
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	msgID, sendErr := e.sender.Send(sendCtx, types.SendInput{
		To:         d.RecipientEmail,
		From:       e.cfg.From,
		FromName:   e.cfg.FromName,
		Subject:    content.Subject,
		BodyHTML:   content.BodyHTML,
		BodyText:   content.BodyText,
		CustomArgs: d.TrackingArgs(),
	})
	if sendErr != nil {
		last := d.RetryCount >= d.MaxRetries
		switch {
		case last:
			e.drop(ctx, d.ID, types.MaxRetriesExceededPrefix+sendErr.Error(), now, log)
			return nil
		case types.IsCode(sendErr, types.ErrCodeEmailBlocked):
			e.drop(ctx, d.ID, "provider rejected resend: "+sendErr.Error(), now, log)
			return nil
		}
		if err := e.store.ReleaseRetry(ctx, d.ID, due); err != nil {
			log.Error("failed to release retry after send failure", "error", err)
		}
		log.Warn("retry send failed, task will be redelivered",
			"email", logging.RedactEmail(d.RecipientEmail),
			"error", sendErr,
		)
		return fmt.Errorf("Execute: send: %w", sendErr)
	}

	if err := e.store.RecordResend(ctx, d.ID, msgID, d.RetryCount, now); err != nil {
		return fmt.Errorf("Execute: %w", err)
	}
	e.metrics.Count(ctx, types.MetricRetrySucceeded, 1, nil)
	log.Info("retry sent", "provider_msg_id", msgID)
	return nil
}

func (e *Engine) drop(ctx context.Context, id, reason string, at time.Time, log types.Logger) {
	if _, err := e.store.MarkDropped(ctx, id, reason, at); err != nil {
		log.Error("failed to drop delivery", "error", err)
		return
	}
	e.metrics.Count(ctx, types.MetricRetriesExhausted, 1, nil)
	log.Info("delivery dropped", "reason", reason)
}
