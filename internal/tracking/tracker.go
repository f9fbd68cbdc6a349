package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"eventmail/internal/logging"
	"eventmail/internal/types"
)

// DeliveryStore is the subset of the delivery repository the tracker uses.
// Transition methods return nil when the row was not in an allowed source
// state, which makes replays no-ops.
type DeliveryStore interface {
	FindByMessageID(ctx context.Context, messageID string) (*types.EmailDelivery, error)
	GetByID(ctx context.Context, id string) (*types.EmailDelivery, error)
	MarkSent(ctx context.Context, id, messageID string, at time.Time) error
	CreateObserved(ctx context.Context, d *types.EmailDelivery) (*types.EmailDelivery, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) (*types.EmailDelivery, error)
	MarkBounced(ctx context.Context, id string, bounce types.BounceType, reason string, at time.Time) (*types.EmailDelivery, error)
	MarkDropped(ctx context.Context, id, reason string, at time.Time) (*types.EmailDelivery, error)
	MarkUnsubscribed(ctx context.Context, id string, at time.Time) (*types.EmailDelivery, error)
}

// RegistrationStore flags registrations whose recipient opted out.
type RegistrationStore interface {
	MarkRegistrationUnsubscribed(ctx context.Context, id string, at time.Time) error
}

// RetryScheduler hands a soft-bounced delivery to the retry engine.
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, d *types.EmailDelivery) (bool, error)
}

// ReplayGuard short-circuits events that were already applied. Claim returns
// false for a key seen before; Release forgets a key whose application failed.
type ReplayGuard interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Outcome describes what applying one event did.
type Outcome string

const (
	OutcomeApplied       Outcome = "applied"
	OutcomeNoop          Outcome = "noop"
	OutcomeStale         Outcome = "stale"
	OutcomeUnresolved    Outcome = "unresolved"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeInformational Outcome = "informational"
)

// Tracker maps provider events onto delivery rows.
type Tracker struct {
	deliveries    DeliveryStore
	registrations RegistrationStore
	retry         RetryScheduler
	guard         ReplayGuard
	metrics       types.MetricsRecorder
	defaultMax    int
	clock         types.Clock
	logger        types.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithReplayGuard enables the replay guard.
func WithReplayGuard(g ReplayGuard) Option {
	return func(t *Tracker) { t.guard = g }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m types.MetricsRecorder) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithDefaultMaxRetries sets the retry budget of deliveries created from
// invitation events.
func WithDefaultMaxRetries(n int) Option {
	return func(t *Tracker) { t.defaultMax = n }
}

// NewTracker creates a Tracker.
func NewTracker(deliveries DeliveryStore, registrations RegistrationStore, retry RetryScheduler, clock types.Clock, logger types.Logger, opts ...Option) *Tracker {
	if clock == nil {
		clock = types.RealClock{}
	}
	t := &Tracker{
		deliveries:    deliveries,
		registrations: registrations,
		retry:         retry,
		metrics:       types.NoopMetrics{},
		defaultMax:    types.DefaultMaxRetries,
		clock:         clock,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// BatchResult tallies outcomes of ApplyBatch.
type BatchResult struct {
	Outcomes map[Outcome]int
	Failed   int
}

// ApplyBatch applies every event, continuing past failures. The returned
// error joins the individual failures; applying the batch again is safe.
func (t *Tracker) ApplyBatch(ctx context.Context, events []types.WebhookEvent) (BatchResult, error) {
	res := BatchResult{Outcomes: make(map[Outcome]int)}
	var errs []error
	for _, ev := range events {
		outcome, err := t.Apply(ctx, ev)
		if err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("%s %s: %w", ev.Type, ev.MessageID, err))
			continue
		}
		res.Outcomes[outcome]++
	}
	return res, errors.Join(errs...)
}

// Apply applies one event. Unknown message ids without an invitation context
// are logged and reported as OutcomeUnresolved with a nil error.
func (t *Tracker) Apply(ctx context.Context, ev types.WebhookEvent) (Outcome, error) {
	log := t.logger.With("event_type", string(ev.Type), "provider_msg_id", ev.MessageID)

	if t.guard == nil {
		return t.apply(ctx, ev, log)
	}

	key := ev.IdempotencyKey()
	first, err := t.guard.Claim(ctx, key)
	if err != nil {
		log.Warn("replay guard unavailable, applying event", "error", err)
		return t.apply(ctx, ev, log)
	}
	if !first {
		return OutcomeDuplicate, nil
	}

	outcome, err := t.apply(ctx, ev, log)
	if err != nil {
		if rerr := t.guard.Release(ctx, key); rerr != nil {
			log.Warn("failed to release replay guard", "error", rerr)
		}
	}
	return outcome, err
}

func (t *Tracker) apply(ctx context.Context, ev types.WebhookEvent, log types.Logger) (Outcome, error) {
	at := ev.Timestamp
	if at.IsZero() {
		at = t.clock.Now()
	}

	t.metrics.Count(ctx, types.MetricWebhookEvents, 1, map[string]string{types.DimEventType: string(ev.Type)})

	d, err := t.deliveries.FindByMessageID(ctx, ev.MessageID)
	if err != nil {
		return "", err
	}
	if d == nil && ev.DeliveryID != "" {
		d, err = t.adoptMessage(ctx, ev, at, log)
		if err != nil {
			return "", err
		}
	}
	if d == nil {
		d, err = t.createFromInvitation(ctx, ev, at)
		if err != nil {
			return "", err
		}
		if d == nil {
			t.metrics.Count(ctx, types.MetricWebhookUnresolved, 1, nil)
			log.Warn("webhook event for unknown message dropped",
				"email", logging.RedactEmail(ev.Email),
			)
			return OutcomeUnresolved, nil
		}
	}
	log = log.With("delivery_id", d.ID)

	superseded := d.ProviderMessageID != "" && d.ProviderMessageID != ev.MessageID

	switch ev.Type {
	case types.WebhookDelivered:
		updated, err := t.deliveries.MarkDelivered(ctx, d.ID, at)
		if err != nil {
			return "", err
		}
		return appliedOrNoop(updated), nil

	case types.WebhookBounce:
		if superseded {
			log.Info("ignoring bounce for superseded message")
			return OutcomeStale, nil
		}
		return t.applyBounce(ctx, d, ev, at, log)

	case types.WebhookDropped:
		if superseded {
			log.Info("ignoring dropped for superseded message")
			return OutcomeStale, nil
		}
		updated, err := t.deliveries.MarkDropped(ctx, d.ID, ev.Reason, at)
		if err != nil {
			return "", err
		}
		return appliedOrNoop(updated), nil

	case types.WebhookDeferred:
		log.Info("delivery deferred by receiving server", "reason", ev.Reason)
		return OutcomeInformational, nil

	case types.WebhookUnsubscribe, types.WebhookSpamReport:
		updated, err := t.deliveries.MarkUnsubscribed(ctx, d.ID, at)
		if err != nil {
			return "", err
		}
		regID := d.RegistrationID
		if regID == "" {
			regID = ev.RegistrationID
		}
		if regID != "" && t.registrations != nil {
			if err := t.registrations.MarkRegistrationUnsubscribed(ctx, regID, at); err != nil {
				return "", err
			}
		}
		return appliedOrNoop(updated), nil

	default:
		return OutcomeNoop, nil
	}
}

func (t *Tracker) applyBounce(ctx context.Context, d *types.EmailDelivery, ev types.WebhookEvent, at time.Time, log types.Logger) (Outcome, error) {
	bounce := ClassifyBounce(ev.BounceClassification, ev.BounceKind, ev.Reason)

	if bounce == types.BounceSoft && d.RetryCount >= d.MaxRetries {
		updated, err := t.deliveries.MarkDropped(ctx, d.ID, types.MaxRetriesExceededPrefix+ev.Reason, at)
		if err != nil {
			return "", err
		}
		if updated != nil {
			t.metrics.Count(ctx, types.MetricRetriesExhausted, 1, nil)
			log.Info("soft bounce with no retry budget left, delivery dropped", "retry_count", d.RetryCount)
		}
		return appliedOrNoop(updated), nil
	}

	updated, err := t.deliveries.MarkBounced(ctx, d.ID, bounce, ev.Reason, at)
	if err != nil {
		return "", err
	}
	if updated == nil {
		return OutcomeNoop, nil
	}
	log.Info("delivery bounced", "bounce_type", string(bounce), "reason", ev.Reason)

	if updated.CanRetry() && t.retry != nil {
		if _, err := t.retry.ScheduleRetry(ctx, updated); err != nil {
			return "", fmt.Errorf("schedule retry: %w", err)
		}
	}
	return OutcomeApplied, nil
}

// adoptMessage resolves an unknown message id through the delivery_id custom
// arg. A reservation whose send was accepted but never recorded is marked sent
// under the event's message id so later events find it directly.
func (t *Tracker) adoptMessage(ctx context.Context, ev types.WebhookEvent, at time.Time, log types.Logger) (*types.EmailDelivery, error) {
	d, err := t.deliveries.GetByID(ctx, ev.DeliveryID)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundDelivery) {
			return nil, nil
		}
		return nil, err
	}
	if d.Status != types.DeliveryQueued || d.ProviderMessageID != "" {
		return d, nil
	}
	if err := t.deliveries.MarkSent(ctx, d.ID, ev.MessageID, at); err != nil {
		return nil, err
	}
	d.Status = types.DeliverySent
	d.ProviderMessageID = ev.MessageID
	d.SentAt = &at
	log.Info("recorded provider message id for unrecorded send", "delivery_id", d.ID)
	return d, nil
}

// createFromInvitation records an invitation sent outside the dispatcher the
// first time one of its events arrives. Returns nil when the event carries no
// invitation context.
func (t *Tracker) createFromInvitation(ctx context.Context, ev types.WebhookEvent, at time.Time) (*types.EmailDelivery, error) {
	if ev.InvitationID == "" || ev.Email == "" {
		return nil, nil
	}
	sentAt := at
	d := &types.EmailDelivery{
		ID:                uuid.NewString(),
		Source:            types.InvitationRef(ev.InvitationID),
		RegistrationID:    ev.RegistrationID,
		EventID:           ev.EventID,
		RecipientEmail:    ev.Email,
		ProviderMessageID: ev.MessageID,
		Status:            types.DeliverySent,
		MaxRetries:        t.defaultMax,
		SentAt:            &sentAt,
	}
	created, err := t.deliveries.CreateObserved(ctx, d)
	if err != nil {
		return nil, err
	}
	t.logger.Info("created delivery from invitation event",
		"delivery_id", created.ID,
		"invitation_id", ev.InvitationID,
	)
	return created, nil
}

func appliedOrNoop(d *types.EmailDelivery) Outcome {
	if d == nil {
		return OutcomeNoop
	}
	return OutcomeApplied
}
