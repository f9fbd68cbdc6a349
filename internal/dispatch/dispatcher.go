// Package dispatch sends campaign emails: due time-based emails on a polling
// cadence, and event-driven emails when a registration changes state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"eventmail/internal/campaign"
	"eventmail/internal/db"
	"eventmail/internal/logging"
	"eventmail/internal/types"
)

// DefaultWindow bounds how far back a missed scheduled email is still sent.
const DefaultWindow = 7 * 24 * time.Hour

// ScheduledEmailStore is the subset of the scheduled email repository used here.
type ScheduledEmailStore interface {
	ListDue(ctx context.Context, after, until time.Time, limit int) ([]*types.ScheduledEmail, error)
	ListActiveByTrigger(ctx context.Context, eventID string, trigger types.TriggerType) ([]*types.ScheduledEmail, error)
	MarkSent(ctx context.Context, id string, recipientCount int, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, message string) (bool, error)
}

// EventStore reads events and registrations.
type EventStore interface {
	GetEvent(ctx context.Context, id string) (*types.Event, error)
	GetRegistration(ctx context.Context, id string) (*types.Recipient, string, error)
}

// AudienceResolver selects the unsuppressed recipients matching a filter.
type AudienceResolver interface {
	Resolve(ctx context.Context, event *types.Event, f types.RecipientFilter) ([]types.Recipient, error)
	Narrow(ctx context.Context, event *types.Event, candidates []types.Recipient, f types.RecipientFilter) ([]types.Recipient, error)
}

// DeliveryStore reserves and finalizes per-recipient delivery rows.
type DeliveryStore interface {
	Reserve(ctx context.Context, p db.ReserveParams) (string, bool, error)
	SentRecipients(ctx context.Context, source types.Source) (map[string]struct{}, error)
	MarkSent(ctx context.Context, id, messageID string, at time.Time) error
	MarkSendFailed(ctx context.Context, id, reason string) error
}

// LinkSource issues a per-recipient unsubscribe link.
type LinkSource interface {
	LinkFor(ctx context.Context, email, eventID, orgID string) (string, error)
}

// Sender transmits a rendered message and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, input types.SendInput) (string, error)
}

// Config controls polling and sending.
type Config struct {
	Window           time.Duration
	BatchLimit       int
	Concurrency      int
	SendTimeout      time.Duration
	ReservationLease time.Duration
	MaxRetries       int
	From             string
	FromName         string
}

// Dispatcher renders and sends campaign emails.
type Dispatcher struct {
	cfg        Config
	scheduled  ScheduledEmailStore
	events     EventStore
	audience   AudienceResolver
	deliveries DeliveryStore
	links      LinkSource
	renderer   *campaign.Renderer
	sender     Sender
	metrics    types.MetricsRecorder
	clock      types.Clock
	logger     types.Logger

	// recordPause separates attempts to record an accepted send.
	recordPause time.Duration
}

// recordAttempts bounds how often MarkSent is tried after the provider
// accepted a message.
const recordAttempts = 3

// NewDispatcher creates a Dispatcher. A nil renderer selects the default
// placeholder renderer; a nil links source sends without unsubscribe links.
func NewDispatcher(
	cfg Config,
	scheduled ScheduledEmailStore,
	events EventStore,
	audience AudienceResolver,
	deliveries DeliveryStore,
	links LinkSource,
	renderer *campaign.Renderer,
	sender Sender,
	metrics types.MetricsRecorder,
	clock types.Clock,
	logger types.Logger,
) *Dispatcher {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.ReservationLease <= 0 {
		cfg.ReservationLease = 15 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = types.DefaultMaxRetries
	}
	if renderer == nil {
		renderer = campaign.NewRenderer(nil)
	}
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Dispatcher{
		cfg:        cfg,
		scheduled:  scheduled,
		events:     events,
		audience:   audience,
		deliveries: deliveries,
		links:      links,
		renderer:   renderer,
		sender:     sender,
		metrics:    metrics,
		clock:      clock,
		logger:     logger,

		recordPause: 200 * time.Millisecond,
	}
}

// Tally counts per-recipient outcomes.
type Tally struct {
	Sent        int `json:"sent"`
	AlreadySent int `json:"already_sent"`
	Failed      int `json:"failed"`

	firstErr error
}

// RunResult summarizes one polling run.
type RunResult struct {
	Due       int `json:"due"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	// Deferred emails stay scheduled and are picked up by the next run.
	Deferred int   `json:"deferred"`
	Tally    Tally `json:"tally"`
}

// Run sends every scheduled email due in (now-window, now]. One email's
// failure never stops the others.
func (d *Dispatcher) Run(ctx context.Context) (RunResult, error) {
	now := d.clock.Now()
	var res RunResult

	due, err := d.scheduled.ListDue(ctx, now.Add(-d.cfg.Window), now, d.cfg.BatchLimit)
	if err != nil {
		return res, fmt.Errorf("Dispatcher.Run: %w", err)
	}
	res.Due = len(due)

	for _, se := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		tally, outcome, err := d.dispatchScheduled(ctx, se)
		res.Tally.Sent += tally.Sent
		res.Tally.AlreadySent += tally.AlreadySent
		res.Tally.Failed += tally.Failed
		switch outcome {
		case outcomeCompleted:
			res.Completed++
		case outcomeFailed:
			res.Failed++
		case outcomeDeferred:
			res.Deferred++
			d.logger.Warn("scheduled email deferred",
				"scheduled_email_id", se.ID,
				"error", err,
			)
		}
	}

	d.logger.Info("dispatch run complete",
		"due", res.Due,
		"completed", res.Completed,
		"failed", res.Failed,
		"deferred", res.Deferred,
		"sent", res.Tally.Sent,
	)
	return res, nil
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeDeferred
)

func (d *Dispatcher) dispatchScheduled(ctx context.Context, se *types.ScheduledEmail) (Tally, outcome, error) {
	log := d.logger.With("scheduled_email_id", se.ID, "event_id", se.EventID)

	event, err := d.events.GetEvent(ctx, se.EventID)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundEvent) {
			return Tally{}, d.fail(ctx, se, "event not found"), nil
		}
		return Tally{}, outcomeDeferred, err
	}

	if err := d.checkTemplate(se, event); err != nil {
		log.Error("scheduled email template does not render", "error", err)
		return Tally{}, d.fail(ctx, se, "render failed: "+err.Error()), nil
	}

	recipients, err := d.audience.Resolve(ctx, event, se.Filter)
	if err != nil {
		return Tally{}, outcomeDeferred, err
	}

	tally, err := d.sendAll(ctx, se, event, recipients)
	if err != nil {
		return tally, outcomeDeferred, err
	}

	if tally.Sent == 0 && tally.AlreadySent == 0 && tally.Failed > 0 {
		msg := fmt.Sprintf("all %d sends failed: %v", tally.Failed, tally.firstErr)
		return tally, d.fail(ctx, se, msg), nil
	}

	ok, err := d.scheduled.MarkSent(ctx, se.ID, tally.Sent+tally.AlreadySent, d.clock.Now())
	if err != nil {
		return tally, outcomeDeferred, err
	}
	if !ok {
		log.Info("scheduled email finalized by a concurrent run")
	}
	if tally.Failed > 0 {
		log.Warn("scheduled email sent with failures",
			"sent", tally.Sent,
			"failed", tally.Failed,
		)
	}
	return tally, outcomeCompleted, nil
}

// checkTemplate renders the email against a placeholder recipient so a broken
// template fails the whole email before anything is sent.
func (d *Dispatcher) checkTemplate(se *types.ScheduledEmail, event *types.Event) error {
	probe := types.Recipient{Email: "recipient@example.invalid", Name: "Recipient"}
	_, err := d.renderer.Render(se.Subject, se.Body, campaign.VarsFor(event, probe, "https://example.invalid/unsubscribe"))
	return err
}

func (d *Dispatcher) fail(ctx context.Context, se *types.ScheduledEmail, msg string) outcome {
	d.metrics.Count(ctx, types.MetricScheduledFailed, 1, nil)
	if _, err := d.scheduled.MarkFailed(ctx, se.ID, msg); err != nil {
		d.logger.Error("failed to mark scheduled email failed",
			"scheduled_email_id", se.ID,
			"error", err,
		)
		return outcomeDeferred
	}
	return outcomeFailed
}

// sendAll sends se to every recipient with bounded concurrency. Recipient
// failures are counted in the tally, not returned.
func (d *Dispatcher) sendAll(ctx context.Context, se *types.ScheduledEmail, event *types.Event, recipients []types.Recipient) (Tally, error) {
	source := types.ScheduledEmailRef(se.ID)
	already, err := d.deliveries.SentRecipients(ctx, source)
	if err != nil {
		return Tally{}, err
	}

	var (
		mu    sync.Mutex
		tally Tally
	)
	record := func(r sendResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch r {
		case resultSent:
			tally.Sent++
		case resultAlreadySent:
			tally.AlreadySent++
		case resultFailed:
			tally.Failed++
			if tally.firstErr == nil {
				tally.firstErr = err
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, r := range recipients {
		r := r
		if _, ok := already[types.NormalizeEmail(r.Email)]; ok {
			record(resultAlreadySent, nil)
			continue
		}
		g.Go(func() error {
			res, err := d.sendOne(gctx, se, event, source, r)
			record(res, err)
			return nil
		})
	}
	_ = g.Wait()
	return tally, nil
}

type sendResult int

const (
	resultSent sendResult = iota
	resultAlreadySent
	resultFailed
)

// sendOne reserves the (source, recipient) row, sends, and records the
// provider message id. The reservation is the guard against sending twice.
func (d *Dispatcher) sendOne(ctx context.Context, se *types.ScheduledEmail, event *types.Event, source types.Source, r types.Recipient) (sendResult, error) {
	log := d.logger.With(
		"scheduled_email_id", se.ID,
		"recipient", logging.RedactEmail(r.Email),
	)

	link := ""
	if d.links != nil {
		var err error
		link, err = d.links.LinkFor(ctx, r.Email, event.ID, event.OrganizationID)
		if err != nil {
			log.Error("failed to issue unsubscribe link", "error", err)
			d.countFailure(ctx, source)
			return resultFailed, err
		}
	}

	content, err := d.renderer.Render(se.Subject, se.Body, campaign.VarsFor(event, r, link))
	if err != nil {
		log.Error("failed to render message", "error", err)
		d.countFailure(ctx, source)
		return resultFailed, err
	}

	now := d.clock.Now()
	id, ok, err := d.deliveries.Reserve(ctx, db.ReserveParams{
		ID:             "dl_" + uuid.NewString(),
		Source:         source,
		RegistrationID: r.RegistrationID,
		EventID:        event.ID,
		Email:          r.Email,
		MaxRetries:     d.cfg.MaxRetries,
		Content:        content,
		LeaseCutoff:    now.Add(-d.cfg.ReservationLease),
	})
	if err != nil {
		log.Error("failed to reserve delivery", "error", err)
		d.countFailure(ctx, source)
		return resultFailed, err
	}
	if !ok {
		return resultAlreadySent, nil
	}

	delivery := &types.EmailDelivery{
		ID:             id,
		Source:         source,
		RegistrationID: r.RegistrationID,
		EventID:        event.ID,
	}
	input := types.SendInput{
		To:         r.Email,
		ToName:     r.Name,
		From:       d.cfg.From,
		FromName:   d.cfg.FromName,
		Subject:    content.Subject,
		BodyHTML:   content.BodyHTML,
		BodyText:   content.BodyText,
		CustomArgs: delivery.TrackingArgs(),
	}
	if link != "" {
		input.Headers = map[string]string{
			"List-Unsubscribe":      "<" + link + ">",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	messageID, sendErr := d.sender.Send(sendCtx, input)
	cancel()
	if sendErr != nil {
		reason := sendErr.Error()
		if errors.Is(sendErr, context.DeadlineExceeded) {
			reason = "send timed out: " + reason
		}
		log.Warn("send failed", "delivery_id", id, "error", sendErr)
		if err := d.deliveries.MarkSendFailed(ctx, id, reason); err != nil {
			log.Error("failed to record send failure", "delivery_id", id, "error", err)
		}
		d.countFailure(ctx, source)
		return resultFailed, sendErr
	}

	if err := d.recordSent(ctx, id, messageID); err != nil {
		// The row stays queued until a provider event resolves it through
		// the delivery_id custom arg.
		log.Error("failed to record sent delivery",
			"delivery_id", id,
			"message_id", messageID,
			"error", err,
		)
		d.metrics.Count(ctx, types.MetricSendsUnrecorded, 1, nil)
	}
	d.metrics.Count(ctx, types.MetricEmailsSent, 1, map[string]string{types.DimSource: string(source.Kind)})
	return resultSent, nil
}

// recordSent stores the provider message id of an accepted send. The message
// is already out, so cancellation of the run does not stop the write.
func (d *Dispatcher) recordSent(ctx context.Context, id, messageID string) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= recordAttempts; attempt++ {
		if err = d.deliveries.MarkSent(ctx, id, messageID, d.clock.Now()); err == nil {
			return nil
		}
		if attempt < recordAttempts && d.recordPause > 0 {
			time.Sleep(time.Duration(attempt) * d.recordPause)
		}
	}
	return err
}

func (d *Dispatcher) countFailure(ctx context.Context, source types.Source) {
	d.metrics.Count(ctx, types.MetricSendFailures, 1, map[string]string{types.DimSource: string(source.Kind)})
}
