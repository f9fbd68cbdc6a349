package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"eventmail/internal/types"
)

// DeliveryRepository provides data access for email_deliveries and
// email_delivery_messages. Every status write is a single conditional UPDATE
// whose WHERE clause encodes the allowed source states, so concurrent workers
// and replayed webhooks cannot move a delivery backwards.
type DeliveryRepository struct {
	db DBTX
}

// NewDeliveryRepository creates a new DeliveryRepository.
func NewDeliveryRepository(db DBTX) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

const deliveryColumns = `d.id, d.source_kind, d.source_id, d.registration_id, d.event_id,
	d.recipient_email, d.provider_message_id, d.status, d.bounce_type, d.reason,
	d.retry_count, d.max_retries, d.next_retry_at, d.sent_at, d.delivered_at,
	d.bounced_at, d.dropped_at, d.unsubscribed_at, d.created_at, d.updated_at`

func scanDelivery(row pgx.Row) (*types.EmailDelivery, error) {
	var (
		d                                          types.EmailDelivery
		sourceKind, status                         string
		registrationID, eventID, messageID, reason *string
		bounceType                                 *string
	)
	if err := row.Scan(&d.ID, &sourceKind, &d.Source.ID, &registrationID, &eventID,
		&d.RecipientEmail, &messageID, &status, &bounceType, &reason,
		&d.RetryCount, &d.MaxRetries, &d.NextRetryAt, &d.SentAt, &d.DeliveredAt,
		&d.BouncedAt, &d.DroppedAt, &d.UnsubscribedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Source.Kind = types.SourceKind(sourceKind)
	d.Status = types.DeliveryStatus(status)
	d.RegistrationID = derefString(registrationID)
	d.EventID = derefString(eventID)
	d.ProviderMessageID = derefString(messageID)
	d.BounceType = types.BounceType(derefString(bounceType))
	d.Reason = derefString(reason)
	return &d, nil
}

// scanOptionalDelivery returns (nil, nil) when the conditional statement
// matched no row.
func scanOptionalDelivery(row pgx.Row, what string) (*types.EmailDelivery, error) {
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to "+what, err)
	}
	return d, nil
}

// ReserveParams describes a delivery row to reserve before sending.
type ReserveParams struct {
	ID             string
	Source         types.Source
	RegistrationID string
	EventID        string
	Email          string
	MaxRetries     int
	Content        types.MessageContent
	// A queued, never-sent row last touched before LeaseCutoff may be reclaimed.
	LeaseCutoff time.Time
}

// Reserve claims the (source, recipient) pair by inserting a queued row. It
// returns the delivery id and true when the caller should send. An existing
// row (sent by an earlier or concurrent run) yields false, except for a stale
// queued reservation that never reached the provider, which is reclaimed.
func (r *DeliveryRepository) Reserve(ctx context.Context, p ReserveParams) (string, bool, error) {
	var id string
	err := r.db.QueryRow(ctx,
		`INSERT INTO email_deliveries AS d
		 (id, source_kind, source_id, registration_id, event_id, recipient_email, status,
		  max_retries, subject, body_html, body_text)
		 VALUES ($1, $2, $3, $4, $5, $6, 'queued', $7, $8, $9, $10)
		 ON CONFLICT (source_kind, source_id, recipient_email) DO UPDATE
		   SET updated_at = NOW(),
		       subject = EXCLUDED.subject,
		       body_html = EXCLUDED.body_html,
		       body_text = EXCLUDED.body_text
		   WHERE d.status = 'queued'
		     AND d.provider_message_id IS NULL
		     AND d.updated_at < $11
		 RETURNING d.id`,
		p.ID,
		string(p.Source.Kind),
		p.Source.ID,
		nilIfEmpty(p.RegistrationID),
		nilIfEmpty(p.EventID),
		types.NormalizeEmail(p.Email),
		p.MaxRetries,
		p.Content.Subject,
		p.Content.BodyHTML,
		p.Content.BodyText,
		p.LeaseCutoff,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, types.NewAppError(types.ErrCodeInternalDB, "failed to reserve delivery", err)
	}
	return id, true, nil
}

// SentRecipients returns the normalized emails that already have a delivery
// row other than an abandoned reservation for the source.
func (r *DeliveryRepository) SentRecipients(ctx context.Context, source types.Source) (map[string]struct{}, error) {
	rows, err := r.db.Query(ctx,
		`SELECT recipient_email FROM email_deliveries
		 WHERE source_kind = $1 AND source_id = $2
		   AND NOT (status = 'queued' AND provider_message_id IS NULL)`,
		string(source.Kind), source.ID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query existing deliveries", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan recipient", err)
		}
		out[email] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate recipients", err)
	}
	return out, nil
}

// MarkSent records provider acceptance of a reserved row and maps the message
// id back to the delivery.
func (r *DeliveryRepository) MarkSent(ctx context.Context, id, messageID string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`WITH d AS (
		   UPDATE email_deliveries
		   SET status = 'sent', provider_message_id = $2, sent_at = $3, reason = NULL, updated_at = NOW()
		   WHERE id = $1 AND status = 'queued'
		   RETURNING id
		 )
		 INSERT INTO email_delivery_messages (message_id, delivery_id, attempt, sent_at)
		 SELECT $2, d.id, 0, $3 FROM d WHERE $2 IS NOT NULL
		 ON CONFLICT (message_id) DO NOTHING`,
		id, nilIfEmpty(messageID), at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark delivery sent", err)
	}
	return nil
}

// MarkSendFailed records why a reserved row could not be handed to the
// provider. The row stays queued.
func (r *DeliveryRepository) MarkSendFailed(ctx context.Context, id, reason string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE email_deliveries SET reason = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'queued'`,
		id, reason,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record send failure", err)
	}
	return nil
}

// GetByID returns a delivery.
func (r *DeliveryRepository) GetByID(ctx context.Context, id string) (*types.EmailDelivery, error) {
	d, err := scanDelivery(r.db.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM email_deliveries d WHERE d.id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, types.ErrCodeNotFoundDelivery, "delivery")
	}
	return d, nil
}

// GetContent returns the rendered message stored with the delivery, or nil
// when the delivery was created without content.
func (r *DeliveryRepository) GetContent(ctx context.Context, id string) (*types.MessageContent, error) {
	var subject, html, text *string
	err := r.db.QueryRow(ctx,
		`SELECT subject, body_html, body_text FROM email_deliveries WHERE id = $1`, id,
	).Scan(&subject, &html, &text)
	if err != nil {
		return nil, notFoundOr(err, types.ErrCodeNotFoundDelivery, "delivery")
	}
	if subject == nil {
		return nil, nil
	}
	return &types.MessageContent{Subject: *subject, BodyHTML: derefString(html), BodyText: derefString(text)}, nil
}

// FindByMessageID resolves any message id the delivery was sent under.
// Returns (nil, nil) when unknown.
func (r *DeliveryRepository) FindByMessageID(ctx context.Context, messageID string) (*types.EmailDelivery, error) {
	d, err := scanDelivery(r.db.QueryRow(ctx,
		`SELECT `+deliveryColumns+`
		 FROM email_delivery_messages m
		 JOIN email_deliveries d ON d.id = m.delivery_id
		 WHERE m.message_id = $1`,
		messageID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to find delivery by message id", err)
	}
	return d, nil
}

// CreateObserved inserts a delivery first learned about from a provider event
// (an invitation sent outside the dispatcher). Concurrent or replayed creation
// is absorbed by the unique constraints; the winning row is returned either way.
func (r *DeliveryRepository) CreateObserved(ctx context.Context, d *types.EmailDelivery) (*types.EmailDelivery, error) {
	_, err := r.db.Exec(ctx,
		`WITH d AS (
		   INSERT INTO email_deliveries
		   (id, source_kind, source_id, registration_id, event_id, recipient_email,
		    provider_message_id, status, max_retries, sent_at)
		   VALUES ($1, $2, $3, $4, $5, $6, $7, 'sent', $8, $9)
		   ON CONFLICT DO NOTHING
		   RETURNING id
		 )
		 INSERT INTO email_delivery_messages (message_id, delivery_id, attempt, sent_at)
		 SELECT $7, d.id, 0, $9 FROM d
		 ON CONFLICT (message_id) DO NOTHING`,
		d.ID,
		string(d.Source.Kind),
		d.Source.ID,
		nilIfEmpty(d.RegistrationID),
		nilIfEmpty(d.EventID),
		types.NormalizeEmail(d.RecipientEmail),
		d.ProviderMessageID,
		d.MaxRetries,
		d.SentAt,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create observed delivery", err)
	}
	found, err := r.FindByMessageID(ctx, d.ProviderMessageID)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, types.NewAppError(types.ErrCodeConflictConcurrent,
			"delivery for source already exists under a different message id", nil)
	}
	return found, nil
}

// ============================================================
// Webhook transitions
// ============================================================

// MarkDelivered moves queued/sent/bounced -> delivered. Returns nil when the
// row was already delivered, unsubscribed or dropped.
func (r *DeliveryRepository) MarkDelivered(ctx context.Context, id string, at time.Time) (*types.EmailDelivery, error) {
	return scanOptionalDelivery(r.db.QueryRow(ctx,
		`UPDATE email_deliveries d
		 SET status = 'delivered', delivered_at = COALESCE(d.delivered_at, $2),
		     next_retry_at = NULL, updated_at = NOW()
		 WHERE d.id = $1 AND d.status IN ('queued', 'sent', 'bounced')
		 RETURNING `+deliveryColumns,
		id, at,
	), "mark delivery delivered")
}

// MarkBounced moves queued/sent -> bounced with the classified bounce type.
// A replayed bounce finds the row already bounced and returns nil.
func (r *DeliveryRepository) MarkBounced(ctx context.Context, id string, bounce types.BounceType, reason string, at time.Time) (*types.EmailDelivery, error) {
	return scanOptionalDelivery(r.db.QueryRow(ctx,
		`UPDATE email_deliveries d
		 SET status = 'bounced', bounce_type = $2, reason = $3,
		     bounced_at = $4, updated_at = NOW()
		 WHERE d.id = $1 AND d.status IN ('queued', 'sent')
		 RETURNING `+deliveryColumns,
		id, string(bounce), nilIfEmpty(reason), at,
	), "mark delivery bounced")
}

// MarkDropped moves any non-final, non-dropped row to dropped and clears a
// pending retry.
func (r *DeliveryRepository) MarkDropped(ctx context.Context, id, reason string, at time.Time) (*types.EmailDelivery, error) {
	return scanOptionalDelivery(r.db.QueryRow(ctx,
		`UPDATE email_deliveries d
		 SET status = 'dropped', reason = $2, dropped_at = COALESCE(d.dropped_at, $3),
		     next_retry_at = NULL, updated_at = NOW()
		 WHERE d.id = $1 AND d.status IN ('queued', 'sent', 'bounced')
		 RETURNING `+deliveryColumns,
		id, nilIfEmpty(reason), at,
	), "mark delivery dropped")
}

// MarkUnsubscribed moves any status except unsubscribed to unsubscribed.
func (r *DeliveryRepository) MarkUnsubscribed(ctx context.Context, id string, at time.Time) (*types.EmailDelivery, error) {
	return scanOptionalDelivery(r.db.QueryRow(ctx,
		`UPDATE email_deliveries d
		 SET status = 'unsubscribed', unsubscribed_at = COALESCE(d.unsubscribed_at, $2),
		     next_retry_at = NULL, updated_at = NOW()
		 WHERE d.id = $1 AND d.status <> 'unsubscribed'
		 RETURNING `+deliveryColumns,
		id, at,
	), "mark delivery unsubscribed")
}

// ============================================================
// Retry bookkeeping
// ============================================================

// ScheduleRetry consumes one unit of retry budget and records when the retry
// is due. The expected retry count and the NULL next_retry_at make a replayed
// bounce a no-op.
func (r *DeliveryRepository) ScheduleRetry(ctx context.Context, id string, expectedRetryCount int, nextAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE email_deliveries
		 SET retry_count = retry_count + 1, next_retry_at = $3, updated_at = NOW()
		 WHERE id = $1
		   AND retry_count = $2
		   AND retry_count < max_retries
		   AND next_retry_at IS NULL
		   AND status = 'bounced' AND bounce_type = 'soft'`,
		id, expectedRetryCount, nextAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to schedule retry", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimRetry clears next_retry_at if it still equals dueAt, giving the caller
// exclusive ownership of this retry attempt.
func (r *DeliveryRepository) ClaimRetry(ctx context.Context, id string, dueAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE email_deliveries
		 SET next_retry_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND next_retry_at = $2 AND status = 'bounced'`,
		id, dueAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim retry", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseRetry restores next_retry_at after a failed attempt so a redelivered
// task (or the scanner) can try again.
func (r *DeliveryRepository) ReleaseRetry(ctx context.Context, id string, dueAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE email_deliveries
		 SET next_retry_at = $2, updated_at = NOW()
		 WHERE id = $1 AND next_retry_at IS NULL AND status = 'bounced'`,
		id, dueAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release retry", err)
	}
	return nil
}

// RecordResend moves a bounced delivery back to sent under its new message id.
func (r *DeliveryRepository) RecordResend(ctx context.Context, id, messageID string, attempt int, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`WITH d AS (
		   UPDATE email_deliveries
		   SET status = 'sent', provider_message_id = COALESCE($2, provider_message_id),
		       bounce_type = NULL, sent_at = $4, updated_at = NOW()
		   WHERE id = $1 AND status = 'bounced'
		   RETURNING id
		 )
		 INSERT INTO email_delivery_messages (message_id, delivery_id, attempt, sent_at)
		 SELECT $2, d.id, $3, $4 FROM d WHERE $2 IS NOT NULL
		 ON CONFLICT (message_id) DO NOTHING`,
		id, nilIfEmpty(messageID), attempt, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record resend", err)
	}
	return nil
}

// ListRetryDue returns soft-bounced deliveries whose retry fell due at or
// before cutoff and was never claimed.
func (r *DeliveryRepository) ListRetryDue(ctx context.Context, cutoff time.Time, limit int) ([]*types.EmailDelivery, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+deliveryColumns+`
		 FROM email_deliveries d
		 WHERE d.next_retry_at IS NOT NULL
		   AND d.next_retry_at <= $1
		   AND d.status = 'bounced'
		 ORDER BY d.next_retry_at
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query due retries", err)
	}
	defer rows.Close()

	var out []*types.EmailDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan delivery", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate due retries", err)
	}
	return out, nil
}

// ============================================================
// Statistics
// ============================================================

// CountByScheduledEmail groups delivery rows of the given scheduled emails by
// status in one query.
func (r *DeliveryRepository) CountByScheduledEmail(ctx context.Context, ids []string) (map[string]map[types.DeliveryStatus]int, error) {
	out := make(map[string]map[types.DeliveryStatus]int, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT source_id, status, COUNT(*)
		 FROM email_deliveries
		 WHERE source_kind = 'scheduled_email' AND source_id = ANY($1)
		 GROUP BY source_id, status`,
		ids,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count deliveries", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, status string
			n          int
		)
		if err := rows.Scan(&id, &status, &n); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan delivery count", err)
		}
		if out[id] == nil {
			out[id] = make(map[types.DeliveryStatus]int)
		}
		out[id][types.DeliveryStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate delivery counts", err)
	}
	return out, nil
}
