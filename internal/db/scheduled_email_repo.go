package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"eventmail/internal/types"
)

// ScheduledEmailRepository provides data access for the scheduled_emails table.
// Status changes are conditional updates; callers inspect the returned bool to
// learn whether they won the transition.
type ScheduledEmailRepository struct {
	db DBTX
}

// NewScheduledEmailRepository creates a new ScheduledEmailRepository.
func NewScheduledEmailRepository(db DBTX) *ScheduledEmailRepository {
	return &ScheduledEmailRepository{db: db}
}

const scheduledEmailColumns = `id, event_id, organization_id, template_item_id, name, category,
	subject, body, trigger, filter, status, scheduled_for, recipient_count,
	error_message, sent_at, created_at, updated_at`

func scanScheduledEmail(row pgx.Row) (*types.ScheduledEmail, error) {
	var (
		se                      types.ScheduledEmail
		triggerJSON, filterJSON []byte
		status                  string
		errMsg                  *string
	)
	if err := row.Scan(&se.ID, &se.EventID, &se.OrganizationID, &se.TemplateItemID, &se.Name,
		&se.Category, &se.Subject, &se.Body, &triggerJSON, &filterJSON, &status,
		&se.ScheduledFor, &se.RecipientCount, &errMsg, &se.SentAt, &se.CreatedAt, &se.UpdatedAt); err != nil {
		return nil, err
	}
	if err := decodeTriggerAndFilter(triggerJSON, filterJSON, &se.Trigger, &se.Filter); err != nil {
		return nil, err
	}
	se.Status = types.ScheduledEmailStatus(status)
	se.ErrorMessage = derefString(errMsg)
	return &se, nil
}

func (r *ScheduledEmailRepository) queryMany(ctx context.Context, what string, sql string, args ...any) ([]*types.ScheduledEmail, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query "+what, err)
	}
	defer rows.Close()

	var out []*types.ScheduledEmail
	for rows.Next() {
		se, err := scanScheduledEmail(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan "+what, err)
		}
		out = append(out, se)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate "+what, err)
	}
	return out, nil
}

// Create inserts a scheduled email. When the row carries a template item id
// and one already exists for (event, item), nothing is written and created is
// false.
func (r *ScheduledEmailRepository) Create(ctx context.Context, se *types.ScheduledEmail) (bool, error) {
	triggerJSON, err := json.Marshal(se.Trigger)
	if err != nil {
		return false, fmt.Errorf("marshal trigger: %w", err)
	}
	filterJSON, err := json.Marshal(se.Filter)
	if err != nil {
		return false, fmt.Errorf("marshal filter: %w", err)
	}
	status := se.Status
	if status == "" {
		status = types.ScheduledStatusScheduled
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO scheduled_emails
		 (id, event_id, organization_id, template_item_id, name, category, subject, body,
		  trigger_type, trigger, filter, status, scheduled_for)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (event_id, template_item_id) WHERE template_item_id IS NOT NULL DO NOTHING`,
		se.ID,
		se.EventID,
		se.OrganizationID,
		se.TemplateItemID,
		se.Name,
		se.Category,
		se.Subject,
		se.Body,
		string(se.Trigger.Type),
		triggerJSON,
		filterJSON,
		string(status),
		se.ScheduledFor,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to create scheduled email", err)
	}
	se.Status = status
	return tag.RowsAffected() > 0, nil
}

// GetByID returns a single scheduled email.
func (r *ScheduledEmailRepository) GetByID(ctx context.Context, id string) (*types.ScheduledEmail, error) {
	se, err := scanScheduledEmail(r.db.QueryRow(ctx,
		`SELECT `+scheduledEmailColumns+` FROM scheduled_emails WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, types.ErrCodeNotFoundScheduledEmail, "scheduled email")
	}
	return se, nil
}

// ListByEvent returns every scheduled email of an event in schedule order.
func (r *ScheduledEmailRepository) ListByEvent(ctx context.Context, eventID string) ([]*types.ScheduledEmail, error) {
	return r.queryMany(ctx, "scheduled emails",
		`SELECT `+scheduledEmailColumns+`
		 FROM scheduled_emails
		 WHERE event_id = $1
		 ORDER BY scheduled_for NULLS LAST, created_at`,
		eventID,
	)
}

// ListDue returns scheduled rows whose scheduled_for lies in (after, until].
// Rows older than the window are never picked up.
func (r *ScheduledEmailRepository) ListDue(ctx context.Context, after, until time.Time, limit int) ([]*types.ScheduledEmail, error) {
	return r.queryMany(ctx, "due scheduled emails",
		`SELECT `+scheduledEmailColumns+`
		 FROM scheduled_emails
		 WHERE status = 'scheduled'
		   AND scheduled_for > $1
		   AND scheduled_for <= $2
		 ORDER BY scheduled_for
		 LIMIT $3`,
		after, until, limit,
	)
}

// ListActiveByTrigger returns scheduled (not paused, not cancelled) rows of an
// event for an event-driven trigger.
func (r *ScheduledEmailRepository) ListActiveByTrigger(ctx context.Context, eventID string, trigger types.TriggerType) ([]*types.ScheduledEmail, error) {
	return r.queryMany(ctx, "triggered scheduled emails",
		`SELECT `+scheduledEmailColumns+`
		 FROM scheduled_emails
		 WHERE event_id = $1 AND trigger_type = $2 AND status = 'scheduled'
		 ORDER BY created_at`,
		eventID, string(trigger),
	)
}

// ListUnresolved returns scheduled rows of an event with a time-based trigger
// whose instant could not be resolved yet.
func (r *ScheduledEmailRepository) ListUnresolved(ctx context.Context, eventID string) ([]*types.ScheduledEmail, error) {
	return r.queryMany(ctx, "unresolved scheduled emails",
		`SELECT `+scheduledEmailColumns+`
		 FROM scheduled_emails
		 WHERE event_id = $1
		   AND status = 'scheduled'
		   AND scheduled_for IS NULL
		   AND trigger_type IN ('days_before_event', 'days_after_event', 'days_before_deadline', 'on_event_date')`,
		eventID,
	)
}

// ListEventsWithUnresolved returns ids of events that still have unresolved
// time-based emails.
func (r *ScheduledEmailRepository) ListEventsWithUnresolved(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT event_id
		 FROM scheduled_emails
		 WHERE status = 'scheduled'
		   AND scheduled_for IS NULL
		   AND trigger_type IN ('days_before_event', 'days_after_event', 'days_before_deadline', 'on_event_date')
		 ORDER BY event_id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list events with unresolved emails", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan event id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate event ids", err)
	}
	return ids, nil
}

// SetScheduledFor fills scheduled_for only when it is still NULL. An already
// resolved instant is never recomputed.
func (r *ScheduledEmailRepository) SetScheduledFor(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_emails
		 SET scheduled_for = $2, updated_at = NOW()
		 WHERE id = $1 AND scheduled_for IS NULL AND status = 'scheduled'`,
		id, at,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to set scheduled_for", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSent transitions scheduled -> sent. Returns false if another worker
// already moved the row.
func (r *ScheduledEmailRepository) MarkSent(ctx context.Context, id string, recipientCount int, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_emails
		 SET status = 'sent', recipient_count = $2, sent_at = $3, error_message = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'scheduled'`,
		id, recipientCount, at,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark scheduled email sent", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed transitions scheduled -> failed with an error message.
func (r *ScheduledEmailRepository) MarkFailed(ctx context.Context, id string, message string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_emails
		 SET status = 'failed', error_message = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'scheduled'`,
		id, message,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark scheduled email failed", err)
	}
	return tag.RowsAffected() > 0, nil
}

// TransitionStatus applies an operator-driven status change guarded by the
// expected current status.
func (r *ScheduledEmailRepository) TransitionStatus(ctx context.Context, id string, from, to types.ScheduledEmailStatus) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_emails
		 SET status = $3,
		     error_message = CASE WHEN $3 = 'scheduled' THEN NULL ELSE error_message END,
		     updated_at = NOW()
		 WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to update scheduled email status", err)
	}
	return tag.RowsAffected() > 0, nil
}
