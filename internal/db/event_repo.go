package db

import (
	"context"
	"time"

	"eventmail/internal/types"
)

// EventRepository reads the event, organization and registration tables owned
// by the event management layer. The only write it performs is the
// unsubscribe flag on registrations.
type EventRepository struct {
	db DBTX
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db DBTX) *EventRepository {
	return &EventRepository{db: db}
}

// GetEvent loads an event together with its organization's name and timezone.
func (r *EventRepository) GetEvent(ctx context.Context, id string) (*types.Event, error) {
	var (
		e     types.Event
		venue *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT e.id, e.organization_id, o.name, o.timezone, e.title, e.venue,
		        e.event_date, e.application_deadline, e.payment_deadline
		 FROM events e
		 JOIN organizations o ON o.id = e.organization_id
		 WHERE e.id = $1`,
		id,
	).Scan(&e.ID, &e.OrganizationID, &e.OrganizationName, &e.Timezone, &e.Title, &venue,
		&e.EventDate, &e.ApplicationDeadline, &e.PaymentDeadline)
	if err != nil {
		return nil, notFoundOr(err, types.ErrCodeNotFoundEvent, "event")
	}
	e.Venue = derefString(venue)
	return &e, nil
}

const recipientColumns = `r.email, COALESCE(r.name, ''), COALESCE(r.business_name, ''), r.id,
	r.status, COALESCE(r.vendor_category, ''), r.email_unsubscribed`

// ListRecipients returns every registration of the event as a campaign
// candidate, ordered for stable dispatch.
func (r *EventRepository) ListRecipients(ctx context.Context, eventID string) ([]types.Recipient, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+recipientColumns+`
		 FROM registrations r
		 WHERE r.event_id = $1
		 ORDER BY r.created_at, r.id`,
		eventID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query recipients", err)
	}
	defer rows.Close()

	var out []types.Recipient
	for rows.Next() {
		var rc types.Recipient
		if err := rows.Scan(&rc.Email, &rc.Name, &rc.BusinessName, &rc.RegistrationID,
			&rc.Status, &rc.VendorCategory, &rc.Unsubscribed); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan recipient", err)
		}
		out = append(out, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate recipients", err)
	}
	return out, nil
}

// GetRegistration returns one registration as a recipient along with its event id.
func (r *EventRepository) GetRegistration(ctx context.Context, id string) (*types.Recipient, string, error) {
	var (
		rc      types.Recipient
		eventID string
	)
	err := r.db.QueryRow(ctx,
		`SELECT r.event_id, `+recipientColumns+`
		 FROM registrations r WHERE r.id = $1`,
		id,
	).Scan(&eventID, &rc.Email, &rc.Name, &rc.BusinessName, &rc.RegistrationID,
		&rc.Status, &rc.VendorCategory, &rc.Unsubscribed)
	if err != nil {
		return nil, "", notFoundOr(err, types.ErrCodeNotFoundRegistration, "registration")
	}
	return &rc, eventID, nil
}

// MarkRegistrationUnsubscribed flags a registration as opted out. Repeated
// calls keep the first timestamp.
func (r *EventRepository) MarkRegistrationUnsubscribed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE registrations
		 SET email_unsubscribed = TRUE, email_unsubscribed_at = COALESCE(email_unsubscribed_at, $2)
		 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark registration unsubscribed", err)
	}
	return nil
}

// MarkUnsubscribedByEmail flags every registration of the address within the
// event. Used when the provider reports an unsubscribe without a
// registration id in its custom args.
func (r *EventRepository) MarkUnsubscribedByEmail(ctx context.Context, eventID, email string, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE registrations
		 SET email_unsubscribed = TRUE, email_unsubscribed_at = COALESCE(email_unsubscribed_at, $3)
		 WHERE event_id = $1 AND LOWER(email) = $2`,
		eventID, types.NormalizeEmail(email), at,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to mark registrations unsubscribed", err)
	}
	return tag.RowsAffected(), nil
}
