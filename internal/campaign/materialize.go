package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"eventmail/internal/types"
)

// TemplateStore loads campaign templates.
type TemplateStore interface {
	GetByID(ctx context.Context, id string) (*types.CampaignTemplate, error)
}

// ScheduledEmailStore is the subset of the scheduled email repository the
// materializer writes through.
type ScheduledEmailStore interface {
	Create(ctx context.Context, se *types.ScheduledEmail) (bool, error)
	ListByEvent(ctx context.Context, eventID string) ([]*types.ScheduledEmail, error)
	ListUnresolved(ctx context.Context, eventID string) ([]*types.ScheduledEmail, error)
	SetScheduledFor(ctx context.Context, id string, at time.Time) (bool, error)
}

// EventStore loads events.
type EventStore interface {
	GetEvent(ctx context.Context, id string) (*types.Event, error)
}

// MaterializeResult summarizes one Materialize call.
type MaterializeResult struct {
	Created    int                     `json:"created"`
	Existing   int                     `json:"existing"`
	Unresolved int                     `json:"unresolved"`
	Emails     []*types.ScheduledEmail `json:"scheduled_emails"`
}

// Materializer attaches campaign templates to events.
type Materializer struct {
	templates TemplateStore
	scheduled ScheduledEmailStore
	events    EventStore
	logger    types.Logger
	newID     func() string
}

// NewMaterializer creates a Materializer.
func NewMaterializer(templates TemplateStore, scheduled ScheduledEmailStore, events EventStore, logger types.Logger) *Materializer {
	return &Materializer{
		templates: templates,
		scheduled: scheduled,
		events:    events,
		logger:    logger,
		newID:     func() string { return "se_" + uuid.NewString() },
	}
}

// Materialize creates one ScheduledEmail per enabled template item for the
// event. Items already materialized for the event are left untouched, so the
// call is safe to repeat. Time-based triggers are resolved once here; a
// missing reference date leaves scheduled_for empty for RefreshUnresolved.
func (m *Materializer) Materialize(ctx context.Context, eventID, templateID string) (*MaterializeResult, error) {
	event, err := m.events.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("Materialize: %w", err)
	}
	tmpl, err := m.templates.GetByID(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("Materialize: %w", err)
	}
	if !tmpl.VisibleTo(event.OrganizationID) {
		return nil, types.NewAppError(types.ErrCodeNotFoundTemplate, "campaign template not found", nil)
	}
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}

	refs := ReferencesFor(event)
	res := &MaterializeResult{}
	for i := range tmpl.Items {
		item := tmpl.Items[i]
		if !item.Enabled {
			continue
		}
		se := &types.ScheduledEmail{
			ID:             m.newID(),
			EventID:        event.ID,
			OrganizationID: event.OrganizationID,
			TemplateItemID: &item.ID,
			Name:           item.Name,
			Category:       item.Category,
			Subject:        item.Subject,
			Body:           item.Body,
			Trigger:        item.Trigger,
			Filter:         item.Filter,
			Status:         types.ScheduledStatusScheduled,
		}
		at, ok, err := ResolveTrigger(item.Trigger, refs)
		if err != nil {
			return nil, fmt.Errorf("Materialize: item %q: %w", item.Name, err)
		}
		if ok {
			se.ScheduledFor = &at
		} else if item.Trigger.Type.IsTimeBased() {
			res.Unresolved++
		}

		created, err := m.scheduled.Create(ctx, se)
		if err != nil {
			return nil, fmt.Errorf("Materialize: %w", err)
		}
		if created {
			res.Created++
		} else {
			res.Existing++
		}
	}

	res.Emails, err = m.scheduled.ListByEvent(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("Materialize: %w", err)
	}
	m.logger.Info("campaign materialized",
		"event_id", event.ID, "template_id", tmpl.ID,
		"created", res.Created, "existing", res.Existing, "unresolved", res.Unresolved)
	return res, nil
}

// RefreshUnresolved resolves scheduled_for for the event's time-based emails
// whose reference date was missing when they were created. Instants that are
// already set are never recomputed.
func (m *Materializer) RefreshUnresolved(ctx context.Context, eventID string) (int, error) {
	event, err := m.events.GetEvent(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("RefreshUnresolved: %w", err)
	}
	pending, err := m.scheduled.ListUnresolved(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("RefreshUnresolved: %w", err)
	}

	refs := ReferencesFor(event)
	resolved := 0
	for _, se := range pending {
		at, ok, err := ResolveTrigger(se.Trigger, refs)
		if err != nil {
			m.logger.Warn("skipping scheduled email with invalid trigger", "scheduled_email_id", se.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		set, err := m.scheduled.SetScheduledFor(ctx, se.ID, at)
		if err != nil {
			return resolved, fmt.Errorf("RefreshUnresolved: %w", err)
		}
		if set {
			resolved++
		}
	}
	return resolved, nil
}
