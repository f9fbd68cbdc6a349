package handlers

// Admin endpoints for attaching campaigns to events, firing event-driven
// triggers, reading email stats and steering scheduled emails.

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"eventmail/internal/campaign"
	"eventmail/internal/core"
	"eventmail/internal/stats"
	"eventmail/internal/types"
)

// --- Dependency interfaces ---

// CampaignMaterializer attaches campaign templates to events.
type CampaignMaterializer interface {
	Materialize(ctx context.Context, eventID, templateID string) (*campaign.MaterializeResult, error)
}

// ScheduledEmailRepo is the subset of the scheduled email repository used here.
type ScheduledEmailRepo interface {
	GetByID(ctx context.Context, id string) (*types.ScheduledEmail, error)
	ListByEvent(ctx context.Context, eventID string) ([]*types.ScheduledEmail, error)
	TransitionStatus(ctx context.Context, id string, from, to types.ScheduledEmailStatus) (bool, error)
}

// EventReader loads events.
type EventReader interface {
	GetEvent(ctx context.Context, id string) (*types.Event, error)
}

// StatsAggregator computes per-email counters.
type StatsAggregator interface {
	Aggregate(ctx context.Context, event *types.Event, emails []*types.ScheduledEmail) ([]stats.EmailStats, error)
}

// --- Request types ---

// MaterializeRequest is the body of POST /v1/events/{eventID}/campaigns.
type MaterializeRequest struct {
	TemplateID string `json:"template_id" validate:"required"`
}

// FireTriggerRequest is the body of POST /v1/events/{eventID}/triggers.
type FireTriggerRequest struct {
	RegistrationID string            `json:"registration_id" validate:"required"`
	Trigger        types.TriggerType `json:"trigger" validate:"required,trigger_type"`
}

// UpdateScheduledEmailRequest is the body of PATCH /v1/scheduled-emails/{id}.
type UpdateScheduledEmailRequest struct {
	Status types.ScheduledEmailStatus `json:"status" validate:"required,scheduled_status"`
}

// EmailStatsResponse is returned by GET /v1/events/{eventID}/email-stats.
type EmailStatsResponse struct {
	EventID string             `json:"event_id"`
	Emails  []stats.EmailStats `json:"emails"`
}

// --- Handler ---

// CampaignHandler serves the campaign admin API.
type CampaignHandler struct {
	materializer CampaignMaterializer
	firer        TriggerFirer
	scheduled    ScheduledEmailRepo
	events       EventReader
	aggregator   StatsAggregator
	validator    *core.Validator
	logger       *slog.Logger
}

// NewCampaignHandler creates a CampaignHandler.
func NewCampaignHandler(
	materializer CampaignMaterializer,
	firer TriggerFirer,
	scheduled ScheduledEmailRepo,
	events EventReader,
	aggregator StatsAggregator,
	v *core.Validator,
	l *slog.Logger,
) *CampaignHandler {
	if l == nil {
		l = slog.Default()
	}
	return &CampaignHandler{
		materializer: materializer,
		firer:        firer,
		scheduled:    scheduled,
		events:       events,
		aggregator:   aggregator,
		validator:    v,
		logger:       l,
	}
}

// RegisterRoutes mounts the admin routes.
func (h *CampaignHandler) RegisterRoutes(r chi.Router) {
	r.Route("/events/{eventID}", func(r chi.Router) {
		r.Post("/campaigns", h.Materialize)
		r.Post("/triggers", h.FireTrigger)
		r.Get("/scheduled-emails", h.ListScheduledEmails)
		r.Get("/email-stats", h.EmailStats)
	})
	r.Route("/scheduled-emails/{id}", func(r chi.Router) {
		r.Get("/", h.GetScheduledEmail)
		r.Patch("/", h.UpdateScheduledEmail)
	})
}

// Materialize handles POST /v1/events/{eventID}/campaigns. Repeating the
// call for the same template creates nothing new and returns 200; a call
// that created emails returns 201.
func (h *CampaignHandler) Materialize(w http.ResponseWriter, r *http.Request) {
	var req MaterializeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	res, err := h.materializer.Materialize(r.Context(), chi.URLParam(r, "eventID"), req.TemplateID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Created > 0 {
		status = http.StatusCreated
	}
	core.Data(w, r, status, res)
}

// FireTrigger handles POST /v1/events/{eventID}/triggers. The event CRUD
// layer calls it on registration state transitions.
func (h *CampaignHandler) FireTrigger(w http.ResponseWriter, r *http.Request) {
	var req FireTriggerRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	eventID := chi.URLParam(r, "eventID")
	res, err := h.firer.Fire(r.Context(), eventID, req.RegistrationID, req.Trigger)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "trigger fired",
		"event_id", eventID,
		"registration_id", req.RegistrationID,
		"trigger", string(req.Trigger),
		"matched", res.Matched,
		"sent", res.Tally.Sent,
		"failed", res.Tally.Failed,
	)
	core.Data(w, r, http.StatusOK, res)
}

// ListScheduledEmails handles GET /v1/events/{eventID}/scheduled-emails.
func (h *CampaignHandler) ListScheduledEmails(w http.ResponseWriter, r *http.Request) {
	emails, err := h.scheduled.ListByEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if emails == nil {
		emails = []*types.ScheduledEmail{}
	}
	core.Data(w, r, http.StatusOK, emails)
}

// EmailStats handles GET /v1/events/{eventID}/email-stats.
func (h *CampaignHandler) EmailStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	event, err := h.events.GetEvent(ctx, chi.URLParam(r, "eventID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	emails, err := h.scheduled.ListByEvent(ctx, event.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	out, err := h.aggregator.Aggregate(ctx, event, emails)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if out == nil {
		out = []stats.EmailStats{}
	}
	core.Data(w, r, http.StatusOK, EmailStatsResponse{EventID: event.ID, Emails: out})
}

// GetScheduledEmail handles GET /v1/scheduled-emails/{id}.
func (h *CampaignHandler) GetScheduledEmail(w http.ResponseWriter, r *http.Request) {
	se, err := h.scheduled.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, se)
}

// UpdateScheduledEmail handles PATCH /v1/scheduled-emails/{id}.
//
// Allowed changes: pause and resume, cancel, and reset of a failed email to
// scheduled. Setting the current status again is a no-op. A concurrent change
// between the read and the guarded update yields 409.
func (h *CampaignHandler) UpdateScheduledEmail(w http.ResponseWriter, r *http.Request) {
	var req UpdateScheduledEmailRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	ctx := r.Context()
	id := chi.URLParam(r, "id")
	se, err := h.scheduled.GetByID(ctx, id)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if se.Status == req.Status {
		core.Data(w, r, http.StatusOK, se)
		return
	}
	if !se.Status.CanTransitionTo(req.Status) {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidStatus,
			"status change not allowed",
			nil,
			map[string]any{"from": se.Status, "to": req.Status},
		))
		return
	}

	ok, err := h.scheduled.TransitionStatus(ctx, id, se.Status, req.Status)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeConflictStatus, "scheduled email status changed concurrently", nil))
		return
	}

	h.logger.InfoContext(ctx, "scheduled email status changed",
		"scheduled_email_id", id,
		"from", string(se.Status),
		"to", string(req.Status),
	)

	updated, err := h.scheduled.GetByID(ctx, id)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, updated)
}
