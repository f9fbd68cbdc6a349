package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"eventmail/internal/core"
	"eventmail/internal/dispatch"
	"eventmail/internal/external"
	"eventmail/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a Stripe webhook payload (64 KB).
const maxWebhookBodySize = 64 * 1024

// TriggerFirer sends event-driven campaign emails to one registration.
type TriggerFirer interface {
	Fire(ctx context.Context, eventID, registrationID string, trigger types.TriggerType) (*dispatch.FireResult, error)
}

// RegistrationLookup resolves the event a registration belongs to.
type RegistrationLookup interface {
	GetRegistration(ctx context.Context, id string) (*types.Recipient, string, error)
}

// StripeWebhookHandler turns registration payments into on_payment_received
// sends. It is unauthenticated; the Stripe-Signature header is verified
// against the endpoint secret.
type StripeWebhookHandler struct {
	parser        external.PaymentEventParser
	firer         TriggerFirer
	registrations RegistrationLookup
	logger        *slog.Logger
}

// NewStripeWebhookHandler creates a new StripeWebhookHandler.
func NewStripeWebhookHandler(
	parser external.PaymentEventParser,
	firer TriggerFirer,
	registrations RegistrationLookup,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		parser:        parser,
		firer:         firer,
		registrations: registrations,
		logger:        logger,
	}
}

// RegisterRoutes mounts the Stripe webhook endpoint on the public group.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes incoming Stripe webhook events.
//
//  1. Reads body and "Stripe-Signature" header.
//  2. Verifies and parses the event (401 on a bad signature).
//  3. Ignores events that are not registration payments.
//  4. Fires on_payment_received for the registration.
//
// Unknown registrations are acknowledged. Other failures return 500 so
// Stripe redelivers; delivery rows keep the redelivery from double sending.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidPayload,
			"failed to read request body",
			err,
		))
		return
	}

	conf, err := h.parser.Parse(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.WarnContext(ctx, "stripe webhook rejected", "error", err)
		core.Error(w, r, err)
		return
	}
	if conf == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	log := h.logger.With(
		"stripe_event_id", conf.ProviderEventID,
		"stripe_event_type", conf.EventType,
		"registration_id", conf.RegistrationID,
	)

	eventID := conf.EventID
	if eventID == "" {
		_, eventID, err = h.registrations.GetRegistration(ctx, conf.RegistrationID)
		if err != nil {
			h.finish(w, r, log, err)
			return
		}
	}

	res, err := h.firer.Fire(ctx, eventID, conf.RegistrationID, types.TriggerOnPaymentReceived)
	if err != nil {
		h.finish(w, r, log, err)
		return
	}
	log.InfoContext(ctx, "payment trigger fired",
		"event_id", eventID,
		"matched", res.Matched,
		"sent", res.Tally.Sent,
		"already_sent", res.Tally.AlreadySent,
		"failed", res.Tally.Failed,
	)
	w.WriteHeader(http.StatusOK)
}

func (h *StripeWebhookHandler) finish(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	if types.IsCode(err, types.ErrCodeNotFoundRegistration) || types.IsCode(err, types.ErrCodeNotFoundEvent) {
		log.WarnContext(r.Context(), "payment for unknown registration acknowledged", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	log.ErrorContext(r.Context(), "payment trigger failed", "error", err)
	core.Error(w, r, err)
}
