package external

import (
	"encoding/json"
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"

	"eventmail/internal/types"
)

// Stripe event types that confirm a registration payment.
const (
	EventStripePaymentSucceeded = "payment_intent.succeeded"
	EventStripeCheckoutComplete = "checkout.session.completed"
)

// Metadata keys set on the PaymentIntent or Checkout Session when the
// registration checkout is created.
const (
	StripeMetaRegistrationID = "registration_id"
	StripeMetaEventID        = "event_id"
)

// StripePaymentParser authenticates Stripe webhooks with the endpoint signing
// secret and extracts registration payments.
type StripePaymentParser struct {
	secret string
}

// NewStripePaymentParser creates a StripePaymentParser.
func NewStripePaymentParser(secret string) *StripePaymentParser {
	return &StripePaymentParser{secret: secret}
}

// Parse verifies the Stripe-Signature header and decodes the event. It returns
// (nil, nil) for authentic events that are not payment confirmations or carry
// no registration metadata.
func (p *StripePaymentParser) Parse(payload []byte, signatureHeader string) (*PaymentConfirmation, error) {
	if signatureHeader == "" {
		return nil, types.NewAppError(types.ErrCodeAuthSignatureInvalid, "missing Stripe-Signature header", nil)
	}
	if err := stripe.ValidatePayload(payload, signatureHeader, p.secret); err != nil {
		return nil, types.NewAppError(types.ErrCodeAuthSignatureInvalid, "stripe signature verification failed", err)
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload, "invalid stripe event JSON", err)
	}
	if event.Data == nil {
		return nil, nil
	}

	var metadata map[string]string
	switch string(event.Type) {
	case EventStripePaymentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload,
				fmt.Sprintf("invalid payment_intent in event %s", event.ID), err)
		}
		metadata = pi.Metadata
	case EventStripeCheckoutComplete:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload,
				fmt.Sprintf("invalid checkout session in event %s", event.ID), err)
		}
		if cs.PaymentStatus != "" && cs.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			return nil, nil
		}
		metadata = cs.Metadata
		if metadata[StripeMetaRegistrationID] == "" && cs.ClientReferenceID != "" {
			if metadata == nil {
				metadata = map[string]string{}
			}
			metadata[StripeMetaRegistrationID] = cs.ClientReferenceID
		}
	default:
		return nil, nil
	}

	regID := metadata[StripeMetaRegistrationID]
	if regID == "" {
		return nil, nil
	}
	return &PaymentConfirmation{
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		RegistrationID:  regID,
		EventID:         metadata[StripeMetaEventID],
	}, nil
}

var _ PaymentEventParser = (*StripePaymentParser)(nil)
