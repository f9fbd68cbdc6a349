package external

import (
	"context"
	"time"

	"eventmail/internal/types"
)

// EmailProvider transmits pre-rendered messages. Send returns the provider's
// message id, which keys every later webhook event for the message.
type EmailProvider interface {
	Send(ctx context.Context, input types.SendInput) (providerMsgID string, err error)
}

// EventWebhookVerifier checks the signature of a provider event webhook
// request. A nil error means the payload is authentic and fresh.
type EventWebhookVerifier interface {
	Verify(payload []byte, signature, timestamp string, now time.Time) error
}

// PaymentEventParser authenticates a payment provider webhook and extracts
// the confirmation it carries, if any.
type PaymentEventParser interface {
	Parse(payload []byte, signatureHeader string) (*PaymentConfirmation, error)
}

// PaymentConfirmation is a successful payment tied to a registration through
// metadata set at checkout.
type PaymentConfirmation struct {
	ProviderEventID string
	EventType       string
	RegistrationID  string
	EventID         string
}
