package types

import "time"

// WebhookEvent is a provider event normalized for the delivery tracker. It is
// the unit carried inside TrackingBatch messages on the tracking queue.
type WebhookEvent struct {
	Type                 WebhookEventType `json:"type"`
	MessageID            string           `json:"message_id"`
	Email                string           `json:"email"`
	Timestamp            time.Time        `json:"timestamp"`
	Reason               string           `json:"reason,omitempty"`
	BounceClassification string           `json:"bounce_classification,omitempty"`
	BounceKind           string           `json:"bounce_kind,omitempty"`
	ProviderEventID      string           `json:"provider_event_id,omitempty"`
	EventID              string           `json:"event_id,omitempty"`
	InvitationID         string           `json:"invitation_id,omitempty"`
	RegistrationID       string           `json:"registration_id,omitempty"`
	ScheduledEmailID     string           `json:"scheduled_email_id,omitempty"`
	DeliveryID           string           `json:"delivery_id,omitempty"`
	EmailType            string           `json:"email_type,omitempty"`
}

// IdempotencyKey identifies the event across replays. The provider event id
// is preferred; otherwise (message id, type, timestamp) is used.
func (e WebhookEvent) IdempotencyKey() string {
	if e.ProviderEventID != "" {
		return e.ProviderEventID
	}
	return e.MessageID + ":" + string(e.Type) + ":" + e.Timestamp.UTC().Format(time.RFC3339)
}

// TrackingBatch is the SQS payload published by the webhook receiver and
// consumed by the tracking worker.
type TrackingBatch struct {
	BatchID    string         `json:"batch_id"`
	ReceivedAt time.Time      `json:"received_at"`
	Events     []WebhookEvent `json:"events"`
}

// RetryTask is the SQS payload asking the retry worker to re-send a delivery.
// NotBefore mirrors the delivery's next_retry_at when the task was enqueued.
type RetryTask struct {
	DeliveryID string    `json:"delivery_id"`
	Attempt    int       `json:"attempt"`
	NotBefore  time.Time `json:"not_before"`
	// Hops counts re-publications needed to cover delays beyond the queue's maximum.
	Hops int `json:"hops,omitempty"`
}
