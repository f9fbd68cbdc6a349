// Package tracking applies SendGrid event webhooks to delivery records.
package tracking

import (
	"encoding/json"
	"strings"
	"time"

	"eventmail/internal/types"
)

// sendGridEvent is one element of a SendGrid event webhook POST body. Custom
// args set at send time come back as top-level keys.
type sendGridEvent struct {
	Event                string          `json:"event"`
	Email                string          `json:"email"`
	Timestamp            int64           `json:"timestamp"`
	SGMessageID          string          `json:"sg_message_id"`
	SMTPID               string          `json:"smtp-id"`
	SGEventID            string          `json:"sg_event_id"`
	Reason               string          `json:"reason"`
	Response             string          `json:"response"`
	BounceClassification string          `json:"bounce_classification"`
	Type                 string          `json:"type"`
	EventID              json.RawMessage `json:"event_id"`
	InvitationID         json.RawMessage `json:"event_invitation_id"`
	RegistrationID       json.RawMessage `json:"registration_id"`
	ScheduledEmailID     json.RawMessage `json:"scheduled_email_id"`
	DeliveryID           json.RawMessage `json:"delivery_id"`
	EmailType            string          `json:"email_type"`
}

// ParseSendGridEvents decodes a webhook body into tracked events. Elements
// with an untracked event type or no resolvable message id are skipped and
// counted. Only a body that is not a JSON array is an error.
func ParseSendGridEvents(body []byte) ([]types.WebhookEvent, int, error) {
	var raw []sendGridEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, 0, types.NewAppError(types.ErrCodeValidationInvalidPayload, "webhook body is not a JSON array of events", err)
	}

	events := make([]types.WebhookEvent, 0, len(raw))
	skipped := 0
	for _, r := range raw {
		ev, ok := r.normalize()
		if !ok {
			skipped++
			continue
		}
		events = append(events, ev)
	}
	return events, skipped, nil
}

func (r sendGridEvent) normalize() (types.WebhookEvent, bool) {
	typ, ok := types.ParseWebhookEventType(r.Event)
	if !ok {
		return types.WebhookEvent{}, false
	}
	msgID := NormalizeMessageID(r.SGMessageID, r.SMTPID)
	if msgID == "" {
		return types.WebhookEvent{}, false
	}

	reason := r.Reason
	if reason == "" {
		reason = r.Response
	}
	// A missing timestamp stays zero; the tracker stamps it on arrival.
	var ts time.Time
	if r.Timestamp > 0 {
		ts = time.Unix(r.Timestamp, 0).UTC()
	}
	return types.WebhookEvent{
		Type:                 typ,
		MessageID:            msgID,
		Email:                types.NormalizeEmail(r.Email),
		Timestamp:            ts,
		Reason:               strings.TrimSpace(reason),
		BounceClassification: r.BounceClassification,
		BounceKind:           r.Type,
		ProviderEventID:      r.SGEventID,
		EventID:              customArg(r.EventID),
		InvitationID:         customArg(r.InvitationID),
		RegistrationID:       customArg(r.RegistrationID),
		ScheduledEmailID:     customArg(r.ScheduledEmailID),
		DeliveryID:           customArg(r.DeliveryID),
		EmailType:            r.EmailType,
	}, true
}

// NormalizeMessageID reduces a provider message id to the X-Message-Id
// returned at send time. sg_message_id carries a ".filter..." suffix and
// smtp-id is "<id@host>". Older X-Message-Ids contain dots themselves, so
// only the filter suffix is cut.
func NormalizeMessageID(sgMessageID, smtpID string) string {
	if id := strings.TrimSpace(sgMessageID); id != "" {
		if i := strings.Index(id, ".filter"); i > 0 {
			return id[:i]
		}
		return id
	}
	id := strings.Trim(strings.TrimSpace(smtpID), "<>")
	if i := strings.IndexByte(id, '@'); i >= 0 {
		id = id[:i]
	}
	return id
}

// customArg accepts custom args echoed as strings or numbers.
func customArg(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}
