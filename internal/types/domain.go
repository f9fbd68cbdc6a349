package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MaxTemplateItems caps the number of emails a campaign template may define.
const MaxTemplateItems = 40

// DefaultMaxRetries is the per-delivery soft bounce retry budget.
const DefaultMaxRetries = 3

// DefaultTimeOfDay is used when a time-based trigger omits time_of_day.
const DefaultTimeOfDay = "09:00"

var timeOfDayPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// TriggerSpec describes when an email fires relative to event milestones.
type TriggerSpec struct {
	Type       TriggerType  `json:"type"`
	OffsetDays int          `json:"offset_days,omitempty"`
	TimeOfDay  string       `json:"time_of_day,omitempty"`
	Deadline   DeadlineKind `json:"deadline,omitempty"`
}

// Validate checks the trigger type, offset and wall-clock time.
func (s TriggerSpec) Validate() error {
	if !s.Type.Valid() {
		return NewAppError(ErrCodeValidationInvalidTrigger, fmt.Sprintf("unknown trigger type %q", s.Type), nil)
	}
	if s.OffsetDays < 0 {
		return NewAppError(ErrCodeValidationInvalidTrigger, "offset_days must not be negative", nil)
	}
	if s.TimeOfDay != "" && !timeOfDayPattern.MatchString(s.TimeOfDay) {
		return NewAppError(ErrCodeValidationInvalidTrigger, fmt.Sprintf("time_of_day %q must be HH:MM", s.TimeOfDay), nil)
	}
	switch s.Deadline {
	case "", DeadlineApplication, DeadlinePayment:
	default:
		return NewAppError(ErrCodeValidationInvalidTrigger, fmt.Sprintf("unknown deadline %q", s.Deadline), nil)
	}
	return nil
}

// Clock returns the hour and minute of the trigger's time_of_day, falling back
// to DefaultTimeOfDay. Callers validate first.
func (s TriggerSpec) Clock() (hour, minute int) {
	tod := s.TimeOfDay
	if tod == "" {
		tod = DefaultTimeOfDay
	}
	_, _ = fmt.Sscanf(tod, "%d:%d", &hour, &minute)
	return hour, minute
}

// StringList accepts either a JSON string or an array of strings. Filters
// authored by hand frequently use the scalar form.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*l = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// Contains reports whether v is in the list, ignoring case.
func (l StringList) Contains(v string) bool {
	for _, s := range l {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// RecipientFilter narrows the candidate audience of a scheduled email.
// An empty filter matches every candidate.
type RecipientFilter struct {
	Status         StringList `json:"status,omitempty"`
	VendorCategory StringList `json:"vendor_category,omitempty"`
	ExcludeStatus  StringList `json:"exclude_status,omitempty"`
}

// TemplateItem is one email within a campaign template.
type TemplateItem struct {
	ID         string          `json:"id"`
	TemplateID string          `json:"template_id"`
	Position   int             `json:"position"`
	Name       string          `json:"name"`
	Category   string          `json:"category"`
	Subject    string          `json:"subject"`
	Body       string          `json:"body"`
	Trigger    TriggerSpec     `json:"trigger"`
	Filter     RecipientFilter `json:"filter"`
	Enabled    bool            `json:"enabled"`
}

// CampaignTemplate is a reusable set of lifecycle emails. A nil
// OrganizationID marks a system-wide template.
type CampaignTemplate struct {
	ID             string         `json:"id"`
	OrganizationID *string        `json:"organization_id,omitempty"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Items          []TemplateItem `json:"items"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IsSystem reports whether the template is shared across organizations.
func (t *CampaignTemplate) IsSystem() bool {
	return t.OrganizationID == nil
}

// VisibleTo reports whether orgID may use the template.
func (t *CampaignTemplate) VisibleTo(orgID string) bool {
	return t.IsSystem() || *t.OrganizationID == orgID
}

var (
	_ Validator = (*CampaignTemplate)(nil)
	_ Validator = TriggerSpec{}
	_ Validator = Source{}
)

// Validate enforces the item cap and validates every trigger.
func (t *CampaignTemplate) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return NewAppError(ErrCodeValidationMissingField, "template name is required", nil)
	}
	if len(t.Items) > MaxTemplateItems {
		return NewAppErrorWithDetails(ErrCodeValidationTooManyItems,
			fmt.Sprintf("template has %d items, maximum is %d", len(t.Items), MaxTemplateItems), nil,
			map[string]any{"count": len(t.Items), "max": MaxTemplateItems})
	}
	for i, item := range t.Items {
		if err := item.Trigger.Validate(); err != nil {
			return fmt.Errorf("item %d (%s): %w", i, item.Name, err)
		}
	}
	return nil
}

// ScheduledEmail is the per-event copy of a template item.
type ScheduledEmail struct {
	ID             string               `json:"id"`
	EventID        string               `json:"event_id"`
	OrganizationID string               `json:"organization_id"`
	TemplateItemID *string              `json:"template_item_id,omitempty"`
	Name           string               `json:"name"`
	Category       string               `json:"category"`
	Subject        string               `json:"subject"`
	Body           string               `json:"body"`
	Trigger        TriggerSpec          `json:"trigger"`
	Filter         RecipientFilter      `json:"filter"`
	Status         ScheduledEmailStatus `json:"status"`
	ScheduledFor   *time.Time           `json:"scheduled_for,omitempty"`
	RecipientCount int                  `json:"recipient_count"`
	ErrorMessage   string               `json:"error_message,omitempty"`
	SentAt         *time.Time           `json:"sent_at,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// Source identifies what caused an EmailDelivery. Exactly one kind is set.
type Source struct {
	Kind SourceKind `json:"kind"`
	ID   string     `json:"id"`
}

// ScheduledEmailRef builds a source for a campaign email.
func ScheduledEmailRef(id string) Source { return Source{Kind: SourceScheduledEmail, ID: id} }

// InvitationRef builds a source for an invitation send.
func InvitationRef(id string) Source { return Source{Kind: SourceInvitation, ID: id} }

// RegistrationRef builds a source for a registration notification.
func RegistrationRef(id string) Source { return Source{Kind: SourceRegistration, ID: id} }

// Validate checks that the variant is well formed.
func (s Source) Validate() error {
	if !s.Kind.Valid() {
		return NewAppError(ErrCodeValidationInvalidSource, fmt.Sprintf("unknown source kind %q", s.Kind), nil)
	}
	if s.ID == "" {
		return NewAppError(ErrCodeValidationInvalidSource, "source id is required", nil)
	}
	return nil
}

// ScheduledEmailID returns the id when the source is a scheduled email.
func (s Source) ScheduledEmailID() (string, bool) {
	return s.ID, s.Kind == SourceScheduledEmail
}

// String renders the source as kind:id.
func (s Source) String() string {
	return string(s.Kind) + ":" + s.ID
}

// EmailDelivery tracks the fate of one message to one recipient.
type EmailDelivery struct {
	ID                string          `json:"id"`
	Source            Source          `json:"source"`
	RegistrationID    string          `json:"registration_id,omitempty"`
	EventID           string          `json:"event_id,omitempty"`
	RecipientEmail    string          `json:"recipient_email"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	Status            DeliveryStatus  `json:"status"`
	BounceType        BounceType      `json:"bounce_type,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	RetryCount        int             `json:"retry_count"`
	MaxRetries        int             `json:"max_retries"`
	NextRetryAt       *time.Time      `json:"next_retry_at,omitempty"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	BouncedAt         *time.Time      `json:"bounced_at,omitempty"`
	DroppedAt         *time.Time      `json:"dropped_at,omitempty"`
	UnsubscribedAt    *time.Time      `json:"unsubscribed_at,omitempty"`
	Content           *MessageContent `json:"-"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// MaxRetriesExceededPrefix starts the reason of a delivery dropped after its
// soft bounce budget ran out.
const MaxRetriesExceededPrefix = "max retries exceeded: "

// Custom arg keys attached to every send and echoed back by webhook events.
const (
	ArgDeliveryID       = "delivery_id"
	ArgEventID          = "event_id"
	ArgRegistrationID   = "registration_id"
	ArgScheduledEmailID = "scheduled_email_id"
	ArgInvitationID     = "event_invitation_id"
)

// TrackingArgs returns the provider custom args that tie webhook events back
// to this delivery and its source.
func (d *EmailDelivery) TrackingArgs() map[string]string {
	args := map[string]string{ArgDeliveryID: d.ID}
	if d.EventID != "" {
		args[ArgEventID] = d.EventID
	}
	if d.RegistrationID != "" {
		args[ArgRegistrationID] = d.RegistrationID
	}
	switch d.Source.Kind {
	case SourceScheduledEmail:
		args[ArgScheduledEmailID] = d.Source.ID
	case SourceInvitation:
		args[ArgInvitationID] = d.Source.ID
	case SourceRegistration:
		args[ArgRegistrationID] = d.Source.ID
	}
	return args
}

// CanRetry reports whether a soft bounce still has retry budget.
func (d *EmailDelivery) CanRetry() bool {
	return d.Status == DeliveryBounced && d.BounceType == BounceSoft && d.RetryCount < d.MaxRetries
}

// MessageContent is the rendered message kept with a delivery so retries
// re-send exactly what was first sent.
type MessageContent struct {
	Subject  string `json:"subject"`
	BodyHTML string `json:"body_html"`
	BodyText string `json:"body_text"`
}

// UnsubscribeToken authorizes an opt-out without a login.
type UnsubscribeToken struct {
	ID             string     `json:"id"`
	TokenHash      []byte     `json:"-"`
	Email          string     `json:"email"`
	EventID        string     `json:"event_id,omitempty"`
	OrganizationID string     `json:"organization_id,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IsExpired reports whether the token is past its expiry at now.
func (t *UnsubscribeToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// EmailUnsubscribe is a permanent opt-out at one scope.
type EmailUnsubscribe struct {
	ID             string           `json:"id"`
	Email          string           `json:"email"`
	Scope          UnsubscribeScope `json:"scope"`
	EventID        string           `json:"event_id,omitempty"`
	OrganizationID string           `json:"organization_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Event carries the fields of an externally managed event that campaigns read.
type Event struct {
	ID                  string     `json:"id"`
	OrganizationID      string     `json:"organization_id"`
	OrganizationName    string     `json:"organization_name"`
	Timezone            string     `json:"timezone"`
	Title               string     `json:"title"`
	Venue               string     `json:"venue,omitempty"`
	EventDate           *time.Time `json:"event_date,omitempty"`
	ApplicationDeadline *time.Time `json:"application_deadline,omitempty"`
	PaymentDeadline     *time.Time `json:"payment_deadline,omitempty"`
}

// Recipient is a candidate address for a campaign email.
type Recipient struct {
	Email          string `json:"email"`
	Name           string `json:"name,omitempty"`
	BusinessName   string `json:"business_name,omitempty"`
	RegistrationID string `json:"registration_id,omitempty"`
	Status         string `json:"status,omitempty"`
	VendorCategory string `json:"vendor_category,omitempty"`
	Unsubscribed   bool   `json:"unsubscribed,omitempty"`
}

// SendInput is a fully rendered message handed to the email provider.
type SendInput struct {
	To         string
	ToName     string
	From       string
	FromName   string
	Subject    string
	BodyHTML   string
	BodyText   string
	Headers    map[string]string
	CustomArgs map[string]string
}

// NormalizeEmail lowercases and trims an address for comparisons and storage.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
