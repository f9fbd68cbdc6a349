package types

import "fmt"

// TriggerType identifies when a campaign email fires relative to the event lifecycle.
type TriggerType string

const (
	TriggerDaysBeforeEvent     TriggerType = "days_before_event"
	TriggerDaysAfterEvent      TriggerType = "days_after_event"
	TriggerDaysBeforeDeadline  TriggerType = "days_before_deadline"
	TriggerOnEventDate         TriggerType = "on_event_date"
	TriggerOnApplicationOpen   TriggerType = "on_application_open"
	TriggerOnApplicationSubmit TriggerType = "on_application_submit"
	TriggerOnApproval          TriggerType = "on_approval"
	TriggerOnRejection         TriggerType = "on_rejection"
	TriggerOnWaitlist          TriggerType = "on_waitlist"
	TriggerOnPaymentReceived   TriggerType = "on_payment_received"
)

// AllTriggerTypes lists every trigger type in declaration order.
var AllTriggerTypes = []TriggerType{
	TriggerDaysBeforeEvent,
	TriggerDaysAfterEvent,
	TriggerDaysBeforeDeadline,
	TriggerOnEventDate,
	TriggerOnApplicationOpen,
	TriggerOnApplicationSubmit,
	TriggerOnApproval,
	TriggerOnRejection,
	TriggerOnWaitlist,
	TriggerOnPaymentReceived,
}

// IsTimeBased reports whether the trigger resolves to an absolute instant that
// the dispatcher polls for. Event-driven triggers return false.
func (t TriggerType) IsTimeBased() bool {
	switch t {
	case TriggerDaysBeforeEvent, TriggerDaysAfterEvent, TriggerDaysBeforeDeadline, TriggerOnEventDate:
		return true
	case TriggerOnApplicationOpen, TriggerOnApplicationSubmit, TriggerOnApproval,
		TriggerOnRejection, TriggerOnWaitlist, TriggerOnPaymentReceived:
		return false
	default:
		return false
	}
}

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	for _, known := range AllTriggerTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTriggerType converts a persisted string into a TriggerType.
func ParseTriggerType(s string) (TriggerType, error) {
	t := TriggerType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown trigger type %q", s)
	}
	return t, nil
}

// DeadlineKind selects the reference date for days_before_deadline triggers.
type DeadlineKind string

const (
	DeadlineApplication DeadlineKind = "application"
	DeadlinePayment     DeadlineKind = "payment"
)

// ScheduledEmailStatus is the lifecycle state of a ScheduledEmail.
type ScheduledEmailStatus string

const (
	ScheduledStatusScheduled ScheduledEmailStatus = "scheduled"
	ScheduledStatusPaused    ScheduledEmailStatus = "paused"
	ScheduledStatusSent      ScheduledEmailStatus = "sent"
	ScheduledStatusFailed    ScheduledEmailStatus = "failed"
	ScheduledStatusCancelled ScheduledEmailStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ScheduledEmailStatus) IsTerminal() bool {
	switch s {
	case ScheduledStatusSent, ScheduledStatusCancelled:
		return true
	case ScheduledStatusScheduled, ScheduledStatusPaused, ScheduledStatusFailed:
		return false
	default:
		return false
	}
}

// CanTransitionTo reports whether an operator-driven status change is allowed.
// Dispatcher-driven transitions (scheduled -> sent/failed) are not covered here.
func (s ScheduledEmailStatus) CanTransitionTo(next ScheduledEmailStatus) bool {
	switch s {
	case ScheduledStatusScheduled:
		return next == ScheduledStatusPaused || next == ScheduledStatusCancelled
	case ScheduledStatusPaused:
		return next == ScheduledStatusScheduled || next == ScheduledStatusCancelled
	case ScheduledStatusFailed:
		return next == ScheduledStatusScheduled || next == ScheduledStatusCancelled
	case ScheduledStatusSent, ScheduledStatusCancelled:
		return false
	default:
		return false
	}
}

// DeliveryStatus is the per-recipient delivery state.
type DeliveryStatus string

const (
	DeliveryQueued       DeliveryStatus = "queued"
	DeliverySent         DeliveryStatus = "sent"
	DeliveryDelivered    DeliveryStatus = "delivered"
	DeliveryBounced      DeliveryStatus = "bounced"
	DeliveryDropped      DeliveryStatus = "dropped"
	DeliveryUnsubscribed DeliveryStatus = "unsubscribed"
)

// AllDeliveryStatuses lists every delivery status in lifecycle order.
var AllDeliveryStatuses = []DeliveryStatus{
	DeliveryQueued,
	DeliverySent,
	DeliveryDelivered,
	DeliveryBounced,
	DeliveryDropped,
	DeliveryUnsubscribed,
}

// IsFinal reports whether the status can never be overwritten by a webhook
// event that would move it backwards.
func (s DeliveryStatus) IsFinal() bool {
	switch s {
	case DeliveryDelivered, DeliveryUnsubscribed:
		return true
	case DeliveryQueued, DeliverySent, DeliveryBounced, DeliveryDropped:
		return false
	default:
		return false
	}
}

// BounceType distinguishes recoverable from permanent bounces.
type BounceType string

const (
	BounceSoft BounceType = "soft"
	BounceHard BounceType = "hard"
)

// UnsubscribeScope is the breadth of an opt-out.
type UnsubscribeScope string

const (
	ScopeEvent        UnsubscribeScope = "event"
	ScopeOrganization UnsubscribeScope = "organization"
	ScopeGlobal       UnsubscribeScope = "global"
)

// Valid reports whether s is a known scope.
func (s UnsubscribeScope) Valid() bool {
	switch s {
	case ScopeEvent, ScopeOrganization, ScopeGlobal:
		return true
	default:
		return false
	}
}

// WebhookEventType is the subset of provider events the tracker understands.
type WebhookEventType string

const (
	WebhookDelivered   WebhookEventType = "delivered"
	WebhookBounce      WebhookEventType = "bounce"
	WebhookDropped     WebhookEventType = "dropped"
	WebhookDeferred    WebhookEventType = "deferred"
	WebhookUnsubscribe WebhookEventType = "unsubscribe"
	WebhookSpamReport  WebhookEventType = "spamreport"
)

// ParseWebhookEventType returns false for event types outside the tracked
// vocabulary (processed, open, click, and so on).
func ParseWebhookEventType(s string) (WebhookEventType, bool) {
	switch t := WebhookEventType(s); t {
	case WebhookDelivered, WebhookBounce, WebhookDropped, WebhookDeferred, WebhookUnsubscribe, WebhookSpamReport:
		return t, true
	default:
		return "", false
	}
}

// SourceKind discriminates the origin of an EmailDelivery.
type SourceKind string

const (
	SourceScheduledEmail SourceKind = "scheduled_email"
	SourceInvitation     SourceKind = "invitation"
	SourceRegistration   SourceKind = "registration"
)

// Valid reports whether k is a known source kind.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceScheduledEmail, SourceInvitation, SourceRegistration:
		return true
	default:
		return false
	}
}

// RegistrationStatus mirrors the registration lifecycle owned by the event CRUD
// layer. Only the values the recipient filter compares against are listed.
type RegistrationStatus string

const (
	RegistrationPending   RegistrationStatus = "pending"
	RegistrationApproved  RegistrationStatus = "approved"
	RegistrationRejected  RegistrationStatus = "rejected"
	RegistrationWaitlist  RegistrationStatus = "waitlist"
	RegistrationConfirmed RegistrationStatus = "confirmed"
	RegistrationCancelled RegistrationStatus = "cancelled"
)
