// Package campaign turns campaign templates into per-event scheduled emails:
// it resolves trigger instants, narrows audiences and renders message bodies.
package campaign

import (
	"fmt"
	"time"

	"eventmail/internal/types"
)

// References are the milestone dates a trigger can be anchored to, plus the
// organization timezone in which time_of_day is interpreted.
type References struct {
	EventDate           *time.Time
	ApplicationDeadline *time.Time
	PaymentDeadline     *time.Time
	Timezone            string
}

// ReferencesFor extracts the trigger references of an event.
func ReferencesFor(e *types.Event) References {
	return References{
		EventDate:           e.EventDate,
		ApplicationDeadline: e.ApplicationDeadline,
		PaymentDeadline:     e.PaymentDeadline,
		Timezone:            e.Timezone,
	}
}

// ResolveTrigger computes the UTC instant a time-based trigger fires at.
//
// ok is false, with a nil error, when the trigger is event-driven or when the
// reference date it needs is missing. The caller leaves scheduled_for unset in
// both cases.
func ResolveTrigger(spec types.TriggerSpec, ref References) (at time.Time, ok bool, err error) {
	if err := spec.Validate(); err != nil {
		return time.Time{}, false, err
	}
	if !spec.Type.IsTimeBased() {
		return time.Time{}, false, nil
	}

	loc, err := loadLocation(ref.Timezone)
	if err != nil {
		return time.Time{}, false, err
	}

	var anchor *time.Time
	days := 0
	switch spec.Type {
	case types.TriggerDaysBeforeEvent:
		anchor, days = ref.EventDate, -spec.OffsetDays
	case types.TriggerDaysAfterEvent:
		anchor, days = ref.EventDate, spec.OffsetDays
	case types.TriggerOnEventDate:
		anchor = ref.EventDate
	case types.TriggerDaysBeforeDeadline:
		anchor, days = ref.ApplicationDeadline, -spec.OffsetDays
		if spec.Deadline == types.DeadlinePayment {
			anchor = ref.PaymentDeadline
		}
	}
	if anchor == nil {
		return time.Time{}, false, nil
	}

	// The calendar day is taken in the organization's timezone, so an evening
	// event in UTC-5 that is already "tomorrow" in UTC still counts from its
	// local date.
	local := anchor.In(loc)
	hour, minute := spec.Clock()
	fire := time.Date(local.Year(), local.Month(), local.Day()+days, hour, minute, 0, 0, loc)
	return fire.UTC(), true, nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidTimezone,
			fmt.Sprintf("unknown timezone %q", name), err)
	}
	return loc, nil
}
