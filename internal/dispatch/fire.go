package dispatch

import (
	"context"
	"fmt"

	"eventmail/internal/types"
)

// FireResult summarizes an event-driven send.
type FireResult struct {
	Trigger types.TriggerType `json:"trigger"`
	// Matched counts active scheduled emails with the trigger.
	Matched int   `json:"matched"`
	Tally   Tally `json:"tally"`
	// Filtered counts emails whose filter or suppressions excluded the recipient.
	Filtered int `json:"filtered"`
}

// Fire sends every active scheduled email of the event with an event-driven
// trigger to one registration. Each email reaches the registration at most
// once; repeated transitions find the existing delivery row.
func (d *Dispatcher) Fire(ctx context.Context, eventID, registrationID string, trigger types.TriggerType) (*FireResult, error) {
	if !trigger.Valid() || trigger.IsTimeBased() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidTrigger,
			fmt.Sprintf("%q is not an event-driven trigger", trigger), nil)
	}

	recipient, regEventID, err := d.events.GetRegistration(ctx, registrationID)
	if err != nil {
		return nil, fmt.Errorf("Fire: %w", err)
	}
	if regEventID != eventID {
		return nil, types.NewAppError(types.ErrCodeNotFoundRegistration, "registration does not belong to this event", nil)
	}
	event, err := d.events.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("Fire: %w", err)
	}

	emails, err := d.scheduled.ListActiveByTrigger(ctx, eventID, trigger)
	if err != nil {
		return nil, fmt.Errorf("Fire: %w", err)
	}

	res := &FireResult{Trigger: trigger, Matched: len(emails)}
	for _, se := range emails {
		narrowed, err := d.audience.Narrow(ctx, event, []types.Recipient{*recipient}, se.Filter)
		if err != nil {
			return res, fmt.Errorf("Fire: %w", err)
		}
		if len(narrowed) == 0 {
			res.Filtered++
			continue
		}
		tally, err := d.sendAll(ctx, se, event, narrowed)
		if err != nil {
			return res, fmt.Errorf("Fire: %w", err)
		}
		res.Tally.Sent += tally.Sent
		res.Tally.AlreadySent += tally.AlreadySent
		res.Tally.Failed += tally.Failed
	}

	d.logger.Info("event-driven trigger fired",
		"event_id", eventID,
		"registration_id", registrationID,
		"trigger", string(trigger),
		"matched", res.Matched,
		"sent", res.Tally.Sent,
	)
	return res, nil
}
