package campaign

import (
	"context"
	"fmt"

	"eventmail/internal/types"
)

// Matches reports whether a candidate satisfies the declarative filter.
// Every non-empty list must match; exclude_status wins over status.
func Matches(f types.RecipientFilter, r types.Recipient) bool {
	if len(f.ExcludeStatus) > 0 && f.ExcludeStatus.Contains(r.Status) {
		return false
	}
	if len(f.Status) > 0 && !f.Status.Contains(r.Status) {
		return false
	}
	if len(f.VendorCategory) > 0 && !f.VendorCategory.Contains(r.VendorCategory) {
		return false
	}
	return true
}

// FilterRecipients narrows candidates by the filter and drops suppressed,
// unsubscribed and duplicate addresses. Order is preserved; the first
// occurrence of an address wins.
func FilterRecipients(candidates []types.Recipient, f types.RecipientFilter, suppressed map[string]struct{}) []types.Recipient {
	out := make([]types.Recipient, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		email := types.NormalizeEmail(c.Email)
		if email == "" || c.Unsubscribed {
			continue
		}
		if _, dup := seen[email]; dup {
			continue
		}
		if _, blocked := suppressed[email]; blocked {
			continue
		}
		if !Matches(f, c) {
			continue
		}
		seen[email] = struct{}{}
		c.Email = email
		out = append(out, c)
	}
	return out
}

// RecipientStore lists an event's candidate recipients.
type RecipientStore interface {
	ListRecipients(ctx context.Context, eventID string) ([]types.Recipient, error)
}

// SuppressionStore reports which addresses hold an opt-out applying to an event.
type SuppressionStore interface {
	SuppressedEmails(ctx context.Context, emails []string, eventID, orgID string) (map[string]struct{}, error)
}

// Audience resolves the recipients of a scheduled email.
type Audience struct {
	recipients   RecipientStore
	suppressions SuppressionStore
}

// NewAudience creates an Audience.
func NewAudience(recipients RecipientStore, suppressions SuppressionStore) *Audience {
	return &Audience{recipients: recipients, suppressions: suppressions}
}

// Resolve loads the event's candidates and returns the filtered, unsuppressed
// subset. Suppressions are looked up in one query for the whole candidate set.
func (a *Audience) Resolve(ctx context.Context, event *types.Event, f types.RecipientFilter) ([]types.Recipient, error) {
	candidates, err := a.recipients.ListRecipients(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("Audience.Resolve: %w", err)
	}
	return a.Narrow(ctx, event, candidates, f)
}

// Narrow applies the filter and suppressions to an already loaded candidate set.
func (a *Audience) Narrow(ctx context.Context, event *types.Event, candidates []types.Recipient, f types.RecipientFilter) ([]types.Recipient, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	emails := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if Matches(f, c) {
			emails = append(emails, c.Email)
		}
	}
	if len(emails) == 0 {
		return nil, nil
	}
	suppressed, err := a.suppressions.SuppressedEmails(ctx, emails, event.ID, event.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("Audience.Narrow: %w", err)
	}
	return FilterRecipients(candidates, f, suppressed), nil
}
