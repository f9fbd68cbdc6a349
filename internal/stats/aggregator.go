// Package stats computes per-email delivery and unsubscribe counters for an
// event's campaign in a fixed number of queries.
package stats

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"eventmail/internal/campaign"
	"eventmail/internal/types"
)

// DeliveryCounter groups delivery rows of scheduled emails by status.
type DeliveryCounter interface {
	CountByScheduledEmail(ctx context.Context, ids []string) (map[string]map[types.DeliveryStatus]int, error)
}

// RecipientStore lists an event's candidate recipients.
type RecipientStore interface {
	ListRecipients(ctx context.Context, eventID string) ([]types.Recipient, error)
}

// SuppressionStore reports which addresses hold an opt-out applying to an event.
type SuppressionStore interface {
	SuppressedEmails(ctx context.Context, emails []string, eventID, orgID string) (map[string]struct{}, error)
}

// EmailStats are the counters of one scheduled email.
type EmailStats struct {
	ScheduledEmailID string                     `json:"scheduled_email_id"`
	Name             string                     `json:"name"`
	Status           types.ScheduledEmailStatus `json:"status"`
	Deliveries       int                        `json:"deliveries"`
	Queued           int                        `json:"queued"`
	Sent             int                        `json:"sent"`
	Delivered        int                        `json:"delivered"`
	Bounced          int                        `json:"bounced"`
	Dropped          int                        `json:"dropped"`
	Unsubscribed     int                        `json:"unsubscribed"`
	// Prospective counts who would receive an email that has not gone out yet.
	Prospective  int     `json:"prospective"`
	DeliveryRate float64 `json:"delivery_rate"`
}

// Aggregator computes EmailStats.
type Aggregator struct {
	deliveries   DeliveryCounter
	recipients   RecipientStore
	suppressions SuppressionStore
}

// NewAggregator creates an Aggregator.
func NewAggregator(deliveries DeliveryCounter, recipients RecipientStore, suppressions SuppressionStore) *Aggregator {
	return &Aggregator{deliveries: deliveries, recipients: recipients, suppressions: suppressions}
}

// Aggregate computes stats for emails of event using at most three queries:
// one GROUP BY over deliveries, one candidate listing, and one bulk
// suppression lookup over the union of prospective recipients.
//
// An email that has delivery rows is counted from those rows only, so a
// recipient is never counted both as a delivery and as a prospective opt-out.
func (a *Aggregator) Aggregate(ctx context.Context, event *types.Event, emails []*types.ScheduledEmail) ([]EmailStats, error) {
	if len(emails) == 0 {
		return []EmailStats{}, nil
	}

	ids := make([]string, len(emails))
	needProspects := false
	for i, se := range emails {
		ids[i] = se.ID
		if isUnsent(se.Status) {
			needProspects = true
		}
	}

	var (
		counts     map[string]map[types.DeliveryStatus]int
		candidates []types.Recipient
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		counts, err = a.deliveries.CountByScheduledEmail(gctx, ids)
		return err
	})
	if needProspects {
		g.Go(func() error {
			var err error
			candidates, err = a.recipients.ListRecipients(gctx, event.ID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("Aggregate: %w", err)
	}

	prospects := make(map[string][]types.Recipient)
	var union []string
	seen := make(map[string]struct{})
	for _, se := range emails {
		if !isUnsent(se.Status) || total(counts[se.ID]) > 0 {
			continue
		}
		for _, c := range candidates {
			email := types.NormalizeEmail(c.Email)
			if email == "" || !campaign.Matches(se.Filter, c) {
				continue
			}
			prospects[se.ID] = append(prospects[se.ID], c)
			if _, ok := seen[email]; !ok {
				seen[email] = struct{}{}
				union = append(union, email)
			}
		}
	}

	suppressed := map[string]struct{}{}
	if len(union) > 0 {
		var err error
		suppressed, err = a.suppressions.SuppressedEmails(ctx, union, event.ID, event.OrganizationID)
		if err != nil {
			return nil, fmt.Errorf("Aggregate: %w", err)
		}
	}

	out := make([]EmailStats, 0, len(emails))
	for _, se := range emails {
		c := counts[se.ID]
		s := EmailStats{
			ScheduledEmailID: se.ID,
			Name:             se.Name,
			Status:           se.Status,
			Deliveries:       total(c),
			Queued:           c[types.DeliveryQueued],
			Sent:             c[types.DeliverySent],
			Delivered:        c[types.DeliveryDelivered],
			Bounced:          c[types.DeliveryBounced],
			Dropped:          c[types.DeliveryDropped],
			Unsubscribed:     c[types.DeliveryUnsubscribed],
		}
		if attempted := s.Deliveries - s.Queued; attempted > 0 {
			s.DeliveryRate = float64(s.Delivered) / float64(attempted)
		}
		for _, r := range dedupe(prospects[se.ID]) {
			if _, blocked := suppressed[types.NormalizeEmail(r.Email)]; blocked || r.Unsubscribed {
				s.Unsubscribed++
				continue
			}
			s.Prospective++
		}
		out = append(out, s)
	}
	return out, nil
}

func isUnsent(s types.ScheduledEmailStatus) bool {
	switch s {
	case types.ScheduledStatusScheduled, types.ScheduledStatusPaused, types.ScheduledStatusFailed:
		return true
	case types.ScheduledStatusSent, types.ScheduledStatusCancelled:
		return false
	default:
		return false
	}
}

func total(c map[types.DeliveryStatus]int) int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

func dedupe(rs []types.Recipient) []types.Recipient {
	seen := make(map[string]struct{}, len(rs))
	out := rs[:0:0]
	for _, r := range rs {
		e := types.NormalizeEmail(r.Email)
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, r)
	}
	return out
}
