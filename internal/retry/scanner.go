package retry

import (
	"context"
	"fmt"
	"time"

	"eventmail/internal/types"
)

// DueLister lists deliveries whose retry fell due and was never claimed.
type DueLister interface {
	ListRetryDue(ctx context.Context, cutoff time.Time, limit int) ([]*types.EmailDelivery, error)
}

// Scanner republishes elapsed retries that the primary path lost.
type Scanner struct {
	lister    DueLister
	publisher TaskPublisher
	grace     time.Duration
	limit     int
	clock     types.Clock
	logger    types.Logger
}

// NewScanner creates a Scanner. Retries due less than grace ago are left to
// their in-flight task.
func NewScanner(lister DueLister, publisher TaskPublisher, grace time.Duration, limit int, clock types.Clock, logger types.Logger) *Scanner {
	if limit <= 0 {
		limit = 500
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Scanner{
		lister:    lister,
		publisher: publisher,
		grace:     grace,
		limit:     limit,
		clock:     clock,
		logger:    logger,
	}
}

// Scan enqueues a task for every overdue retry and returns how many were
// enqueued. Publish failures are counted and reported after the pass.
func (s *Scanner) Scan(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.grace)
	due, err := s.lister.ListRetryDue(ctx, cutoff, s.limit)
	if err != nil {
		return 0, fmt.Errorf("Scan: %w", err)
	}

	enqueued, failed := 0, 0
	for _, d := range due {
		if d.NextRetryAt == nil {
			continue
		}
		task := types.RetryTask{DeliveryID: d.ID, Attempt: d.RetryCount, NotBefore: *d.NextRetryAt}
		if err := s.publisher.PublishRetry(ctx, task); err != nil {
			failed++
			s.logger.Warn("failed to re-enqueue retry", "delivery_id", d.ID, "error", err)
			continue
		}
		enqueued++
	}

	if len(due) > 0 {
		s.logger.Info("retry scan complete", "due", len(due), "enqueued", enqueued, "failed", failed)
	}
	if failed > 0 {
		return enqueued, fmt.Errorf("Scan: %d of %d retries could not be enqueued", failed, len(due))
	}
	return enqueued, nil
}
