package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"eventmail/internal/db"
	"eventmail/internal/dispatch"
)

const (
	// lockTTL bounds how long a crashed run blocks its task.
	lockTTL = 15 * time.Minute

	// unresolvedEventLimit caps events refreshed per run.
	unresolvedEventLimit = 200

	// DefaultTokenRetention is how long expired unsubscribe tokens are kept.
	DefaultTokenRetention = 30 * 24 * time.Hour
)

// Dispatcher sends due scheduled emails.
type Dispatcher interface {
	Run(ctx context.Context) (dispatch.RunResult, error)
}

// RetryScanner re-enqueues overdue retries.
type RetryScanner interface {
	Scan(ctx context.Context) (int, error)
}

// TokenPurger deletes expired unsubscribe tokens.
type TokenPurger interface {
	PurgeExpired(ctx context.Context, olderThan time.Duration) (int64, error)
}

// UnresolvedRefresher resolves send times for one event.
type UnresolvedRefresher interface {
	RefreshUnresolved(ctx context.Context, eventID string) (int, error)
}

// UnresolvedEventLister lists events that have unresolved emails.
type UnresolvedEventLister interface {
	ListEventsWithUnresolved(ctx context.Context, limit int) ([]string, error)
}

// ServiceRegistry holds the services the runner routes to.
type ServiceRegistry struct {
	Dispatcher Dispatcher
	Retries    RetryScanner
	Tokens     TokenPurger
	Refresher  UnresolvedRefresher
	Unresolved UnresolvedEventLister
}

// JobLocker abstracts the distributed lock.
type JobLocker interface {
	Acquire(ctx context.Context, lockID, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID, workerID string) error
}

// JobHistorian abstracts job history recording.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status db.JobStatus, items int, err error) error
}

// Runner executes maintenance payloads. One run of a task holds its lock so
// overlapping invocations skip instead of racing.
type Runner struct {
	Services       ServiceRegistry
	JobLock        JobLocker
	JobHistory     JobHistorian
	WorkerID       string
	TokenRetention time.Duration
	Logger         *slog.Logger
}

// Handle runs one payload:
//  1. Validates the task type.
//  2. Acquires the task lock; a held lock skips the run.
//  3. Records job start in job_history.
//  4. Routes to the service.
//  5. Records completion and releases the lock.
func (r *Runner) Handle(ctx context.Context, payload MaintenancePayload) (string, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !payload.Task.Valid() {
		return "", fmt.Errorf("unknown task type: %q", payload.Task)
	}

	task := string(payload.Task)
	lockID := "scheduler:" + task
	acquired, err := r.JobLock.Acquire(ctx, lockID, r.WorkerID, lockTTL)
	if err != nil {
		return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "job lock held by another worker, skipping", "lock_id", lockID)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}
	defer func() {
		if err := r.JobLock.Release(context.WithoutCancel(ctx), lockID, r.WorkerID); err != nil {
			logger.WarnContext(ctx, "failed to release job lock", "lock_id", lockID, "error", err)
		}
	}()

	jobID, err := r.JobHistory.Start(ctx, task)
	if err != nil {
		// History is best-effort; the task still runs.
		logger.ErrorContext(ctx, "failed to start job history", "task", task, "error", err)
		jobID = 0
	}

	started := time.Now()
	items, execErr := r.dispatch(ctx, payload)

	if jobID != 0 {
		status := db.JobSuccess
		if execErr != nil {
			status = db.JobFailed
		}
		if err := r.JobHistory.Finish(context.WithoutCancel(ctx), jobID, status, items, execErr); err != nil {
			logger.ErrorContext(ctx, "failed to finish job history", "job_id", jobID, "error", err)
		}
	}

	if execErr != nil {
		logger.ErrorContext(ctx, "task failed",
			"task", task,
			"items", items,
			"error", execErr,
		)
		return "", fmt.Errorf("task %s failed: %w", task, execErr)
	}

	logger.InfoContext(ctx, "task complete",
		"task", task,
		"items", items,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return fmt.Sprintf("task %s complete: %d items processed", task, items), nil
}

func (r *Runner) dispatch(ctx context.Context, payload MaintenancePayload) (int, error) {
	switch payload.Task {
	case TaskDispatchDue:
		res, err := r.Services.Dispatcher.Run(ctx)
		return res.Tally.Sent, err

	case TaskScanRetries:
		return r.Services.Retries.Scan(ctx)

	case TaskPurgeTokens:
		retention := r.TokenRetention
		if retention <= 0 {
			retention = DefaultTokenRetention
		}
		n, err := r.Services.Tokens.PurgeExpired(ctx, retention)
		return int(n), err

	case TaskRefreshUnresolved:
		return r.refreshUnresolved(ctx, payload.EventID)

	default:
		return 0, fmt.Errorf("unknown task type: %q", payload.Task)
	}
}

// refreshUnresolved continues past per-event failures and reports them joined.
func (r *Runner) refreshUnresolved(ctx context.Context, eventID string) (int, error) {
	eventIDs := []string{eventID}
	if eventID == "" {
		var err error
		eventIDs, err = r.Services.Unresolved.ListEventsWithUnresolved(ctx, unresolvedEventLimit)
		if err != nil {
			return 0, fmt.Errorf("listing events with unresolved emails: %w", err)
		}
	}

	total := 0
	var errs []error
	for _, id := range eventIDs {
		n, err := r.Services.Refresher.RefreshUnresolved(ctx, id)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", id, err))
		}
	}
	return total, errors.Join(errs...)
}
