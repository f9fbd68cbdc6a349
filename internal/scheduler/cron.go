package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskHandler runs one maintenance payload. *Runner implements it.
type TaskHandler interface {
	Handle(ctx context.Context, payload MaintenancePayload) (string, error)
}

// Entry binds a task to a cron spec. Specs accept the standard five fields
// and descriptors such as "@every 5m" or "@daily".
type Entry struct {
	Task TaskType
	Spec string
}

// DefaultEntries is the local schedule matching the deployed EventBridge rules.
func DefaultEntries(dispatchEvery, scanEvery time.Duration) []Entry {
	return []Entry{
		{Task: TaskDispatchDue, Spec: every(dispatchEvery, 5*time.Minute)},
		{Task: TaskScanRetries, Spec: every(scanEvery, 30*time.Minute)},
		{Task: TaskRefreshUnresolved, Spec: "@hourly"},
		{Task: TaskPurgeTokens, Spec: "@daily"},
	}
}

func every(d, fallback time.Duration) string {
	if d <= 0 {
		d = fallback
	}
	return "@every " + d.String()
}

// NewCron registers entries on a cron whose jobs call h. A run still in
// progress when its next tick fires is skipped. The caller starts and stops
// the returned cron.
func NewCron(ctx context.Context, h TaskHandler, entries []Entry, logger *slog.Logger) (*cron.Cron, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, e := range entries {
		if !e.Task.Valid() {
			return nil, fmt.Errorf("unknown task type: %q", e.Task)
		}
		payload := MaintenancePayload{Task: e.Task}
		_, err := c.AddFunc(e.Spec, func() {
			msg, err := h.Handle(ctx, payload)
			if err != nil {
				logger.ErrorContext(ctx, "scheduled task failed", "task", payload.Task, "error", err)
				return
			}
			logger.DebugContext(ctx, "scheduled task finished", "task", payload.Task, "result", msg)
		})
		if err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", e.Task, e.Spec, err)
		}
	}
	return c, nil
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
