package types

import (
	"context"
	"time"
)

// Validator is implemented by entities to self-validate.
type Validator interface {
	Validate() error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// FixedClock is a Clock that always returns the same instant.
type FixedClock struct {
	T time.Time
}

// Now returns the fixed instant.
func (c FixedClock) Now() time.Time { return c.T }

// Logger defines the structured logging interface used by domain services.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

// MetricsRecorder counts engine outcomes. Failures to publish are logged by
// the implementation and never returned to the caller.
type MetricsRecorder interface {
	Count(ctx context.Context, name string, value float64, dims map[string]string)
}

// NoopMetrics discards every metric.
type NoopMetrics struct{}

// Count implements MetricsRecorder.
func (NoopMetrics) Count(context.Context, string, float64, map[string]string) {}
