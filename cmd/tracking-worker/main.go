// Package main is the entrypoint for the Tracking Worker Lambda function.
//
// The Tracking Worker consumes TrackingBatch messages published by the
// SendGrid webhook receiver and applies each event to its delivery row
// through the tracker. Soft bounces hand off to the retry engine, which
// enqueues delayed retry tasks on the retry queue.
//
// Handler flow, per SQS record:
//  1. Unmarshal the TrackingBatch; a malformed body is discarded.
//  2. Apply every event. Failures are joined and the record is reported in
//     batchItemFailures; reapplying a batch is safe.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/joho/godotenv"

	"eventmail/internal/app"
	"eventmail/internal/config"
	"eventmail/internal/logging"
	"eventmail/internal/tracking"
	"eventmail/internal/types"
	"eventmail/internal/worker"
)

// BatchApplier applies normalized webhook events.
type BatchApplier interface {
	ApplyBatch(ctx context.Context, events []types.WebhookEvent) (tracking.BatchResult, error)
}

// Handler holds the dependencies for the tracking worker.
type Handler struct {
	tracker BatchApplier
	clock   types.Clock
	logger  *slog.Logger
}

// Process applies one TrackingBatch record.
func (h *Handler) Process(ctx context.Context, record events.SQSMessage) error {
	var batch types.TrackingBatch
	if err := json.Unmarshal([]byte(record.Body), &batch); err != nil {
		return worker.Permanent(fmt.Errorf("unmarshal tracking batch: %w", err))
	}

	logger := h.logger.With("batch_id", batch.BatchID, "message_id", record.MessageId)
	if lag, ok := worker.QueueLag(record, h.clock.Now()); ok {
		logger = logger.With("queue_lag_ms", lag.Milliseconds())
	}

	res, err := h.tracker.ApplyBatch(ctx, batch.Events)
	logger.Info("tracking batch applied",
		"events", len(batch.Events),
		"applied", res.Outcomes[tracking.OutcomeApplied],
		"duplicates", res.Outcomes[tracking.OutcomeDuplicate],
		"stale", res.Outcomes[tracking.OutcomeStale],
		"unresolved", res.Outcomes[tracking.OutcomeUnresolved],
		"failed", res.Failed,
	)
	if err != nil {
		return fmt.Errorf("apply tracking batch %s: %w", batch.BatchID, err)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(config.NewEnvVarProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := logging.New(cfg.LogLevel).With("service", "tracking-worker")
	logger.Info("Tracking Worker initializing (cold start)", "version", cfg.Build.Version)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	container, err := app.Build(ctx, cfg, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("building services: %w", err)
	}
	defer container.Close()

	h := &Handler{tracker: container.Tracker, clock: types.RealClock{}, logger: logger}
	logger.Info("Tracking Worker initialized",
		"retry_queue", cfg.AWS.RetryQueueURL,
		"replay_guard", container.Redis != nil,
	)
	return worker.Start(worker.Handle(h.Process, logger), cfg.IsLocal(), logger)
}
