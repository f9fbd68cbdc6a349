// Package main is the entrypoint for the Retry Worker Lambda function.
//
// The Retry Worker consumes delayed RetryTask messages. Each task re-sends a
// soft-bounced delivery once its next_retry_at has passed; a task arriving
// early (delays beyond the SQS maximum) is republished with another hop.
// Returning an error for a record leaves it on the queue for redelivery.
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
	"eventmail/internal/types"
	"eventmail/internal/worker"
)

// TaskExecutor runs one retry task.
type TaskExecutor interface {
	Execute(ctx context.Context, task types.RetryTask) error
}

// Handler holds the dependencies for the retry worker.
type Handler struct {
	engine TaskExecutor
	logger *slog.Logger
}

// Process executes one RetryTask record.
func (h *Handler) Process(ctx context.Context, record events.SQSMessage) error {
	var task types.RetryTask
	if err := json.Unmarshal([]byte(record.Body), &task); err != nil {
		return worker.Permanent(fmt.Errorf("unmarshal retry task: %w", err))
	}
	if task.DeliveryID == "" {
		return worker.Permanent(fmt.Errorf("retry task %s has no delivery id", record.MessageId))
	}

	h.logger.Info("processing retry task",
		"delivery_id", task.DeliveryID,
		"attempt", task.Attempt,
		"hops", task.Hops,
	)
	return h.engine.Execute(ctx, task)
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
	logger := logging.New(cfg.LogLevel).With("service", "retry-worker")
	logger.Info("Retry Worker initializing (cold start)", "version", cfg.Build.Version)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	container, err := app.Build(ctx, cfg, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("building services: %w", err)
	}
	defer container.Close()

	h := &Handler{engine: container.Retry, logger: logger}
	logger.Info("Retry Worker initialized",
		"retry_queue", cfg.AWS.RetryQueueURL,
		"max_retries", container.Retry.MaxRetries(),
		"email_provider", cfg.Email.Provider,
	)
	return worker.Start(worker.Handle(h.Process, logger), cfg.IsLocal(), logger)
}
