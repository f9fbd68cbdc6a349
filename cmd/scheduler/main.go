// Package main is the entrypoint for the Scheduler Lambda function.
//
// EventBridge rules invoke the function with a MaintenancePayload naming one
// task (dispatch_due, scan_retries, refresh_unresolved or
// purge_unsubscribe_tokens). Outside Lambda the same runner is driven by an
// in-process cron using the intervals from the configuration, so a single
// binary covers local development and deployed schedules.
//
// Cold Start (main):
//  1. Load configuration and initialize the structured logger.
//  2. Build the service container (DB pool, SQS, CloudWatch, Redis).
//  3. Generate a worker ID for job lock ownership.
//  4. Register the runner with lambda.Start, or start the cron loop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"eventmail/internal/app"
	"eventmail/internal/config"
	"eventmail/internal/logging"
	"eventmail/internal/scheduler"
)

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
	logger := logging.New(cfg.LogLevel).With("service", "scheduler")
	logger.Info("Scheduler initializing (cold start)", "version", cfg.Build.Version)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	container, err := app.Build(ctx, cfg, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("building services: %w", err)
	}
	defer container.Close()

	runner := app.NewRunner(container, uuid.NewString(), logger)
	logger.Info("Scheduler initialized", "worker_id", runner.WorkerID)

	if isLambdaEnvironment() {
		lambda.Start(runner.Handle)
		return nil
	}
	return runCron(runner, cfg, logger)
}

// runCron drives the runner on the local schedule until SIGINT or SIGTERM.
func runCron(runner *scheduler.Runner, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	entries := scheduler.DefaultEntries(cfg.Dispatch.Interval, cfg.Retry.ScanInterval)
	c, err := scheduler.NewCron(ctx, runner, entries, logger)
	if err != nil {
		return err
	}
	for _, e := range entries {
		logger.Info("task scheduled", "task", e.Task, "spec", e.Spec)
	}

	c.Start()
	<-ctx.Done()
	logger.Info("shutdown signal received, waiting for running tasks")
	<-c.Stop().Done()
	return nil
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	return hasRuntimeAPI
}
