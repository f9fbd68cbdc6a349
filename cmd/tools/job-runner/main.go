// Package main implements the job-runner CLI for invoking scheduler tasks
// directly, bypassing the AWS Lambda shim.
//
// This tool is intended for local development, manual backfilling, and
// operational debugging. It builds a scheduler.MaintenancePayload and runs it
// through the same runner the scheduler function uses, so job locks and job
// history behave identically.
//
// Usage:
//
//	go run ./cmd/tools/job-runner --task=dispatch_due
//	go run ./cmd/tools/job-runner --task=refresh_unresolved --event-id=evt_123
//	go run ./cmd/tools/job-runner --dry-run --task=scan_retries
//	go run ./cmd/tools/job-runner --list
//
// Configuration is read from the environment (or a .env file via godotenv).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"eventmail/internal/app"
	"eventmail/internal/config"
	"eventmail/internal/logging"
	"eventmail/internal/scheduler"
)

func main() {
	taskFlag := flag.String("task", "", "Task type to execute (e.g., dispatch_due)")
	eventFlag := flag.String("event-id", "", "Limit refresh_unresolved to one event")
	listFlag := flag.Bool("list", false, "List all available task types and exit")
	dryRunFlag := flag.Bool("dry-run", false, "Print the JSON payload without executing")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: job-runner [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Invoke scheduler tasks directly, bypassing Lambda.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nUse --list to see all available task types.\n")
	}
	flag.Parse()

	if *listFlag {
		printAvailableTasks(os.Stdout)
		return
	}

	payload, err := buildPayload(*taskFlag, *eventFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
		printAvailableTasks(os.Stderr)
		os.Exit(1)
	}

	if *dryRunFlag {
		if err := printPayload(os.Stdout, payload); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := execute(payload); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// buildPayload validates the flags and constructs the payload.
func buildPayload(task, eventID string) (scheduler.MaintenancePayload, error) {
	if task == "" {
		return scheduler.MaintenancePayload{}, fmt.Errorf("--task is required")
	}
	taskType := scheduler.TaskType(task)
	if !taskType.Valid() {
		return scheduler.MaintenancePayload{}, fmt.Errorf("unknown task type %q", task)
	}
	if eventID != "" && taskType != scheduler.TaskRefreshUnresolved {
		return scheduler.MaintenancePayload{}, fmt.Errorf("--event-id only applies to %s", scheduler.TaskRefreshUnresolved)
	}
	return scheduler.MaintenancePayload{Task: taskType, EventID: eventID}, nil
}

func execute(payload scheduler.MaintenancePayload) error {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(config.NewEnvVarProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := logging.New(cfg.LogLevel).With("service", "job-runner")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	container, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building services: %w", err)
	}
	defer container.Close()

	runner := app.NewRunner(container, "job-runner-"+uuid.NewString(), logger)
	result, err := runner.Handle(ctx, payload)
	if err != nil {
		return err
	}
	logger.Info("task execution succeeded", "task", payload.Task, "result", result)
	return nil
}

func printAvailableTasks(w io.Writer) {
	fmt.Fprintf(w, "Available tasks:\n\n")
	for _, t := range scheduler.Tasks {
		fmt.Fprintf(w, "  %-26s %s\n", t.Type, t.Description)
	}
}

func printPayload(w io.Writer, payload scheduler.MaintenancePayload) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}
