// Package worker holds the SQS Lambda plumbing shared by the tracking and
// retry workers: per-record dispatch with partial batch responses, and a
// local mode that reads one SQS event from stdin.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
)

// RecordFunc processes one SQS message. A non-nil error asks SQS to
// redeliver only that message.
type RecordFunc func(ctx context.Context, record events.SQSMessage) error

// SQSHandler is the Lambda handler signature for SQS event sources.
type SQSHandler func(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error)

// ErrPermanent marks a record that will never succeed. The record is
// acknowledged and logged instead of redelivered.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so that Handle acknowledges the record.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Handle returns an SQSHandler that runs fn for every record and reports the
// failed ones in BatchItemFailures.
func Handle(fn RecordFunc, logger *slog.Logger) SQSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
		var resp events.SQSEventResponse
		for _, record := range event.Records {
			err := fn(ctx, record)
			switch {
			case err == nil:
			case errors.Is(err, ErrPermanent):
				logger.ErrorContext(ctx, "discarding SQS message",
					"message_id", record.MessageId,
					"error", err,
				)
			default:
				logger.ErrorContext(ctx, "failed to process SQS message",
					"message_id", record.MessageId,
					"error", err,
				)
				resp.BatchItemFailures = append(resp.BatchItemFailures,
					events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
				)
			}
		}
		return resp, nil
	}
}

// QueueLag reports how long the record waited in the queue, from the
// SentTimestamp attribute.
func QueueLag(record events.SQSMessage, now time.Time) (time.Duration, bool) {
	raw, ok := record.Attributes["SentTimestamp"]
	if !ok {
		return 0, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return now.Sub(time.UnixMilli(ms)), true
}

// RunLocal reads one JSON SQS event from r and runs h on it. Partial failures
// are written to w as the JSON response.
//
//	echo '{"Records":[{"messageId":"1","body":"{...}"}]}' | go run ./cmd/tracking-worker
func RunLocal(ctx context.Context, h SQSHandler, r io.Reader, w io.Writer, logger *slog.Logger) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	if len(payload) == 0 {
		return errors.New("no input received on stdin")
	}
	var event events.SQSEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("parsing stdin as SQS event: %w", err)
	}

	resp, err := h(ctx, event)
	if err != nil {
		return fmt.Errorf("handler execution failed: %w", err)
	}
	if len(resp.BatchItemFailures) > 0 {
		logger.Warn("handler reported partial failures", "failed_count", len(resp.BatchItemFailures))
		out, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Fprintln(w, string(out))
	}
	logger.Info("handler execution completed",
		"records_processed", len(event.Records),
		"failures", len(resp.BatchItemFailures),
	)
	return nil
}

// Start runs h under the Lambda runtime, or once against stdin when local is
// set.
func Start(h SQSHandler, local bool, logger *slog.Logger) error {
	if local {
		logger.Info("APP_ENV=local: reading SQS event from stdin")
		return RunLocal(context.Background(), h, os.Stdin, os.Stderr, logger)
	}
	lambda.Start(h)
	return nil
}
