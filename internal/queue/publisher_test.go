package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"eventmail/internal/config"
	"eventmail/internal/types"
)

// mockSQSSender captures SendMessage calls.
type mockSQSSender struct {
	calls []*sqs.SendMessageInput
	err   error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

const (
	testTrackingURL = "https://sqs.us-east-1.amazonaws.com/123456789/tracking-events"
	testRetryURL    = "https://sqs.us-east-1.amazonaws.com/123456789/email-retries"
)

var testNow = time.Date(2025, 6, 9, 9, 5, 0, 0, time.UTC)

func newTestPublisher(mock *mockSQSSender) *Publisher {
	return NewPublisher(mock, config.AWSConfig{
		TrackingQueueURL: testTrackingURL,
		RetryQueueURL:    testRetryURL,
	}, types.FixedClock{T: testNow}, slog.Default())
}

func TestPublishTrackingBatch(t *testing.T) {
	mock := &mockSQSSender{}
	batch := types.TrackingBatch{
		BatchID:    "b1",
		ReceivedAt: testNow,
		Events: []types.WebhookEvent{
			{Type: types.WebhookDelivered, MessageID: "abc", Email: "a@example.com", Timestamp: testNow},
		},
	}

	if err := newTestPublisher(mock).PublishTrackingBatch(context.Background(), batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(mock.calls))
	}
	call := mock.calls[0]
	if *call.QueueUrl != testTrackingURL {
		t.Errorf("queue URL = %q", *call.QueueUrl)
	}

	var decoded types.TrackingBatch
	if err := json.Unmarshal([]byte(*call.MessageBody), &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.BatchID != "b1" || len(decoded.Events) != 1 || decoded.Events[0].MessageID != "abc" {
		t.Errorf("decoded batch = %+v", decoded)
	}
	if *call.MessageAttributes["batch_id"].StringValue != "b1" {
		t.Errorf("batch_id attribute missing")
	}
}

func TestPublishRetry_DelayIsCappedAtQueueMaximum(t *testing.T) {
	tests := []struct {
		name      string
		notBefore time.Time
		want      int32
	}{
		{"due now", testNow, 0},
		{"past due", testNow.Add(-time.Hour), 0},
		{"within cap", testNow.Add(10 * time.Minute), 600},
		{"beyond cap", testNow.Add(time.Hour), 900},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockSQSSender{}
			task := types.RetryTask{DeliveryID: "d1", Attempt: 1, NotBefore: tt.notBefore}
			if err := newTestPublisher(mock).PublishRetry(context.Background(), task); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			call := mock.calls[0]
			if *call.QueueUrl != testRetryURL {
				t.Errorf("queue URL = %q", *call.QueueUrl)
			}
			if call.DelaySeconds != tt.want {
				t.Errorf("DelaySeconds = %d, want %d", call.DelaySeconds, tt.want)
			}
		})
	}
}

func TestPublisher_SQSFailureIsQueueError(t *testing.T) {
	mock := &mockSQSSender{err: errors.New("throttled")}
	p := newTestPublisher(mock)

	err := p.PublishRetry(context.Background(), types.RetryTask{DeliveryID: "d1", NotBefore: testNow})
	if !types.IsCode(err, types.ErrCodeInternalQueue) {
		t.Errorf("PublishRetry err = %v, want internal_queue_error", err)
	}
	err = p.PublishTrackingBatch(context.Background(), types.TrackingBatch{BatchID: "b"})
	if !types.IsCode(err, types.ErrCodeInternalQueue) {
		t.Errorf("PublishTrackingBatch err = %v, want internal_queue_error", err)
	}
}

func TestPublisher_UnconfiguredQueue(t *testing.T) {
	mock := &mockSQSSender{}
	p := NewPublisher(mock, config.AWSConfig{}, nil, nil)

	if err := p.PublishRetry(context.Background(), types.RetryTask{DeliveryID: "d1"}); err == nil {
		t.Error("expected error for missing retry queue")
	}
	if len(mock.calls) != 0 {
		t.Errorf("expected no SQS calls, got %d", len(mock.calls))
	}
}
