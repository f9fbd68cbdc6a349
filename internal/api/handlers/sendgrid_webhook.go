// Package handlers contains the HTTP handlers of the eventmail API.
//
// This file implements the SendGrid event webhook receiver. The route is
// public; authenticity comes from the signed event webhook headers.
package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"eventmail/internal/core"
	"eventmail/internal/external"
	"eventmail/internal/tracking"
	"eventmail/internal/types"
)

// maxEventWebhookBodySize bounds a SendGrid batch after decompression. SendGrid
// posts at most a few thousand events per request.
const maxEventWebhookBodySize = 5 << 20

// ---------------------------------------------------------------------------
// Interfaces for webhook handler dependencies
// ---------------------------------------------------------------------------

// EventWebhookVerifier authenticates a SendGrid signed event webhook request.
type EventWebhookVerifier interface {
	Verify(payload []byte, signature, timestamp string, now time.Time) error
}

// PayloadArchiver stores raw webhook bodies.
type PayloadArchiver interface {
	Archive(ctx context.Context, provider string, payload []byte) (string, error)
}

// TrackingPublisher enqueues normalized events for the tracking worker.
type TrackingPublisher interface {
	PublishTrackingBatch(ctx context.Context, batch types.TrackingBatch) error
}

// BatchApplier applies events synchronously. Used when enqueueing fails.
type BatchApplier interface {
	ApplyBatch(ctx context.Context, events []types.WebhookEvent) (tracking.BatchResult, error)
}

// ---------------------------------------------------------------------------
// SendGrid Webhook Handler
// ---------------------------------------------------------------------------

// SendGridWebhookHandler receives SendGrid event batches.
type SendGridWebhookHandler struct {
	verifier  EventWebhookVerifier
	archiver  PayloadArchiver
	publisher TrackingPublisher
	fallback  BatchApplier
	clock     types.Clock
	logger    *slog.Logger
	newID     func() string
}

// NewSendGridWebhookHandler creates a SendGridWebhookHandler. A nil verifier
// accepts unsigned requests and a nil archiver skips archiving. Either
// publisher or fallback must be set.
func NewSendGridWebhookHandler(
	verifier EventWebhookVerifier,
	archiver PayloadArchiver,
	publisher TrackingPublisher,
	fallback BatchApplier,
	clock types.Clock,
	logger *slog.Logger,
) *SendGridWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &SendGridWebhookHandler{
		verifier:  verifier,
		archiver:  archiver,
		publisher: publisher,
		fallback:  fallback,
		clock:     clock,
		logger:    logger,
		newID:     func() string { return "tb_" + uuid.NewString() },
	}
}

// RegisterRoutes mounts the SendGrid webhook endpoint on the public group.
func (h *SendGridWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/sendgrid", h.Handle)
}

// Handle processes one SendGrid event batch.
//
//  1. Reads the body, inflating it when Content-Encoding is gzip.
//  2. Verifies the signature over the decoded body (401 on failure).
//  3. Archives the raw payload when an archiver is configured.
//  4. Normalizes the batch, dropping untracked event types.
//  5. Publishes the batch to the tracking queue, or applies it inline
//     when publishing fails.
//  6. Returns 200 so SendGrid does not redeliver.
func (h *SendGridWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := readEventBody(w, r)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to read sendgrid webhook body", "error", err)
		acknowledge(w, r, 0)
		return
	}

	if h.verifier != nil {
		err := h.verifier.Verify(payload,
			r.Header.Get(external.SendGridSignatureHeader),
			r.Header.Get(external.SendGridTimestampHeader),
			h.clock.Now())
		if err != nil {
			h.logger.WarnContext(ctx, "sendgrid webhook signature rejected", "error", err)
			core.Error(w, r, err)
			return
		}
	}

	if h.archiver != nil {
		if key, err := h.archiver.Archive(ctx, "sendgrid", payload); err != nil {
			h.logger.WarnContext(ctx, "failed to archive sendgrid webhook", "error", err)
		} else {
			h.logger.DebugContext(ctx, "archived sendgrid webhook", "key", key)
		}
	}

	events, skipped, err := tracking.ParseSendGridEvents(payload)
	if err != nil {
		h.logger.WarnContext(ctx, "malformed sendgrid webhook payload", "error", err, "bytes", len(payload))
		acknowledge(w, r, 0)
		return
	}
	if len(events) == 0 {
		acknowledge(w, r, 0)
		return
	}

	batch := types.TrackingBatch{
		BatchID:    h.newID(),
		ReceivedAt: h.clock.Now().UTC(),
		Events:     events,
	}
	h.logger.InfoContext(ctx, "received sendgrid webhook batch",
		"batch_id", batch.BatchID,
		"events", len(events),
		"skipped", skipped,
	)

	if err := h.enqueue(ctx, batch); err != nil {
		h.logger.ErrorContext(ctx, "sendgrid webhook batch not fully processed",
			"batch_id", batch.BatchID,
			"error", err,
		)
	}
	acknowledge(w, r, len(events))
}

// enqueue publishes the batch and falls back to inline application. The
// fallback runs on a context detached from the request deadline.
func (h *SendGridWebhookHandler) enqueue(ctx context.Context, batch types.TrackingBatch) error {
	var pubErr error
	if h.publisher != nil {
		pubErr = h.publisher.PublishTrackingBatch(ctx, batch)
		if pubErr == nil {
			return nil
		}
		h.logger.WarnContext(ctx, "tracking enqueue failed, applying inline",
			"batch_id", batch.BatchID,
			"error", pubErr,
		)
	}
	if h.fallback == nil {
		return fmt.Errorf("publish tracking batch: %w", pubErr)
	}

	inline, cancel := context.WithTimeout(context.WithoutCancel(ctx), 20*time.Second)
	defer cancel()
	res, err := h.fallback.ApplyBatch(inline, batch.Events)
	h.logger.InfoContext(ctx, "applied sendgrid batch inline",
		"batch_id", batch.BatchID,
		"failed", res.Failed,
	)
	return err
}

func readEventBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEventWebhookBodySize)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get("Content-Encoding")), "gzip") {
		return raw, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gzip header: %w", err)
	}
	defer zr.Close()

	inflated, err := io.ReadAll(io.LimitReader(zr, maxEventWebhookBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("gzip body: %w", err)
	}
	if len(inflated) > maxEventWebhookBodySize {
		return nil, errors.New("inflated body exceeds limit")
	}
	return inflated, nil
}

type webhookAck struct {
	Received int `json:"received"`
}

func acknowledge(w http.ResponseWriter, r *http.Request, n int) {
	core.Data(w, r, http.StatusOK, webhookAck{Received: n})
}
