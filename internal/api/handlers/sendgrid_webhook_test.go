package handlers

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventmail/internal/external"
	"eventmail/internal/tracking"
	"eventmail/internal/types"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const sendGridBatch = `[
  {"event":"delivered","email":"Ada@Example.com","timestamp":1773489600,"sg_message_id":"msg1.filter0001","sg_event_id":"ev1"},
  {"event":"open","email":"ada@example.com","timestamp":1773489601,"sg_message_id":"msg1.filter0001","sg_event_id":"ev2"},
  {"event":"bounce","email":"bob@example.com","timestamp":1773489602,"sg_message_id":"msg2.filter0002","sg_event_id":"ev3","type":"blocked","reason":"mailbox full"}
]`

// --- Fakes ---

type fakeEventVerifier struct {
	err   error
	calls int
	got   []byte
}

func (f *fakeEventVerifier) Verify(payload []byte, signature, timestamp string, now time.Time) error {
	f.calls++
	f.got = payload
	return f.err
}

type fakeArchiver struct {
	payloads [][]byte
	err      error
}

func (f *fakeArchiver) Archive(ctx context.Context, provider string, payload []byte) (string, error) {
	f.payloads = append(f.payloads, payload)
	return provider + "/key", f.err
}

type fakeTrackingPublisher struct {
	batches []types.TrackingBatch
	err     error
}

func (f *fakeTrackingPublisher) PublishTrackingBatch(ctx context.Context, batch types.TrackingBatch) error {
	f.batches = append(f.batches, batch)
	return f.err
}

type fakeBatchApplier struct {
	events []types.WebhookEvent
	err    error
}

func (f *fakeBatchApplier) ApplyBatch(ctx context.Context, events []types.WebhookEvent) (tracking.BatchResult, error) {
	f.events = append(f.events, events...)
	return tracking.BatchResult{Outcomes: map[tracking.Outcome]int{tracking.OutcomeApplied: len(events)}}, f.err
}

type sendGridHarness struct {
	verifier  *fakeEventVerifier
	archiver  *fakeArchiver
	publisher *fakeTrackingPublisher
	fallback  *fakeBatchApplier
	router    chi.Router
}

func newSendGridHarness(withVerifier bool) *sendGridHarness {
	h := &sendGridHarness{
		verifier:  &fakeEventVerifier{},
		archiver:  &fakeArchiver{},
		publisher: &fakeTrackingPublisher{},
		fallback:  &fakeBatchApplier{},
	}
	var verifier EventWebhookVerifier
	if withVerifier {
		verifier = h.verifier
	}
	handler := NewSendGridWebhookHandler(verifier, h.archiver, h.publisher, h.fallback,
		types.FixedClock{T: testNow}, discardLogger())
	handler.newID = func() string { return "tb_test" }

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	h.router = r
	return h
}

func (h *sendGridHarness) post(body []byte, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sendgrid", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

// --- Tests ---

func TestSendGridWebhook_PublishesNormalizedBatch(t *testing.T) {
	h := newSendGridHarness(true)

	rr := h.post([]byte(sendGridBatch), nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"data":{"received":2}}`, rr.Body.String())
	require.Len(t, h.publisher.batches, 1)

	batch := h.publisher.batches[0]
	assert.Equal(t, "tb_test", batch.BatchID)
	assert.Equal(t, testNow, batch.ReceivedAt)
	require.Len(t, batch.Events, 2)
	assert.Equal(t, types.WebhookDelivered, batch.Events[0].Type)
	assert.Equal(t, "msg1", batch.Events[0].MessageID)
	assert.Equal(t, "ada@example.com", batch.Events[0].Email)
	assert.Equal(t, types.WebhookBounce, batch.Events[1].Type)
	assert.Equal(t, "mailbox full", batch.Events[1].Reason)

	assert.Equal(t, 1, h.verifier.calls)
	require.Len(t, h.archiver.payloads, 1)
	assert.Equal(t, sendGridBatch, string(h.archiver.payloads[0]))
	assert.Empty(t, h.fallback.events)
}

func TestSendGridWebhook_BadSignatureIs401(t *testing.T) {
	h := newSendGridHarness(true)
	h.verifier.err = types.NewAppError(types.ErrCodeAuthSignatureInvalid, "webhook signature mismatch", nil)

	rr := h.post([]byte(sendGridBatch), nil)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), string(types.ErrCodeAuthSignatureInvalid))
	assert.Empty(t, h.publisher.batches)
	assert.Empty(t, h.archiver.payloads, "unverified payloads are not archived")
}

func TestSendGridWebhook_MalformedBodyIsAcknowledged(t *testing.T) {
	h := newSendGridHarness(false)

	rr := h.post([]byte(`{"event":"delivered"}`), nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"data":{"received":0}}`, rr.Body.String())
	assert.Empty(t, h.publisher.batches)
	assert.Empty(t, h.fallback.events)
}

func TestSendGridWebhook_OnlyUntrackedEvents(t *testing.T) {
	h := newSendGridHarness(false)

	rr := h.post([]byte(`[{"event":"click","sg_message_id":"m.f","timestamp":1}]`), nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, h.publisher.batches)
}

func TestSendGridWebhook_EnqueueFailureAppliesInline(t *testing.T) {
	h := newSendGridHarness(false)
	h.publisher.err = errors.New("sqs unavailable")

	rr := h.post([]byte(sendGridBatch), nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, h.fallback.events, 2)
	assert.Equal(t, "msg2", h.fallback.events[1].MessageID)
}

func TestSendGridWebhook_InlineFailureStillAcknowledged(t *testing.T) {
	h := newSendGridHarness(false)
	h.publisher.err = errors.New("sqs unavailable")
	h.fallback.err = errors.New("db down")

	rr := h.post([]byte(sendGridBatch), nil)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestSendGridWebhook_ArchiveFailureDoesNotBlock(t *testing.T) {
	h := newSendGridHarness(false)
	h.archiver.err = errors.New("s3 down")

	rr := h.post([]byte(sendGridBatch), nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, h.publisher.batches, 1)
}

func TestSendGridWebhook_GzipBody(t *testing.T) {
	h := newSendGridHarness(true)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(sendGridBatch))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	rr := h.post(buf.Bytes(), http.Header{"Content-Encoding": {"gzip"}})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, sendGridBatch, string(h.verifier.got), "signature is checked over the inflated body")
	require.Len(t, h.publisher.batches, 1)
	assert.Len(t, h.publisher.batches[0].Events, 2)
}

func TestSendGridWebhook_CorruptGzipIsAcknowledged(t *testing.T) {
	h := newSendGridHarness(true)

	rr := h.post([]byte("not gzip"), http.Header{"Content-Encoding": {"gzip"}})

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Zero(t, h.verifier.calls)
	assert.Empty(t, h.publisher.batches)
}

func TestSendGridWebhook_RealSignature(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	verifier, err := external.NewSendGridVerifier(base64.StdEncoding.EncodeToString(der), 10*time.Minute)
	require.NoError(t, err)

	publisher := &fakeTrackingPublisher{}
	handler := NewSendGridWebhookHandler(verifier, nil, publisher, nil, types.FixedClock{T: testNow}, discardLogger())

	ts := strconv.FormatInt(testNow.Unix(), 10)
	digest := sha256.Sum256(append([]byte(ts), sendGridBatch...))
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	require.NoError(t, err)

	send := func(signature string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/sendgrid", bytes.NewReader([]byte(sendGridBatch)))
		req.Header.Set(external.SendGridSignatureHeader, signature)
		req.Header.Set(external.SendGridTimestampHeader, ts)
		rr := httptest.NewRecorder()
		handler.Handle(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusOK, send(base64.StdEncoding.EncodeToString(sig)))
	assert.Len(t, publisher.batches, 1)

	assert.Equal(t, http.StatusUnauthorized, send(""))
	assert.Len(t, publisher.batches, 1)
}
