package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"

	"eventmail/internal/dispatch"
	"eventmail/internal/external"
	"eventmail/internal/types"
)

const testStripeSecret = "whsec_test_secret"

// ---------------------------------------------------------------------------
// Mock Implementations
// ---------------------------------------------------------------------------

type fireCall struct {
	EventID        string
	RegistrationID string
	Trigger        types.TriggerType
}

type mockFirer struct {
	calls []fireCall
	res   *dispatch.FireResult
	err   error
}

func (m *mockFirer) Fire(ctx context.Context, eventID, registrationID string, trigger types.TriggerType) (*dispatch.FireResult, error) {
	m.calls = append(m.calls, fireCall{eventID, registrationID, trigger})
	if m.err != nil {
		return nil, m.err
	}
	if m.res != nil {
		return m.res, nil
	}
	return &dispatch.FireResult{Trigger: trigger, Matched: 1, Tally: dispatch.Tally{Sent: 1}}, nil
}

type mockRegistrationLookup struct {
	eventID string
	err     error
	lookups []string
}

func (m *mockRegistrationLookup) GetRegistration(ctx context.Context, id string) (*types.Recipient, string, error) {
	m.lookups = append(m.lookups, id)
	if m.err != nil {
		return nil, "", m.err
	}
	return &types.Recipient{RegistrationID: id, Email: "ada@example.com"}, m.eventID, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func signedStripeWebhook(t *testing.T, eventType string, object map[string]any) ([]byte, string) {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]any{
		"id":          "evt_stripe_1",
		"object":      "event",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"data":        map[string]any{"object": json.RawMessage(raw)},
	})
	require.NoError(t, err)
	sp := stripe.GenerateTestSignedPayload(&stripe.UnsignedPayload{
		Payload: payload,
		Secret:  testStripeSecret,
	})
	return payload, sp.Header
}

func newStripeHandler(firer *mockFirer, regs *mockRegistrationLookup) *StripeWebhookHandler {
	return NewStripeWebhookHandler(external.NewStripePaymentParser(testStripeSecret), firer, regs, discardLogger())
}

func postStripe(h *StripeWebhookHandler, payload []byte, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	if header != "" {
		req.Header.Set("Stripe-Signature", header)
	}
	rr := httptest.NewRecorder()
	h.Handle(rr, req)
	return rr
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestStripeWebhook_PaymentFiresTrigger(t *testing.T) {
	firer := &mockFirer{}
	regs := &mockRegistrationLookup{}
	h := newStripeHandler(firer, regs)

	payload, header := signedStripeWebhook(t, external.EventStripePaymentSucceeded, map[string]any{
		"id":       "pi_1",
		"object":   "payment_intent",
		"metadata": map[string]string{"registration_id": "reg_1", "event_id": "evt_1"},
	})
	rr := postStripe(h, payload, header)

	assert.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, firer.calls, 1)
	assert.Equal(t, fireCall{"evt_1", "reg_1", types.TriggerOnPaymentReceived}, firer.calls[0])
	assert.Empty(t, regs.lookups, "event id from metadata needs no lookup")
}

func TestStripeWebhook_ResolvesEventFromRegistration(t *testing.T) {
	firer := &mockFirer{}
	regs := &mockRegistrationLookup{eventID: "evt_9"}
	h := newStripeHandler(firer, regs)

	payload, header := signedStripeWebhook(t, external.EventStripeCheckoutComplete, map[string]any{
		"id":                  "cs_1",
		"object":              "checkout.session",
		"payment_status":      "paid",
		"client_reference_id": "reg_7",
	})
	rr := postStripe(h, payload, header)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"reg_7"}, regs.lookups)
	require.Len(t, firer.calls, 1)
	assert.Equal(t, "evt_9", firer.calls[0].EventID)
}

func TestStripeWebhook_InvalidSignature(t *testing.T) {
	firer := &mockFirer{}
	h := newStripeHandler(firer, &mockRegistrationLookup{})

	payload, _ := signedStripeWebhook(t, external.EventStripePaymentSucceeded, map[string]any{"id": "pi_1"})

	rr := postStripe(h, payload, "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = postStripe(h, payload, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Empty(t, firer.calls)
}

func TestStripeWebhook_IgnoresOtherEvents(t *testing.T) {
	firer := &mockFirer{}
	h := newStripeHandler(firer, &mockRegistrationLookup{})

	payload, header := signedStripeWebhook(t, "customer.created", map[string]any{"id": "cus_1", "object": "customer"})
	rr := postStripe(h, payload, header)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, firer.calls)
}

func TestStripeWebhook_UnknownRegistrationAcknowledged(t *testing.T) {
	firer := &mockFirer{}
	regs := &mockRegistrationLookup{err: types.NewAppError(types.ErrCodeNotFoundRegistration, "registration not found", nil)}
	h := newStripeHandler(firer, regs)

	payload, header := signedStripeWebhook(t, external.EventStripePaymentSucceeded, map[string]any{
		"id":       "pi_1",
		"object":   "payment_intent",
		"metadata": map[string]string{"registration_id": "reg_gone"},
	})
	rr := postStripe(h, payload, header)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, firer.calls)
}

func TestStripeWebhook_FireFailureAsksForRedelivery(t *testing.T) {
	firer := &mockFirer{err: types.NewAppError(types.ErrCodeInternalDB, "failed to list scheduled emails", errors.New("conn reset"))}
	h := newStripeHandler(firer, &mockRegistrationLookup{})

	payload, header := signedStripeWebhook(t, external.EventStripePaymentSucceeded, map[string]any{
		"id":       "pi_1",
		"object":   "payment_intent",
		"metadata": map[string]string{"registration_id": "reg_1", "event_id": "evt_1"},
	})
	rr := postStripe(h, payload, header)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Len(t, firer.calls, 1)
}
