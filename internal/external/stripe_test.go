package external

import (
	"encoding/json"
	"testing"

	stripe "github.com/stripe/stripe-go/v82"

	"eventmail/internal/types"
)

const testStripeSecret = "whsec_test_secret"

func signedStripeEvent(t *testing.T, eventType string, object map[string]any) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          "evt_1",
		"object":      "event",
		"api_version": stripe.APIVersion,
		"type":        eventType,
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	sp := stripe.GenerateTestSignedPayload(&stripe.UnsignedPayload{
		Payload: payload,
		Secret:  testStripeSecret,
	})
	return payload, sp.Header
}

func TestStripePaymentParser_PaymentIntentSucceeded(t *testing.T) {
	payload, header := signedStripeEvent(t, EventStripePaymentSucceeded, map[string]any{
		"id":       "pi_1",
		"object":   "payment_intent",
		"metadata": map[string]string{"registration_id": "reg_1", "event_id": "evt_db_1"},
	})

	got, err := NewStripePaymentParser(testStripeSecret).Parse(payload, header)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("expected confirmation")
	}
	if got.RegistrationID != "reg_1" || got.EventID != "evt_db_1" || got.ProviderEventID != "evt_1" {
		t.Errorf("confirmation = %+v", got)
	}
}

func TestStripePaymentParser_CheckoutFallsBackToClientReference(t *testing.T) {
	payload, header := signedStripeEvent(t, EventStripeCheckoutComplete, map[string]any{
		"id":                  "cs_1",
		"object":              "checkout.session",
		"payment_status":      "paid",
		"client_reference_id": "reg_9",
	})

	got, err := NewStripePaymentParser(testStripeSecret).Parse(payload, header)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.RegistrationID != "reg_9" {
		t.Errorf("confirmation = %+v, want reg_9", got)
	}
}

func TestStripePaymentParser_IgnoresUnrelatedEvents(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		object    map[string]any
	}{
		{"other type", "customer.created", map[string]any{"id": "cus_1", "object": "customer"}},
		{"no metadata", EventStripePaymentSucceeded, map[string]any{"id": "pi_2", "object": "payment_intent"}},
		{"unpaid checkout", EventStripeCheckoutComplete, map[string]any{
			"id": "cs_2", "object": "checkout.session", "payment_status": "unpaid",
			"metadata": map[string]string{"registration_id": "reg_2"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, header := signedStripeEvent(t, tt.eventType, tt.object)
			got, err := NewStripePaymentParser(testStripeSecret).Parse(payload, header)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != nil {
				t.Errorf("expected nil confirmation, got %+v", got)
			}
		})
	}
}

func TestStripePaymentParser_RejectsBadSignature(t *testing.T) {
	payload, _ := signedStripeEvent(t, EventStripePaymentSucceeded, map[string]any{"id": "pi_1"})
	header := "t=1234567890,v1=badbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbad"

	p := NewStripePaymentParser(testStripeSecret)
	if _, err := p.Parse(payload, header); !types.IsCode(err, types.ErrCodeAuthSignatureInvalid) {
		t.Errorf("err = %v, want auth_signature_invalid", err)
	}
	if _, err := p.Parse(payload, ""); !types.IsCode(err, types.ErrCodeAuthSignatureInvalid) {
		t.Errorf("missing header err = %v, want auth_signature_invalid", err)
	}
}
