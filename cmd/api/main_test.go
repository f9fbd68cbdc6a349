package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"eventmail/internal/app"
	"eventmail/internal/config"
	"eventmail/internal/core"
	"eventmail/internal/types"
)

const testAdminKey = "test-admin-key-0123456789"

func testConfig() *config.Config {
	return &config.Config{
		Environment: "local",
		LogLevel:    "error",
		Server: config.ServerConfig{
			Port:           "8080",
			APIExternalURL: "http://localhost:8080",
			RequestTimeout: 5 * time.Second,
		},
		Billing:  config.BillingConfig{StripeWebhookSecret: "whsec_test"},
		Security: config.SecurityConfig{AdminAPIKey: types.SecretString(testAdminKey)},
	}
}

// buildTestServer wires the router over an empty container. Only routes that
// reject or acknowledge before touching a service are exercised.
func buildTestServer(t *testing.T, cfg *config.Config) *core.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := newServer(cfg, logger, &app.Container{Config: cfg, Logger: logger})
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	return srv
}

func serve(srv *core.Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv := buildTestServer(t, testConfig())

	rec := serve(srv, http.MethodGet, "/health", "", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health: got status %d, want %d; body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("GET /health: got status=%v, want healthy", resp["status"])
	}
}

func TestAdminRoutesRequireKey(t *testing.T) {
	srv := buildTestServer(t, testConfig())

	rec := serve(srv, http.MethodGet, "/v1/events/evt_1/email-stats", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: got %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	rec = serve(srv, http.MethodGet, "/v1/events/evt_1/email-stats", "", map[string]string{"X-Api-Key": "wrong-key-0123456789"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: got %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	srv := buildTestServer(t, testConfig())

	rec := serve(srv, http.MethodPost, "/v1/webhooks/stripe", `{"id":"evt_1"}`,
		map[string]string{"Stripe-Signature": "t=1,v1=00"})

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("got %d, want %d; body: %s", rec.Code, http.StatusUnauthorized, rec.Body.String())
	}
}

func TestStripeWebhookDisabledWithoutSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Billing.StripeWebhookSecret = ""
	srv := buildTestServer(t, cfg)

	rec := serve(srv, http.MethodPost, "/v1/webhooks/stripe", `{}`, nil)

	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("got %d, want route to be absent", rec.Code)
	}
}

func TestSendGridWebhookAcknowledgesMalformedBatch(t *testing.T) {
	srv := buildTestServer(t, testConfig())

	rec := serve(srv, http.MethodPost, "/v1/webhooks/sendgrid", `not json`,
		map[string]string{"Content-Type": "application/json"})

	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want %d; body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"received":0`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestNewServerRejectsBadWebhookKey(t *testing.T) {
	cfg := testConfig()
	cfg.Email.WebhookPublicKey = "not-a-key"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if _, err := newServer(cfg, logger, &app.Container{Config: cfg, Logger: logger}); err == nil {
		t.Fatal("expected error for malformed webhook public key")
	}
}
