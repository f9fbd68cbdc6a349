package external

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"eventmail/internal/types"
)

func newTestSendGridClient(url string) *SendGridClient {
	return NewSendGridClientWithBase(newTestClient(0), SendGridClientConfig{
		APIKey:  "SG.test",
		BaseURL: url,
	})
}

func testSendInput() types.SendInput {
	return types.SendInput{
		To:       "vendor@example.com",
		ToName:   "Vendor",
		From:     "events@example.com",
		FromName: "Event Team",
		Subject:  "See you tomorrow",
		BodyHTML: "<p>Hello</p>",
		BodyText: "Hello",
		Headers: map[string]string{
			"List-Unsubscribe": "<https://api.example.com/v1/unsubscribe?token=t>",
		},
		CustomArgs: map[string]string{"scheduled_email_id": "se_1"},
	}
}

func TestSendGridClient_SendBuildsInlineContentPayload(t *testing.T) {
	var got sendGridMailPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/mail/send" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer SG.test" {
			t.Errorf("Authorization = %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		w.Header().Set("X-Message-Id", "abc123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	id, err := newTestSendGridClient(srv.URL).Send(context.Background(), testSendInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "abc123" {
		t.Errorf("message id = %q, want abc123", id)
	}

	if len(got.Personalizations) != 1 || got.Personalizations[0].To[0].Email != "vendor@example.com" {
		t.Errorf("personalizations = %+v", got.Personalizations)
	}
	if got.From.Email != "events@example.com" || got.From.Name != "Event Team" {
		t.Errorf("from = %+v", got.From)
	}
	if len(got.Content) != 2 || got.Content[0].Type != "text/plain" || got.Content[1].Type != "text/html" {
		t.Errorf("content = %+v, want text/plain then text/html", got.Content)
	}
	if got.Headers["List-Unsubscribe"] == "" {
		t.Error("List-Unsubscribe header missing")
	}
	if got.CustomArgs["scheduled_email_id"] != "se_1" {
		t.Errorf("custom_args = %v", got.CustomArgs)
	}
}

func TestSendGridClient_SendErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   types.ErrorCode
	}{
		{"forbidden", http.StatusForbidden, `{"errors":[{"message":"sender blocked"}]}`, types.ErrCodeEmailBlocked},
		{"bad request", http.StatusBadRequest, `{"errors":[{"message":"invalid from"}]}`, types.ErrCodeUpstreamEmailProvider},
		{"unauthorized", http.StatusUnauthorized, `not json`, types.ErrCodeUpstreamEmailProvider},
		{"server error", http.StatusInternalServerError, ``, types.ErrCodeUpstreamUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestSendGridClient(srv.URL).Send(context.Background(), testSendInput())
			if !types.IsCode(err, tt.want) {
				t.Errorf("err = %v, want code %s", err, tt.want)
			}
		})
	}
}

func TestSendGridClient_MissingMessageIDIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	_, err := newTestSendGridClient(srv.URL).Send(context.Background(), testSendInput())
	if !types.IsCode(err, types.ErrCodeUpstreamEmailProvider) {
		t.Errorf("err = %v, want upstream_email_provider", err)
	}
}

func TestSendGridClient_RejectsEmptyRecipient(t *testing.T) {
	in := testSendInput()
	in.To = ""
	_, err := newTestSendGridClient("http://unused.invalid").Send(context.Background(), in)
	if !types.IsCode(err, types.ErrCodeValidationInvalidEmail) {
		t.Errorf("err = %v, want validation_invalid_email", err)
	}
}
