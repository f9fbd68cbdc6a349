package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppErrorErrorFormat(t *testing.T) {
	appErr := &AppError{
		Code:    ErrCodeNotFoundUnsubscribeToken,
		Message: "token not found",
	}

	expected := "not_found_unsubscribe_token: token not found"
	if appErr.Error() != expected {
		t.Errorf("Error() = %q, want %q", appErr.Error(), expected)
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	underlying := errors.New("connection reset")
	appErr := NewAppError(ErrCodeInternalDB, "failed to load delivery", underlying)

	if !errors.Is(appErr, underlying) {
		t.Errorf("errors.Is should find the underlying error")
	}
}

func TestAppErrorErrorsAs(t *testing.T) {
	wrapped := fmt.Errorf("dispatch: %w", NewAppError(ErrCodeNotFoundEvent, "event not found", nil))

	var target *AppError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should extract AppError")
	}
	if target.Code != ErrCodeNotFoundEvent {
		t.Errorf("Code = %q, want %q", target.Code, ErrCodeNotFoundEvent)
	}
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewAppError(ErrCodeNotFoundDelivery, "missing", nil))
	if !IsCode(err, ErrCodeNotFoundDelivery) {
		t.Error("IsCode should match wrapped code")
	}
	if IsCode(err, ErrCodeInternalDB) {
		t.Error("IsCode should not match a different code")
	}
	if IsCode(errors.New("plain"), ErrCodeInternalDB) {
		t.Error("IsCode should be false for non-AppError")
	}
}

func TestWithDetailsDoesNotMutate(t *testing.T) {
	orig := NewAppErrorWithDetails(ErrCodeValidationInvalidScope, "bad scope", nil, map[string]any{"scope": "event"})
	withMore := orig.WithDetails(map[string]any{"token_event": ""})

	if len(orig.Details) != 1 {
		t.Errorf("original details mutated: %v", orig.Details)
	}
	if len(withMore.Details) != 2 {
		t.Errorf("merged details = %v, want 2 keys", withMore.Details)
	}
}

func TestErrorCodeHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationInvalidTrigger, http.StatusBadRequest},
		{ErrCodeValidationTooManyItems, http.StatusBadRequest},
		{ErrCodeAuthSignatureInvalid, http.StatusUnauthorized},
		{ErrCodeNotFoundScheduledEmail, http.StatusNotFound},
		{ErrCodeConflictStatus, http.StatusConflict},
		{ErrCodeEmailBlocked, http.StatusForbidden},
		{ErrCodeUpstreamRateLimited, http.StatusTooManyRequests},
		{ErrCodeRateLimitExceeded, http.StatusTooManyRequests},
		{ErrCodeUpstreamEmailProvider, http.StatusBadGateway},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("something_else"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}
