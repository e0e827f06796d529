package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", http.StatusBadRequest)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", http.StatusInternalServerError)

	if !errors.Is(err, originalErr) {
		t.Errorf("expected wrapped error to match cause")
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
}

func TestAppError_Body(t *testing.T) {
	err := NewMessageTooLargeError(1024)
	body := err.Body()

	if body["code"] != ErrCodeMessageTooLarge {
		t.Errorf("code = %v, want %v", body["code"], ErrCodeMessageTooLarge)
	}
	details, ok := body["details"].(map[string]interface{})
	if !ok || details["limit_bytes"] != int64(1024) {
		t.Errorf("details = %v, want limit_bytes=1024", body["details"])
	}

	plain := NewNotFoundError("room").Body()
	if _, ok := plain["details"]; ok {
		t.Errorf("expected no details for error without context")
	}
}

func TestConstructors(t *testing.T) {
	cases := []struct {
		err    *AppError
		code   ErrorCode
		status int
	}{
		{NewInvalidInputError("bad"), ErrCodeInvalidInput, http.StatusBadRequest},
		{NewNotFoundError("room"), ErrCodeNotFound, http.StatusNotFound},
		{NewRateLimitError(), ErrCodeRateLimit, http.StatusTooManyRequests},
		{NewInternalError("boom"), ErrCodeInternal, http.StatusInternalServerError},
		{NewServiceUnavailableError("redis down"), ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		if tc.err.Code != tc.code {
			t.Errorf("Code = %v, want %v", tc.err.Code, tc.code)
		}
		if tc.err.HTTPStatus != tc.status {
			t.Errorf("HTTPStatus = %v, want %v", tc.err.HTTPStatus, tc.status)
		}
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewNotFoundError("room")
	wrapped := fmt.Errorf("lookup: %w", appErr)

	if got := GetAppError(wrapped); got != appErr {
		t.Errorf("GetAppError() = %v, want %v", got, appErr)
	}
	if GetAppError(errors.New("plain")) != nil {
		t.Errorf("expected nil for non-app error")
	}
	if GetAppError(nil) != nil {
		t.Errorf("expected nil for nil error")
	}
	if !IsAppError(wrapped) {
		t.Errorf("IsAppError() = false for wrapped app error")
	}
}
