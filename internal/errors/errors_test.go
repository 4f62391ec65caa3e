// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrDatabase, Message: "query failed", Err: errors.New("connection lost")},
			want:     "[DATABASE_ERROR] query failed: connection lost",
		},
		{
			name:     "invalid transition",
			appError: &AppError{Code: ErrInvalidTransition, Message: "pending -> completed"},
			want:     "[INVALID_TRANSITION] pending -> completed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.appError.Error()
			if got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestWrap verifies error wrapping.
func TestWrap(t *testing.T) {
	underlyingErr := errors.New("underlying")

	err := Wrap(ErrDatabase, "query failed", underlyingErr)
	if err.Code != ErrDatabase {
		t.Errorf("Wrap() code = %q, want %q", err.Code, ErrDatabase)
	}
	if err.Unwrap() != underlyingErr {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), underlyingErr)
	}
	if !errors.Is(err, underlyingErr) {
		t.Error("errors.Is should see through AppError")
	}
}

// TestIs verifies error code checking.
func TestIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"matching AppError", New(ErrNotFound, "not found"), ErrNotFound, true},
		{"non-matching AppError", New(ErrNotFound, "not found"), ErrInternal, false},
		{"wrapped AppError", fmt.Errorf("ctx: %w", New(ErrNetwork, "down")), ErrNetwork, true},
		{"validation error", &ValidationError{Fields: []FieldError{{"url", "required"}}}, ErrValidation, true},
		{"non-AppError", errors.New("standard error"), ErrInternal, false},
		{"nil error", nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(nil); got != "" {
		t.Errorf("CodeOf(nil) = %q, want empty", got)
	}
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %q, want %q", got, ErrInternal)
	}
	if got := CodeOf(fmt.Errorf("wrap: %w", &ValidationError{})); got != ErrValidation {
		t.Errorf("CodeOf(validation) = %q, want %q", got, ErrValidation)
	}
}

// TestValidationError verifies field collection and formatting.
func TestValidationError(t *testing.T) {
	v := &ValidationError{}
	if v.OrNil() != nil {
		t.Fatal("empty ValidationError should be nil")
	}

	v.Add("url", "must be a well-formed URL")
	v.Add("method", "must be one of GET, POST, PUT, PATCH, DELETE")

	err := v.OrNil()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "[VALIDATION_ERROR]") {
		t.Errorf("Error() = %q, want VALIDATION_ERROR prefix", msg)
	}
	// fields are sorted in the message
	if strings.Index(msg, "method") > strings.Index(msg, "url") {
		t.Errorf("fields not sorted: %q", msg)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrValidation, http.StatusBadRequest},
		{ErrInvalid, http.StatusBadRequest},
		{ErrNotFound, http.StatusNotFound},
		{ErrInvalidTransition, http.StatusConflict},
		{ErrSyncInProgress, http.StatusConflict},
		{ErrNetwork, http.StatusBadGateway},
		{ErrDatabase, http.StatusInternalServerError},
		{ErrInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := HTTPStatus(tt.code); got != tt.want {
				t.Errorf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
			}
		})
	}
}

// TestErrorCodes_areUnique verifies all error codes are unique.
func TestErrorCodes_areUnique(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrInvalid, ErrNotFound, ErrValidation,
		ErrDatabase, ErrMigration,
		ErrInvalidTransition, ErrSyncFailed, ErrSyncInProgress,
		ErrNetwork, ErrCache,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		if seen[code] {
			t.Errorf("ErrorCode %q is duplicated", code)
		}
		seen[code] = true
		if s := string(code); s != strings.ToUpper(s) {
			t.Errorf("ErrorCode %q should be uppercase", s)
		}
	}
}
