// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestErrorCodeValues verifies all error codes have distinct non-empty values.
func TestErrorCodeValues(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrInvalid, ErrConfig, ErrTimeout, ErrOffline,
		ErrStorage,
		ErrRegistration, ErrUpload, ErrDownload, ErrChannel,
		ErrSyncInProgress, ErrConflictNotFound,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		if code == "" {
			t.Error("ErrorCode should not be empty")
		}
		if seen[code] {
			t.Errorf("duplicate ErrorCode %q", code)
		}
		seen[code] = true
	}
}

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
			appError: &AppError{Code: ErrStorage, Message: "put entity", Err: errors.New("disk full")},
			want:     "[STORAGE_ERROR] put entity: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appError.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestWrap_unwrap verifies wrapped errors stay reachable via errors.Is.
func TestWrap_unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ErrUpload, "upload batch", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is() should find the wrapped cause")
	}
	if err.Unwrap() != cause {
		t.Error("Unwrap() should return the cause")
	}
}

// TestIs verifies code matching through wrapping layers.
func TestIs(t *testing.T) {
	inner := New(ErrTimeout, "request timed out")
	outer := Wrap(ErrUpload, "upload batch", inner)
	wrapped := fmt.Errorf("flush: %w", outer)

	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"direct match", inner, ErrTimeout, true},
		{"outer code", outer, ErrUpload, true},
		{"inner code through AppError", outer, ErrTimeout, true},
		{"through fmt wrapping", wrapped, ErrUpload, true},
		{"inner through fmt wrapping", wrapped, ErrTimeout, true},
		{"no match", outer, ErrStorage, false},
		{"plain error", errors.New("plain"), ErrInternal, false},
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

// TestCodeOf verifies code extraction.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(fmt.Errorf("x: %w", New(ErrSyncInProgress, "busy"))); got != ErrSyncInProgress {
		t.Errorf("CodeOf() = %v, want %v", got, ErrSyncInProgress)
	}
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %v, want %v", got, ErrInternal)
	}
}

// TestNewf verifies formatted messages.
func TestNewf(t *testing.T) {
	err := Newf(ErrConflictNotFound, "no pending conflict for %s", "abc")
	if !strings.Contains(err.Error(), "no pending conflict for abc") {
		t.Errorf("Newf() message = %q", err.Error())
	}
}
