// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"testing"
)

// TestErrorCodeValues verifies all error codes have non-empty values.
func TestErrorCodeValues(t *testing.T) {
	tests := []struct {
		name string
		code ErrorCode
	}{
		{"internal", ErrInternal},
		{"invalid", ErrInvalid},
		{"not found", ErrNotFound},
		{"validation", ErrValidation},
		{"database", ErrDatabase},
		{"migration", ErrMigration},
		{"persistence", ErrPersistence},
		{"network", ErrSyncNetwork},
		{"transient", ErrSyncTransient},
		{"conflict", ErrSyncConflict},
		{"sync failed", ErrSyncFailed},
		{"timeout", ErrSyncTimeout},
		{"offline", ErrSyncOffline},
		{"retries exhausted", ErrRetriesExhausted},
		{"in flight", ErrOperationInFlight},
		{"overflow", ErrQueueOverflow},
		{"no handler", ErrNoHandler},
		{"conflict not found", ErrConflictNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.code == "" {
				t.Errorf("ErrorCode %q should not be empty", tt.name)
			}
		})
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
			appError: &AppError{Code: ErrPersistence, Message: "put outbox/1", Err: errors.New("disk full")},
			want:     "[PERSISTENCE_FAILED] put outbox/1: disk full",
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

// TestAppError_Unwrap verifies unwrapping of underlying error.
func TestAppError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(ErrInternal, "failed", underlying)

	if err.Unwrap() != underlying {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), underlying)
	}
	if !errors.Is(err, underlying) {
		t.Error("errors.Is should find the wrapped error")
	}
	if New(ErrInternal, "failed").Unwrap() != nil {
		t.Error("Unwrap() without underlying error should be nil")
	}
}

// TestIs verifies code matching through wrapping layers.
func TestIs(t *testing.T) {
	conflict := New(ErrSyncConflict, "version mismatch")
	wrapped := fmt.Errorf("flush inc-1: %w", conflict)
	layered := Wrap(ErrSyncFailed, "dispatch", conflict)

	if !Is(conflict, ErrSyncConflict) {
		t.Error("Is should match the direct code")
	}
	if !Is(wrapped, ErrSyncConflict) {
		t.Error("Is should match through fmt wrapping")
	}
	if !Is(layered, ErrSyncConflict) {
		t.Error("Is should match an inner AppError")
	}
	if Is(errors.New("plain"), ErrSyncConflict) {
		t.Error("Is should not match a plain error")
	}
	if Is(nil, ErrSyncConflict) {
		t.Error("Is(nil) should be false")
	}
}

// TestClassification verifies the retry taxonomy.
func TestClassification(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		retryable bool
		fatal     bool
		conflict  bool
	}{
		{ErrSyncNetwork, true, false, false},
		{ErrSyncTransient, true, false, false},
		{ErrSyncTimeout, true, false, false},
		{ErrSyncConflict, false, false, true},
		{ErrValidation, false, true, false},
		{ErrNotFound, false, true, false},
		{ErrNoHandler, false, true, false},
		{ErrPersistence, false, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := Wrap(tt.code, "op", errors.New("cause"))
			if got := IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
			if got := IsFatal(err); got != tt.fatal {
				t.Errorf("IsFatal = %v, want %v", got, tt.fatal)
			}
			if got := IsConflict(err); got != tt.conflict {
				t.Errorf("IsConflict = %v, want %v", got, tt.conflict)
			}
		})
	}

	if !IsNetwork(New(ErrSyncNetwork, "dial")) || IsNetwork(New(ErrSyncTransient, "503")) {
		t.Error("IsNetwork should only match network-level failures")
	}
}

// TestCodeOf verifies code extraction.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(Newf(ErrInvalid, "bad %s", "kind")); got != ErrInvalid {
		t.Errorf("CodeOf = %q, want %q", got, ErrInvalid)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
}
