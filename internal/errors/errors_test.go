package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "without wrapped error",
			err:      NewError(20001, "send failed"),
			expected: "[20001] send failed",
		},
		{
			name:     "with wrapped error",
			err:      NewError(20001, "send failed").Wrap(errors.New("connection reset")),
			expected: "[20001] send failed: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestAppError_WrapKeepsIdentity(t *testing.T) {
	originalErr := errors.New("timeout")
	appErr := ErrSendFailed.Wrap(originalErr)

	if appErr.Code != CodeSendFailed {
		t.Errorf("Expected code %d, got %d", CodeSendFailed, appErr.Code)
	}
	if errors.Unwrap(appErr) != originalErr {
		t.Error("Expected unwrapped error to be the original error")
	}
	// Wrap 不能修改预定义错误
	if ErrSendFailed.Err != nil {
		t.Error("Predefined error must not be mutated by Wrap")
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		target   *AppError
		expected bool
	}{
		{"same error", ErrEditFailed, ErrEditFailed, true},
		{"wrapped same error", ErrEditFailed.Wrap(errors.New("x")), ErrEditFailed, true},
		{"fmt wrapped", fmt.Errorf("edit: %w", ErrEditFailed), ErrEditFailed, true},
		{"different error", ErrSendFailed, ErrEditFailed, false},
		{"non-app error", errors.New("standard error"), ErrEditFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.target); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestGetCodeAndMessage(t *testing.T) {
	if got := GetCode(ErrFetchFailed.Wrap(errors.New("x"))); got != CodeFetchFailed {
		t.Errorf("Expected %d, got %d", CodeFetchFailed, got)
	}
	if got := GetCode(errors.New("plain")); got != CodeServerError {
		t.Errorf("Expected %d, got %d", CodeServerError, got)
	}
	if got := GetMessage(ErrStaleResult); got != "结果已过期" {
		t.Errorf("Expected '结果已过期', got '%s'", got)
	}
	if got := GetMessage(errors.New("plain")); got != "服务器内部错误" {
		t.Errorf("Expected '服务器内部错误', got '%s'", got)
	}
}
