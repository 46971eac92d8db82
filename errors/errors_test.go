package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestAppError_New_Success(t *testing.T) {
	err := New(ErrCodeNotFound, "not found")
	if err.Code != ErrCodeNotFound {
		t.Errorf("expected code %s, got %s", ErrCodeNotFound, err.Code)
	}
	if err.Message != "not found" {
		t.Errorf("expected message 'not found', got %q", err.Message)
	}
	if err.Retryable {
		t.Error("NOT_FOUND should not be retryable")
	}
}

func TestAppError_New_Retryable(t *testing.T) {
	if !New(ErrCodeBackendUnavailable, "down").Retryable {
		t.Error("BACKEND_UNAVAILABLE should be retryable")
	}
	if !New(ErrCodeTimeout, "timed out").Retryable {
		t.Error("TIMEOUT should be retryable")
	}
}

func TestAppError_BackendUnavailable(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := BackendUnavailable("consul", cause)
	if err.Code != ErrCodeBackendUnavailable {
		t.Errorf("expected BACKEND_UNAVAILABLE, got %s", err.Code)
	}
	if !err.Retryable {
		t.Error("BackendUnavailable should be retryable")
	}
	if err.Details["backend"] != "consul" {
		t.Errorf("expected backend=consul, got %v", err.Details["backend"])
	}
	if !stderrors.Is(err, cause) {
		t.Error("expected cause to be reachable through errors.Is")
	}
}

func TestAppError_NoMatchingInstance(t *testing.T) {
	err := NoMatchingInstance("com.example.petstore", "sit", "https")
	if err.Retryable {
		t.Error("NoMatchingInstance should not be retryable")
	}
	if err.Details["environment"] != "sit" {
		t.Errorf("expected environment=sit, got %v", err.Details["environment"])
	}
	if !strings.Contains(err.Error(), "com.example.petstore") {
		t.Errorf("expected service id in message, got %q", err.Error())
	}
}

func TestAppError_Constructors_Table(t *testing.T) {
	tests := []struct {
		name      string
		err       *AppError
		code      ErrorCode
		retryable bool
	}{
		{"InvalidEndpoint", InvalidEndpoint("port out of range"), ErrCodeInvalidEndpoint, false},
		{"RegistrationLost", RegistrationLost("s-1", nil), ErrCodeRegistrationLost, false},
		{"SessionExpired", SessionExpired("s-1"), ErrCodeSessionExpired, false},
		{"Timeout", Timeout("renew"), ErrCodeTimeout, true},
		{"NotFound", NotFound("service", "x"), ErrCodeNotFound, false},
		{"InvalidInput", InvalidInput("port", "bad"), ErrCodeInvalidInput, false},
		{"Validation", Validation("bad"), ErrCodeInvalidInput, false},
		{"Internal", Internal(fmt.Errorf("boom")), ErrCodeInternal, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Code != tc.code {
				t.Errorf("expected code %s, got %s", tc.code, tc.err.Code)
			}
			if tc.err.Retryable != tc.retryable {
				t.Errorf("expected retryable=%v, got %v", tc.retryable, tc.err.Retryable)
			}
		})
	}
}

func TestAppError_WithDetails_Merge(t *testing.T) {
	err := New(ErrCodeInternal, "x").WithDetails(map[string]any{"a": 1})
	err.WithDetails(map[string]any{"b": 2})
	if err.Details["a"] != 1 || err.Details["b"] != 2 {
		t.Errorf("expected merged details, got %v", err.Details)
	}
}

func TestAppError_WithDetail_NilMap(t *testing.T) {
	err := &AppError{Code: ErrCodeInternal}
	err.WithDetail("k", "v")
	if err.Details["k"] != "v" {
		t.Errorf("expected k=v, got %v", err.Details)
	}
}

func TestAppError_Error_Format(t *testing.T) {
	err := New(ErrCodeInvalidEndpoint, "bad host")
	if err.Error() != "INVALID_ENDPOINT: bad host" {
		t.Errorf("unexpected format: %q", err.Error())
	}
	err.WithCause(fmt.Errorf("root"))
	if !strings.Contains(err.Error(), "cause: root") {
		t.Errorf("expected cause in message, got %q", err.Error())
	}
}

func TestIs(t *testing.T) {
	lost := RegistrationLost("s-1", SessionExpired("s-1"))
	wrapped := fmt.Errorf("renew loop: %w", lost)

	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"direct", lost, ErrCodeRegistrationLost, true},
		{"wrapped", wrapped, ErrCodeRegistrationLost, true},
		{"cause chain", wrapped, ErrCodeSessionExpired, true},
		{"other code", wrapped, ErrCodeBackendUnavailable, false},
		{"plain error", fmt.Errorf("plain"), ErrCodeInternal, false},
		{"nil", nil, ErrCodeInternal, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Is(tc.err, tc.code); got != tc.want {
				t.Errorf("Is(%v, %s) = %v, want %v", tc.err, tc.code, got, tc.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(fmt.Errorf("wrap: %w", BackendUnavailable("redis", nil))) {
		t.Error("wrapped BackendUnavailable should be retryable")
	}
	if IsRetryable(InvalidEndpoint("x")) {
		t.Error("InvalidEndpoint should not be retryable")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors should not be retryable")
	}
}

func TestAsAppError(t *testing.T) {
	orig := NotFound("service", "a")
	got, ok := AsAppError(fmt.Errorf("ctx: %w", orig))
	if !ok || got != orig {
		t.Fatalf("expected to unwrap original AppError, got %v %v", got, ok)
	}
	if _, ok := AsAppError(fmt.Errorf("plain")); ok {
		t.Error("expected false for plain error")
	}
	if !IsAppError(orig) {
		t.Error("IsAppError should be true")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, ErrCodeInternal, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	orig := InvalidEndpoint("x")
	if Wrap(orig, ErrCodeInternal, "y") != orig {
		t.Error("Wrap should pass AppError through")
	}
	plain := fmt.Errorf("io")
	w := Wrap(plain, ErrCodeBackendUnavailable, "store down")
	if !Is(w, ErrCodeBackendUnavailable) || !IsRetryable(w) {
		t.Errorf("expected retryable BACKEND_UNAVAILABLE, got %v", w)
	}
	if !stderrors.Is(w, plain) {
		t.Error("expected plain cause to be preserved")
	}
}

func TestIsRetryableCode_Table(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want bool
	}{
		{ErrCodeBackendUnavailable, true},
		{ErrCodeTimeout, true},
		{ErrCodeInternal, false},
		{ErrCodeNoMatchingInstance, false},
		{ErrCodeSessionExpired, false},
		{ErrorCode("UNKNOWN"), false},
	}
	for _, tc := range tests {
		if got := IsRetryableCode(tc.code); got != tc.want {
			t.Errorf("IsRetryableCode(%s) = %v, want %v", tc.code, got, tc.want)
		}
	}
}
