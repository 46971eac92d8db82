package errors

import (
	"fmt"
)

// AppError is the unified application error type.
type AppError struct {
	// Code is a machine-readable error code.
	Code ErrorCode `json:"code"`
	// Message is a human-readable error message.
	Message string `json:"message"`
	// Retryable indicates if the operation can be retried.
	Retryable bool `json:"retryable"`
	// Details contains additional context for the error.
	Details map[string]any `json:"details,omitempty"`
	// Cause is the underlying error that caused this error.
	Cause error `json:"-"`
}

// Error returns the string representation of the error.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *AppError) Unwrap() error { return e.Cause }

// WithCause sets the underlying cause of the error and returns the receiver.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetails merges the provided details into the error and returns the receiver.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithDetail sets a single detail key-value pair and returns the receiver.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a new AppError with automatic retryable detection.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Retryable: IsRetryableCode(code),
	}
}

// --- Registry Error Constructors ---

// BackendUnavailable reports that the named backend could not serve a call.
func BackendUnavailable(backend string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeBackendUnavailable, Message: fmt.Sprintf("registry backend %s is unavailable", backend),
		Retryable: true, Cause: cause,
		Details: map[string]any{"backend": backend},
	}
}

// InvalidEndpoint reports an endpoint that cannot be registered.
func InvalidEndpoint(reason string) *AppError {
	return &AppError{
		Code: ErrCodeInvalidEndpoint, Message: fmt.Sprintf("invalid endpoint: %s", reason),
		Retryable: false,
	}
}

// NoMatchingInstance reports that no instance matched a resolve query.
func NoMatchingInstance(serviceID, envTag, protocol string) *AppError {
	return &AppError{
		Code:      ErrCodeNoMatchingInstance,
		Message:   fmt.Sprintf("no instance of %s matches environment %q and protocol %q", serviceID, envTag, protocol),
		Retryable: false,
		Details:   map[string]any{"service_id": serviceID, "environment": envTag, "protocol": protocol},
	}
}

// RegistrationLost reports a session whose lease could not be kept alive.
func RegistrationLost(sessionID string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeRegistrationLost, Message: fmt.Sprintf("registration session %s was lost", sessionID),
		Retryable: false, Cause: cause,
		Details: map[string]any{"session_id": sessionID},
	}
}

// SessionExpired reports that the backend no longer holds the session.
func SessionExpired(sessionID string) *AppError {
	return &AppError{
		Code: ErrCodeSessionExpired, Message: fmt.Sprintf("session %s has expired", sessionID),
		Retryable: false,
		Details:   map[string]any{"session_id": sessionID},
	}
}

// --- Common Error Constructors ---

// Timeout creates a new AppError for an operation that timed out.
func Timeout(operation string) *AppError {
	return &AppError{
		Code: ErrCodeTimeout, Message: fmt.Sprintf("%s timed out", operation),
		Retryable: true,
		Details:   map[string]any{"operation": operation},
	}
}

// NotFound creates a new AppError for a resource that was not found.
func NotFound(resource, id string) *AppError {
	details := map[string]any{"resource": resource}
	if id != "" {
		details["id"] = id
	}
	return &AppError{
		Code: ErrCodeNotFound, Message: fmt.Sprintf("The requested %s was not found.", resource),
		Retryable: false, Details: details,
	}
}

// InvalidInput creates a new AppError for invalid input.
func InvalidInput(field, reason string) *AppError {
	details := make(map[string]any)
	if field != "" {
		details["field"] = field
	}
	return &AppError{
		Code: ErrCodeInvalidInput, Message: fmt.Sprintf("Invalid input: %s", reason),
		Retryable: false, Details: details,
	}
}

// Validation creates a new AppError for validation errors.
func Validation(message string) *AppError {
	return &AppError{
		Code: ErrCodeInvalidInput, Message: message,
		Retryable: false,
	}
}

// Internal creates a new AppError for an internal error.
func Internal(cause error) *AppError {
	return &AppError{
		Code: ErrCodeInternal, Message: "An unexpected error occurred.",
		Retryable: false, Cause: cause,
	}
}
