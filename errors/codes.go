package errors

// ErrorCode represents a machine-readable error code.
type ErrorCode string

// Registry and discovery errors
const (
	// ErrCodeBackendUnavailable indicates the coordination store could not be
	// reached or did not answer within the request timeout.
	ErrCodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	// ErrCodeInvalidEndpoint indicates an endpoint with malformed fields.
	ErrCodeInvalidEndpoint ErrorCode = "INVALID_ENDPOINT"
	// ErrCodeNoMatchingInstance indicates no live instance matched the
	// requested service, environment tag and protocol.
	ErrCodeNoMatchingInstance ErrorCode = "NO_MATCHING_INSTANCE"
	// ErrCodeRegistrationLost indicates a session could not be renewed and its
	// endpoints were dropped by the backend.
	ErrCodeRegistrationLost ErrorCode = "REGISTRATION_LOST"
	// ErrCodeSessionExpired indicates the backend no longer knows the session.
	ErrCodeSessionExpired ErrorCode = "SESSION_EXPIRED"
)

// Generic errors
const (
	// ErrCodeTimeout indicates the request timed out.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeInvalidInput indicates the input is invalid.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	// ErrCodeInternal indicates an internal error.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

var retryableCodes = map[ErrorCode]bool{
	ErrCodeBackendUnavailable: true,
	ErrCodeTimeout:            true,
	ErrCodeInternal:           false,
}

// IsRetryableCode returns true if the error code indicates a retryable error.
func IsRetryableCode(code ErrorCode) bool {
	return retryableCodes[code]
}
