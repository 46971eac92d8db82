// Package errors provides the structured error type shared by the registry,
// the resolver and every backend adapter.
//
// Each AppError carries a machine-readable code and a retryable flag so that
// callers can branch on the failure class without string matching:
//
//	url, err := resolver.Resolve(ctx, "https", "com.example.petstore", "dev")
//	if errors.Is(err, errors.ErrCodeNoMatchingInstance) {
//	    // no instance of that service carries the dev tag
//	}
package errors
