// Package resilience provides retry with exponential backoff and a circuit
// breaker. Both take an optional clock so that tests can drive time.
//
//	cb := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("etcd"))
//	err := resilience.RetryFunc(ctx, resilience.DefaultRetryConfig(), func() error {
//	    return cb.Execute(func() error { return backend.Renew(ctx, session) })
//	})
package resilience
