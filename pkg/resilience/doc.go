// Package resilience guards calls to downstream destinations with a circuit
// breaker, a sliding window rate limiter, a bulkhead and retry with
// exponential backoff.
//
// # Manager
//
// The Manager composes the primitives per registered destination. Each
// destination owns its own state, so an open circuit on one destination never
// blocks calls to another.
//
//	m := resilience.NewManager(resilience.WithMetrics(mt))
//	m.Register("analytics-svc", resilience.DestinationConfig{
//		MaxConnections:     8,
//		FailureThreshold:   3,
//		RecoveryTimeout:    time.Minute,
//		RateLimitPerSecond: 20,
//		CallTimeout:        10 * time.Second,
//	})
//
//	result, err := m.Execute(ctx, "analytics-svc", func(ctx context.Context) (interface{}, error) {
//		return client.Query(ctx, q)
//	}, 2)
//
// Execute checks the breaker, waits for a rate limit slot, then runs up to
// retryCount+1 attempts. Each attempt holds a bulkhead slot and is bounded by
// CallTimeout. Only transient errors (errors.ErrorTypeTransient,
// errors.ErrorTypeTimeout, context.DeadlineExceeded) are retried.
//
// # Circuit Breaker
//
// closed -> open after FailureThreshold consecutive failed Execute calls.
// open -> half_open once RecoveryTimeout has passed since the last failure.
// half_open -> closed on a successful probe, back to open on a failed one.
// Errors typed errors.ErrorTypePermanent do not count against the circuit.
//
// # Rate Limiter
//
// At most RateLimitPerSecond admissions in any trailing second. Callers over
// the limit sleep until the oldest admission leaves the window.
package resilience
