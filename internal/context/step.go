package context

import (
	"time"
)

// CallContext is derived by the orchestrator for every provider attempt.
type CallContext struct {
	TraceID        string    // Taken directly from TraceContext
	SpanID         string    // Span ID for this attempt
	StartTime      time.Time // When this attempt began
	AttemptNumber  int       // 1 for the first attempt, 2 for the first retry, ...
	IdempotencyKey string    // Provider-side key, identical across all attempts of one call
	CustomerID     string    // Customer the call is made for
}

// DeriveCallContext creates a CallContext for one attempt of a provider call.
func DeriveCallContext(tc *TraceContext, idempotencyKey, customerID string, attemptNumber int) CallContext {
	return CallContext{
		TraceID:        tc.TraceID,
		SpanID:         tc.NewSpan(),
		StartTime:      time.Now(),
		AttemptNumber:  attemptNumber,
		IdempotencyKey: idempotencyKey,
		CustomerID:     customerID,
	}
}

// Elapsed reports how long the attempt has been running.
func (c CallContext) Elapsed() time.Duration {
	return time.Since(c.StartTime)
}
