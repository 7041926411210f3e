package context

import (
	stdcontext "context"

	"github.com/google/uuid"
)

type traceIDKey struct{}

// TraceContext carries only cross-cutting concerns needed for observability.
// One TraceContext is created per logical orchestration call; its TraceID is
// returned to the caller and threaded through logs, audit entries and errors.
type TraceContext struct {
	TraceID string // Globally unique ID for logs, audit and error payloads
	SpanID  string // Current span identifier

	stdCtx stdcontext.Context
}

// NewTraceContext creates a new TraceContext with a fresh TraceID and an initial SpanID.
// A nil parent is treated as context.Background().
func NewTraceContext(parent stdcontext.Context) TraceContext {
	return NewTraceContextWithIDs(parent, uuid.NewString(), uuid.NewString())
}

// NewTraceContextWithIDs builds a TraceContext around existing identifiers,
// e.g. when a span is started and the span id must be carried forward.
func NewTraceContextWithIDs(parent stdcontext.Context, traceID, spanID string) TraceContext {
	if parent == nil {
		parent = stdcontext.Background()
	}
	return TraceContext{
		TraceID: traceID,
		SpanID:  spanID,
		stdCtx:  stdcontext.WithValue(parent, traceIDKey{}, traceID),
	}
}

// Context returns the standard context. It always carries the trace id.
func (tc TraceContext) Context() stdcontext.Context {
	if tc.stdCtx == nil {
		return stdcontext.WithValue(stdcontext.Background(), traceIDKey{}, tc.TraceID)
	}
	return tc.stdCtx
}

// GetTraceID returns the trace identifier.
func (tc TraceContext) GetTraceID() string {
	return tc.TraceID
}

// NewSpan generates a new SpanID for a child operation within the same trace.
func (tc *TraceContext) NewSpan() string {
	tc.SpanID = uuid.NewString()
	return tc.SpanID
}

// TraceIDFromContext extracts a trace id stored by a TraceContext, or "".
func TraceIDFromContext(ctx stdcontext.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}
