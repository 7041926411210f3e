package apperr

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// messagePatterns is the fallback for errors that reach the translator
// without any classification. Order matters: the first match wins.
var messagePatterns = []struct {
	substrings []string
	kind       Kind
	message    string
}{
	{[]string{"not found", "no such", "resource_missing"}, PaymentNotFound, "Resource not found"},
	{[]string{"unauthorized", "unauthenticated", "invalid api key"}, Unauthorized, "Unauthorized"},
	{[]string{"forbidden", "permission denied"}, Forbidden, "Access denied"},
	{[]string{"rate limit", "too many requests"}, RateLimitExceeded, "Rate limit exceeded. Please try again later."},
	{[]string{"timeout", "timed out", "deadline exceeded"}, Timeout, "Upstream request timed out"},
	{[]string{"network", "connection", "no route to host", "eof"}, Network, "Network error"},
}

// Translate classifies err and stamps it with traceID.
//
// Precedence: an *Error passes through unchanged apart from the trace id;
// context deadlines and net.Errors are classified structurally; anything
// else is matched against known message fragments; the remainder becomes a
// ProviderError when defaultStatus is 502, otherwise an InternalError, with
// defaultStatus and defaultMessage.
func Translate(err error, traceID string, defaultStatus int, defaultMessage string) *Error {
	if err == nil {
		return nil
	}
	if ae, ok := As(err); ok {
		return ae.WithTraceID(traceID)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(Timeout, "Upstream request timed out", err).WithTraceID(traceID)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(Timeout, "Upstream request timed out", err).WithTraceID(traceID)
		}
		return Wrap(Network, "Network error", err).WithTraceID(traceID)
	}

	msg := strings.ToLower(err.Error())
	for _, p := range messagePatterns {
		for _, s := range p.substrings {
			if strings.Contains(msg, s) {
				return Wrap(p.kind, p.message, err).WithTraceID(traceID)
			}
		}
	}

	kind := Internal
	if defaultStatus == http.StatusBadGateway {
		kind = Provider
	}
	if defaultStatus == 0 {
		defaultStatus = kind.Status()
	}
	if defaultMessage == "" {
		defaultMessage = "Internal server error"
	}
	e := Wrap(kind, defaultMessage, err).WithTraceID(traceID)
	e.Status = defaultStatus
	return e
}
