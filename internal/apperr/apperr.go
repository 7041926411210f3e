// Package apperr is the closed error taxonomy of the gateway. Failures are
// classified where they happen (adapter, cache, store, limiter) by returning
// an *Error; Translate turns anything that crossed a boundary unclassified
// into one.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind is a stable error code exposed to API clients.
type Kind string

const (
	Validation          Kind = "VALIDATION_ERROR"
	InvalidProvider     Kind = "INVALID_PROVIDER"
	PaymentNotFound     Kind = "PAYMENT_NOT_FOUND"
	PaymentFailed       Kind = "PAYMENT_FAILED"
	RefundFailed        Kind = "REFUND_FAILED"
	Provider            Kind = "PROVIDER_ERROR"
	RateLimitExceeded   Kind = "RATE_LIMIT_EXCEEDED"
	Network             Kind = "NETWORK_ERROR"
	Timeout             Kind = "TIMEOUT_ERROR"
	Internal            Kind = "INTERNAL_ERROR"
	Unauthorized        Kind = "UNAUTHORIZED"
	Forbidden           Kind = "FORBIDDEN"
	IdempotencyInFlight Kind = "IDEMPOTENCY_IN_FLIGHT"
)

// Status returns the HTTP-style status for k.
func (k Kind) Status() int {
	switch k {
	case Validation, InvalidProvider, PaymentFailed, RefundFailed:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case PaymentNotFound:
		return http.StatusNotFound
	case IdempotencyInFlight:
		return http.StatusConflict
	case RateLimitExceeded:
		return http.StatusTooManyRequests
	case Provider:
		return http.StatusBadGateway
	case Network:
		return http.StatusServiceUnavailable
	case Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether failures of kind k are transient.
func (k Kind) Retryable() bool {
	return k == Provider || k == Network || k == Timeout
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Details map[string]any
	TraceID string
	Err     error

	permanent bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the stable code string.
func (e *Error) Code() string { return string(e.Kind) }

// Retryable reports whether the retry policy may attempt the call again.
func (e *Error) Retryable() bool {
	return !e.permanent && e.Kind.Retryable()
}

// Permanent returns a copy that the retry policy will not retry,
// whatever its kind.
func (e *Error) Permanent() *Error {
	c := e.clone()
	c.permanent = true
	return c
}

// WithTraceID returns a copy stamped with traceID.
func (e *Error) WithTraceID(traceID string) *Error {
	c := e.clone()
	c.TraceID = traceID
	return c
}

// WithDetail returns a copy with one extra detail.
func (e *Error) WithDetail(key string, value any) *Error {
	c := e.clone()
	c.Details[key] = value
	return c
}

func (e *Error) clone() *Error {
	c := *e
	c.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		c.Details[k] = v
	}
	return &c
}

// Payload is the wire shape of every error response.
type Payload struct {
	Code    string         `json:"code"`
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
	TraceID string         `json:"trace_id"`
}

// Payload renders e for clients. Wrapped causes are not exposed.
func (e *Error) Payload() Payload {
	var details map[string]any
	if len(e.Details) > 0 {
		details = e.Details
	}
	return Payload{Code: e.Code(), Error: e.Message, Details: details, TraceID: e.TraceID}
}

func newErr(kind Kind, msg string, err error, details map[string]any) *Error {
	if details == nil {
		details = map[string]any{}
	}
	return &Error{Kind: kind, Message: msg, Status: kind.Status(), Details: details, Err: err}
}

// New builds an error of kind with the default status for that kind.
func New(kind Kind, msg string) *Error {
	return newErr(kind, msg, nil, nil)
}

// Wrap builds an error of kind around a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return newErr(kind, msg, err, nil)
}

func ValidationErr(msg string, fields map[string]string) *Error {
	e := newErr(Validation, msg, nil, nil)
	if len(fields) > 0 {
		e.Details["fields"] = fields
	}
	return e
}

func InvalidProviderErr(provider string, valid []string) *Error {
	return newErr(InvalidProvider, "Invalid payment provider: "+provider, nil, map[string]any{
		"provider":        provider,
		"valid_providers": valid,
	})
}

func NotFoundErr(paymentID string) *Error {
	return newErr(PaymentNotFound, "Payment not found: "+paymentID, nil, map[string]any{"payment_id": paymentID})
}

func PaymentFailedErr(msg string, details map[string]any) *Error {
	return newErr(PaymentFailed, msg, nil, details)
}

func RefundFailedErr(msg string, details map[string]any) *Error {
	return newErr(RefundFailed, msg, nil, details)
}

func ProviderErr(provider, msg string, err error) *Error {
	return newErr(Provider, msg, err, map[string]any{"provider": provider})
}

func NetworkErr(provider string, err error) *Error {
	return newErr(Network, "Network error talking to "+provider, err, map[string]any{"provider": provider})
}

func TimeoutErr(provider string, err error) *Error {
	return newErr(Timeout, "Timed out waiting for "+provider, err, map[string]any{"provider": provider})
}

// RateLimitErr carries the retry-after hint both in details and as a header value.
func RateLimitErr(limit, remaining int, retryAfter time.Duration) *Error {
	return newErr(RateLimitExceeded, "Rate limit exceeded. Please try again later.", nil, map[string]any{
		"limit":       limit,
		"remaining":   remaining,
		"retry_after": RetryAfterSeconds(retryAfter),
	})
}

func InternalErr(msg string, err error) *Error {
	return newErr(Internal, msg, err, nil)
}

func UnauthorizedErr(msg string) *Error {
	return newErr(Unauthorized, msg, nil, nil)
}

func ForbiddenErr(msg string) *Error {
	return newErr(Forbidden, msg, nil, nil)
}

func InFlightErr(key string) *Error {
	return newErr(IdempotencyInFlight, "A request with this idempotency key is still in flight", nil, map[string]any{"idempotency_key": key})
}

// RetryAfterSeconds rounds d up to whole seconds, minimum 1.
func RetryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// RetryAfterHeader renders a Retry-After header value for d.
func RetryAfterHeader(d time.Duration) string {
	return strconv.Itoa(RetryAfterSeconds(d))
}

// As unwraps err into an *Error.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// KindOf returns the kind of err, or Internal when unclassified.
func KindOf(err error) Kind {
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return Internal
}

// IsRetryable reports whether err is a classified transient failure.
func IsRetryable(err error) bool {
	ae, ok := As(err)
	return ok && ae.Retryable()
}

// HTTPStatus returns the HTTP status for err.
func HTTPStatus(err error) int {
	if ae, ok := As(err); ok {
		return ae.Status
	}
	return http.StatusInternalServerError
}
