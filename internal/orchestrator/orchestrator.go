// Package orchestrator is the payment orchestration service. It resolves the
// adapter for a request's provider, short-circuits idempotent replays, runs
// the provider call under the retry policy and circuit breaker, then
// persists and audits the outcome exactly once.
package orchestrator

import (
	stdcontext "context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/payment-gateway/internal/adapter"
	"github.com/yourorg/payment-gateway/internal/apperr"
	"github.com/yourorg/payment-gateway/internal/audit"
	"github.com/yourorg/payment-gateway/internal/circuitbreaker"
	"github.com/yourorg/payment-gateway/internal/context"
	"github.com/yourorg/payment-gateway/internal/idempotency"
	"github.com/yourorg/payment-gateway/internal/metrics"
	"github.com/yourorg/payment-gateway/internal/payment"
	"github.com/yourorg/payment-gateway/internal/policy"
	"github.com/yourorg/payment-gateway/internal/reporting"
	"github.com/yourorg/payment-gateway/internal/retry"
	"github.com/yourorg/payment-gateway/internal/store"
)

const tracerName = "orchestrator"

// Audit endpoints, matching the HTTP routes that lead here.
const (
	endpointCreate = "/api/v1/payments"
	endpointRefund = "/api/v1/payments/:id/refund"
)

// IdempotencyCache reserves client keys for create-payment.
type IdempotencyCache interface {
	Begin(ctx stdcontext.Context, key string) (*payment.PaymentResponse, *idempotency.Reservation, error)
}

// Caller is the authenticated party an operation runs for.
type Caller struct {
	CredentialID string
	CustomerID   string
}

// Config carries the orchestrator's collaborators. Registry and Store are
// required; everything else has a working default. A zero Retry policy
// means retry.DefaultPolicy, keeping any Sleep override.
type Config struct {
	Registry    *adapter.Registry
	Store       store.RecordStore
	Audit       audit.Sink
	Idempotency IdempotencyCache // nil disables replay protection
	Retry       retry.Policy
	Breaker     *circuitbreaker.CircuitBreaker
	Policy      *policy.PaymentPolicyEnforcer
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// Orchestrator runs payment operations.
type Orchestrator struct {
	registry *adapter.Registry
	store    store.RecordStore
	audit    audit.Sink
	idem     IdempotencyCache
	retry    retry.Policy
	breaker  *circuitbreaker.CircuitBreaker
	policy   *policy.PaymentPolicyEnforcer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	tracer   trace.Tracer
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.Registry == nil {
		panic("Registry cannot be nil")
	}
	if cfg.Store == nil {
		panic("RecordStore cannot be nil")
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Discard{}
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialDelay == 0 && cfg.Retry.AttemptTimeout == 0 {
		sleep := cfg.Retry.Sleep
		cfg.Retry = retry.DefaultPolicy()
		cfg.Retry.Sleep = sleep
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = cfg.Logger
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		registry: cfg.Registry,
		store:    cfg.Store,
		audit:    cfg.Audit,
		idem:     cfg.Idempotency,
		retry:    cfg.Retry,
		breaker:  cfg.Breaker,
		policy:   cfg.Policy,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
		tracer:   otel.Tracer(tracerName),
	}
}

// startSpan opens a span and rebinds traceCtx to it, keeping the trace id.
func (o *Orchestrator) startSpan(traceCtx context.TraceContext, name string, attrs ...attribute.KeyValue) (context.TraceContext, trace.Span) {
	ctx, span := o.tracer.Start(traceCtx.Context(), name, trace.WithAttributes(attrs...))
	span.SetAttributes(attribute.String("trace_id", traceCtx.GetTraceID()))
	return context.NewTraceContextWithIDs(ctx, traceCtx.GetTraceID(), span.SpanContext().SpanID().String()), span
}

// fail classifies err, records it on the span and metrics, and logs it at a
// level matching its kind.
func (o *Orchestrator) fail(traceCtx context.TraceContext, span trace.Span, op string, err error) *apperr.Error {
	ae := apperr.Translate(err, traceCtx.GetTraceID(), http.StatusInternalServerError, "")
	span.RecordError(err)
	span.SetStatus(codes.Error, ae.Code())
	o.metrics.PaymentFailures.WithLabelValues(op, ae.Code()).Inc()

	level := slog.LevelWarn
	if ae.Kind == apperr.Internal {
		level = slog.LevelError
	}
	o.logger.Log(traceCtx.Context(), level, "payment operation failed",
		"trace_id", traceCtx.GetTraceID(), "operation", op, "code", ae.Code(), "error", err)
	return ae
}

// guard runs one provider attempt behind the circuit breaker.
func guard[T any](o *Orchestrator, provider payment.Provider, fn func() (T, error)) (T, error) {
	name := string(provider)
	if !o.breaker.AllowRequest(name) {
		var zero T
		o.metrics.ProviderAttempts.WithLabelValues(name, "circuit_open").Inc()
		return zero, apperr.ProviderErr(name, "Provider temporarily unavailable", nil).
			Permanent().WithDetail("circuit", "open")
	}
	result, err := fn()
	switch {
	case err == nil:
		o.breaker.RecordSuccess(name)
		o.metrics.ProviderAttempts.WithLabelValues(name, "success").Inc()
	case apperr.IsRetryable(err):
		o.breaker.RecordFailure(name)
		o.metrics.ProviderAttempts.WithLabelValues(name, "retryable_error").Inc()
	default:
		// A business rejection means the provider answered.
		o.breaker.RecordSuccess(name)
		o.metrics.ProviderAttempts.WithLabelValues(name, "rejected").Inc()
	}
	return result, err
}

func (o *Orchestrator) record(ctx stdcontext.Context, e audit.Entry) {
	e.Source = audit.SourceOrchestrator
	if err := o.audit.Record(stdcontext.WithoutCancel(ctx), e); err != nil {
		o.logger.WarnContext(ctx, "orchestrator audit write failed",
			"trace_id", e.TraceID, "endpoint", e.Endpoint, "error", err)
	}
}

// CreatePayment creates a payment with the request's provider. The returned
// bool is true when the response is an idempotent replay.
func (o *Orchestrator) CreatePayment(traceCtx context.TraceContext, caller Caller, req payment.PaymentRequest, idempotencyKey string) (payment.PaymentResponse, bool, error) {
	traceCtx, span := o.startSpan(traceCtx, "Orchestrator.CreatePayment",
		attribute.String("provider", string(req.Provider)),
		attribute.Bool("idempotent", idempotencyKey != ""))
	defer span.End()

	start := o.now()
	ctx := traceCtx.Context()
	traceID := traceCtx.GetTraceID()
	req = req.Normalize()

	entry := audit.Entry{
		TraceID:      traceID,
		CredentialID: caller.CredentialID,
		CustomerID:   firstNonEmpty(caller.CustomerID, req.CustomerID),
		Endpoint:     endpointCreate,
		Method:       http.MethodPost,
		Provider:     string(req.Provider),
		Request:      audit.Snapshot(req),
	}
	failed := func(err error) (payment.PaymentResponse, bool, error) {
		ae := o.fail(traceCtx, span, "create", err)
		entry.StatusCode = ae.Status
		entry.ErrorMessage = ae.Error()
		entry.LatencyMs = o.now().Sub(start).Milliseconds()
		o.record(ctx, entry)
		return payment.PaymentResponse{}, false, ae
	}

	if err := req.Validate(); err != nil {
		return failed(err)
	}
	if err := o.policy.Evaluate(req); err != nil {
		return failed(err)
	}
	pa, err := o.registry.Resolve(req.Provider)
	if err != nil {
		return failed(err)
	}

	var reservation *idempotency.Reservation
	scoped := scopedKey(caller, idempotencyKey)
	if idempotencyKey != "" && o.idem != nil {
		cached, res, err := o.idem.Begin(ctx, scoped)
		if apperr.KindOf(err) == apperr.IdempotencyInFlight {
			return failed(apperr.InFlightErr(idempotencyKey))
		}
		if err != nil {
			return failed(err)
		}
		if cached != nil {
			o.metrics.IdempotencyReplays.Inc()
			span.SetAttributes(attribute.Bool("replayed", true))
			o.logger.InfoContext(ctx, "idempotency cache hit",
				"trace_id", traceID, "idempotency_key", idempotencyKey, "payment_id", cached.ID)
			return *cached, true, nil
		}
		reservation = res
	}

	// One provider key for every attempt, so retries cannot double-charge.
	providerKey := traceID
	if idempotencyKey != "" {
		providerKey = providerIdempotencyKey(scoped)
	}
	resp, err := retry.Do(ctx, o.retry, func(attemptCtx stdcontext.Context, attempt int) (payment.PaymentResponse, error) {
		call := context.DeriveCallContext(&traceCtx, providerKey, req.CustomerID, attempt)
		return guard(o, req.Provider, func() (payment.PaymentResponse, error) {
			return pa.CreatePayment(attemptCtx, call, req)
		})
	})
	if err != nil {
		if reservation != nil {
			reservation.Release(stdcontext.WithoutCancel(ctx))
		}
		return failed(err)
	}

	now := o.now().UTC()
	resp.ID = uuid.NewString()
	resp.Provider = req.Provider
	resp.Amount = req.Amount
	resp.Currency = req.Currency
	resp.Metadata = req.Metadata
	resp.CreatedAt = now
	resp.TraceID = traceID
	if !resp.Status.Valid() {
		resp.Status = payment.StatusPending
	}

	rec := payment.PaymentRecord{
		ID:                    resp.ID,
		ProviderTransactionID: resp.ProviderTransactionID,
		Provider:              resp.Provider,
		Amount:                resp.Amount,
		Currency:              resp.Currency,
		Status:                resp.Status,
		CustomerID:            req.CustomerID,
		Metadata:              req.Metadata,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := o.store.Create(stdcontext.WithoutCancel(ctx), rec); err != nil {
		// The charge exists upstream; losing the mirror is preferable to losing it.
		o.logger.ErrorContext(ctx, "failed to persist payment record",
			"trace_id", traceID, "payment_id", rec.ID, "provider_transaction_id", rec.ProviderTransactionID, "error", err)
	}
	if reservation != nil {
		reservation.Complete(stdcontext.WithoutCancel(ctx), resp)
	}

	entry.StatusCode = http.StatusCreated
	entry.LatencyMs = o.now().Sub(start).Milliseconds()
	entry.Response = audit.Snapshot(redactSecret(resp))
	o.record(ctx, entry)

	o.metrics.PaymentsCreated.WithLabelValues(string(resp.Provider), string(resp.Status)).Inc()
	span.SetAttributes(attribute.String("payment_id", resp.ID), attribute.String("status", string(resp.Status)))
	o.logger.InfoContext(ctx, "payment created",
		"trace_id", traceID,
		"payment_id", resp.ID,
		"provider", string(resp.Provider),
		"provider_transaction_id", resp.ProviderTransactionID,
		"amount", resp.Amount.StringFixed(2),
		"currency", resp.Currency,
		"status", string(resp.Status))
	return resp, false, nil
}

// RefundPayment refunds a completed or failed payment, fully when req.Amount
// is nil. ref may be the internal id or the provider transaction id.
func (o *Orchestrator) RefundPayment(traceCtx context.TraceContext, caller Caller, ref string, req payment.RefundRequest) (payment.RefundResponse, error) {
	traceCtx, span := o.startSpan(traceCtx, "Orchestrator.RefundPayment", attribute.String("payment_ref", ref))
	defer span.End()

	start := o.now()
	ctx := traceCtx.Context()
	traceID := traceCtx.GetTraceID()

	entry := audit.Entry{
		TraceID:      traceID,
		CredentialID: caller.CredentialID,
		CustomerID:   caller.CustomerID,
		Endpoint:     endpointRefund,
		Method:       http.MethodPost,
		Request:      audit.Snapshot(req),
	}
	failed := func(err error) (payment.RefundResponse, error) {
		ae := o.fail(traceCtx, span, "refund", err)
		entry.StatusCode = ae.Status
		entry.ErrorMessage = ae.Error()
		entry.LatencyMs = o.now().Sub(start).Milliseconds()
		o.record(ctx, entry)
		return payment.RefundResponse{}, ae
	}

	if err := req.Validate(); err != nil {
		return failed(err)
	}
	rec, err := store.Lookup(ctx, o.store, ref)
	if err != nil {
		return failed(err)
	}
	entry.Provider = string(rec.Provider)
	entry.CustomerID = firstNonEmpty(entry.CustomerID, rec.CustomerID)
	span.SetAttributes(attribute.String("payment_id", rec.ID), attribute.String("provider", string(rec.Provider)))

	if !rec.Status.Refundable() {
		return failed(apperr.RefundFailedErr("Payment cannot be refunded in status "+string(rec.Status),
			map[string]any{"status": string(rec.Status), "payment_id": rec.ID}))
	}
	pa, err := o.registry.Resolve(rec.Provider)
	if err != nil {
		return failed(err)
	}

	req.Currency = rec.Currency
	if err := req.Validate(); err != nil {
		return failed(err)
	}
	providerKey := "refund_" + traceID
	resp, err := retry.Do(ctx, o.retry, func(attemptCtx stdcontext.Context, attempt int) (payment.RefundResponse, error) {
		call := context.DeriveCallContext(&traceCtx, providerKey, rec.CustomerID, attempt)
		return guard(o, rec.Provider, func() (payment.RefundResponse, error) {
			return pa.RefundPayment(attemptCtx, call, rec.ProviderTransactionID, req)
		})
	})
	if err != nil {
		return failed(err)
	}

	if resp.Amount.IsZero() {
		if req.Amount != nil {
			resp.Amount = payment.RoundAmount(*req.Amount)
		} else {
			resp.Amount = rec.Amount
		}
	}
	resp.OriginalTransactionID = rec.ProviderTransactionID
	resp.TraceID = traceID
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = o.now().UTC()
	}

	refunded := resp.Amount
	rec.RefundID = resp.RefundID
	rec.RefundStatus = resp.Status
	rec.RefundAmount = &refunded
	rec.Status = payment.StatusProcessing
	if resp.Status == payment.StatusRefunded {
		rec.Status = payment.StatusRefunded
	}
	rec.UpdatedAt = o.now().UTC()
	if err := o.store.Update(stdcontext.WithoutCancel(ctx), rec); err != nil {
		o.logger.ErrorContext(ctx, "failed to persist refund",
			"trace_id", traceID, "payment_id", rec.ID, "refund_id", resp.RefundID, "error", err)
	}

	entry.StatusCode = http.StatusOK
	entry.LatencyMs = o.now().Sub(start).Milliseconds()
	entry.Response = audit.Snapshot(resp)
	o.record(ctx, entry)

	o.logger.InfoContext(ctx, "payment refunded",
		"trace_id", traceID,
		"payment_id", rec.ID,
		"refund_id", resp.RefundID,
		"amount", resp.Amount.StringFixed(2),
		"status", string(resp.Status))
	return resp, nil
}

// CheckPaymentStatus returns the last known state of a payment from the
// record store. No provider round-trip is made.
func (o *Orchestrator) CheckPaymentStatus(traceCtx context.TraceContext, ref string) (payment.StatusResponse, error) {
	traceCtx, span := o.startSpan(traceCtx, "Orchestrator.CheckPaymentStatus", attribute.String("payment_ref", ref))
	defer span.End()

	rec, err := store.Lookup(traceCtx.Context(), o.store, ref)
	if err != nil {
		return payment.StatusResponse{}, o.fail(traceCtx, span, "status", err)
	}
	span.SetAttributes(attribute.String("status", string(rec.Status)), attribute.Bool("terminal", rec.Status.Terminal()))
	return payment.StatusResponseFromRecord(rec, traceCtx.GetTraceID()), nil
}

// ListPayments pages through stored records. A provider filter goes through
// that provider's adapter when one is registered.
func (o *Orchestrator) ListPayments(traceCtx context.TraceContext, params payment.ListParams) (payment.ListResult, error) {
	traceCtx, span := o.startSpan(traceCtx, "Orchestrator.ListPayments")
	defer span.End()

	if err := validateFilters(params); err != nil {
		return payment.ListResult{}, o.fail(traceCtx, span, "list", err)
	}
	params = params.Clamp()

	var (
		result payment.ListResult
		err    error
	)
	if pa, resolveErr := o.registry.Resolve(params.Provider); params.Provider != "" && resolveErr == nil {
		result, err = pa.ListPayments(traceCtx.Context(), params)
	} else {
		result, err = o.store.List(traceCtx.Context(), params)
	}
	if err != nil {
		return payment.ListResult{}, o.fail(traceCtx, span, "list", err)
	}
	result.TraceID = traceCtx.GetTraceID()
	span.SetAttributes(attribute.Int("returned", len(result.Records)), attribute.Int64("total", result.Total))
	return result, nil
}

// SummarizePayments totals every record matching params' filters.
func (o *Orchestrator) SummarizePayments(traceCtx context.TraceContext, params payment.ListParams) (*reporting.PaymentSummary, error) {
	traceCtx, span := o.startSpan(traceCtx, "Orchestrator.SummarizePayments")
	defer span.End()

	if err := validateFilters(params); err != nil {
		return nil, o.fail(traceCtx, span, "summary", err)
	}
	summary, err := reporting.SummarizeStore(traceCtx.Context(), o.store, params)
	if err != nil {
		return nil, o.fail(traceCtx, span, "summary", err)
	}
	summary.TraceID = traceCtx.GetTraceID()
	return summary, nil
}

func validateFilters(params payment.ListParams) error {
	if params.Provider != "" && !params.Provider.Valid() {
		return apperr.InvalidProviderErr(string(params.Provider), payment.ProviderNames())
	}
	if params.Status != "" && !params.Status.Valid() {
		return apperr.ValidationErr("Invalid status filter", map[string]string{"status": "unknown status " + string(params.Status)})
	}
	if params.Start != nil && params.End != nil && !params.Start.Before(*params.End) {
		return apperr.ValidationErr("Invalid date range", map[string]string{"start_date": "must be before end_date"})
	}
	return nil
}

// scopedKey namespaces a client idempotency key by credential so two
// callers sending the same key never share a reservation or a replay.
func scopedKey(caller Caller, key string) string {
	return firstNonEmpty(caller.CredentialID, "anonymous") + ":" + key
}

// providerIdempotencyKey is a stable UUID for a scoped key. It fits every
// provider's key length limit and never exposes the credential id upstream.
func providerIdempotencyKey(scoped string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(scoped)).String()
}

func redactSecret(resp payment.PaymentResponse) payment.PaymentResponse {
	resp.ClientSecret = ""
	return resp
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
