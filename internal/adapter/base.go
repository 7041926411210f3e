package adapter

import (
	stdcontext "context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/yourorg/payment-gateway/internal/apperr"
	"github.com/yourorg/payment-gateway/internal/audit"
	"github.com/yourorg/payment-gateway/internal/context"
	"github.com/yourorg/payment-gateway/internal/payment"
	"github.com/yourorg/payment-gateway/internal/store"
)

const maxResponseBytes = 1 << 20

// Options configures the shared parts of an HTTP provider adapter.
type Options struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Store      store.RecordStore
	Audit      audit.Sink
	Logger     *slog.Logger
}

// Base carries what every HTTP adapter needs: transport, credentials, the
// record store for listings and the audit sink for provider-level evidence.
type Base struct {
	Provider payment.Provider
	APIKey   string
	BaseURL  string
	client   *http.Client
	store    store.RecordStore
	audit    audit.Sink
	logger   *slog.Logger
}

// NewBase panics when the record store is missing; every adapter lists from it.
func NewBase(provider payment.Provider, defaultBaseURL string, opts Options) Base {
	if opts.Store == nil {
		panic(fmt.Sprintf("adapter: %s requires a record store", provider))
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	sink := opts.Audit
	if sink == nil {
		sink = audit.Discard{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return Base{
		Provider: provider,
		APIKey:   opts.APIKey,
		BaseURL:  baseURL,
		client:   client,
		store:    opts.Store,
		audit:    sink,
		logger:   logger.With("provider", string(provider)),
	}
}

// GetName returns the provider this adapter serves.
func (b *Base) GetName() payment.Provider { return b.Provider }

// Logger returns the provider-scoped logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// ListPayments reads from the record store, pinned to this provider.
func (b *Base) ListPayments(ctx stdcontext.Context, params payment.ListParams) (payment.ListResult, error) {
	params.Provider = b.Provider
	res, err := b.store.List(ctx, params)
	if err != nil {
		return payment.ListResult{}, apperr.InternalErr("Failed to list payments", err)
	}
	return res, nil
}

// Reply is a provider HTTP response.
type Reply struct {
	Status int
	Body   []byte
}

// OK reports a 2xx status.
func (r Reply) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Send performs one HTTP call. Transport failures come back classified:
// deadlines as TimeoutError, everything else as NetworkError.
func (b *Base) Send(ctx stdcontext.Context, req *http.Request) (Reply, error) {
	resp, err := b.client.Do(req.WithContext(ctx))
	if err != nil {
		return Reply{}, b.transportError(ctx, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Reply{}, b.transportError(ctx, err)
	}
	return Reply{Status: resp.StatusCode, Body: body}, nil
}

func (b *Base) transportError(ctx stdcontext.Context, err error) error {
	var netErr net.Error
	if errors.Is(err, stdcontext.DeadlineExceeded) || errors.Is(ctx.Err(), stdcontext.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return apperr.TimeoutErr(string(b.Provider), err)
	}
	return apperr.NetworkErr(string(b.Provider), err)
}

// Classification names the business-failure kind for a call and the
// reference reported when the provider says the resource is unknown.
type Classification struct {
	Business apperr.Kind
	Ref      string
	Message  string
	Details  map[string]any
}

// ClassifyStatus turns a non-2xx provider status into a classified error.
// notFound lets callers flag provider-specific "unknown resource" codes.
func (b *Base) ClassifyStatus(status int, notFound bool, c Classification) error {
	details := map[string]any{"provider": string(b.Provider), "provider_status": status}
	for k, v := range c.Details {
		details[k] = v
	}
	switch {
	case status == http.StatusNotFound || notFound:
		return withDetails(apperr.NotFoundErr(c.Ref), details)
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return withDetails(apperr.ProviderErr(string(b.Provider), c.Message, nil), details)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return withDetails(apperr.ProviderErr(string(b.Provider), "Provider rejected gateway credentials", nil).Permanent(), details)
	case c.Business == apperr.RefundFailed:
		return apperr.RefundFailedErr(c.Message, details)
	default:
		return apperr.PaymentFailedErr(c.Message, details)
	}
}

func withDetails(e *apperr.Error, details map[string]any) *apperr.Error {
	for k, v := range details {
		e = e.WithDetail(k, v)
	}
	return e
}

// Record writes an adapter-level audit entry. It runs before the adapter
// returns so provider evidence exists even if the caller never gets to
// write its own. Sink failures are logged and otherwise ignored.
func (b *Base) Record(ctx stdcontext.Context, call context.CallContext, endpoint string, status int, request, response any, callErr error) {
	e := audit.Entry{
		TraceID:    call.TraceID,
		Source:     audit.SourceAdapter,
		CustomerID: call.CustomerID,
		Endpoint:   endpoint,
		Method:     http.MethodPost,
		Provider:   string(b.Provider),
		StatusCode: status,
		LatencyMs:  call.Elapsed().Milliseconds(),
		Request:    audit.Snapshot(request),
		Response:   audit.Snapshot(response),
	}
	if callErr != nil {
		e.ErrorMessage = callErr.Error()
		if e.StatusCode == 0 {
			e.StatusCode = apperr.HTTPStatus(callErr)
		}
	}
	if err := b.audit.Record(stdcontext.WithoutCancel(ctx), e); err != nil {
		b.logger.WarnContext(ctx, "adapter audit write failed",
			"trace_id", call.TraceID, "endpoint", endpoint, "error", err)
	}
}
