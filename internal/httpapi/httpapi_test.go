package httpapi

import (
	stdcontext "context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-gateway/internal/adapter"
	adaptermock "github.com/yourorg/payment-gateway/internal/adapter/mock"
	"github.com/yourorg/payment-gateway/internal/apperr"
	"github.com/yourorg/payment-gateway/internal/audit"
	"github.com/yourorg/payment-gateway/internal/auth"
	tracectx "github.com/yourorg/payment-gateway/internal/context"
	"github.com/yourorg/payment-gateway/internal/idempotency"
	"github.com/yourorg/payment-gateway/internal/metrics"
	"github.com/yourorg/payment-gateway/internal/monitor"
	"github.com/yourorg/payment-gateway/internal/orchestrator"
	"github.com/yourorg/payment-gateway/internal/payment"
	"github.com/yourorg/payment-gateway/internal/ratelimit"
	"github.com/yourorg/payment-gateway/internal/reporting"
	"github.com/yourorg/payment-gateway/internal/retry"
	"github.com/yourorg/payment-gateway/internal/store"
)

const testKey = "sk_test_key"

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router  *gin.Engine
	stripe  *adaptermock.MockAdapter
	store   *store.MemoryStore
	redis   *miniredis.Miniredis
	limiter *ratelimit.Limiter
}

type serverOption func(*Options)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	ts := &testServer{
		stripe: adaptermock.NewMockAdapter(payment.ProviderStripe),
		store:  store.NewMemoryStore(),
		redis:  mr,
	}

	p := retry.DefaultPolicy()
	p.Sleep = func(ctx stdcontext.Context, _ time.Duration) error { return ctx.Err() }
	orch := orchestrator.NewOrchestrator(orchestrator.Config{
		Registry:    adapter.NewRegistry(ts.stripe),
		Store:       ts.store,
		Audit:       &audit.MemorySink{},
		Idempotency: idempotency.NewCache(rdb, idempotency.Options{Wait: 50 * time.Millisecond, Poll: 5 * time.Millisecond}),
		Retry:       p,
		Metrics:     m,
		Logger:      quietLogger(),
	})

	creds := auth.NewInMemoryCredentialRepository()
	creds.Add(testKey, auth.Credential{ID: "cred_1", CustomerID: "cust_1", Tier: "growth"})
	creds.Add("sk_tiny", auth.Credential{ID: "cred_tiny", CustomerID: "cust_2", Tier: "tiny"})

	ts.limiter = ratelimit.NewLimiter(rdb, ratelimit.Options{Mode: ratelimit.FailOpen, Metrics: m, Logger: quietLogger()})
	tiers := ratelimit.DefaultTiers()
	tiers["tiny"] = 2

	o := Options{
		Service:     orch,
		Credentials: creds,
		Limiter:     ts.limiter,
		Tiers:       tiers,
		Contract:    monitor.NewPaymentContractMonitor(),
		Gatherer:    reg,
		Logger:      quietLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	ts.router = NewRouter(o)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if _, ok := headers[auth.HeaderAPIKey]; !ok {
		req.Header.Set(auth.HeaderAPIKey, testKey)
	}
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apperr.Payload {
	t.Helper()
	var p apperr.Payload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p), w.Body.String())
	return p
}

const createBody = `{"amount": 100.50, "currency": "usd", "provider": "stripe",
	"customer_id": "cust_1", "payment_method": "pm_card_visa", "metadata": {"order": "42"}}`

func TestCreatePayment_Created(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/payments", createBody, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp payment.PaymentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "USD", resp.Currency)
	assert.True(t, resp.Amount.Equal(decimal.RequireFromString("100.50")))
	assert.Contains(t, []payment.Status{payment.StatusPending, payment.StatusCompleted}, resp.Status)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, w.Header().Get(HeaderTraceID), resp.TraceID)
	assert.Equal(t, "500", w.Header().Get("X-RateLimit-Limit"))
}

func TestAmountsRenderAsTwoDecimalNumbers(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/payments", createBody, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"amount":100.50`)
	var created payment.PaymentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = ts.do(t, http.MethodPost, "/api/v1/payments/"+created.ProviderTransactionID+"/refund", `{"amount": 50}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"amount":50.00`)

	w = ts.do(t, http.MethodGet, "/api/v1/payments/"+created.ID+"/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"amount":100.50`)
	assert.Contains(t, w.Body.String(), `"refund_amount":50.00`)
	assert.NotContains(t, w.Body.String(), `"100.5"`)
}

func TestCreatePayment_IdempotentReplay(t *testing.T) {
	ts := newTestServer(t)
	hdr := map[string]string{HeaderIdempotencyKey: "k1"}

	first := ts.do(t, http.MethodPost, "/api/v1/payments", createBody, hdr)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := ts.do(t, http.MethodPost, "/api/v1/payments", createBody, hdr)
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))

	var a, b payment.PaymentResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 1, ts.stripe.Calls("create"))
}

func TestCreatePayment_Rejections(t *testing.T) {
	longKey := strings.Repeat("k", 256)
	tests := []struct {
		name    string
		body    string
		headers map[string]string
		status  int
		code    apperr.Kind
	}{
		{"missing api key", createBody, map[string]string{auth.HeaderAPIKey: ""}, http.StatusUnauthorized, apperr.Unauthorized},
		{"unknown api key", createBody, map[string]string{auth.HeaderAPIKey: "sk_nope"}, http.StatusUnauthorized, apperr.Unauthorized},
		{"malformed json", `{"amount":`, nil, http.StatusBadRequest, apperr.Validation},
		{"schema violation", `{"amount": 10, "currency": "usd"}`, nil, http.StatusBadRequest, apperr.Validation},
		{"bad provider", strings.Replace(createBody, `"stripe"`, `"venmo"`, 1), nil, http.StatusBadRequest, apperr.InvalidProvider},
		{"unconfigured provider", strings.Replace(createBody, `"stripe"`, `"paypal"`, 1), nil, http.StatusBadRequest, apperr.InvalidProvider},
		{"amount above maximum", strings.Replace(createBody, "100.50", "100000000000000000000", 1), nil, http.StatusBadRequest, apperr.Validation},
		{"fractional yen", strings.Replace(createBody, `"usd"`, `"jpy"`, 1), nil, http.StatusBadRequest, apperr.Validation},
		{"idempotency key too long", createBody, map[string]string{HeaderIdempotencyKey: longKey}, http.StatusBadRequest, apperr.Validation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			w := ts.do(t, http.MethodPost, "/api/v1/payments", tt.body, tt.headers)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			p := decodeError(t, w)
			assert.Equal(t, string(tt.code), p.Code)
			assert.NotEmpty(t, p.TraceID)
			assert.Equal(t, w.Header().Get(HeaderTraceID), p.TraceID)
			assert.Equal(t, 0, ts.stripe.Calls("create"))
		})
	}
}

func TestCreatePayment_SchemaViolationListsErrors(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/payments", `{"amount": -1, "currency": "us"}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	p := decodeError(t, w)
	errs, ok := p.Details["errors"].([]any)
	require.True(t, ok, "details.errors should be a list: %v", p.Details)
	assert.NotEmpty(t, errs)
}

func TestRefundPayment(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/payments", createBody, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var created payment.PaymentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = ts.do(t, http.MethodPost, "/api/v1/payments/"+created.ProviderTransactionID+"/refund", `{"amount": 50.00, "reason": "requested_by_customer"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var refund payment.RefundResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &refund))
	assert.True(t, refund.Amount.Equal(decimal.RequireFromString("50.00")))
	assert.Equal(t, created.ProviderTransactionID, refund.OriginalTransactionID)

	w = ts.do(t, http.MethodGet, "/api/v1/payments/"+created.ID+"/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var st payment.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, payment.StatusRefunded, st.Status)

	w = ts.do(t, http.MethodPost, "/api/v1/payments/"+created.ID+"/refund", "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Equal(t, string(apperr.RefundFailed), decodeError(t, w).Code)
}

func TestPaymentStatus_NotFound(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/payments/pay_missing/status", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(apperr.PaymentNotFound), decodeError(t, w).Code)
}

func TestListAndSummary(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 3; i++ {
		w := ts.do(t, http.MethodPost, "/api/v1/payments", createBody, nil)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := ts.do(t, http.MethodGet, "/api/v1/payments?status=completed&limit=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var list payment.ListResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Records, 2)
	assert.EqualValues(t, 3, list.Total)
	assert.Equal(t, 2, list.Limit)
	for _, rec := range list.Records {
		assert.Equal(t, payment.StatusCompleted, rec.Status)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/payments?limit=500&offset=-5", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, payment.MaxListLimit, list.Limit)
	assert.Equal(t, 0, list.Offset)

	w = ts.do(t, http.MethodGet, "/api/v1/payments/summary", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sum reporting.PaymentSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, 3, sum.TotalPayments)
	assert.True(t, sum.AmountByCurrency["USD"].Equal(decimal.RequireFromString("301.50")))
}

func TestListPayments_BadQuery(t *testing.T) {
	ts := newTestServer(t)
	for _, q := range []string{"limit=ten", "offset=x", "start_date=yesterday", "status=lost", "provider=venmo"} {
		w := ts.do(t, http.MethodGet, "/api/v1/payments?"+q, "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t)
	hdr := map[string]string{auth.HeaderAPIKey: "sk_tiny"}

	for i := 0; i < 2; i++ {
		w := ts.do(t, http.MethodGet, "/api/v1/payments", "", hdr)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := ts.do(t, http.MethodGet, "/api/v1/payments", "", hdr)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, string(apperr.RateLimitExceeded), decodeError(t, w).Code)
}

func TestRateLimit_FailClosed(t *testing.T) {
	ts := newTestServer(t, func(o *Options) {
		rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
		t.Cleanup(func() { _ = rdb.Close() })
		o.Limiter = ratelimit.NewLimiter(rdb, ratelimit.Options{Mode: ratelimit.FailClosed, Logger: quietLogger()})
	})

	w := ts.do(t, http.MethodGet, "/api/v1/payments", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
	assert.Equal(t, string(apperr.Network), decodeError(t, w).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, func(o *Options) {
		o.HealthChecks = map[string]HealthCheck{
			"redis": func(stdcontext.Context) error { return nil },
		}
	})

	w := ts.do(t, http.MethodGet, "/health", "", map[string]string{auth.HeaderAPIKey: ""})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"ok"`)
	assert.NotEmpty(t, w.Header().Get(HeaderTraceID))

	ts.do(t, http.MethodPost, "/api/v1/payments", createBody, nil)
	w = ts.do(t, http.MethodGet, "/metrics", "", map[string]string{auth.HeaderAPIKey: ""})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `payments_created_total{provider="stripe",status="completed"} 1`)
}

func TestHealth_DegradedDependency(t *testing.T) {
	ts := newTestServer(t, func(o *Options) {
		o.HealthChecks = map[string]HealthCheck{
			"redis": func(stdcontext.Context) error { return errors.New("connection refused") },
		}
	})
	w := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
}

type panickingService struct{ Service }

func (panickingService) CheckPaymentStatus(tracectx.TraceContext, string) (payment.StatusResponse, error) {
	panic("boom")
}

func TestRecovery_RendersInternalError(t *testing.T) {
	ts := newTestServer(t, func(o *Options) {
		o.Service = panickingService{Service: o.Service}
	})
	w := ts.do(t, http.MethodGet, "/api/v1/payments/any/status", "", nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	p := decodeError(t, w)
	assert.Equal(t, string(apperr.Internal), p.Code)
	assert.Equal(t, "Internal server error", p.Error)
}

func TestNewRouter_PanicsWithoutService(t *testing.T) {
	assert.Panics(t, func() { NewRouter(Options{}) })
}
