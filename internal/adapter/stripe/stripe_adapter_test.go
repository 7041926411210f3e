package stripe

import (
	stdcontext "context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-gateway/internal/adapter"
	"github.com/yourorg/payment-gateway/internal/apperr"
	"github.com/yourorg/payment-gateway/internal/audit"
	"github.com/yourorg/payment-gateway/internal/context"
	"github.com/yourorg/payment-gateway/internal/payment"
	"github.com/yourorg/payment-gateway/internal/store"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) (*StripeAdapter, *audit.MemorySink) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	sink := &audit.MemorySink{}
	a := NewStripeAdapter(adapter.Options{
		APIKey:     "sk_test_apikey",
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		Store:      store.NewMemoryStore(),
		Audit:      sink,
	})
	return a, sink
}

func testCall() context.CallContext {
	tc := context.NewTraceContext(nil)
	return context.DeriveCallContext(&tc, "idem-key-1", "cus_1", 1)
}

func testRequest() payment.PaymentRequest {
	return payment.PaymentRequest{
		Amount:        decimal.RequireFromString("10.99"),
		Currency:      "USD",
		Provider:      payment.ProviderStripe,
		CustomerID:    "cus_1",
		PaymentMethod: "pm_card_visa",
		Description:   "Order 42",
		Metadata:      map[string]string{"order_id": "42"},
	}
}

func TestNewStripeAdapter(t *testing.T) {
	a := NewStripeAdapter(adapter.Options{Store: store.NewMemoryStore()})
	require.NotNil(t, a)
	assert.Equal(t, payment.ProviderStripe, a.GetName())
	assert.Equal(t, stripeAPIBaseURL, a.BaseURL)
	assert.Panics(t, func() { NewStripeAdapter(adapter.Options{}) })
}

func TestIdempotencyKeyTruncated(t *testing.T) {
	assert.Equal(t, "abc", idempotencyKey("abc"))
	assert.Len(t, idempotencyKey(strings.Repeat("k", 300)), maxIdempotencyKeyLen)
}

func TestBuildIntentPayload(t *testing.T) {
	payload := buildIntentPayload(testRequest())
	assert.Equal(t, "1099", payload.Get("amount"))
	assert.Equal(t, "usd", payload.Get("currency"))
	assert.Equal(t, "pm_card_visa", payload.Get("payment_method"))
	assert.Equal(t, "true", payload.Get("confirm"))
	assert.Equal(t, "Order 42", payload.Get("description"))
	assert.Equal(t, "cus_1", payload.Get("metadata[customer_id]"))
	assert.Equal(t, "42", payload.Get("metadata[order_id]"))

	jpy := testRequest()
	jpy.Amount = decimal.RequireFromString("1500")
	jpy.Currency = "JPY"
	assert.Equal(t, "1500", buildIntentPayload(jpy).Get("amount"))
}

func TestRefundReason(t *testing.T) {
	assert.Equal(t, "duplicate", refundReason("Duplicate charge"))
	assert.Equal(t, "fraudulent", refundReason("suspected fraud"))
	assert.Equal(t, "requested_by_customer", refundReason("changed my mind"))
}

func TestStatusTables(t *testing.T) {
	assert.Equal(t, payment.StatusCompleted, paymentStatuses.Map("succeeded"))
	assert.Equal(t, payment.StatusProcessing, paymentStatuses.Map("requires_capture"))
	assert.Equal(t, payment.StatusFailed, paymentStatuses.Map("canceled"))
	assert.Equal(t, payment.StatusPending, paymentStatuses.Map("brand_new_status"))
	assert.Equal(t, payment.StatusRefunded, refundStatuses.Map("succeeded"))
	assert.Equal(t, payment.StatusProcessing, refundStatuses.Map("mystery"))
}

func TestStripeAdapter_CreatePayment_Success(t *testing.T) {
	a, sink := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/payment_intents", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_apikey", r.Header.Get("Authorization"))
		assert.Equal(t, "idem-key-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))

		bodyBytes, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(bodyBytes), "amount=1099")
		assert.Contains(t, string(bodyBytes), "currency=usd")

		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"id":"pi_123","status":"succeeded","amount":1099,"currency":"usd","client_secret":"pi_123_secret"}`)
	})

	call := testCall()
	resp, err := a.CreatePayment(stdcontext.Background(), call, testRequest())
	require.NoError(t, err)
	assert.Equal(t, "pi_123", resp.ProviderTransactionID)
	assert.Equal(t, payment.StatusCompleted, resp.Status)
	assert.Equal(t, "10.99", resp.Amount.StringFixed(2))
	assert.Equal(t, "USD", resp.Currency)
	assert.Equal(t, "pi_123_secret", resp.ClientSecret)
	assert.Equal(t, "succeeded", resp.ProviderMetadata["stripe_status"])
	assert.Equal(t, call.TraceID, resp.TraceID)

	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.SourceAdapter, entries[0].Source)
	assert.Equal(t, http.StatusOK, entries[0].StatusCode)
	assert.NotContains(t, entries[0].Response, "pi_123_secret")
}

func TestStripeAdapter_CreatePayment_CardDeclined(t *testing.T) {
	a, sink := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined.","decline_code":"insufficient_funds"}}`)
	})

	_, err := a.CreatePayment(stdcontext.Background(), testCall(), testRequest())
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.PaymentFailed, ae.Kind)
	assert.False(t, ae.Retryable())
	assert.Equal(t, "Payment failed: Your card was declined.", ae.Message)
	assert.Equal(t, "insufficient_funds", ae.Details["decline_code"])
	assert.Equal(t, "card_error", ae.Details["stripe_error_type"])

	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, http.StatusPaymentRequired, entries[0].StatusCode)
	assert.NotEmpty(t, entries[0].ErrorMessage)
}

func TestStripeAdapter_CreatePayment_ServerError(t *testing.T) {
	attempts := 0
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"type":"api_error","message":"service down"}}`)
	})

	_, err := a.CreatePayment(stdcontext.Background(), testCall(), testRequest())
	require.Error(t, err)
	assert.Equal(t, apperr.Provider, apperr.KindOf(err))
	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, 1, attempts, "adapter must not retry on its own")
}

func TestStripeAdapter_CreatePayment_NetworkError(t *testing.T) {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx stdcontext.Context, network, addr string) (net.Conn, error) {
				return nil, fmt.Errorf("simulated network error")
			},
		},
	}
	a := NewStripeAdapter(adapter.Options{
		APIKey:     "sk_test_neterr",
		BaseURL:    "http://nonexistent-stripe-endpoint.example.com",
		HTTPClient: client,
		Store:      store.NewMemoryStore(),
	})

	_, err := a.CreatePayment(stdcontext.Background(), testCall(), testRequest())
	require.Error(t, err)
	assert.Equal(t, apperr.Network, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "simulated network error")
}

func TestStripeAdapter_CreatePayment_Timeout(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})

	ctx, cancel := stdcontext.WithTimeout(stdcontext.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.CreatePayment(ctx, testCall(), testRequest())
	require.Error(t, err)
	assert.Equal(t, apperr.Timeout, apperr.KindOf(err))
}

func TestStripeAdapter_RefundPayment(t *testing.T) {
	a, sink := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/refunds", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "pi_123", r.PostForm.Get("payment_intent"))
		assert.Equal(t, "5000", r.PostForm.Get("amount"))
		assert.Equal(t, "requested_by_customer", r.PostForm.Get("reason"))
		assert.Equal(t, "customer asked", r.PostForm.Get("metadata[original_reason]"))
		fmt.Fprint(w, `{"id":"re_1","status":"succeeded","amount":5000,"currency":"usd","reason":"requested_by_customer"}`)
	})

	half := decimal.RequireFromString("50.00")
	resp, err := a.RefundPayment(stdcontext.Background(), testCall(), "pi_123",
		payment.RefundRequest{Amount: &half, Reason: "customer asked", Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, "re_1", resp.RefundID)
	assert.Equal(t, "pi_123", resp.OriginalTransactionID)
	assert.True(t, resp.Amount.Equal(half))
	assert.Equal(t, payment.StatusRefunded, resp.Status)
	assert.Len(t, sink.Entries(), 1)
}

func TestStripeAdapter_RefundPayment_NotFound(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such payment_intent: 'pi_nope'"}}`)
	})

	_, err := a.RefundPayment(stdcontext.Background(), testCall(), "pi_nope", payment.RefundRequest{Currency: "USD"})
	require.Error(t, err)
	assert.Equal(t, apperr.PaymentNotFound, apperr.KindOf(err))
}

func TestStripeAdapter_RefundPayment_Rejected(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"charge_already_refunded","message":"Charge has already been refunded."}}`)
	})

	_, err := a.RefundPayment(stdcontext.Background(), testCall(), "pi_1", payment.RefundRequest{Currency: "USD"})
	require.Error(t, err)
	assert.Equal(t, apperr.RefundFailed, apperr.KindOf(err))
}

func TestStripeAdapter_ListPayments(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := stdcontext.Background()
	now := time.Now().UTC()
	require.NoError(t, s.Create(ctx, payment.PaymentRecord{ID: "a", Provider: payment.ProviderStripe, Status: payment.StatusCompleted, CreatedAt: now}))
	require.NoError(t, s.Create(ctx, payment.PaymentRecord{ID: "b", Provider: payment.ProviderPayPal, Status: payment.StatusCompleted, CreatedAt: now}))

	a := NewStripeAdapter(adapter.Options{Store: s})
	res, err := a.ListPayments(ctx, payment.ListParams{Provider: payment.ProviderPayPal, Limit: 10})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "a", res.Records[0].ID)
	assert.EqualValues(t, 1, res.Total)
}
