// Package stripe adapts the card-network provider's PaymentIntent API.
package stripe

import (
	stdcontext "context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/yourorg/payment-gateway/internal/adapter"
	"github.com/yourorg/payment-gateway/internal/apperr"
	"github.com/yourorg/payment-gateway/internal/context"
	"github.com/yourorg/payment-gateway/internal/payment"
)

const (
	stripeAPIBaseURL     = "https://api.stripe.com/v1"
	maxIdempotencyKeyLen = 255
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var paymentStatuses = adapter.NewStatusTable(payment.StatusPending, map[string]payment.Status{
	"requires_payment_method": payment.StatusPending,
	"requires_confirmation":   payment.StatusPending,
	"requires_action":         payment.StatusPending,
	"processing":              payment.StatusProcessing,
	"requires_capture":        payment.StatusProcessing,
	"canceled":                payment.StatusFailed,
	"succeeded":               payment.StatusCompleted,
})

var refundStatuses = adapter.NewStatusTable(payment.StatusProcessing, map[string]payment.Status{
	"succeeded":       payment.StatusRefunded,
	"pending":         payment.StatusProcessing,
	"requires_action": payment.StatusProcessing,
	"failed":          payment.StatusFailed,
	"canceled":        payment.StatusFailed,
})

// StripeAdapter implements adapter.ProviderAdapter for Stripe.
type StripeAdapter struct {
	adapter.Base
}

var _ adapter.ProviderAdapter = (*StripeAdapter)(nil)

// NewStripeAdapter creates a StripeAdapter. An empty BaseURL targets the live API.
func NewStripeAdapter(opts adapter.Options) *StripeAdapter {
	return &StripeAdapter{Base: adapter.NewBase(payment.ProviderStripe, stripeAPIBaseURL, opts)}
}

// StripeErrorResponse represents the error structure from Stripe API
type StripeErrorResponse struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"` // e.g., "card_declined", "resource_missing"
		Message     string `json:"message"`
		DeclineCode string `json:"decline_code"` // e.g. "insufficient_funds"
		Param       string `json:"param"`
	} `json:"error"`
}

type paymentIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	ClientSecret string `json:"client_secret"`
	Livemode     bool   `json:"livemode"`
}

type refundObject struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Reason   string `json:"reason"`
}

// idempotencyKey truncates to Stripe's maximum key length.
func idempotencyKey(key string) string {
	if len(key) > maxIdempotencyKeyLen {
		return key[:maxIdempotencyKeyLen]
	}
	return key
}

// buildIntentPayload renders a confirmed, server-side PaymentIntent.
func buildIntentPayload(req payment.PaymentRequest) url.Values {
	payload := url.Values{}
	payload.Set("amount", strconv.FormatInt(payment.ToMinorUnits(req.Amount, req.Currency), 10))
	payload.Set("currency", strings.ToLower(req.Currency))
	payload.Set("payment_method", req.PaymentMethod)
	payload.Set("confirm", "true")
	payload.Set("automatic_payment_methods[enabled]", "true")
	payload.Set("automatic_payment_methods[allow_redirects]", "never")
	if req.Description != "" {
		payload.Set("description", req.Description)
	}
	payload.Set("metadata[customer_id]", req.CustomerID)
	keys := make([]string, 0, len(req.Metadata))
	for k := range req.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		payload.Set("metadata["+k+"]", req.Metadata[k])
	}
	return payload
}

// refundReason maps free text onto the three reasons Stripe accepts.
func refundReason(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "duplicate"):
		return "duplicate"
	case strings.Contains(lower, "fraud"):
		return "fraudulent"
	default:
		return "requested_by_customer"
	}
}

func buildRefundPayload(transactionID string, req payment.RefundRequest) url.Values {
	payload := url.Values{}
	payload.Set("payment_intent", transactionID)
	if req.Amount != nil {
		payload.Set("amount", strconv.FormatInt(payment.ToMinorUnits(*req.Amount, req.Currency), 10))
	}
	if req.Reason != "" {
		payload.Set("reason", refundReason(req.Reason))
		payload.Set("metadata[original_reason]", req.Reason)
	}
	return payload
}

func (s *StripeAdapter) newRequest(call context.CallContext, path string, form url.Values) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodPost, s.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperr.InternalErr("stripe: failed to create http request", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.APIKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if call.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey(call.IdempotencyKey))
	}
	return req, nil
}

func (s *StripeAdapter) classify(reply adapter.Reply, business apperr.Kind, ref, prefix string) error {
	var body StripeErrorResponse
	msg := "Stripe API request failed with HTTP " + strconv.Itoa(reply.Status)
	details := map[string]any{}
	if err := json.Unmarshal(reply.Body, &body); err == nil && body.Error.Message != "" {
		msg = prefix + body.Error.Message
		details["stripe_code"] = body.Error.Code
		details["stripe_error_type"] = body.Error.Type
		if body.Error.DeclineCode != "" {
			details["decline_code"] = body.Error.DeclineCode
		}
		if body.Error.Param != "" {
			details["stripe_param"] = body.Error.Param
		}
	}
	return s.ClassifyStatus(reply.Status, body.Error.Code == "resource_missing", adapter.Classification{
		Business: business,
		Ref:      ref,
		Message:  msg,
		Details:  details,
	})
}

// CreatePayment creates and confirms a PaymentIntent.
func (s *StripeAdapter) CreatePayment(ctx stdcontext.Context, call context.CallContext, req payment.PaymentRequest) (payment.PaymentResponse, error) {
	const endpoint = "/payment_intents"
	form := buildIntentPayload(req)

	httpReq, err := s.newRequest(call, endpoint, form)
	if err != nil {
		return payment.PaymentResponse{}, err
	}
	s.Logger().InfoContext(ctx, "creating stripe payment intent",
		"trace_id", call.TraceID, "attempt", call.AttemptNumber, "amount", form.Get("amount"), "currency", form.Get("currency"))

	reply, err := s.Send(ctx, httpReq)
	if err != nil {
		s.Record(ctx, call, endpoint, 0, form, nil, err)
		return payment.PaymentResponse{}, err
	}
	if !reply.OK() {
		err := s.classify(reply, apperr.PaymentFailed, req.PaymentMethod, "Payment failed: ")
		s.Record(ctx, call, endpoint, reply.Status, form, string(reply.Body), err)
		return payment.PaymentResponse{}, err
	}

	var intent paymentIntent
	if err := json.Unmarshal(reply.Body, &intent); err != nil || intent.ID == "" {
		perr := apperr.ProviderErr(string(s.Provider), "stripe: malformed payment intent response", err)
		s.Record(ctx, call, endpoint, reply.Status, form, string(reply.Body), perr)
		return payment.PaymentResponse{}, perr
	}

	resp := payment.PaymentResponse{
		ProviderTransactionID: intent.ID,
		Provider:              s.Provider,
		Amount:                payment.RoundAmount(req.Amount),
		Currency:              req.Currency,
		Status:                paymentStatuses.Map(intent.Status),
		CreatedAt:             time.Now().UTC(),
		Metadata:              req.Metadata,
		ProviderMetadata: map[string]string{
			"stripe_status": intent.Status,
			"livemode":      strconv.FormatBool(intent.Livemode),
		},
		ClientSecret: intent.ClientSecret,
		TraceID:      call.TraceID,
	}
	intent.ClientSecret = ""
	s.Record(ctx, call, endpoint, reply.Status, form, intent, nil)
	return resp, nil
}

// RefundPayment refunds a PaymentIntent, fully or partially.
func (s *StripeAdapter) RefundPayment(ctx stdcontext.Context, call context.CallContext, transactionID string, req payment.RefundRequest) (payment.RefundResponse, error) {
	const endpoint = "/refunds"
	form := buildRefundPayload(transactionID, req)

	httpReq, err := s.newRequest(call, endpoint, form)
	if err != nil {
		return payment.RefundResponse{}, err
	}
	s.Logger().InfoContext(ctx, "creating stripe refund",
		"trace_id", call.TraceID, "payment_intent", transactionID, "amount", form.Get("amount"))

	reply, err := s.Send(ctx, httpReq)
	if err != nil {
		s.Record(ctx, call, endpoint, 0, form, nil, err)
		return payment.RefundResponse{}, err
	}
	if !reply.OK() {
		err := s.classify(reply, apperr.RefundFailed, transactionID, "Refund failed: ")
		s.Record(ctx, call, endpoint, reply.Status, form, string(reply.Body), err)
		return payment.RefundResponse{}, err
	}

	var refund refundObject
	if err := json.Unmarshal(reply.Body, &refund); err != nil || refund.ID == "" {
		perr := apperr.ProviderErr(string(s.Provider), "stripe: malformed refund response", err)
		s.Record(ctx, call, endpoint, reply.Status, form, string(reply.Body), perr)
		return payment.RefundResponse{}, perr
	}

	currency := req.Currency
	if refund.Currency != "" {
		currency = payment.NormalizeCurrency(refund.Currency)
	}
	resp := payment.RefundResponse{
		RefundID:              refund.ID,
		OriginalTransactionID: transactionID,
		Amount:                payment.FromMinorUnits(refund.Amount, currency),
		Status:                refundStatuses.Map(refund.Status),
		CreatedAt:             time.Now().UTC(),
		ProviderMetadata: map[string]string{
			"stripe_status": refund.Status,
			"stripe_reason": refund.Reason,
		},
		TraceID: call.TraceID,
	}
	s.Record(ctx, call, endpoint, reply.Status, form, refund, nil)
	return resp, nil
}
