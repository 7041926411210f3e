// Package paypal adapts the wallet provider's Orders v2 and Payments v2 APIs.
// Amounts travel as decimal strings in major units.
package paypal

import (
	"bytes"
	stdcontext "context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"github.com/yourorg/payment-gateway/internal/adapter"
	"github.com/yourorg/payment-gateway/internal/apperr"
	"github.com/yourorg/payment-gateway/internal/context"
	"github.com/yourorg/payment-gateway/internal/payment"
)

const paypalAPIBaseURL = "https://api-m.paypal.com"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var orderStatuses = adapter.NewStatusTable(payment.StatusPending, map[string]payment.Status{
	"CREATED":               payment.StatusPending,
	"SAVED":                 payment.StatusPending,
	"APPROVED":              payment.StatusPending,
	"PAYER_ACTION_REQUIRED": payment.StatusPending,
	"VOIDED":                payment.StatusFailed,
	"COMPLETED":             payment.StatusCompleted,
})

var refundStatuses = adapter.NewStatusTable(payment.StatusProcessing, map[string]payment.Status{
	"COMPLETED": payment.StatusRefunded,
	"PENDING":   payment.StatusProcessing,
	"FAILED":    payment.StatusFailed,
	"CANCELLED": payment.StatusFailed,
})

// PayPalAdapter implements adapter.ProviderAdapter for PayPal.
// The API key is sent as a bearer token; token exchange happens upstream.
type PayPalAdapter struct {
	adapter.Base
}

var _ adapter.ProviderAdapter = (*PayPalAdapter)(nil)

func NewPayPalAdapter(opts adapter.Options) *PayPalAdapter {
	return &PayPalAdapter{Base: adapter.NewBase(payment.ProviderPayPal, paypalAPIBaseURL, opts)}
}

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type capture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount money  `json:"amount"`
}

type purchaseUnit struct {
	Amount      money  `json:"amount"`
	CustomID    string `json:"custom_id,omitempty"`
	Description string `json:"description,omitempty"`
	Payments    *struct {
		Captures []capture `json:"captures"`
	} `json:"payments,omitempty"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type orderRequest struct {
	Intent        string         `json:"intent"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
}

type order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	Links         []link         `json:"links"`
}

type refundRequest struct {
	Amount      *money `json:"amount,omitempty"`
	NoteToPayer string `json:"note_to_payer,omitempty"`
}

type refundObject struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount money  `json:"amount"`
}

// ErrorResponse is PayPal's error envelope.
type ErrorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	DebugID string `json:"debug_id"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func buildOrder(req payment.PaymentRequest) orderRequest {
	return orderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			Amount:      money{CurrencyCode: req.Currency, Value: payment.FormatMajor(req.Amount, req.Currency)},
			CustomID:    req.CustomerID,
			Description: req.Description,
		}},
	}
}

// firstCapture returns the first capture found on o.
func (o order) firstCapture() (capture, bool) {
	for _, pu := range o.PurchaseUnits {
		if pu.Payments != nil && len(pu.Payments.Captures) > 0 {
			return pu.Payments.Captures[0], true
		}
	}
	return capture{}, false
}

func (o order) approvalURL() string {
	for _, l := range o.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

func (p *PayPalAdapter) newRequest(method string, call context.CallContext, path string, body any) (*http.Request, error) {
	var buf *bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, apperr.InternalErr("paypal: failed to encode request", err)
		}
		buf = bytes.NewBuffer(b)
	} else {
		buf = &bytes.Buffer{}
	}
	req, err := http.NewRequest(method, p.BaseURL+path, buf)
	if err != nil {
		return nil, apperr.InternalErr("paypal: failed to create http request", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")
	if method == http.MethodPost && call.IdempotencyKey != "" {
		req.Header.Set("PayPal-Request-Id", call.IdempotencyKey)
	}
	return req, nil
}

func (p *PayPalAdapter) classify(reply adapter.Reply, business apperr.Kind, ref, prefix string) error {
	var body ErrorResponse
	msg := "PayPal API request failed with HTTP " + strconv.Itoa(reply.Status)
	details := map[string]any{}
	if err := json.Unmarshal(reply.Body, &body); err == nil && body.Message != "" {
		msg = prefix + body.Message
		details["paypal_error"] = body.Name
		if body.DebugID != "" {
			details["paypal_debug_id"] = body.DebugID
		}
		if len(body.Details) > 0 {
			details["paypal_issue"] = body.Details[0].Issue
		}
	}
	return p.ClassifyStatus(reply.Status, body.Name == "RESOURCE_NOT_FOUND", adapter.Classification{
		Business: business,
		Ref:      ref,
		Message:  msg,
		Details:  details,
	})
}

// CreatePayment creates a CAPTURE-intent order.
func (p *PayPalAdapter) CreatePayment(ctx stdcontext.Context, call context.CallContext, req payment.PaymentRequest) (payment.PaymentResponse, error) {
	const endpoint = "/v2/checkout/orders"
	body := buildOrder(req)

	httpReq, err := p.newRequest(http.MethodPost, call, endpoint, body)
	if err != nil {
		return payment.PaymentResponse{}, err
	}
	p.Logger().InfoContext(ctx, "creating paypal order",
		"trace_id", call.TraceID, "attempt", call.AttemptNumber,
		"amount", body.PurchaseUnits[0].Amount.Value, "currency", req.Currency)

	reply, err := p.Send(ctx, httpReq)
	if err != nil {
		p.Record(ctx, call, endpoint, 0, body, nil, err)
		return payment.PaymentResponse{}, err
	}
	if !reply.OK() {
		err := p.classify(reply, apperr.PaymentFailed, req.PaymentMethod, "PayPal order creation failed: ")
		p.Record(ctx, call, endpoint, reply.Status, body, string(reply.Body), err)
		return payment.PaymentResponse{}, err
	}

	var o order
	if err := json.Unmarshal(reply.Body, &o); err != nil || o.ID == "" {
		perr := apperr.ProviderErr(string(p.Provider), "paypal: malformed order response", err)
		p.Record(ctx, call, endpoint, reply.Status, body, string(reply.Body), perr)
		return payment.PaymentResponse{}, perr
	}

	resp := payment.PaymentResponse{
		ProviderTransactionID: o.ID,
		Provider:              p.Provider,
		Amount:                payment.RoundAmount(req.Amount),
		Currency:              req.Currency,
		Status:                orderStatuses.Map(o.Status),
		CreatedAt:             time.Now().UTC(),
		Metadata:              req.Metadata,
		ProviderMetadata: map[string]string{
			"paypal_status":            o.Status,
			"paypal_order_id":          o.ID,
			"payment_method_reference": req.PaymentMethod,
		},
		ClientSecret: o.approvalURL(),
		TraceID:      call.TraceID,
	}
	p.Record(ctx, call, endpoint, reply.Status, body, o, nil)
	return resp, nil
}

// RefundPayment looks up the order's capture and refunds it.
func (p *PayPalAdapter) RefundPayment(ctx stdcontext.Context, call context.CallContext, transactionID string, req payment.RefundRequest) (payment.RefundResponse, error) {
	captured, err := p.lookupCapture(ctx, call, transactionID)
	if err != nil {
		return payment.RefundResponse{}, err
	}

	endpoint := "/v2/payments/captures/" + url.PathEscape(captured.ID) + "/refund"
	body := refundRequest{NoteToPayer: req.Reason}
	currency := captured.Amount.CurrencyCode
	if currency == "" {
		currency = req.Currency
	}
	if req.Amount != nil {
		body.Amount = &money{CurrencyCode: currency, Value: payment.FormatMajor(*req.Amount, currency)}
	}

	httpReq, err := p.newRequest(http.MethodPost, call, endpoint, body)
	if err != nil {
		return payment.RefundResponse{}, err
	}
	p.Logger().InfoContext(ctx, "creating paypal refund",
		"trace_id", call.TraceID, "order_id", transactionID, "capture_id", captured.ID)

	reply, err := p.Send(ctx, httpReq)
	if err != nil {
		p.Record(ctx, call, endpoint, 0, body, nil, err)
		return payment.RefundResponse{}, err
	}
	if !reply.OK() {
		err := p.classify(reply, apperr.RefundFailed, transactionID, "PayPal refund failed: ")
		p.Record(ctx, call, endpoint, reply.Status, body, string(reply.Body), err)
		return payment.RefundResponse{}, err
	}

	var refund refundObject
	if err := json.Unmarshal(reply.Body, &refund); err != nil || refund.ID == "" {
		perr := apperr.ProviderErr(string(p.Provider), "paypal: malformed refund response", err)
		p.Record(ctx, call, endpoint, reply.Status, body, string(reply.Body), perr)
		return payment.RefundResponse{}, perr
	}
	amount, err := decimal.NewFromString(refund.Amount.Value)
	if err != nil {
		if req.Amount != nil {
			amount = *req.Amount
		} else {
			amount, _ = decimal.NewFromString(captured.Amount.Value)
		}
	}

	resp := payment.RefundResponse{
		RefundID:              refund.ID,
		OriginalTransactionID: transactionID,
		Amount:                payment.RoundAmount(amount),
		Status:                refundStatuses.Map(refund.Status),
		CreatedAt:             time.Now().UTC(),
		ProviderMetadata: map[string]string{
			"paypal_status": refund.Status,
			"capture_id":    captured.ID,
		},
		TraceID: call.TraceID,
	}
	p.Record(ctx, call, endpoint, reply.Status, body, refund, nil)
	return resp, nil
}

func (p *PayPalAdapter) lookupCapture(ctx stdcontext.Context, call context.CallContext, orderID string) (capture, error) {
	httpReq, err := p.newRequest(http.MethodGet, call, "/v2/checkout/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		return capture{}, err
	}
	reply, err := p.Send(ctx, httpReq)
	if err != nil {
		return capture{}, err
	}
	if !reply.OK() {
		return capture{}, p.classify(reply, apperr.RefundFailed, orderID, "PayPal order lookup failed: ")
	}
	var o order
	if err := json.Unmarshal(reply.Body, &o); err != nil {
		return capture{}, apperr.ProviderErr(string(p.Provider), "paypal: malformed order response", err)
	}
	c, ok := o.firstCapture()
	if !ok {
		return capture{}, apperr.RefundFailedErr(
			"No capture found for this order. The payment may not have been completed.",
			map[string]any{"provider": string(p.Provider), "order_id": orderID},
		)
	}
	return c, nil
}
