package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"

	"github.com/yourorg/payment-gateway/internal/apperr"
	"github.com/yourorg/payment-gateway/internal/auth"
	tracectx "github.com/yourorg/payment-gateway/internal/context"
	"github.com/yourorg/payment-gateway/internal/orchestrator"
	"github.com/yourorg/payment-gateway/internal/payment"
	"github.com/yourorg/payment-gateway/internal/reporting"
)

const (
	maxBodyBytes         = 1 << 20
	maxIdempotencyKeyLen = 255
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Service is the orchestration surface served over HTTP.
type Service interface {
	CreatePayment(traceCtx tracectx.TraceContext, caller orchestrator.Caller, req payment.PaymentRequest, idempotencyKey string) (payment.PaymentResponse, bool, error)
	RefundPayment(traceCtx tracectx.TraceContext, caller orchestrator.Caller, ref string, req payment.RefundRequest) (payment.RefundResponse, error)
	CheckPaymentStatus(traceCtx tracectx.TraceContext, ref string) (payment.StatusResponse, error)
	ListPayments(traceCtx tracectx.TraceContext, params payment.ListParams) (payment.ListResult, error)
	SummarizePayments(traceCtx tracectx.TraceContext, params payment.ListParams) (*reporting.PaymentSummary, error)
}

// ContractChecker validates a raw create-payment body.
type ContractChecker interface {
	Check(body []byte) error
}

type handlers struct {
	svc      Service
	contract ContractChecker
}

func callerFrom(c *gin.Context) orchestrator.Caller {
	cred, ok := auth.FromGin(c)
	if !ok {
		return orchestrator.Caller{}
	}
	return orchestrator.Caller{CredentialID: cred.ID, CustomerID: cred.CustomerID}
}

func readBody(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperr.ValidationErr("Request body too large", nil)
		}
		return nil, apperr.ValidationErr("Could not read request body", nil)
	}
	return body, nil
}

func (h *handlers) createPayment(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		Fail(c, err)
		return
	}
	if h.contract != nil {
		if err := h.contract.Check(body); err != nil {
			Fail(c, err)
			return
		}
	}

	var req payment.PaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		Fail(c, apperr.ValidationErr("Request body is not a valid payment request", nil))
		return
	}

	key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
	if len(key) > maxIdempotencyKeyLen {
		Fail(c, apperr.ValidationErr("Invalid idempotency key", map[string]string{
			HeaderIdempotencyKey: "must be at most 255 characters",
		}))
		return
	}

	resp, replayed, err := h.svc.CreatePayment(TraceFrom(c), callerFrom(c), req, key)
	if err != nil {
		Fail(c, err)
		return
	}
	if replayed {
		c.Header(HeaderReplayed, "true")
		c.JSON(http.StatusOK, resp)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *handlers) refundPayment(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		Fail(c, err)
		return
	}

	var req payment.RefundRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			Fail(c, apperr.ValidationErr("Request body is not a valid refund request", nil))
			return
		}
	}

	resp, err := h.svc.RefundPayment(TraceFrom(c), callerFrom(c), c.Param("id"), req)
	if err != nil {
		Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) paymentStatus(c *gin.Context) {
	resp, err := h.svc.CheckPaymentStatus(TraceFrom(c), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) listPayments(c *gin.Context) {
	params, err := parseListParams(c)
	if err != nil {
		Fail(c, err)
		return
	}
	res, err := h.svc.ListPayments(TraceFrom(c), params)
	if err != nil {
		Fail(c, err)
		return
	}
	clamped := params.Clamp()
	res.Limit, res.Offset = clamped.Limit, clamped.Offset
	if res.Records == nil {
		res.Records = []payment.PaymentRecord{}
	}
	c.JSON(http.StatusOK, res)
}

func (h *handlers) summarizePayments(c *gin.Context) {
	params, err := parseListParams(c)
	if err != nil {
		Fail(c, err)
		return
	}
	sum, err := h.svc.SummarizePayments(TraceFrom(c), params)
	if err != nil {
		Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// parseListParams reads the listing filters from the query string.
// Out-of-range limit and offset values are clamped later, not rejected.
func parseListParams(c *gin.Context) (payment.ListParams, error) {
	params := payment.ListParams{
		Provider:   payment.Provider(strings.ToLower(strings.TrimSpace(c.Query("provider")))),
		Status:     payment.Status(strings.ToLower(strings.TrimSpace(c.Query("status")))),
		CustomerID: strings.TrimSpace(c.Query("customer_id")),
		Limit:      payment.DefaultListLimit,
	}
	fields := map[string]string{}

	if v, ok := c.GetQuery("limit"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			fields["limit"] = "must be an integer"
		}
		params.Limit = n
	}
	if v, ok := c.GetQuery("offset"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			fields["offset"] = "must be an integer"
		}
		params.Offset = n
	}
	for _, q := range []struct {
		name string
		dst  **time.Time
	}{
		{"start_date", &params.Start},
		{"end_date", &params.End},
	} {
		v := strings.TrimSpace(c.Query(q.name))
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fields[q.name] = "must be an RFC3339 timestamp"
			continue
		}
		t = t.UTC()
		*q.dst = &t
	}

	if len(fields) > 0 {
		return payment.ListParams{}, apperr.ValidationErr("Invalid query parameters", fields)
	}
	return params, nil
}
