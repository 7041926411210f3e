package payment

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-gateway/internal/apperr"
)

func validRequest() PaymentRequest {
	return PaymentRequest{
		Amount:        decimal.RequireFromString("100.50"),
		Currency:      "usd",
		Provider:      ProviderStripe,
		CustomerID:    "cus_1",
		PaymentMethod: "pm_card_visa",
	}
}

func TestProviderAndStatus(t *testing.T) {
	assert.True(t, ProviderStripe.Valid())
	assert.True(t, ProviderPayPal.Valid())
	assert.False(t, Provider("adyen").Valid())
	assert.Equal(t, []string{"stripe", "paypal"}, ProviderNames())

	for _, s := range []Status{StatusCompleted, StatusFailed, StatusRefunded} {
		assert.True(t, s.Terminal(), s)
	}
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Refundable())
	assert.True(t, StatusFailed.Refundable())
	assert.False(t, StatusRefunded.Refundable())
	assert.False(t, Status("settled").Valid())
}

func TestNormalizeAndValidate(t *testing.T) {
	req := validRequest()
	req.Amount = decimal.RequireFromString("10.555")
	req.Provider = " Stripe "
	n := req.Normalize()
	assert.Equal(t, "USD", n.Currency)
	assert.Equal(t, "10.56", n.Amount.StringFixed(2))
	assert.Equal(t, ProviderStripe, n.Provider)
	require.NoError(t, n.Validate())
}

func TestValidateFieldErrors(t *testing.T) {
	req := validRequest()
	req.Amount = decimal.Zero
	req.Currency = "US"
	req.CustomerID = ""

	err := req.Normalize().Validate()
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Validation, ae.Kind)
	fields, ok := ae.Details["fields"].(map[string]string)
	require.True(t, ok)
	assert.Contains(t, fields, "amount")
	assert.Contains(t, fields, "currency")
	assert.Contains(t, fields, "customer_id")
}

func TestValidateNegativeAmount(t *testing.T) {
	req := validRequest()
	req.Amount = decimal.RequireFromString("-1")
	assert.Error(t, req.Normalize().Validate())
}

func TestValidateAmountUpperBound(t *testing.T) {
	req := validRequest()
	req.Amount = MaxAmount
	require.NoError(t, req.Normalize().Validate())

	req.Amount = decimal.RequireFromString("100000000000000000000")
	err := req.Normalize().Validate()
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Validation, ae.Kind)
	fields := ae.Details["fields"].(map[string]string)
	assert.Equal(t, "must be at most 9999999999999999.99", fields["amount"])

	assert.Equal(t, int64(999999999999999999), ToMinorUnits(MaxAmount, "USD"))
}

func TestValidateZeroDecimalCurrencyRejectsFraction(t *testing.T) {
	req := validRequest()
	req.Currency = "jpy"
	req.Amount = decimal.RequireFromString("100.50")
	err := req.Normalize().Validate()
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "must be a whole number for JPY", ae.Details["fields"].(map[string]string)["amount"])

	req.Amount = decimal.RequireFromString("100")
	assert.NoError(t, req.Normalize().Validate())
	req.Currency = "USD"
	req.Amount = decimal.RequireFromString("100.50")
	assert.NoError(t, req.Normalize().Validate())
}

func TestRefundRequestValidate(t *testing.T) {
	assert.NoError(t, RefundRequest{}.Validate())
	half := decimal.RequireFromString("50.00")
	assert.NoError(t, RefundRequest{Amount: &half}.Validate())
	zero := decimal.Zero
	err := RefundRequest{Amount: &zero}.Validate()
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	frac := decimal.RequireFromString("10.5")
	assert.NoError(t, RefundRequest{Amount: &frac}.Validate())
	err = RefundRequest{Amount: &frac, Currency: "KRW"}.Validate()
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	huge := decimal.RequireFromString("1e20")
	err = RefundRequest{Amount: &huge}.Validate()
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(10050), ToMinorUnits(decimal.RequireFromString("100.50"), "USD"))
	assert.Equal(t, int64(1000), ToMinorUnits(decimal.RequireFromString("1000"), "jpy"))
	assert.Equal(t, "100.5", FromMinorUnits(10050, "USD").String())
	assert.Equal(t, "1000", FromMinorUnits(1000, "JPY").String())
	assert.Equal(t, "100.50", FormatMajor(decimal.RequireFromString("100.5"), "EUR"))
	assert.Equal(t, "1000", FormatMajor(decimal.RequireFromString("1000"), "JPY"))
	assert.True(t, IsZeroDecimal(" krw "))
	assert.False(t, IsZeroDecimal("GBP"))
}

func TestListParamsClamp(t *testing.T) {
	assert.Equal(t, MaxListLimit, ListParams{Limit: 500}.Clamp().Limit)
	assert.Equal(t, 1, ListParams{Limit: 0}.Clamp().Limit)
	assert.Equal(t, 0, ListParams{Limit: 10, Offset: -5}.Clamp().Offset)
	assert.Equal(t, 25, ListParams{Limit: 25, Offset: 3}.Clamp().Limit)
}

func TestListParamsMatches(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	p := ListParams{Provider: ProviderPayPal, Status: StatusCompleted, Start: &start, End: &end}

	rec := PaymentRecord{Provider: ProviderPayPal, Status: StatusCompleted, CreatedAt: start}
	assert.True(t, p.Matches(rec))

	rec.CreatedAt = end
	assert.False(t, p.Matches(rec), "end is exclusive")

	rec.CreatedAt = start.Add(time.Hour)
	rec.Status = StatusPending
	assert.False(t, p.Matches(rec))

	rec.Status = StatusCompleted
	rec.Provider = ProviderStripe
	assert.False(t, p.Matches(rec))

	assert.False(t, ListParams{CustomerID: "cus_2"}.Matches(PaymentRecord{CustomerID: "cus_1"}))
}

func TestStatusResponseFromRecord(t *testing.T) {
	amt := decimal.RequireFromString("50.00")
	rec := PaymentRecord{ID: "p1", Status: StatusRefunded, RefundID: "re_1", RefundAmount: &amt}
	resp := StatusResponseFromRecord(rec, "tr")
	assert.Equal(t, "p1", resp.ID)
	assert.Equal(t, "re_1", resp.RefundID)
	assert.Equal(t, "tr", resp.TraceID)
	assert.True(t, resp.RefundAmount.Equal(amt))
}

func TestResponseJSONUsesTwoDecimalNumbers(t *testing.T) {
	half := decimal.RequireFromString("5")
	b, err := json.Marshal(StatusResponse{ID: "pay_1", Amount: decimal.RequireFromString("100.5"), RefundAmount: &half})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"amount":100.50`)
	assert.Contains(t, string(b), `"refund_amount":5.00`)
	assert.Contains(t, string(b), `"id":"pay_1"`)

	b, err = json.Marshal(PaymentRecord{Amount: decimal.RequireFromString("1000"), Currency: "JPY"})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"amount":1000.00`)
	assert.NotContains(t, string(b), "refund_amount")

	var resp PaymentResponse
	require.NoError(t, json.Unmarshal([]byte(`{"amount":100.50}`), &resp))
	assert.Equal(t, "100.50", resp.Amount.StringFixed(2))
}
