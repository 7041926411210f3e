// Package reporting aggregates payment records into summaries.
package reporting

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"github.com/yourorg/payment-gateway/internal/payment"
	"github.com/yourorg/payment-gateway/internal/store"
)

// PaymentSummary totals a set of payment records.
type PaymentSummary struct {
	TotalPayments      int                        `json:"total_payments"`
	ByStatus           map[payment.Status]int     `json:"by_status"`
	ByProvider         map[payment.Provider]int   `json:"by_provider"`
	AmountByCurrency   map[string]decimal.Decimal `json:"amount_by_currency"`   // completed payments only
	RefundedByCurrency map[string]decimal.Decimal `json:"refunded_by_currency"` // settled refunds only
	DateFrom           *time.Time                 `json:"date_from,omitempty"`
	DateTo             *time.Time                 `json:"date_to,omitempty"`
	TraceID            string                     `json:"trace_id,omitempty"`
}

// MarshalJSON writes the currency totals as two-decimal JSON numbers.
func (s PaymentSummary) MarshalJSON() ([]byte, error) {
	type plain PaymentSummary
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(struct {
		plain
		AmountByCurrency   map[string]payment.JSONAmount `json:"amount_by_currency"`
		RefundedByCurrency map[string]payment.JSONAmount `json:"refunded_by_currency"`
	}{plain(s), payment.FixedAmounts(s.AmountByCurrency), payment.FixedAmounts(s.RefundedByCurrency)})
}

func newSummary() *PaymentSummary {
	return &PaymentSummary{
		ByStatus:           make(map[payment.Status]int),
		ByProvider:         make(map[payment.Provider]int),
		AmountByCurrency:   make(map[string]decimal.Decimal),
		RefundedByCurrency: make(map[string]decimal.Decimal),
	}
}

// Summarize folds records into a summary.
func Summarize(records []payment.PaymentRecord) *PaymentSummary {
	s := newSummary()
	for _, rec := range records {
		s.add(rec)
	}
	return s
}

func (s *PaymentSummary) add(rec payment.PaymentRecord) {
	s.TotalPayments++
	s.ByStatus[rec.Status]++
	s.ByProvider[rec.Provider]++

	if rec.Status == payment.StatusCompleted {
		s.AmountByCurrency[rec.Currency] = s.AmountByCurrency[rec.Currency].Add(rec.Amount)
	}
	if rec.RefundStatus == payment.StatusRefunded {
		refunded := rec.Amount
		if rec.RefundAmount != nil {
			refunded = *rec.RefundAmount
		}
		s.RefundedByCurrency[rec.Currency] = s.RefundedByCurrency[rec.Currency].Add(refunded)
	}

	created := rec.CreatedAt
	if s.DateFrom == nil || created.Before(*s.DateFrom) {
		s.DateFrom = &created
	}
	if s.DateTo == nil || created.After(*s.DateTo) {
		s.DateTo = &created
	}
}

// SummarizeStore pages through every record matching params' filters.
// Limit and Offset in params are ignored.
func SummarizeStore(ctx context.Context, rs store.RecordStore, params payment.ListParams) (*PaymentSummary, error) {
	s := newSummary()
	params.Limit = payment.MaxListLimit
	params.Offset = 0
	for {
		page, err := rs.List(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("summarize payments at offset %d: %w", params.Offset, err)
		}
		for _, rec := range page.Records {
			s.add(rec)
		}
		params.Offset += len(page.Records)
		if len(page.Records) == 0 || int64(params.Offset) >= page.Total {
			return s, nil
		}
	}
}
