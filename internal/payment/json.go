package payment

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONAmount encodes a major-unit amount as a JSON number with exactly two
// decimal places, so 100.5 is written as 100.50.
type JSONAmount decimal.Decimal

// MarshalJSON implements json.Marshaler.
func (a JSONAmount) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(a).StringFixed(2)), nil
}

// UnmarshalJSON implements json.Unmarshaler. Quoted and bare numbers are accepted.
func (a *JSONAmount) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	*a = JSONAmount(d)
	return nil
}

func fixedPtr(d *decimal.Decimal) *JSONAmount {
	if d == nil {
		return nil
	}
	a := JSONAmount(*d)
	return &a
}

// FixedAmounts converts per-currency totals for JSON output.
func FixedAmounts(m map[string]decimal.Decimal) map[string]JSONAmount {
	if m == nil {
		return nil
	}
	out := make(map[string]JSONAmount, len(m))
	for k, v := range m {
		out[k] = JSONAmount(v)
	}
	return out
}

// The outer Amount fields shadow the embedded ones when encoding.

func (r PaymentResponse) MarshalJSON() ([]byte, error) {
	type plain PaymentResponse
	return json.Marshal(struct {
		plain
		Amount JSONAmount `json:"amount"`
	}{plain(r), JSONAmount(r.Amount)})
}

func (r RefundResponse) MarshalJSON() ([]byte, error) {
	type plain RefundResponse
	return json.Marshal(struct {
		plain
		Amount JSONAmount `json:"amount"`
	}{plain(r), JSONAmount(r.Amount)})
}

func (r PaymentRecord) MarshalJSON() ([]byte, error) {
	type plain PaymentRecord
	return json.Marshal(struct {
		plain
		Amount       JSONAmount  `json:"amount"`
		RefundAmount *JSONAmount `json:"refund_amount,omitempty"`
	}{plain(r), JSONAmount(r.Amount), fixedPtr(r.RefundAmount)})
}

func (r StatusResponse) MarshalJSON() ([]byte, error) {
	type plain StatusResponse
	return json.Marshal(struct {
		plain
		Amount       JSONAmount  `json:"amount"`
		RefundAmount *JSONAmount `json:"refund_amount,omitempty"`
	}{plain(r), JSONAmount(r.Amount), fixedPtr(r.RefundAmount)})
}
