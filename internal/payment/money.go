package payment

import (
	"strings"

	"github.com/shopspring/decimal"
)

// zeroDecimalCurrencies have no minor unit.
var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {}, "MGA": {},
	"PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

// MaxAmount is the largest major-unit amount accepted. It fits a
// decimal(18,2) column and keeps minor units inside int64.
var MaxAmount = decimal.RequireFromString("9999999999999999.99")

// CheckAmount returns a field message when amount is above MaxAmount or
// carries a fraction its currency cannot express, and "" otherwise.
func CheckAmount(amount decimal.Decimal, currency string) string {
	if amount.GreaterThan(MaxAmount) {
		return "must be at most " + MaxAmount.StringFixed(2)
	}
	if IsZeroDecimal(currency) && !amount.Equal(amount.Truncate(0)) {
		return "must be a whole number for " + NormalizeCurrency(currency)
	}
	return ""
}

// NormalizeCurrency trims and upper-cases an ISO currency code.
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// IsZeroDecimal reports whether currency has no minor unit.
func IsZeroDecimal(currency string) bool {
	_, ok := zeroDecimalCurrencies[NormalizeCurrency(currency)]
	return ok
}

// RoundAmount rounds a major-unit amount to two decimal places.
func RoundAmount(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(2)
}

// ToMinorUnits converts a major-unit amount into the provider's integer minor
// units. Amounts must already have passed CheckAmount.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	if IsZeroDecimal(currency) {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts integer minor units back to a two-decimal major amount.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	if IsZeroDecimal(currency) {
		return RoundAmount(decimal.NewFromInt(minor))
	}
	return RoundAmount(decimal.New(minor, -2))
}

// FormatMajor renders a major-unit amount the way decimal-string providers expect.
func FormatMajor(amount decimal.Decimal, currency string) string {
	if IsZeroDecimal(currency) {
		return amount.Round(0).StringFixed(0)
	}
	return amount.StringFixed(2)
}
