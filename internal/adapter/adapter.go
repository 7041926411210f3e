// Package adapter defines the contract every payment provider adapter
// satisfies. Adapters translate the normalized payment contract into one
// provider's native API, map its status vocabulary onto payment.Status, and
// classify its failures as *apperr.Error. Implementations live in the
// stripe and paypal subpackages; mock holds a function-field fake.
package adapter

import (
	stdcontext "context"

	"github.com/yourorg/payment-gateway/internal/context"
	"github.com/yourorg/payment-gateway/internal/payment"
)

// ProviderAdapter is implemented by each payment provider.
type ProviderAdapter interface {
	// CreatePayment issues the provider's native create call. The returned
	// amount is in major units rounded to two decimals.
	CreatePayment(ctx stdcontext.Context, call context.CallContext, req payment.PaymentRequest) (payment.PaymentResponse, error)

	// RefundPayment refunds transactionID, partially when req.Amount is set.
	// An unknown transaction is a PaymentNotFound error.
	RefundPayment(ctx stdcontext.Context, call context.CallContext, transactionID string, req payment.RefundRequest) (payment.RefundResponse, error)

	// ListPayments reads this provider's records from the record store.
	ListPayments(ctx stdcontext.Context, params payment.ListParams) (payment.ListResult, error)

	// GetName returns the provider this adapter serves.
	GetName() payment.Provider
}

// StatusTable maps a provider's native status strings onto payment.Status.
type StatusTable struct {
	entries  map[string]payment.Status
	fallback payment.Status
}

// NewStatusTable builds a table; unmapped natives resolve to fallback.
func NewStatusTable(fallback payment.Status, entries map[string]payment.Status) StatusTable {
	return StatusTable{entries: entries, fallback: fallback}
}

// Map resolves a native status. Unknown values never fail.
func (t StatusTable) Map(native string) payment.Status {
	if s, ok := t.entries[native]; ok {
		return s
	}
	return t.fallback
}
