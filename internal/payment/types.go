// Package payment holds the normalized payment contract shared by every
// provider adapter, the orchestration service and the HTTP surface.
package payment

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Provider identifies a payment provider.
type Provider string

const (
	ProviderStripe Provider = "stripe" // card-network processor
	ProviderPayPal Provider = "paypal" // wallet-based processor
)

// Providers lists every supported provider in a stable order.
var Providers = []Provider{ProviderStripe, ProviderPayPal}

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}

// ProviderNames returns the supported provider names, e.g. for error details.
func ProviderNames() []string {
	names := make([]string, 0, len(Providers))
	for _, p := range Providers {
		names = append(names, string(p))
	}
	return names
}

// Status is the shared payment status vocabulary.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
)

// Valid reports whether s belongs to the shared vocabulary.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// Terminal reports whether no further provider round-trip is needed for s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRefunded
}

// Refundable reports whether a payment in status s may be refunded.
func (s Status) Refundable() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PaymentRequest is the normalized create-payment request.
// Amount is expressed in major currency units.
type PaymentRequest struct {
	Amount        decimal.Decimal   `json:"amount" validate:"gt=0"`
	Currency      string            `json:"currency" validate:"required,len=3,alpha"`
	Provider      Provider          `json:"provider" validate:"required"`
	CustomerID    string            `json:"customer_id" validate:"required,max=255"`
	PaymentMethod string            `json:"payment_method" validate:"required,max=255"`
	Description   string            `json:"description,omitempty" validate:"max=1000"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Normalize upper-cases the currency and rounds the amount to two decimals.
func (r PaymentRequest) Normalize() PaymentRequest {
	r.Currency = NormalizeCurrency(r.Currency)
	r.Amount = RoundAmount(r.Amount)
	r.Provider = Provider(strings.ToLower(strings.TrimSpace(string(r.Provider))))
	return r
}

// PaymentResponse is returned for a created payment.
type PaymentResponse struct {
	ID                    string            `json:"id" msgpack:"id"`
	ProviderTransactionID string            `json:"provider_transaction_id" msgpack:"provider_transaction_id"`
	Provider              Provider          `json:"provider" msgpack:"provider"`
	Amount                decimal.Decimal   `json:"amount" msgpack:"amount"`
	Currency              string            `json:"currency" msgpack:"currency"`
	Status                Status            `json:"status" msgpack:"status"`
	CreatedAt             time.Time         `json:"created_at" msgpack:"created_at"`
	Metadata              map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	ProviderMetadata      map[string]string `json:"provider_metadata,omitempty" msgpack:"provider_metadata,omitempty"`
	ClientSecret          string            `json:"client_secret,omitempty" msgpack:"client_secret,omitempty"`
	TraceID               string            `json:"trace_id" msgpack:"trace_id"`
}

// RefundRequest asks for a full (Amount nil) or partial refund.
// Currency is filled from the original payment, never from the client.
type RefundRequest struct {
	Amount   *decimal.Decimal `json:"amount,omitempty"`
	Reason   string           `json:"reason,omitempty" validate:"max=500"`
	Currency string           `json:"-"`
}

// RefundResponse describes a refund issued by a provider.
type RefundResponse struct {
	RefundID              string            `json:"refund_id"`
	OriginalTransactionID string            `json:"original_transaction_id"`
	Amount                decimal.Decimal   `json:"amount"`
	Status                Status            `json:"status"`
	CreatedAt             time.Time         `json:"created_at"`
	ProviderMetadata      map[string]string `json:"provider_metadata,omitempty"`
	TraceID               string            `json:"trace_id"`
}

// PaymentRecord is the durable mirror of a payment.
type PaymentRecord struct {
	ID                    string            `json:"id"`
	ProviderTransactionID string            `json:"provider_transaction_id"`
	Provider              Provider          `json:"provider"`
	Amount                decimal.Decimal   `json:"amount"`
	Currency              string            `json:"currency"`
	Status                Status            `json:"status"`
	CustomerID            string            `json:"customer_id,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	RefundID              string            `json:"refund_id,omitempty"`
	RefundStatus          Status            `json:"refund_status,omitempty"`
	RefundAmount          *decimal.Decimal  `json:"refund_amount,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// StatusResponse is returned by check-payment-status.
type StatusResponse struct {
	ID                    string           `json:"id"`
	ProviderTransactionID string           `json:"provider_transaction_id"`
	Provider              Provider         `json:"provider"`
	Status                Status           `json:"status"`
	Amount                decimal.Decimal  `json:"amount"`
	Currency              string           `json:"currency"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
	RefundID              string           `json:"refund_id,omitempty"`
	RefundStatus          Status           `json:"refund_status,omitempty"`
	RefundAmount          *decimal.Decimal `json:"refund_amount,omitempty"`
	TraceID               string           `json:"trace_id"`
}

// StatusResponseFromRecord projects a record onto a StatusResponse.
func StatusResponseFromRecord(rec PaymentRecord, traceID string) StatusResponse {
	return StatusResponse{
		ID:                    rec.ID,
		ProviderTransactionID: rec.ProviderTransactionID,
		Provider:              rec.Provider,
		Status:                rec.Status,
		Amount:                rec.Amount,
		Currency:              rec.Currency,
		CreatedAt:             rec.CreatedAt,
		UpdatedAt:             rec.UpdatedAt,
		RefundID:              rec.RefundID,
		RefundStatus:          rec.RefundStatus,
		RefundAmount:          rec.RefundAmount,
		TraceID:               traceID,
	}
}
