// Package store is the durable mirror of payment records.
package store

import (
	"context"
	"errors"

	"github.com/yourorg/payment-gateway/internal/apperr"
	"github.com/yourorg/payment-gateway/internal/payment"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("payment record not found")

// RecordStore persists payment records and answers filtered range queries
// with exact counts.
type RecordStore interface {
	Create(ctx context.Context, rec payment.PaymentRecord) error
	Update(ctx context.Context, rec payment.PaymentRecord) error
	Get(ctx context.Context, id string) (payment.PaymentRecord, error)
	GetByProviderTransactionID(ctx context.Context, txID string) (payment.PaymentRecord, error)
	List(ctx context.Context, params payment.ListParams) (payment.ListResult, error)
}

// Lookup resolves ref as an internal id, falling back to a provider
// transaction id. A miss on both is a PaymentNotFound error.
func Lookup(ctx context.Context, s RecordStore, ref string) (payment.PaymentRecord, error) {
	rec, err := s.Get(ctx, ref)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return payment.PaymentRecord{}, err
	}
	rec, err = s.GetByProviderTransactionID(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return payment.PaymentRecord{}, apperr.NotFoundErr(ref)
	}
	return rec, err
}
