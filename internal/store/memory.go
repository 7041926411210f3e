package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/yourorg/payment-gateway/internal/payment"
)

// MemoryStore keeps records in process. Used for local runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]payment.PaymentRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]payment.PaymentRecord)}
}

func (m *MemoryStore) Create(_ context.Context, rec payment.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.ID]; exists {
		return fmt.Errorf("store: duplicate payment id %s", rec.ID)
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *MemoryStore) Update(_ context.Context, rec payment.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.ID]; !exists {
		return ErrNotFound
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (payment.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return payment.PaymentRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) GetByProviderTransactionID(_ context.Context, txID string) (payment.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.records {
		if rec.ProviderTransactionID == txID {
			return rec, nil
		}
	}
	return payment.PaymentRecord{}, ErrNotFound
}

// List returns records newest first.
func (m *MemoryStore) List(_ context.Context, params payment.ListParams) (payment.ListResult, error) {
	params = params.Clamp()

	m.mu.RLock()
	matched := make([]payment.PaymentRecord, 0, len(m.records))
	for _, rec := range m.records {
		if params.Matches(rec) {
			matched = append(matched, rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	result := payment.ListResult{Total: int64(len(matched)), Limit: params.Limit, Offset: params.Offset}
	if params.Offset >= len(matched) {
		result.Records = []payment.PaymentRecord{}
		return result, nil
	}
	end := params.Offset + params.Limit
	if end > len(matched) {
		end = len(matched)
	}
	result.Records = matched[params.Offset:end]
	return result, nil
}
