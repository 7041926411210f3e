package mock

import (
	stdcontext "context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/payment-gateway/internal/adapter"
	"github.com/yourorg/payment-gateway/internal/context"
	"github.com/yourorg/payment-gateway/internal/payment"
)

// MockAdapter is a mock implementation of the ProviderAdapter interface for testing.
// Each operation calls its function field when set, otherwise a default
// success. Calls are counted per operation.
type MockAdapter struct {
	Name       payment.Provider
	CreateFunc func(ctx stdcontext.Context, call context.CallContext, req payment.PaymentRequest) (payment.PaymentResponse, error)
	RefundFunc func(ctx stdcontext.Context, call context.CallContext, transactionID string, req payment.RefundRequest) (payment.RefundResponse, error)
	ListFunc   func(ctx stdcontext.Context, params payment.ListParams) (payment.ListResult, error)

	mu    sync.Mutex
	calls map[string]int
	keys  []string
}

var _ adapter.ProviderAdapter = (*MockAdapter)(nil)

// NewMockAdapter creates a new MockAdapter.
func NewMockAdapter(name payment.Provider) *MockAdapter {
	return &MockAdapter{Name: name, calls: make(map[string]int)}
}

func (m *MockAdapter) count(op string, call context.CallContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[op]++
	if call.IdempotencyKey != "" {
		m.keys = append(m.keys, call.IdempotencyKey)
	}
}

// Calls returns how many times op ("create", "refund", "list") ran.
func (m *MockAdapter) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// IdempotencyKeys returns the provider keys seen, in call order.
func (m *MockAdapter) IdempotencyKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keys...)
}

// CreatePayment implements the ProviderAdapter interface.
func (m *MockAdapter) CreatePayment(ctx stdcontext.Context, call context.CallContext, req payment.PaymentRequest) (payment.PaymentResponse, error) {
	m.count("create", call)
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, call, req)
	}
	return payment.PaymentResponse{
		ProviderTransactionID: "mock_" + uuid.NewString(),
		Provider:              m.Name,
		Amount:                payment.RoundAmount(req.Amount),
		Currency:              req.Currency,
		Status:                payment.StatusCompleted,
		CreatedAt:             time.Now().UTC(),
		Metadata:              req.Metadata,
		ProviderMetadata:      map[string]string{"mock_processed": "true"},
		TraceID:               call.TraceID,
	}, nil
}

// RefundPayment implements the ProviderAdapter interface. The default
// refunds the requested amount, or zero for a full refund.
func (m *MockAdapter) RefundPayment(ctx stdcontext.Context, call context.CallContext, transactionID string, req payment.RefundRequest) (payment.RefundResponse, error) {
	m.count("refund", call)
	if m.RefundFunc != nil {
		return m.RefundFunc(ctx, call, transactionID, req)
	}
	resp := payment.RefundResponse{
		RefundID:              "mock_re_" + uuid.NewString(),
		OriginalTransactionID: transactionID,
		Status:                payment.StatusRefunded,
		CreatedAt:             time.Now().UTC(),
		TraceID:               call.TraceID,
	}
	if req.Amount != nil {
		resp.Amount = payment.RoundAmount(*req.Amount)
	}
	return resp, nil
}

// ListPayments implements the ProviderAdapter interface.
func (m *MockAdapter) ListPayments(ctx stdcontext.Context, params payment.ListParams) (payment.ListResult, error) {
	m.count("list", context.CallContext{})
	if m.ListFunc != nil {
		return m.ListFunc(ctx, params)
	}
	params = params.Clamp()
	return payment.ListResult{Records: []payment.PaymentRecord{}, Limit: params.Limit, Offset: params.Offset}, nil
}

// GetName implements the ProviderAdapter interface.
func (m *MockAdapter) GetName() payment.Provider {
	return m.Name
}
