package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MockProvider is an in-memory payment provider for tests and local
// development. Default behavior approves every charge; tests override
// the Func fields to script declines and outages.
type MockProvider struct {
	// ProcessPaymentFunc allows customizing charge behavior
	ProcessPaymentFunc func(ctx context.Context, req Request) (*Result, error)

	// GetPaymentStatusFunc allows customizing status lookups
	GetPaymentStatusFunc func(ctx context.Context, paymentRef string) (*Result, error)

	// CancelPaymentFunc allows customizing cancellation behavior
	CancelPaymentFunc func(ctx context.Context, paymentRef string) (*Result, error)

	// RefundPaymentFunc allows customizing refund behavior
	RefundPaymentFunc func(ctx context.Context, req RefundRequest) (*Result, error)

	// Payments stores results by payment reference for later lookups
	Payments map[string]*Result

	// CallLog tracks method calls for test assertions
	CallLog []string

	mu sync.Mutex

	// byIdempotencyKey replays the stored result when a charge is
	// retried with the same key, matching real provider behavior.
	byIdempotencyKey map[string]*Result
}

// NewMockProvider creates a mock provider that approves all charges.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Payments:         make(map[string]*Result),
		CallLog:          []string{},
		byIdempotencyKey: make(map[string]*Result),
	}
}

func (m *MockProvider) Name() string { return "mock" }

// ProcessPayment approves the charge unless ProcessPaymentFunc says
// otherwise. Repeated calls with the same idempotency key return the
// original result without creating a new payment.
func (m *MockProvider) ProcessPayment(ctx context.Context, req Request) (*Result, error) {
	m.mu.Lock()
	m.CallLog = append(m.CallLog, fmt.Sprintf("ProcessPayment(%s, %d %s)", req.InvoiceID, req.AmountCents, req.Currency))
	if req.IdempotencyKey != "" {
		if prior, ok := m.byIdempotencyKey[req.IdempotencyKey]; ok {
			m.mu.Unlock()
			return prior, nil
		}
	}
	m.mu.Unlock()

	if m.ProcessPaymentFunc != nil {
		res, err := m.ProcessPaymentFunc(ctx, req)
		if err == nil && res != nil {
			m.record(req.IdempotencyKey, res)
		}
		return res, err
	}

	res := &Result{
		Success:          true,
		PaymentReference: "ch_mock_" + uuid.New().String(),
		Status:           StatusSucceeded,
		ProviderData: map[string]any{
			"invoiceId": req.InvoiceID.String(),
		},
	}
	m.record(req.IdempotencyKey, res)
	return res, nil
}

// GetPaymentStatus returns the stored result for a reference.
func (m *MockProvider) GetPaymentStatus(ctx context.Context, paymentRef string) (*Result, error) {
	m.mu.Lock()
	m.CallLog = append(m.CallLog, fmt.Sprintf("GetPaymentStatus(%s)", paymentRef))
	m.mu.Unlock()

	if m.GetPaymentStatusFunc != nil {
		return m.GetPaymentStatusFunc(ctx, paymentRef)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.Payments[paymentRef]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return res, nil
}

// CancelPayment marks a stored payment cancelled.
func (m *MockProvider) CancelPayment(ctx context.Context, paymentRef string) (*Result, error) {
	m.mu.Lock()
	m.CallLog = append(m.CallLog, fmt.Sprintf("CancelPayment(%s)", paymentRef))
	m.mu.Unlock()

	if m.CancelPaymentFunc != nil {
		return m.CancelPaymentFunc(ctx, paymentRef)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.Payments[paymentRef]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	res.Success = false
	res.Status = StatusCancelled
	return res, nil
}

// RefundPayment marks a stored payment refunded.
func (m *MockProvider) RefundPayment(ctx context.Context, req RefundRequest) (*Result, error) {
	m.mu.Lock()
	m.CallLog = append(m.CallLog, fmt.Sprintf("RefundPayment(%s, %d)", req.PaymentReference, req.AmountCents))
	m.mu.Unlock()

	if m.RefundPaymentFunc != nil {
		return m.RefundPaymentFunc(ctx, req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.Payments[req.PaymentReference]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	res.Status = StatusRefunded
	return res, nil
}

// Calls returns a snapshot of the call log.
func (m *MockProvider) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.CallLog))
	copy(out, m.CallLog)
	return out
}

func (m *MockProvider) record(idempotencyKey string, res *Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res.PaymentReference != "" {
		m.Payments[res.PaymentReference] = res
	}
	if idempotencyKey != "" {
		m.byIdempotencyKey[idempotencyKey] = res
	}
}

// Decline returns a ProcessPaymentFunc that fails every charge with the
// given code, for scripting dunning scenarios in tests.
func Decline(code, message string) func(ctx context.Context, req Request) (*Result, error) {
	return func(ctx context.Context, req Request) (*Result, error) {
		return &Result{
			Success:      false,
			Status:       StatusFailed,
			ErrorCode:    code,
			ErrorMessage: message,
		}, nil
	}
}
