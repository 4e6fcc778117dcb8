package commerce

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MockProvider is an in-memory commerce provider for tests and local
// development. Default behavior accepts every order; tests override the
// Func fields to script rejections and outages.
type MockProvider struct {
	// CreateOrderFunc allows customizing order creation behavior
	CreateOrderFunc func(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// GetOrderStatusFunc allows customizing status lookups
	GetOrderStatusFunc func(ctx context.Context, orderRef string) (*OrderResult, error)

	// CancelOrderFunc allows customizing cancellation behavior
	CancelOrderFunc func(ctx context.Context, orderRef string, reason string) (*OrderResult, error)

	// Orders stores results by external order reference
	Orders map[string]*OrderResult

	// CallLog tracks method calls for test assertions
	CallLog []string

	mu sync.Mutex

	// byDelivery replays the stored result when the same delivery is
	// ordered twice, matching real provider idempotency.
	byDelivery map[uuid.UUID]*OrderResult
}

// NewMockProvider creates a mock provider that accepts all orders.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Orders:     make(map[string]*OrderResult),
		CallLog:    []string{},
		byDelivery: make(map[uuid.UUID]*OrderResult),
	}
}

func (m *MockProvider) Name() string { return "mock" }

// CreateOrder accepts the order unless CreateOrderFunc says otherwise.
// Repeated calls for the same delivery return the original order.
func (m *MockProvider) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	m.mu.Lock()
	m.CallLog = append(m.CallLog, fmt.Sprintf("CreateOrder(%s, %d items)", req.DeliveryID, len(req.Items)))
	if prior, ok := m.byDelivery[req.DeliveryID]; ok {
		m.mu.Unlock()
		return prior, nil
	}
	m.mu.Unlock()

	if m.CreateOrderFunc != nil {
		res, err := m.CreateOrderFunc(ctx, req)
		if err == nil && res != nil && res.Success {
			m.record(req.DeliveryID, res)
		}
		return res, err
	}

	res := &OrderResult{
		Success:          true,
		ExternalOrderRef: "ord_mock_" + uuid.New().String(),
		Status:           OrderStatusCreated,
		ProviderData: map[string]any{
			"deliveryId": req.DeliveryID.String(),
		},
	}
	m.record(req.DeliveryID, res)
	return res, nil
}

// GetOrderStatus returns the stored result for a reference.
func (m *MockProvider) GetOrderStatus(ctx context.Context, orderRef string) (*OrderResult, error) {
	m.mu.Lock()
	m.CallLog = append(m.CallLog, fmt.Sprintf("GetOrderStatus(%s)", orderRef))
	m.mu.Unlock()

	if m.GetOrderStatusFunc != nil {
		return m.GetOrderStatusFunc(ctx, orderRef)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.Orders[orderRef]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return res, nil
}

// CancelOrder marks a stored order cancelled while it has not shipped.
func (m *MockProvider) CancelOrder(ctx context.Context, orderRef string, reason string) (*OrderResult, error) {
	m.mu.Lock()
	m.CallLog = append(m.CallLog, fmt.Sprintf("CancelOrder(%s, %s)", orderRef, reason))
	m.mu.Unlock()

	if m.CancelOrderFunc != nil {
		return m.CancelOrderFunc(ctx, orderRef, reason)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.Orders[orderRef]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if res.Status == OrderStatusShipped || res.Status == OrderStatusDelivered {
		return nil, ErrOrderNotCancelable
	}
	res.Success = true
	res.Status = OrderStatusCancelled
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

func (m *MockProvider) record(deliveryID uuid.UUID, res *OrderResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res.ExternalOrderRef != "" {
		m.Orders[res.ExternalOrderRef] = res
	}
	m.byDelivery[deliveryID] = res
}
