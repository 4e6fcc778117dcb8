package tax

import (
	"context"
	"fmt"
	"sync"
)

// MockCalculator is a test implementation of Calculator. The zero behavior
// returns zero tax; set CalculateFunc to script anything else.
type MockCalculator struct {
	CalculateFunc func(ctx context.Context, params Params) (*Result, error)

	mu      sync.Mutex
	callLog []string
}

// NewMockCalculator creates a mock tax calculator for testing.
func NewMockCalculator() *MockCalculator {
	return &MockCalculator{}
}

// Calculate delegates to CalculateFunc or returns zero tax.
func (m *MockCalculator) Calculate(ctx context.Context, params Params) (*Result, error) {
	m.mu.Lock()
	m.callLog = append(m.callLog, fmt.Sprintf("Calculate(lines=%d, base=%d)", len(params.Lines), TaxableBase(params.Lines)))
	m.mu.Unlock()

	if m.CalculateFunc != nil {
		return m.CalculateFunc(ctx, params)
	}
	return &Result{TaxCents: 0}, nil
}

// Calls returns a snapshot of the recorded calls.
func (m *MockCalculator) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.callLog))
	copy(out, m.callLog)
	return out
}
