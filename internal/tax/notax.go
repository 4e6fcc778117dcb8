package tax

import "context"

// NoTaxCalculator returns zero tax for all calculations. Used for tenants
// that handle tax outside the engine or bill tax-exempt customers.
type NoTaxCalculator struct{}

// NewNoTaxCalculator creates a new no-tax calculator.
func NewNoTaxCalculator() Calculator {
	return &NoTaxCalculator{}
}

// Calculate always returns zero tax.
func (c *NoTaxCalculator) Calculate(ctx context.Context, params Params) (*Result, error) {
	return &Result{TaxCents: 0}, nil
}
