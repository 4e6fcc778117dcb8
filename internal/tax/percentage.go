package tax

import (
	"context"

	"github.com/shopspring/decimal"
)

// PercentageCalculator applies a flat rate to the taxable base. The rate is
// a decimal fraction, e.g. 0.08 for 8%. Amounts are rounded half up to the
// nearest cent.
type PercentageCalculator struct {
	rate decimal.Decimal
}

// NewPercentageCalculator creates a percentage-based tax calculator.
// The rate must be in [0, 1).
func NewPercentageCalculator(rate decimal.Decimal) (Calculator, error) {
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, ErrInvalidRate
	}
	return &PercentageCalculator{rate: rate}, nil
}

// Calculate computes tax on the summed line totals using the configured rate.
func (c *PercentageCalculator) Calculate(ctx context.Context, params Params) (*Result, error) {
	base := TaxableBase(params.Lines)
	if base == 0 || c.rate.IsZero() {
		return &Result{TaxCents: 0}, nil
	}

	amount := decimal.NewFromInt(base).Mul(c.rate).Round(0).IntPart()

	return &Result{
		TaxCents: amount,
		Breakdown: []Breakdown{
			{
				Jurisdiction: "state",
				Name:         "Default Sales Tax",
				Rate:         c.rate,
				AmountCents:  amount,
			},
		},
	}, nil
}
