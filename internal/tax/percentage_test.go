package tax_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/skuld/internal/tax"
)

func Test_PercentageCalculator_BasicRate(t *testing.T) {
	calc, err := tax.NewPercentageCalculator(decimal.NewFromFloat(0.08))
	require.NoError(t, err)

	params := tax.Params{
		Lines: []tax.Line{
			{
				Description:    "Monthly Box",
				Quantity:       1,
				UnitPriceCents: 2500,
				TotalCents:     2500,
			},
		},
		Currency: "USD",
	}

	result, err := calc.Calculate(context.Background(), params)

	assert.NoError(t, err)
	assert.NotNil(t, result)
	assert.Equal(t, int64(200), result.TaxCents, "2500 * 0.08 = 200 cents")
	require.Len(t, result.Breakdown, 1)
	assert.Equal(t, "state", result.Breakdown[0].Jurisdiction)
	assert.Equal(t, "Default Sales Tax", result.Breakdown[0].Name)
	assert.True(t, result.Breakdown[0].Rate.Equal(decimal.NewFromFloat(0.08)))
	assert.Equal(t, int64(200), result.Breakdown[0].AmountCents)
	assert.False(t, result.Estimate)
}

func Test_PercentageCalculator_Rounding(t *testing.T) {
	tests := []struct {
		name        string
		rate        float64
		totals      []int64
		expectedTax int64
	}{
		{
			name:        "rounds half up",
			rate:        0.065,
			totals:      []int64{1850}, // 120.25 -> 120
			expectedTax: 120,
		},
		{
			name:        "exactly half a cent rounds up",
			rate:        0.05,
			totals:      []int64{1850}, // 92.5 -> 93
			expectedTax: 93,
		},
		{
			name:        "zero rate",
			rate:        0.0,
			totals:      []int64{10000},
			expectedTax: 0,
		},
		{
			name:        "multiple lines summed before applying rate",
			rate:        0.10,
			totals:      []int64{2500, 2500, 5000},
			expectedTax: 1000,
		},
		{
			name:        "credit line reduces taxable base",
			rate:        0.10,
			totals:      []int64{3000, -1000},
			expectedTax: 200,
		},
		{
			name:        "base clamped at zero when credits dominate",
			rate:        0.10,
			totals:      []int64{1000, -2500},
			expectedTax: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calc, err := tax.NewPercentageCalculator(decimal.NewFromFloat(tt.rate))
			require.NoError(t, err)

			lines := make([]tax.Line, len(tt.totals))
			for i, total := range tt.totals {
				lines[i] = tax.Line{TotalCents: total}
			}

			result, err := calc.Calculate(context.Background(), tax.Params{Lines: lines})

			assert.NoError(t, err)
			assert.Equal(t, tt.expectedTax, result.TaxCents)
		})
	}
}

func Test_PercentageCalculator_RejectsInvalidRates(t *testing.T) {
	_, err := tax.NewPercentageCalculator(decimal.NewFromFloat(-0.01))
	assert.ErrorIs(t, err, tax.ErrInvalidRate)

	_, err = tax.NewPercentageCalculator(decimal.NewFromInt(1))
	assert.ErrorIs(t, err, tax.ErrInvalidRate)

	_, err = tax.NewPercentageCalculator(decimal.NewFromFloat(1.5))
	assert.ErrorIs(t, err, tax.ErrInvalidRate)
}

func Test_TaxableBase(t *testing.T) {
	assert.Equal(t, int64(0), tax.TaxableBase(nil))
	assert.Equal(t, int64(5000), tax.TaxableBase([]tax.Line{{TotalCents: 3000}, {TotalCents: 2000}}))
	assert.Equal(t, int64(0), tax.TaxableBase([]tax.Line{{TotalCents: 100}, {TotalCents: -200}}))
}
