package tax_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/dukerupert/skuld/internal/domain"
	"github.com/dukerupert/skuld/internal/tax"
)

func TestNoTaxCalculator_ReturnsZeroTax(t *testing.T) {
	calc := tax.NewNoTaxCalculator()

	params := tax.Params{
		Address: &domain.ShippingAddress{
			AddressLine1: "123 Main St",
			City:         "Seattle",
			State:        "WA",
			PostalCode:   "98101",
			Country:      "US",
		},
		Lines: []tax.Line{
			{
				ProductID:      uuid.New(),
				Description:    "Monthly Box",
				Quantity:       2,
				UnitPriceCents: 1800,
				TotalCents:     3600,
			},
			{
				ProductID:      uuid.New(),
				Description:    "Add-on Item",
				Quantity:       1,
				UnitPriceCents: 2200,
				TotalCents:     2200,
			},
		},
		Currency: "USD",
	}

	result, err := calc.Calculate(context.Background(), params)

	assert.NoError(t, err)
	assert.NotNil(t, result)
	assert.Equal(t, int64(0), result.TaxCents)
	assert.Empty(t, result.Breakdown)
	assert.Empty(t, result.ProviderTxID)
	assert.False(t, result.Estimate)
}

func TestNoTaxCalculator_EmptyLines(t *testing.T) {
	calc := tax.NewNoTaxCalculator()

	result, err := calc.Calculate(context.Background(), tax.Params{Lines: []tax.Line{}})

	assert.NoError(t, err)
	assert.NotNil(t, result)
	assert.Equal(t, int64(0), result.TaxCents)
}

func TestNoTaxCalculator_Idempotency(t *testing.T) {
	calc := tax.NewNoTaxCalculator()

	params := tax.Params{
		Lines: []tax.Line{{TotalCents: 5000}},
	}

	result1, err1 := calc.Calculate(context.Background(), params)
	result2, err2 := calc.Calculate(context.Background(), params)

	assert.NoError(t, err1)
	assert.NoError(t, err2)
	assert.Equal(t, result1.TaxCents, result2.TaxCents)
	assert.Equal(t, int64(0), result1.TaxCents)
}
