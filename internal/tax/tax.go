// Package tax computes invoice tax. The renewal flow hands the calculator
// the billed lines and the shipping address and writes the returned amount
// to the invoice's tax_cents before totaling.
//
// Implementations: PercentageCalculator, NoTaxCalculator, MockCalculator.
package tax

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/skuld/internal/domain"
)

// Calculator computes tax for a set of invoice lines.
type Calculator interface {
	// Calculate returns the tax amount in cents for the given lines.
	// Credit lines (negative totals) reduce the taxable base; a base
	// pushed below zero is treated as zero.
	Calculate(ctx context.Context, params Params) (*Result, error)
}

// Params contains all information needed for tax calculation.
type Params struct {
	// Address is the shipping address, when the subscription has one.
	// Digital-only subscriptions pass nil.
	Address *domain.ShippingAddress

	Lines    []Line
	Currency string
}

// Line is a single item being taxed, mirroring an invoice line.
type Line struct {
	ProductID      uuid.UUID
	Description    string
	Quantity       int32
	UnitPriceCents int64
	TotalCents     int64
}

// Result contains the calculated tax amount and its breakdown.
type Result struct {
	TaxCents  int64
	Breakdown []Breakdown

	// ProviderTxID is set by calculators backed by an external tax
	// service, for the audit trail.
	ProviderTxID string

	// Estimate marks amounts that may be revised by the provider later.
	Estimate bool
}

// Breakdown is the tax for a single jurisdiction.
type Breakdown struct {
	Jurisdiction string // "state", "county", "city"
	Name         string
	Rate         decimal.Decimal
	AmountCents  int64
}

// TaxableBase sums the line totals, clamped at zero. Proration credits can
// push a period's lines negative; tax is never negative.
func TaxableBase(lines []Line) int64 {
	var base int64
	for _, l := range lines {
		base += l.TotalCents
	}
	if base < 0 {
		base = 0
	}
	return base
}
