package domain

import (
	"time"

	"github.com/google/uuid"
)

// Invoice-related domain errors.
var (
	ErrInvoiceNotFound      = &Error{Code: ENOTFOUND, Message: "Invoice not found"}
	ErrInvoiceAlreadyPaid   = &Error{Code: ECONFLICT, Message: "Invoice already paid"}
	ErrInvoiceNotOpen       = &Error{Code: EINVALID, Message: "Invoice is not open"}
	ErrInvoiceVoided        = &Error{Code: EGONE, Message: "Invoice has been voided"}
	ErrDuplicateInvoice     = &Error{Code: ECONFLICT, Message: "Invoice already exists for this billing period"}
	ErrZeroAmountInvoice    = &Error{Code: EINVALID, Message: "Invoice total must be greater than zero"}
	ErrPaymentAttemptExists = &Error{Code: ECONFLICT, Message: "Payment attempt already recorded"}
)

// Invoice lifecycle statuses.
const (
	InvoiceStatusOpen          = "OPEN"
	InvoiceStatusPaid          = "PAID"
	InvoiceStatusVoid          = "VOID"
	InvoiceStatusUncollectible = "UNCOLLECTIBLE"
)

// IsTerminalInvoiceStatus reports whether an invoice can no longer change state.
func IsTerminalInvoiceStatus(status string) bool {
	switch status {
	case InvoiceStatusPaid, InvoiceStatusVoid, InvoiceStatusUncollectible:
		return true
	}
	return false
}

// Invoice is the billing record for one subscription billing period.
//
// At most one invoice exists per (tenant, subscription, period_start,
// period_end); renewals that race or retry converge on the same row.
// Immutable after creation except status, paid_at, and voided_at.
type Invoice struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	SubscriptionID uuid.UUID
	CustomerID     uuid.UUID
	InvoiceNumber  string
	Status         string
	Currency       string
	SubtotalCents  int64
	TaxCents       int64
	TotalCents     int64
	PeriodStart    time.Time
	PeriodEnd      time.Time
	DueDate        *time.Time
	PaidAt         *time.Time
	VoidedAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Open reports whether the invoice is still collectible.
func (i *Invoice) Open() bool {
	return i.Status == InvoiceStatusOpen
}

// InvoiceLine is a single billed item on an invoice. Negative totals
// represent credits, e.g. proration for an unused portion of a period.
type InvoiceLine struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	InvoiceID      uuid.UUID
	ProductID      *uuid.UUID
	Description    string
	Quantity       int32
	UnitPriceCents int64
	TotalCents     int64
	Currency       string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	CreatedAt      time.Time
}

// Payment attempt statuses.
const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusSucceeded = "SUCCEEDED"
	PaymentStatusFailed    = "FAILED"
	PaymentStatusCancelled = "CANCELLED"
)

// PaymentAttempt records a single try at collecting an invoice through a
// payment provider. Attempts are never updated in place after reaching a
// terminal status; retries create new rows with a higher AttemptNumber.
type PaymentAttempt struct {
	ID                uuid.UUID
	TenantID          uuid.UUID
	InvoiceID         uuid.UUID
	AttemptNumber     int32
	Status            string
	AmountCents       int64
	Currency          string
	Provider          string
	PaymentMethodRef  string
	ExternalPaymentID string
	FailureCode       string
	FailureReason     string
	AttemptedAt       time.Time
	CompletedAt       *time.Time
	CreatedAt         time.Time
}

// Succeeded reports whether this attempt collected the invoice.
func (p *PaymentAttempt) Succeeded() bool {
	return p.Status == PaymentStatusSucceeded
}
