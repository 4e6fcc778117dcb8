// Package payment defines the payment provider contract used by the
// billing core. Implementations charge a customer's stored payment
// method for an invoice; the engine never sees card data, only opaque
// payment method references.
package payment

import (
	"context"

	"github.com/google/uuid"
)

// Status is the provider-side state of a payment.
type Status string

const (
	StatusSucceeded      Status = "SUCCEEDED"
	StatusPending        Status = "PENDING"
	StatusRequiresAction Status = "REQUIRES_ACTION"
	StatusFailed         Status = "FAILED"
	StatusCancelled      Status = "CANCELLED"
	StatusRefunded       Status = "REFUNDED"
)

// Provider defines the interface for payment processing.
// Implementations can use Stripe, a mock, or any PSP that supports
// idempotent off-session charges.
type Provider interface {
	// Name identifies the provider in logs, metrics, and attempt rows.
	Name() string

	// ProcessPayment charges the payment method for the given amount.
	// A declined charge is NOT an error: it returns a Result with
	// Status FAILED and the decline code. An error return means the
	// provider could not be reached or gave no usable answer, and the
	// caller may safely retry with the same idempotency key.
	ProcessPayment(ctx context.Context, req Request) (*Result, error)

	// GetPaymentStatus retrieves the current state of a payment by its
	// provider reference.
	GetPaymentStatus(ctx context.Context, paymentRef string) (*Result, error)

	// CancelPayment cancels a payment that has not completed.
	CancelPayment(ctx context.Context, paymentRef string) (*Result, error)

	// RefundPayment refunds a completed payment, fully or partially.
	RefundPayment(ctx context.Context, req RefundRequest) (*Result, error)
}

// Request carries everything a provider needs to charge an invoice.
type Request struct {
	// InvoiceID is the invoice being collected.
	InvoiceID uuid.UUID

	// CustomerID is the engine-side customer the charge belongs to.
	CustomerID uuid.UUID

	// AmountCents is the charge amount in the smallest currency unit.
	AmountCents int64

	// Currency is a lowercase ISO 4217 code.
	Currency string

	// PaymentMethodRef is the opaque stored payment method reference.
	PaymentMethodRef string

	// IdempotencyKey makes retries of the same attempt converge on one
	// charge. Providers must honor it across retries.
	IdempotencyKey string

	// Metadata is attached to the provider-side object for reconciliation.
	Metadata map[string]string
}

// RefundRequest describes a full or partial refund.
type RefundRequest struct {
	// PaymentReference is the provider reference of the payment to refund.
	PaymentReference string

	// AmountCents is the refund amount; zero refunds the full payment.
	AmountCents int64

	// Reason is recorded with the refund for reconciliation.
	Reason string
}

// Result is the provider's answer to a payment operation.
type Result struct {
	// Success is true only when Status is SUCCEEDED or REFUNDED.
	Success bool

	// PaymentReference is the provider-side identifier of the payment.
	// Empty when the provider rejected the request before creating one.
	PaymentReference string

	// Status is the provider-side payment state.
	Status Status

	// ErrorCode is the provider's machine-readable failure code
	// (e.g. "card_declined"). Empty on success.
	ErrorCode string

	// ErrorMessage is the provider's human-readable failure description.
	ErrorMessage string

	// ProviderData carries provider-specific fields callers may persist.
	ProviderData map[string]any
}
