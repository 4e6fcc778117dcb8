package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Event data shapes. These are the `data` member of the delivery
// envelope; keep fields additive once consumers depend on them.

// SubscriptionEventData accompanies subscription.* events.
type SubscriptionEventData struct {
	SubscriptionID     uuid.UUID  `json:"subscriptionId"`
	CustomerID         uuid.UUID  `json:"customerId"`
	PlanID             uuid.UUID  `json:"planId"`
	Status             string     `json:"status"`
	CurrentPeriodStart *time.Time `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"currentPeriodEnd,omitempty"`
	NextRenewalAt      *time.Time `json:"nextRenewalAt,omitempty"`
	CancelAtPeriodEnd  bool       `json:"cancelAtPeriodEnd,omitempty"`
	Reason             string     `json:"reason,omitempty"`
}

// InvoiceEventData accompanies invoice.* events.
type InvoiceEventData struct {
	InvoiceID      uuid.UUID  `json:"invoiceId"`
	InvoiceNumber  string     `json:"invoiceNumber"`
	SubscriptionID uuid.UUID  `json:"subscriptionId"`
	CustomerID     uuid.UUID  `json:"customerId"`
	TotalCents     int64      `json:"totalCents"`
	Currency       string     `json:"currency"`
	PeriodStart    time.Time  `json:"periodStart"`
	PeriodEnd      time.Time  `json:"periodEnd"`
	PaidAt         *time.Time `json:"paidAt,omitempty"`
}

// PaymentEventData accompanies payment.* events.
type PaymentEventData struct {
	InvoiceID     uuid.UUID `json:"invoiceId"`
	CustomerID    uuid.UUID `json:"customerId"`
	AttemptNumber int32     `json:"attemptNumber"`
	AmountCents   int64     `json:"amountCents"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	FailureCode   string    `json:"failureCode,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
}

// DeliveryEventData accompanies delivery.* events.
type DeliveryEventData struct {
	DeliveryID       uuid.UUID `json:"deliveryId"`
	SubscriptionID   uuid.UUID `json:"subscriptionId"`
	CustomerID       uuid.UUID `json:"customerId"`
	CycleKey         string    `json:"cycleKey"`
	Status           string    `json:"status"`
	ExternalOrderRef string    `json:"externalOrderRef,omitempty"`
	Reason           string    `json:"reason,omitempty"`
}

// EntitlementEventData accompanies entitlement.* events.
type EntitlementEventData struct {
	EntitlementID  uuid.UUID  `json:"entitlementId"`
	CustomerID     uuid.UUID  `json:"customerId"`
	SubscriptionID *uuid.UUID `json:"subscriptionId,omitempty"`
	EntitlementKey string     `json:"entitlementKey"`
	Status         string     `json:"status"`
	ValidFrom      time.Time  `json:"validFrom"`
	ValidUntil     *time.Time `json:"validUntil,omitempty"`
}
