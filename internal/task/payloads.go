package task

import (
	"github.com/google/uuid"
)

// Task payloads (JSON-serializable). Payloads carry only identifiers; the
// handler reloads current state from the store so stale payloads cannot
// overwrite newer data.

// SubscriptionRenewalPayload drives SUBSCRIPTION_RENEWAL tasks.
type SubscriptionRenewalPayload struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
}

// ProductRenewalPayload drives PRODUCT_RENEWAL tasks, one per subscription
// item per billing cycle.
type ProductRenewalPayload struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	ItemID         uuid.UUID `json:"item_id"`
	ProductID      uuid.UUID `json:"product_id"`
	PlanID         uuid.UUID `json:"plan_id"`
}

// ChargePaymentPayload drives CHARGE_PAYMENT tasks.
type ChargePaymentPayload struct {
	InvoiceID uuid.UUID `json:"invoice_id"`
}

// CreateDeliveryPayload drives CREATE_DELIVERY tasks.
type CreateDeliveryPayload struct {
	InvoiceID uuid.UUID `json:"invoice_id"`
}

// CreateOrderPayload drives CREATE_ORDER tasks.
type CreateOrderPayload struct {
	DeliveryID uuid.UUID `json:"delivery_id"`
}

// EntitlementGrantPayload drives ENTITLEMENT_GRANT tasks.
type EntitlementGrantPayload struct {
	InvoiceID uuid.UUID `json:"invoice_id"`
}

// TrialEndPayload drives TRIAL_END tasks.
type TrialEndPayload struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
}
