// Package task defines the engine's task vocabulary: type constants live
// in domain, this package adds the deterministic task keys, the payload
// shapes, the retry backoff, and typed enqueue helpers.
//
// Task keys are pure functions of the domain keys the work acts on, so
// enqueueing the same logical work twice collapses onto one queue row.
package task

import (
	"fmt"

	"github.com/google/uuid"
)

// SubscriptionRenewalKey keys whole-subscription renewal work.
func SubscriptionRenewalKey(subscriptionID uuid.UUID) string {
	return "subscription_renewal_" + subscriptionID.String()
}

// ProductRenewalKey keys per-item renewal work. Recurring: the sweeper
// reuses the same key every cycle, reviving the finished row.
func ProductRenewalKey(subscriptionID, productID uuid.UUID) string {
	return fmt.Sprintf("product_renewal_%s_%s", subscriptionID, productID)
}

// ChargePaymentKey keys payment collection for one invoice.
func ChargePaymentKey(invoiceID uuid.UUID) string {
	return "payment_" + invoiceID.String()
}

// CreateDeliveryKey keys delivery creation for one invoice.
func CreateDeliveryKey(invoiceID uuid.UUID) string {
	return "delivery_" + invoiceID.String()
}

// CreateOrderKey keys external order placement for one delivery.
func CreateOrderKey(deliveryID uuid.UUID) string {
	return "order_" + deliveryID.String()
}

// EntitlementGrantKey keys digital grants for one invoice.
func EntitlementGrantKey(invoiceID uuid.UUID) string {
	return "entitlement_" + invoiceID.String()
}

// TrialEndKey keys the trial conversion check for one subscription.
func TrialEndKey(subscriptionID uuid.UUID) string {
	return "trial_end_" + subscriptionID.String()
}
