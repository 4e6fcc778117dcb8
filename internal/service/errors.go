package service

import (
	"github.com/dukerupert/skuld/internal/domain"
)

// Subscription lifecycle errors - state-machine rejections use domain.ECONFLICT
var (
	ErrSubscriptionTerminal  = domain.Errorf(domain.ECONFLICT, "", "Subscription is in a terminal state")
	ErrSubscriptionNotPaused = domain.Errorf(domain.ECONFLICT, "", "Subscription is not paused")
	ErrCannotPause           = domain.Errorf(domain.ECONFLICT, "", "Subscription cannot be paused in its current state")
	ErrTenantMismatch        = domain.ErrTenantMismatch
)

// Validation errors - use domain.EINVALID
var (
	ErrNoItems                = domain.Errorf(domain.EINVALID, "", "Subscription requires at least one item")
	ErrInvalidQuantity        = domain.Errorf(domain.EINVALID, "", "Quantity must be greater than 0")
	ErrShippingAddressMissing = domain.Errorf(domain.EINVALID, "", "Physical plans require a shipping address")
	ErrCurrencyMismatch       = domain.Errorf(domain.EINVALID, "", "Item currency does not match the plan currency")
)

// Plan and customer errors
var (
	ErrPlanNotFound     = domain.Errorf(domain.ENOTFOUND, "", "Plan not found")
	ErrPlanInactive     = domain.Errorf(domain.EINVALID, "", "Plan is not active")
	ErrCustomerNotFound = domain.Errorf(domain.ENOTFOUND, "", "Customer not found")
)

// Payment errors
var (
	ErrNoPaymentMethod = domain.Errorf(domain.EPAYMENT, "", "No payment method on file")
)

// Fulfillment errors
var (
	ErrDeliveryNotActive = domain.Errorf(domain.ECONFLICT, "", "Delivery has already been ordered or closed")
)

// Webhook endpoint errors
var (
	ErrEndpointNotFound = domain.ErrEndpointNotFound
)
